// Package status publishes build state to Redis so other services can follow builds.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyvo/contractbuild/backend/pkg/builder"
)

const (
	recordTTL  = 24 * time.Hour
	historyLen = 50

	// Channel receives every published build as JSON.
	Channel = "contractbuild:builds"
)

// ErrNotFound is returned when no record exists for a build id.
var ErrNotFound = errors.New("build status not found")

func BuildKey(id string) string {
	return fmt.Sprintf("build:%s", id)
}

func ProjectKey(projectID string) string {
	return fmt.Sprintf("project:%s:builds", projectID)
}

// Publisher mirrors build records into Redis.
type Publisher struct {
	redis *redis.Client
}

func NewPublisher(redisURL string) (*Publisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Publisher{redis: client}, nil
}

// Publish stores the latest state of b, indexes new builds under their
// project and announces the change on Channel.
func (p *Publisher) Publish(ctx context.Context, b builder.Build) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}

	pipe := p.redis.TxPipeline()
	pipe.Set(ctx, BuildKey(b.ID), data, recordTTL)
	if b.Status == builder.StatusQueued {
		projectKey := ProjectKey(b.ProjectID)
		pipe.LPush(ctx, projectKey, b.ID)
		pipe.LTrim(ctx, projectKey, 0, historyLen-1)
		pipe.Expire(ctx, projectKey, recordTTL)
	}
	pipe.Publish(ctx, Channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish build %s: %w", b.ID, err)
	}
	return nil
}

// Get returns the last published state of a build.
func (p *Publisher) Get(ctx context.Context, id string) (builder.Build, error) {
	data, err := p.redis.Get(ctx, BuildKey(id)).Bytes()
	if err == redis.Nil {
		return builder.Build{}, ErrNotFound
	}
	if err != nil {
		return builder.Build{}, err
	}

	var b builder.Build
	if err := json.Unmarshal(data, &b); err != nil {
		return builder.Build{}, err
	}
	return b, nil
}

// Recent returns the ids of the newest builds of a project.
func (p *Publisher) Recent(ctx context.Context, projectID string, limit int64) ([]string, error) {
	if limit <= 0 || limit > historyLen {
		limit = historyLen
	}
	return p.redis.LRange(ctx, ProjectKey(projectID), 0, limit-1).Result()
}

func (p *Publisher) Close() error {
	return p.redis.Close()
}

var _ builder.Publisher = (*Publisher)(nil)
