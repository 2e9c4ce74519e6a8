package status

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vyvo/contractbuild/backend/pkg/builder"
)

func TestKeys(t *testing.T) {
	if got := BuildKey("b-1"); got != "build:b-1" {
		t.Fatalf("unexpected build key: %s", got)
	}
	if got := ProjectKey("p-1"); got != "project:p-1:builds" {
		t.Fatalf("unexpected project key: %s", got)
	}
}

func TestNewPublisherRejectsInvalidURL(t *testing.T) {
	if _, err := NewPublisher("not a redis url"); err == nil {
		t.Fatalf("expected error for invalid URL")
	}
}

// newTestPublisher connects to the Redis named by BUILDER_REDIS_URL.
func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	url := os.Getenv("BUILDER_REDIS_URL")
	if url == "" {
		t.Skip("BUILDER_REDIS_URL not set")
	}
	pub, err := NewPublisher(url)
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { _ = pub.Close() })
	return pub
}

func TestPublishStoresIndexesAndAnnounces(t *testing.T) {
	pub := newTestPublisher(t)
	ctx := context.Background()

	projectID := "p-" + uuid.NewString()
	build := builder.Build{ID: uuid.NewString(), ProjectID: projectID, Status: builder.StatusQueued}
	t.Cleanup(func() {
		pub.redis.Del(context.Background(), BuildKey(build.ID), ProjectKey(projectID))
	})

	sub := pub.redis.Subscribe(ctx, Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := pub.Publish(ctx, build); err != nil {
		t.Fatalf("publish queued: %v", err)
	}
	build.Status = builder.StatusSucceeded
	build.ArtifactName = "hello.wasm"
	if err := pub.Publish(ctx, build); err != nil {
		t.Fatalf("publish succeeded: %v", err)
	}

	got, err := pub.Get(ctx, build.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != builder.StatusSucceeded || got.ArtifactName != "hello.wasm" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if ttl := pub.redis.TTL(ctx, BuildKey(build.ID)).Val(); ttl <= 0 || ttl > recordTTL {
		t.Fatalf("unexpected record ttl %s", ttl)
	}

	ids, err := pub.Recent(ctx, projectID, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(ids) != 1 || ids[0] != build.ID {
		t.Fatalf("build must be indexed once, got %v", ids)
	}

	ch := sub.Channel()
	for _, want := range []builder.Status{builder.StatusQueued, builder.StatusSucceeded} {
		select {
		case msg := <-ch:
			var announced builder.Build
			if err := json.Unmarshal([]byte(msg.Payload), &announced); err != nil {
				t.Fatalf("decode announcement: %v", err)
			}
			if announced.ID != build.ID || announced.Status != want {
				t.Fatalf("unexpected announcement %+v, want status %s", announced, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no announcement for status %s", want)
		}
	}
}

func TestRecentIsTrimmed(t *testing.T) {
	pub := newTestPublisher(t)
	ctx := context.Background()

	projectID := "p-" + uuid.NewString()
	var ids []string
	for i := 0; i < historyLen+5; i++ {
		b := builder.Build{ID: uuid.NewString(), ProjectID: projectID, Status: builder.StatusQueued}
		ids = append(ids, b.ID)
		if err := pub.Publish(ctx, b); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	t.Cleanup(func() {
		keys := []string{ProjectKey(projectID)}
		for _, id := range ids {
			keys = append(keys, BuildKey(id))
		}
		pub.redis.Del(context.Background(), keys...)
	})

	recent, err := pub.Recent(ctx, projectID, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != historyLen {
		t.Fatalf("expected %d builds, got %d", historyLen, len(recent))
	}
	if recent[0] != ids[len(ids)-1] {
		t.Fatalf("expected newest build first, got %s", recent[0])
	}
}

func TestGetUnknownBuild(t *testing.T) {
	pub := newTestPublisher(t)
	if _, err := pub.Get(context.Background(), uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
