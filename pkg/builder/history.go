package builder

import (
	"context"
	"log"
	"strings"
	"time"
)

// Persister is the durable side of the build history.
type Persister interface {
	Create(build Build) error
	UpdateStatus(id string, status Status) error
	Finish(id string, c Completion, finishedAt time.Time) error
	AppendLog(id string, line string) error
}

const maxReplayLines = 10000

// Publisher announces build state changes to other services.
type Publisher interface {
	Publish(ctx context.Context, build Build) error
}

// History records every build in memory and mirrors it to the optional
// persister and publisher. Failures of the mirrors are logged, never returned.
type History struct {
	mem       *MemStore
	persister Persister
	publisher Publisher
}

// NewHistory returns a history backed by mem. persister and publisher may be nil.
func NewHistory(mem *MemStore, persister Persister, publisher Publisher) *History {
	if mem == nil {
		mem = NewMemStore()
	}
	return &History{mem: mem, persister: persister, publisher: publisher}
}

// Reader is implemented by persisters that can serve history queries.
type Reader interface {
	List() ([]Build, error)
	Get(id string) (Build, error)
	ListLogs(id string, limit int) ([]string, error)
}

// Store exposes the in-memory store for reads and log subscriptions.
func (h *History) Store() *MemStore { return h.mem }

// List returns recorded builds, newest first, preferring the durable store.
func (h *History) List() ([]Build, error) {
	if r, ok := h.persister.(Reader); ok {
		return r.List()
	}
	return h.mem.List(), nil
}

// Get returns a build by id, preferring the durable store.
func (h *History) Get(id string) (Build, error) {
	if r, ok := h.persister.(Reader); ok {
		return r.Get(id)
	}
	return h.mem.Get(id)
}

// Subscribe follows the logs of a build. Builds no longer held in memory are
// replayed from the durable store on an already closed channel.
func (h *History) Subscribe(id string) (<-chan string, error) {
	ch, err := h.mem.Subscribe(id)
	if err == nil {
		return ch, nil
	}
	r, ok := h.persister.(Reader)
	if !ok {
		return nil, err
	}
	if _, err := r.Get(id); err != nil {
		return nil, err
	}
	lines, err := r.ListLogs(id, maxReplayLines)
	if err != nil {
		return nil, err
	}
	replay := make(chan string, len(lines))
	for _, line := range lines {
		replay <- line
	}
	close(replay)
	return replay, nil
}

func (h *History) start(ctx context.Context, build Build) {
	h.mem.Create(build)
	if h.persister != nil {
		if err := h.persister.Create(build); err != nil {
			log.Printf("persist build failed: %v", err)
		}
	}
	h.publish(ctx, build)
}

func (h *History) updateStatus(ctx context.Context, id string, status Status) {
	build, err := h.mem.SetStatus(id, status)
	if err != nil {
		log.Printf("memory status error: %v", err)
		return
	}
	if h.persister != nil {
		if err := h.persister.UpdateStatus(id, status); err != nil {
			log.Printf("postgres status error: %v", err)
		}
	}
	h.publish(ctx, build)
}

func (h *History) appendLog(id string, line string) {
	h.mem.AppendLog(id, line)
	if h.persister != nil {
		if err := h.persister.AppendLog(id, line); err != nil {
			log.Printf("persist log error: %v", err)
		}
	}
}

// finish writes the build logs line by line, stores the terminal state and
// closes log subscribers.
func (h *History) finish(ctx context.Context, id string, c Completion, logs string) {
	if logs != "" {
		for _, line := range strings.Split(logs, "\n") {
			h.appendLog(id, line)
		}
	}
	finishedAt := time.Now().UTC()
	build, err := h.mem.Finish(id, c, finishedAt)
	if err != nil {
		log.Printf("memory finish error: %v", err)
	}
	if h.persister != nil {
		if err := h.persister.Finish(id, c, finishedAt); err != nil {
			log.Printf("postgres finish error: %v", err)
		}
	}
	h.mem.CloseSubscribers(id)
	if err == nil {
		h.publish(ctx, build)
	}
}

func (h *History) publish(ctx context.Context, build Build) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(context.WithoutCancel(ctx), build); err != nil {
		log.Printf("publish build %s failed: %v", build.ID, err)
	}
}
