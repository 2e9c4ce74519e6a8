package builder

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrBuildNotFound is returned for an unknown build id.
var ErrBuildNotFound = errors.New("build not found")

type subscriber chan string

type buildRecord struct {
	build       Build
	subscribers []subscriber
	logs        []string
	closed      bool
}

// DefaultRetainedBuilds is how many finished builds a MemStore keeps.
const DefaultRetainedBuilds = 256

// MemStore keeps build records in memory and supports log subscriptions.
// Only the most recently finished builds are retained; running builds are
// never evicted.
type MemStore struct {
	mu       sync.RWMutex
	items    map[string]*buildRecord
	finished []string
	retain   int
}

func NewMemStore() *MemStore {
	return NewMemStoreWithRetention(DefaultRetainedBuilds)
}

// NewMemStoreWithRetention keeps at most retain finished builds; retain <= 0
// means DefaultRetainedBuilds.
func NewMemStoreWithRetention(retain int) *MemStore {
	if retain <= 0 {
		retain = DefaultRetainedBuilds
	}
	return &MemStore{items: make(map[string]*buildRecord), retain: retain}
}

func (s *MemStore) Create(build Build) Build {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &buildRecord{build: build}
	s.items[build.ID] = rec
	return rec.build
}

func (s *MemStore) SetStatus(id string, status Status) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrBuildNotFound
	}
	rec.build.Status = status
	rec.build.UpdatedAt = time.Now().UTC()
	return rec.build, nil
}

// Finish records the terminal state of a build.
func (s *MemStore) Finish(id string, c Completion, finishedAt time.Time) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrBuildNotFound
	}
	rec.build.Status = c.Status
	rec.build.UpdatedAt = finishedAt
	rec.build.FinishedAt = finishedAt
	rec.build.ArtifactName = c.ArtifactName
	rec.build.ArtifactDigest = c.ArtifactDigest
	rec.build.Message = c.Message
	rec.build.Error = c.Error
	return rec.build, nil
}

func (s *MemStore) AppendLog(id string, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return
	}
	rec.logs = append(rec.logs, line)
	for _, sub := range rec.subscribers {
		select {
		case sub <- line:
		default:
		}
	}
}

func (s *MemStore) Get(id string) (Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrBuildNotFound
	}
	return rec.build, nil
}

// List returns all builds, newest first.
func (s *MemStore) List() []Build {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Build, 0, len(s.items))
	for _, rec := range s.items {
		result = append(result, rec.build)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

func (s *MemStore) Logs(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, ErrBuildNotFound
	}
	return append([]string(nil), rec.logs...), nil
}

// Subscribe replays the logs recorded so far and then follows new lines.
// The channel is closed once the build finishes.
func (s *MemStore) Subscribe(id string) (<-chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, ErrBuildNotFound
	}

	ch := make(subscriber, len(rec.logs)+64)
	for _, line := range rec.logs {
		ch <- line
	}
	if rec.closed {
		close(ch)
		return ch, nil
	}
	rec.subscribers = append(rec.subscribers, ch)
	return ch, nil
}

func (s *MemStore) CloseSubscribers(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return
	}
	if rec.closed {
		return
	}
	for _, sub := range rec.subscribers {
		close(sub)
	}
	rec.subscribers = nil
	rec.closed = true

	s.finished = append(s.finished, id)
	for len(s.finished) > s.retain {
		delete(s.items, s.finished[0])
		s.finished = s.finished[1:]
	}
}
