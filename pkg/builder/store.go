package builder

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound indicates an unknown build ID.
var ErrNotFound = errors.New("build not found")

type subscriber chan string

type buildRecord struct {
	build       Build
	subscribers []subscriber
	logs        []string
}

// MemStore keeps build records in memory and supports log subscriptions
// for live streaming.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*buildRecord
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*buildRecord)}
}

func (s *MemStore) Create(build Build) Build {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &buildRecord{build: build}
	s.items[build.ID] = rec
	return rec.build
}

func (s *MemStore) SetStatus(id string, status Status, errMsg string) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	rec.build.Status = status
	rec.build.UpdatedAt = time.Now().UTC()
	if status.Terminal() {
		rec.build.FinishedAt = rec.build.UpdatedAt
	}
	rec.build.Error = errMsg
	return rec.build, nil
}

// SetImage records the committed image's digest and layout path. Only
// called for builds that reached StatusCommitted.
func (s *MemStore) SetImage(id, digest, layoutPath string) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	rec.build.ImageDigest = digest
	rec.build.ImagePath = layoutPath
	rec.build.UpdatedAt = time.Now().UTC()
	return rec.build, nil
}

func (s *MemStore) AppendLog(id string, line string) {
	s.mu.Lock()
	rec, ok := s.items[id]
	if ok {
		rec.logs = append(rec.logs, line)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.Broadcast(id, line)
}

func (s *MemStore) Get(id string) (Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	return rec.build, nil
}

func (s *MemStore) List() []Build {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Build, 0, len(s.items))
	for _, rec := range s.items {
		result = append(result, rec.build)
	}
	return result
}

func (s *MemStore) Logs(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]string, len(rec.logs))
	copy(out, rec.logs)
	return out, nil
}

func (s *MemStore) Subscribe(id string) (<-chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}

	ch := make(subscriber, 64)
	rec.subscribers = append(rec.subscribers, ch)
	for _, line := range rec.logs {
		select {
		case ch <- line:
		default:
		}
	}
	return ch, nil
}

// Broadcast fans message out to the build's subscribers. The lock is held
// across the iteration: Subscribe grows the slice and CloseSubscribers
// closes the channels, both under the write lock, so sends here can never
// race a resize or hit a closed channel. Sends are non-blocking.
func (s *MemStore) Broadcast(id string, message string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return
	}
	for _, sub := range rec.subscribers {
		select {
		case sub <- message:
		default:
		}
	}
}

func (s *MemStore) CloseSubscribers(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return
	}
	for _, sub := range rec.subscribers {
		close(sub)
	}
	rec.subscribers = nil
}
