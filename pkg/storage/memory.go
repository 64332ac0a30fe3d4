package storage

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
)

var errNoCameraID = errors.New("status camera id cannot be empty")

// MemoryStore keeps the latest status per camera for a single poller
// process. The camera set comes from the catalog, so entries are never
// expired; readers use CameraStatus.Stale instead.
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[string]CameraStatus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{statuses: make(map[string]CameraStatus)}
}

// Put replaces the status stored for status.CameraID.
func (s *MemoryStore) Put(ctx context.Context, status CameraStatus) error {
	if status.CameraID == "" {
		return errNoCameraID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.statuses[status.CameraID] = status
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetLatest(ctx context.Context, cameraID string) (CameraStatus, bool, error) {
	if err := ctx.Err(); err != nil {
		return CameraStatus{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[cameraID]
	return st, ok, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]CameraStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := slices.Collect(maps.Values(s.statuses))
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b CameraStatus) int { return cmp.Compare(a.CameraID, b.CameraID) })
	if out == nil {
		out = []CameraStatus{}
	}
	return out, nil
}

// Len is the number of cameras with a status.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.statuses)
}
