package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps entries in process. It backs the inbox when no
// database is configured and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry), now: time.Now}
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		c := *e
		return &c, nil
	}
	return nil, nil
}

// Claim implements Store
func (s *MemoryStore) Claim(_ context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.entries[key]
	switch {
	case !ok:
		s.entries[key] = &Entry{
			Key:       key,
			Handler:   handler,
			Status:    StatusClaimed,
			Payload:   payload,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: &expiresAt,
		}
	case e.Status == StatusRetry:
		e.Status, e.UpdatedAt = StatusClaimed, now
	default:
		return ErrClaimed
	}
	return nil
}

// Mark implements Store. Unknown keys are ignored.
func (s *MemoryStore) Mark(_ context.Context, key string, status Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.Status, e.UpdatedAt = status, s.now()
		if result != nil {
			e.Result = result
		}
	}
	return nil
}

// DeleteExpired implements Store
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Stats implements Store
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, e := range s.entries {
		switch e.Status {
		case StatusClaimed:
			st.Claimed++
		case StatusDone:
			st.Done++
		case StatusRetry:
			st.Retry++
		case StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}
