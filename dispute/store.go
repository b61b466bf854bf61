package dispute

import (
	"context"
	"sync"
)

// Store persists dispute aggregates. Implementations must return ErrNotFound
// for unknown ids; the service serializes access per dispute id, so Store
// needs no per-record locking of its own beyond map safety.
type Store interface {
	Create(ctx context.Context, d Dispute) error
	Get(ctx context.Context, id string) (Dispute, error)
	Update(ctx context.Context, d Dispute) error
}

// IdempotencyReserver is implemented by stores that persist idempotency
// claims, so replay protection survives restarts and covers replicas that
// never saw the first request. PGStore backs it with the idempotency table.
type IdempotencyReserver interface {
	ReserveIdempotencyKey(ctx context.Context, key string) error
}

// MemoryStore keeps disputes in process memory. It hands out clones so
// callers can never mutate stored state by field assignment.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]Dispute
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]Dispute)}
}

func (s *MemoryStore) Create(_ context.Context, d Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disputes[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, d Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[d.ID]; !ok {
		return ErrNotFound
	}
	s.disputes[d.ID] = d.Clone()
	return nil
}
