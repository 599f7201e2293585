package store

import (
	"context"
	"sync"

	"github.com/lox/pokerclock/internal/clock"
)

// MemoryStore keeps snapshots for the life of the process.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]clock.State
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]clock.State)}
}

// SaveClockState replaces the tournament's snapshot.
func (s *MemoryStore) SaveClockState(ctx context.Context, state clock.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[state.TournamentID] = state
	return nil
}

// LoadClockState returns the tournament's snapshot.
func (s *MemoryStore) LoadClockState(_ context.Context, tournamentID string) (clock.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.snapshots[tournamentID]
	if !ok {
		return clock.State{}, ErrNotFound
	}
	return state, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
