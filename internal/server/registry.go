package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lox/pokerclock/internal/clock"
)

// Tournament pairs a clock engine with its display name.
type Tournament struct {
	ID     string
	Name   string
	Engine *clock.Engine
}

// Summary returns the tournament's list entry.
func (t *Tournament) Summary() TournamentSummary {
	return TournamentSummary{ID: t.ID, Name: t.Name, State: t.Engine.State()}
}

// Registry holds the engines served by this process, in registration order.
type Registry struct {
	mu          sync.RWMutex
	tournaments map[string]*Tournament
	order       []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tournaments: make(map[string]*Tournament)}
}

// Add registers engine under its tournament id.
func (r *Registry) Add(name string, engine *clock.Engine) (*Tournament, error) {
	id := engine.TournamentID()
	if name == "" {
		name = id
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tournaments[id]; exists {
		return nil, fmt.Errorf("tournament %s already registered", id)
	}
	t := &Tournament{ID: id, Name: name, Engine: engine}
	r.tournaments[id] = t
	r.order = append(r.order, id)
	return t, nil
}

// Get returns a tournament by id.
func (r *Registry) Get(id string) (*Tournament, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tournaments[id]
	return t, ok
}

// List returns every tournament.
func (r *Registry) List() []*Tournament {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tournament, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tournaments[id])
	}
	return out
}

// Close closes every engine.
func (r *Registry) Close() error {
	var errs []error
	for _, t := range r.List() {
		if err := t.Engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}
