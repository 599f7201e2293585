// Package store keeps the latest clock snapshot of each tournament so a
// restarted server can restore its clocks.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/lox/pokerclock/internal/clock"
)

// ErrNotFound is returned when no snapshot exists for a tournament.
var ErrNotFound = errors.New("clock snapshot not found")

// Store persists one snapshot per tournament. Implementations satisfy
// clock.Persister and are safe for concurrent use.
type Store interface {
	clock.Persister
	LoadClockState(ctx context.Context, tournamentID string) (clock.State, error)
	Close() error
}

// Config selects and configures a store driver.
type Config struct {
	Driver string // memory, file or postgres
	Path   string // directory for the file driver
	DSN    string // connection string for the postgres driver
}

// Open creates the store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
