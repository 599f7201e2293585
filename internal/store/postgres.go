package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lox/pokerclock/internal/clock"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS clock_snapshots (
    tournament_id TEXT PRIMARY KEY,
    status        TEXT NOT NULL,
    level_index   INTEGER NOT NULL,
    snapshot      JSONB NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const upsertSQL = `
INSERT INTO clock_snapshots (tournament_id, status, level_index, snapshot, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (tournament_id) DO UPDATE
SET status = EXCLUDED.status,
    level_index = EXCLUDED.level_index,
    snapshot = EXCLUDED.snapshot,
    updated_at = EXCLUDED.updated_at`

// PostgresStore keeps snapshots in the clock_snapshots table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres store requires a dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the snapshot table if it is missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create clock_snapshots: %w", err)
	}
	return nil
}

// SaveClockState upserts the tournament's snapshot.
func (s *PostgresStore) SaveClockState(ctx context.Context, state clock.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := s.pool.Exec(ctx, upsertSQL, state.TournamentID, string(state.Status), state.CurrentLevelIndex, data); err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", state.TournamentID, err)
	}
	return nil
}

// LoadClockState reads the tournament's snapshot.
func (s *PostgresStore) LoadClockState(ctx context.Context, tournamentID string) (clock.State, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM clock_snapshots WHERE tournament_id = $1`,
		tournamentID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return clock.State{}, ErrNotFound
	}
	if err != nil {
		return clock.State{}, fmt.Errorf("load snapshot %s: %w", tournamentID, err)
	}

	var state clock.State
	if err := json.Unmarshal(data, &state); err != nil {
		return clock.State{}, fmt.Errorf("decode snapshot %s: %w", tournamentID, err)
	}
	return state, nil
}

// Delete removes the tournament's snapshot.
func (s *PostgresStore) Delete(ctx context.Context, tournamentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM clock_snapshots WHERE tournament_id = $1`, tournamentID)
	return err
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
