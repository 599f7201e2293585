package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lox/pokerclock/internal/clock"
)

// FileStore writes each tournament's snapshot to <dir>/<id>.json. Writes go
// through a temp file and rename, so a reader sees either the previous
// snapshot or the new one, never a partial file.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(tournamentID string) (string, error) {
	if tournamentID == "" || strings.ContainsAny(tournamentID, `/\`) || tournamentID == "." || tournamentID == ".." {
		return "", fmt.Errorf("invalid tournament id %q", tournamentID)
	}
	return filepath.Join(s.dir, tournamentID+".json"), nil
}

// SaveClockState atomically replaces the tournament's snapshot file.
func (s *FileStore) SaveClockState(ctx context.Context, state clock.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(state.TournamentID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(path, data, 0o644)
}

// LoadClockState reads the tournament's snapshot file.
func (s *FileStore) LoadClockState(_ context.Context, tournamentID string) (clock.State, error) {
	path, err := s.path(tournamentID)
	if err != nil {
		return clock.State{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return clock.State{}, ErrNotFound
	}
	if err != nil {
		return clock.State{}, fmt.Errorf("read snapshot: %w", err)
	}

	var state clock.State
	if err := json.Unmarshal(data, &state); err != nil {
		return clock.State{}, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return state, nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

// writeFileAtomic writes data to a temp file in the target's directory,
// syncs it and renames it over filename.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err = os.Rename(tmpPath, filename); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
