package clock

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Status is the run state of a tournament clock.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
)

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown statuses so a corrupt snapshot never
// reaches an engine.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	status := Status(raw)
	if !status.Valid() {
		return fmt.Errorf("unknown clock status %q", raw)
	}
	*s = status
	return nil
}

// State is a point-in-time snapshot of a clock. It is a value: receivers may
// keep and serialize it without synchronization.
type State struct {
	TournamentID        string      `json:"tournamentId"`
	Status              Status      `json:"status"`
	CurrentLevelIndex   int         `json:"currentLevelIndex"`
	CurrentLevel        BlindLevel  `json:"currentLevel"`
	NextLevel           *BlindLevel `json:"nextLevel,omitempty"`
	ElapsedSeconds      int         `json:"elapsedSeconds"`
	RemainingSeconds    int         `json:"remainingSeconds"`
	TotalElapsedSeconds int         `json:"totalElapsedSeconds"`
	StartedAt           *time.Time  `json:"startedAt,omitempty"`
	PausedAt            *time.Time  `json:"pausedAt,omitempty"`
	CompletedAt         *time.Time  `json:"completedAt,omitempty"`
	DriftCorrection     float64     `json:"driftCorrection"`
	ServerTime          time.Time   `json:"serverTime"`
}

// DisplayedRemaining returns the countdown a receiver should show at
// serverNow, interpolating between pushes while the clock runs. serverNow is
// the receiver's estimate of the server's wall clock.
func (s State) DisplayedRemaining(serverNow time.Time) time.Duration {
	remaining := time.Duration(s.RemainingSeconds) * time.Second
	if s.Status != StatusRunning {
		return remaining
	}
	since := serverNow.Sub(s.ServerTime)
	if since < 0 {
		since = 0
	}
	remaining -= since
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Progress is the fraction of the current level that has elapsed.
func (s State) Progress() float64 {
	if s.CurrentLevel.DurationSeconds <= 0 {
		return 0
	}
	return math.Min(1, float64(s.ElapsedSeconds)/float64(s.CurrentLevel.DurationSeconds))
}

func timePtr(t time.Time) *time.Time {
	return &t
}
