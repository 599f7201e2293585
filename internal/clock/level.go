package clock

import (
	"fmt"
	"time"
)

// BlindLevel is one segment of a tournament's blind structure. Break levels
// carry no blinds but still consume their duration.
type BlindLevel struct {
	Index           int    `json:"index"`
	SmallBlind      int    `json:"smallBlind"`
	BigBlind        int    `json:"bigBlind"`
	Ante            int    `json:"ante"`
	DurationSeconds int    `json:"durationSeconds"`
	IsBreak         bool   `json:"isBreak"`
	BreakName       string `json:"breakName,omitempty"`
}

// Duration returns the nominal length of the level.
func (l BlindLevel) Duration() time.Duration {
	return time.Duration(l.DurationSeconds) * time.Second
}

// String renders the level the way a floor announcement would.
func (l BlindLevel) String() string {
	if l.IsBreak {
		if l.BreakName != "" {
			return fmt.Sprintf("Break: %s", l.BreakName)
		}
		return "Break"
	}
	if l.Ante > 0 {
		return fmt.Sprintf("%d/%d ante %d", l.SmallBlind, l.BigBlind, l.Ante)
	}
	return fmt.Sprintf("%d/%d", l.SmallBlind, l.BigBlind)
}

// Schedule is the ordered list of levels a tournament clock runs through.
type Schedule []BlindLevel

// Validate checks that the schedule is non-empty, indexed 0..N-1 without
// gaps, and that every level has a positive duration and non-negative blinds.
func (s Schedule) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: schedule is empty", ErrInvalidSchedule)
	}

	for i, level := range s {
		if level.Index != i {
			return fmt.Errorf("%w: level at position %d has index %d", ErrInvalidSchedule, i, level.Index)
		}
		if level.DurationSeconds <= 0 {
			return fmt.Errorf("%w: level %d duration must be positive", ErrInvalidSchedule, i)
		}
		if level.SmallBlind < 0 || level.BigBlind < 0 || level.Ante < 0 {
			return fmt.Errorf("%w: level %d has negative blinds", ErrInvalidSchedule, i)
		}
	}

	return nil
}

// Len returns the number of levels.
func (s Schedule) Len() int {
	return len(s)
}

// InRange reports whether index addresses a level of the schedule.
func (s Schedule) InRange(index int) bool {
	return index >= 0 && index < len(s)
}

// TotalDuration sums the nominal length of every level.
func (s Schedule) TotalDuration() time.Duration {
	var total time.Duration
	for _, level := range s {
		total += level.Duration()
	}
	return total
}

// NextBreak returns the first break level strictly after index.
func (s Schedule) NextBreak(index int) (BlindLevel, bool) {
	for i := index + 1; i < len(s); i++ {
		if s[i].IsBreak {
			return s[i], true
		}
	}
	return BlindLevel{}, false
}

// Reindex returns a copy of levels with indices assigned by position.
// Config loaders build levels without indices and use this before handing
// the schedule to an engine.
func Reindex(levels []BlindLevel) Schedule {
	out := make(Schedule, len(levels))
	for i, level := range levels {
		level.Index = i
		out[i] = level
	}
	return out
}

func (s Schedule) clone() Schedule {
	out := make(Schedule, len(s))
	copy(out, s)
	return out
}
