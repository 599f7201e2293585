package clock

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned when a level index falls outside the schedule.
	ErrOutOfRange = errors.New("level index out of range")

	// ErrInvalidTransition is returned when a command is not valid from the
	// clock's current status.
	ErrInvalidTransition = errors.New("invalid clock transition")

	// ErrInvalidSchedule is returned at construction for malformed schedules.
	ErrInvalidSchedule = errors.New("invalid level schedule")

	// ErrPersistenceFailure wraps errors returned by a Persister. It is only
	// ever reported to the persistence error handler and the log.
	ErrPersistenceFailure = errors.New("clock snapshot persistence failed")

	// ErrClosed is returned by commands issued after Close.
	ErrClosed = errors.New("clock engine closed")
)

// RangeError describes a rejected level index.
type RangeError struct {
	Index int
	Len   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("level index %d out of range [0, %d)", e.Index, e.Len)
}

func (e *RangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// TransitionError describes a command rejected by the state machine.
type TransitionError struct {
	Command string
	From    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s clock while %s", e.Command, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// PersistenceError carries the tournament whose snapshot failed to save.
type PersistenceError struct {
	TournamentID string
	Err          error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist clock %s: %v", e.TournamentID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistenceFailure
}
