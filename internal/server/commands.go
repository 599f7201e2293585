package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lox/pokerclock/internal/auth"
	"github.com/lox/pokerclock/internal/clock"
)

// Command names a clock operation on the wire.
type Command string

const (
	CommandStart  Command = "start"
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
	CommandStop   Command = "stop"
	CommandJump   Command = "jump"
	CommandAdjust Command = "adjust"
)

var (
	// ErrUnknownCommand is returned for a command name the clock does not have.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrBadRequest is returned for a command missing a required argument.
	ErrBadRequest = errors.New("bad request")
)

// Execute runs cmd against engine. Start defaults to the first level.
func Execute(engine *clock.Engine, cmd CommandData) (clock.State, error) {
	switch cmd.Command {
	case CommandStart:
		level := 0
		if cmd.Level != nil {
			level = *cmd.Level
		}
		return engine.Start(level)
	case CommandPause:
		return engine.Pause()
	case CommandResume:
		return engine.Resume()
	case CommandStop:
		return engine.Stop()
	case CommandJump:
		if cmd.Level == nil {
			return clock.State{}, fmt.Errorf("%w: jump requires a level", ErrBadRequest)
		}
		return engine.JumpToLevel(*cmd.Level)
	case CommandAdjust:
		if cmd.Seconds == 0 {
			return clock.State{}, fmt.Errorf("%w: adjust requires seconds", ErrBadRequest)
		}
		return engine.AddTime(cmd.Seconds)
	default:
		return clock.State{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
	}
}

// errorCode maps an error to its wire code and HTTP status.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, clock.ErrOutOfRange):
		return "out_of_range", http.StatusUnprocessableEntity
	case errors.Is(err, clock.ErrInvalidTransition):
		return "invalid_transition", http.StatusConflict
	case errors.Is(err, ErrUnknownCommand), errors.Is(err, ErrBadRequest):
		return "invalid_message", http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken):
		return "unauthorized", http.StatusUnauthorized
	case errors.Is(err, clock.ErrClosed), errors.Is(err, auth.ErrUnavailable):
		return "unavailable", http.StatusServiceUnavailable
	default:
		return "internal_error", http.StatusInternalServerError
	}
}
