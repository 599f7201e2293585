package clock

import "time"

// EventType identifies a clock event on the wire and in the hub.
type EventType string

const (
	EventTypeStateChanged   EventType = "state_changed"
	EventTypeLevelCompleted EventType = "level_completed"
)

// String returns the string representation of the event type
func (et EventType) String() string {
	return string(et)
}

// Reason explains what produced a state change.
type Reason string

const (
	ReasonStart     Reason = "start"
	ReasonPause     Reason = "pause"
	ReasonResume    Reason = "resume"
	ReasonStop      Reason = "stop"
	ReasonJump      Reason = "jump"
	ReasonAdjust    Reason = "adjust"
	ReasonTick      Reason = "tick"
	ReasonLevelUp   Reason = "level_up"
	ReasonCompleted Reason = "completed"
)

// Event is anything an engine publishes to its subscribers.
type Event interface {
	EventType() EventType
	Timestamp() time.Time
}

// StateChangedEvent carries the snapshot produced by a command or tick.
type StateChangedEvent struct {
	State  State  `json:"state"`
	Reason Reason `json:"reason"`
}

func (e StateChangedEvent) EventType() EventType { return EventTypeStateChanged }
func (e StateChangedEvent) Timestamp() time.Time { return e.State.ServerTime }

// LevelCompletedEvent is published when a level's duration has fully elapsed
// and the clock advanced to the next one. It is not published when the final
// level ends; that is a StateChangedEvent with ReasonCompleted.
type LevelCompletedEvent struct {
	TournamentID   string     `json:"tournamentId"`
	CompletedLevel BlindLevel `json:"completedLevel"`
	NewLevel       BlindLevel `json:"newLevel"`
	At             time.Time  `json:"at"`
}

func (e LevelCompletedEvent) EventType() EventType { return EventTypeLevelCompleted }
func (e LevelCompletedEvent) Timestamp() time.Time { return e.At }
