package server

import (
	"encoding/json"
	"time"

	"github.com/lox/pokerclock/internal/clock"
)

// Message represents the base WebSocket message structure
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(messageType MessageType, data interface{}) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      messageType,
		Data:      dataBytes,
		Timestamp: time.Now(),
	}, nil
}

// Client → Server Messages

// CommandData asks the clock to do something. Level is used by start and
// jump, Seconds by adjust.
type CommandData struct {
	Command Command `json:"command"`
	Level   *int    `json:"level,omitempty"`
	Seconds int     `json:"seconds,omitempty"`
}

// Server → Client Messages

// ClockStateData carries a full clock snapshot.
type ClockStateData struct {
	State  clock.State  `json:"state"`
	Reason clock.Reason `json:"reason,omitempty"`
}

// LevelCompletedData announces a blind level change.
type LevelCompletedData = clock.LevelCompletedEvent

// CommandResultData answers a successful command.
type CommandResultData struct {
	Command Command     `json:"command"`
	State   clock.State `json:"state"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TournamentSummary is one entry of the tournament list.
type TournamentSummary struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	State clock.State `json:"state"`
}

// TournamentDetail is a tournament with its full level schedule.
type TournamentDetail struct {
	TournamentSummary
	Levels      clock.Schedule `json:"levels"`
	TotalLength int            `json:"totalLengthSeconds"`
}
