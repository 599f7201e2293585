package server

// MessageType represents a WebSocket message type with type safety
type MessageType string

const (
	// Client → Server

	MessageTypeCommand MessageType = "command"

	// Server → Client

	MessageTypeClockState     MessageType = "clock_state"
	MessageTypeLevelCompleted MessageType = "level_completed"
	MessageTypeCommandResult  MessageType = "command_result"
	MessageTypeError          MessageType = "error"
)

// String returns the string representation of the message type
func (mt MessageType) String() string {
	return string(mt)
}
