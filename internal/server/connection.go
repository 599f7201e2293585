package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/lox/pokerclock/internal/auth"
	"github.com/lox/pokerclock/internal/clock"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Outgoing messages buffered per connection
	sendBufferSize = 64
)

var ErrConnectionClosed = errors.New("connection closed")

// Connection is one display or controller watching a tournament.
type Connection struct {
	conn       *websocket.Conn
	send       chan *Message
	tournament *Tournament
	sub        *clock.Subscription
	authorize  func(context.Context) (*auth.Identity, error)
	logger     *log.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

// NewConnection subscribes to the tournament's clock. Call Start to begin
// serving the socket.
func NewConnection(conn *websocket.Conn, tournament *Tournament, logger *log.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		conn:       conn,
		send:       make(chan *Message, sendBufferSize),
		tournament: tournament,
		sub:        tournament.Engine.Subscribe(),
		logger:     logger.WithPrefix("conn").With("tournament", tournament.ID, "remote", conn.RemoteAddr().String()),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start sends the current state and begins relaying clock events.
func (c *Connection) Start() {
	initial := c.tournament.Engine.State()
	c.sendState(initial, "")

	go c.writePump()
	go c.readPump()
	go c.relayPump(initial.ServerTime)
}

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close closes the connection
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.tournament.Engine.Unsubscribe(c.sub.ID)
		err = c.conn.Close()
	})
	return err
}

// SendMessage queues msg for the client. A client that cannot keep up is
// disconnected; it will receive a fresh state when it reconnects.
func (c *Connection) SendMessage(msg *Message) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.logger.Warn("Connection send buffer full, closing connection")
		_ = c.Close()
		return ErrConnectionClosed
	}
}

// relayPump turns clock events into messages. Events older than the initial
// state sent in Start are skipped.
func (c *Connection) relayPump(since time.Time) {
	defer func() { _ = c.Close() }()

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-c.sub.C:
			if !ok {
				return
			}
			if staleEvent(ev, since) {
				continue
			}
			switch e := ev.(type) {
			case clock.StateChangedEvent:
				c.sendState(e.State, e.Reason)
			case clock.LevelCompletedEvent:
				c.sendTyped(MessageTypeLevelCompleted, LevelCompletedData(e), "")
			}
		}
	}
}

// staleEvent reports whether ev happened before since and is therefore
// already reflected in the state a display was sent on connect.
func staleEvent(ev clock.Event, since time.Time) bool {
	switch e := ev.(type) {
	case clock.StateChangedEvent:
		return e.State.ServerTime.Before(since)
	case clock.LevelCompletedEvent:
		return e.At.Before(since)
	}
	return false
}

// readPump handles incoming messages from the client
func (c *Connection) readPump() {
	defer func() { _ = c.Close() }()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", "error", err)
			}
			return
		}

		c.handleMessage(&msg)
	}
}

// writePump handles outgoing messages to the client
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Debug("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage processes incoming messages from the client
func (c *Connection) handleMessage(msg *Message) {
	c.logger.Debug("Received message", "type", msg.Type)

	switch msg.Type {
	case MessageTypeCommand:
		var data CommandData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid_message", "Failed to parse command data", msg.RequestID)
			return
		}
		c.handleCommand(data, msg.RequestID)

	default:
		c.sendError("unknown_message_type", "Unknown message type: "+msg.Type.String(), msg.RequestID)
	}
}

func (c *Connection) handleCommand(data CommandData, requestID string) {
	var director *auth.Identity
	if c.authorize != nil {
		var err error
		if director, err = c.authorize(c.ctx); err != nil {
			code, _ := errorCode(err)
			c.logger.Warn("Command not authorized", "command", data.Command, "code", code, "error", err)
			c.sendError(code, err.Error(), requestID)
			return
		}
	}

	state, err := Execute(c.tournament.Engine, data)
	if err != nil {
		code, _ := errorCode(err)
		c.logger.Info("Command rejected", "command", data.Command, "code", code, "error", err)
		c.sendError(code, err.Error(), requestID)
		return
	}

	c.logger.Info("Command applied", "command", data.Command, "director", directorName(director), "status", state.Status, "level", state.CurrentLevelIndex)
	c.sendTyped(MessageTypeCommandResult, CommandResultData{Command: data.Command, State: state}, requestID)
}

func (c *Connection) sendState(state clock.State, reason clock.Reason) {
	c.sendTyped(MessageTypeClockState, ClockStateData{State: state, Reason: reason}, "")
}

func (c *Connection) sendTyped(messageType MessageType, data interface{}, requestID string) {
	msg, err := NewMessage(messageType, data)
	if err != nil {
		c.logger.Error("Failed to create message", "type", messageType, "error", err)
		return
	}
	msg.RequestID = requestID
	_ = c.SendMessage(msg)
}

// sendError sends an error message to the client
func (c *Connection) sendError(code, message, requestID string) {
	c.sendTyped(MessageTypeError, ErrorData{Code: code, Message: message}, requestID)
}
