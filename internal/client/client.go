// Package client connects to a pokerclock server over WebSocket to follow a
// tournament clock and, for controllers, to issue clock commands.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/lox/pokerclock/internal/clock"
	"github.com/lox/pokerclock/internal/server" // Reuse message types
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 54 * time.Second
)

// ErrDisconnected is returned when the connection is gone.
var ErrDisconnected = errors.New("disconnected from server")

// CommandError is a command the server rejected.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// EventHandler is a function that handles incoming messages
type EventHandler func(*server.Message)

// Client represents a WebSocket connection to one tournament's clock
type Client struct {
	serverURL    string
	tournamentID string
	token        string
	conn         *websocket.Conn
	send         chan *server.Message
	logger       *log.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	nextID       atomic.Uint64

	mu            sync.RWMutex
	connected     bool
	eventHandlers map[server.MessageType][]EventHandler
	pending       map[string]chan *server.Message
}

// NewClient creates a client for tournamentID on serverURL (http, https, ws
// or wss).
func NewClient(serverURL, tournamentID string, logger *log.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		serverURL:     serverURL,
		tournamentID:  tournamentID,
		send:          make(chan *server.Message, 64),
		logger:        logger.WithPrefix("client").With("tournament", tournamentID),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[server.MessageType][]EventHandler),
		pending:       make(map[string]chan *server.Message),
	}
}

// SetToken sets the director token presented when connecting. Without one
// the server may refuse commands.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Connect establishes the WebSocket connection. Handlers should be added
// before connecting so the initial clock_state is not missed.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + url.PathEscape(c.tournamentID)

	c.logger.Info("Connecting to server", "url", u.String())
	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readPump()
	go c.writePump()

	c.logger.Info("Connected to server")
	return nil
}

// Disconnect closes the WebSocket connection
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.connected = false
		c.logger.Info("Disconnected from server")
	})
	return nil
}

// Done is closed when the client disconnects or loses the connection.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// TournamentID returns the tournament this client follows.
func (c *Client) TournamentID() string {
	return c.tournamentID
}

// AddEventHandler adds an event handler for a specific message type.
// Handlers run on the read goroutine in arrival order and must not block.
func (c *Client) AddEventHandler(messageType server.MessageType, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.eventHandlers[messageType] = append(c.eventHandlers[messageType], handler)
}

// OnState registers fn for every clock snapshot pushed by the server.
func (c *Client) OnState(fn func(server.ClockStateData)) {
	c.AddEventHandler(server.MessageTypeClockState, func(msg *server.Message) {
		var data server.ClockStateData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.logger.Warn("Failed to decode clock state", "error", err)
			return
		}
		fn(data)
	})
}

// OnLevelCompleted registers fn for level change announcements.
func (c *Client) OnLevelCompleted(fn func(clock.LevelCompletedEvent)) {
	c.AddEventHandler(server.MessageTypeLevelCompleted, func(msg *server.Message) {
		var data server.LevelCompletedData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.logger.Warn("Failed to decode level completed", "error", err)
			return
		}
		fn(data)
	})
}

// SendMessage sends a message to the server
func (c *Client) SendMessage(msg *server.Message) error {
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrDisconnected
	default:
		return fmt.Errorf("send buffer full")
	}
}

// SendCommand issues a clock command and waits for the server's answer.
// A rejection is returned as *CommandError.
func (c *Client) SendCommand(ctx context.Context, cmd server.CommandData) (clock.State, error) {
	msg, err := server.NewMessage(server.MessageTypeCommand, cmd)
	if err != nil {
		return clock.State{}, err
	}
	msg.RequestID = strconv.FormatUint(c.nextID.Add(1), 10)

	reply := make(chan *server.Message, 1)
	c.mu.Lock()
	c.pending[msg.RequestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	if err := c.SendMessage(msg); err != nil {
		return clock.State{}, err
	}

	select {
	case resp := <-reply:
		return decodeCommandReply(resp)
	case <-ctx.Done():
		return clock.State{}, ctx.Err()
	case <-c.ctx.Done():
		return clock.State{}, ErrDisconnected
	}
}

func decodeCommandReply(msg *server.Message) (clock.State, error) {
	switch msg.Type {
	case server.MessageTypeCommandResult:
		var data server.CommandResultData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return clock.State{}, fmt.Errorf("decode command result: %w", err)
		}
		return data.State, nil
	case server.MessageTypeError:
		var data server.ErrorData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return clock.State{}, fmt.Errorf("decode error reply: %w", err)
		}
		return clock.State{}, &CommandError{Code: data.Code, Message: data.Message}
	default:
		return clock.State{}, fmt.Errorf("unexpected reply %s", msg.Type)
	}
}

// readPump handles incoming messages from the server
func (c *Client) readPump() {
	defer func() { _ = c.Disconnect() }()

	for {
		var msg server.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", "error", err)
			}
			return
		}

		c.logger.Debug("Received message", "type", msg.Type)
		c.handleMessage(&msg)
	}
}

// writePump handles outgoing messages to the server
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Error("Failed to write message", "error", err)
				_ = c.Disconnect()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Disconnect()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// handleMessage routes replies to waiting commands and everything else to
// registered handlers
func (c *Client) handleMessage(msg *server.Message) {
	c.mu.RLock()
	reply, isReply := c.pending[msg.RequestID]
	handlers := c.eventHandlers[msg.Type]
	c.mu.RUnlock()

	if msg.RequestID != "" && isReply {
		reply <- msg
		return
	}

	if len(handlers) == 0 {
		c.logger.Debug("No handler for message type", "type", msg.Type)
		return
	}
	for _, handler := range handlers {
		handler(msg)
	}
}

// WaitForMessage waits for a specific message type with timeout
func (c *Client) WaitForMessage(messageType server.MessageType, timeout time.Duration) (*server.Message, error) {
	responseChan := make(chan *server.Message, 1)

	c.AddEventHandler(messageType, func(msg *server.Message) {
		select {
		case responseChan <- msg:
		default:
		}
	})

	select {
	case msg := <-responseChan:
		return msg, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for %s", messageType)
	case <-c.ctx.Done():
		return nil, ErrDisconnected
	}
}
