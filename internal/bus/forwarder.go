// Package bus forwards clock events to NATS so other services (scoreboards,
// announcers, analytics) can follow a tournament without a WebSocket.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/lox/pokerclock/internal/clock"
)

// DefaultSubjectPrefix is the first token of every subject.
const DefaultSubjectPrefix = "pokerclock"

// Publisher is the part of *nats.Conn the forwarder needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Envelope is the JSON body of every forwarded message.
type Envelope struct {
	EventID      string          `json:"eventId"`
	EventType    string          `json:"eventType"`
	TournamentID string          `json:"tournamentId"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload"`
}

// Forwarder publishes clock events to <prefix>.<tournament>.<event_type>.
type Forwarder struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	logger *log.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewForwarder wraps an existing publisher.
func NewForwarder(pub Publisher, prefix string, logger *log.Logger) *Forwarder {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Forwarder{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.WithPrefix("bus"),
	}
}

// Connect dials NATS and returns a forwarder that owns the connection.
func Connect(url, prefix string, logger *log.Logger) (*Forwarder, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	l := logger.WithPrefix("nats")

	nc, err := nats.Connect(url,
		nats.Name("pokerclock"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			l.Error("NATS error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	f := NewForwarder(nc, prefix, logger)
	f.conn = nc
	f.logger.Info("Connected to NATS", "url", nc.ConnectedUrl(), "prefix", f.prefix)
	return f, nil
}

// Subject returns the subject an event of eventType for tournamentID is
// published on.
func (f *Forwarder) Subject(tournamentID string, eventType clock.EventType) string {
	return fmt.Sprintf("%s.%s.%s", f.prefix, subjectToken(tournamentID), subjectToken(string(eventType)))
}

// Publish sends a single event.
func (f *Forwarder) Publish(ev clock.Event) error {
	tournamentID := tournamentOf(ev)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	env := Envelope{
		EventID:      uuid.NewString(),
		EventType:    ev.EventType().String(),
		TournamentID: tournamentID,
		Timestamp:    ev.Timestamp().UTC(),
		Payload:      payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &nats.Msg{
		Subject: f.Subject(tournamentID, ev.EventType()),
		Data:    data,
		Header: nats.Header{
			"Event-Type":    []string{env.EventType},
			"Tournament-ID": []string{tournamentID},
			"Event-ID":      []string{env.EventID},
		},
	}
	if err := f.pub.PublishMsg(msg); err != nil {
		f.failed.Add(1)
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	f.published.Add(1)
	return nil
}

// Run forwards everything received on sub until the subscription closes or
// ctx is done. Publish failures are logged and do not stop forwarding.
func (f *Forwarder) Run(ctx context.Context, sub *clock.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := f.Publish(ev); err != nil {
				f.logger.Warn("Failed to forward clock event", "type", ev.EventType(), "error", err)
			}
		}
	}
}

// Stats returns how many events were published and how many failed.
func (f *Forwarder) Stats() (published, failed uint64) {
	return f.published.Load(), f.failed.Load()
}

// Close drains the connection when the forwarder owns one.
func (f *Forwarder) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Drain()
}

func tournamentOf(ev clock.Event) string {
	switch e := ev.(type) {
	case clock.StateChangedEvent:
		return e.State.TournamentID
	case clock.LevelCompletedEvent:
		return e.TournamentID
	}
	return ""
}

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
