package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/pokerclock/internal/clock"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (p *fakePublisher) PublishMsg(m *nats.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *fakePublisher) messages() []*nats.Msg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*nats.Msg(nil), p.msgs...)
}

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
}

func TestSubject(t *testing.T) {
	t.Parallel()
	f := NewForwarder(&fakePublisher{}, "events.", quietLogger())

	assert.Equal(t, "events.sunday.state_changed", f.Subject("sunday", clock.EventTypeStateChanged))
	assert.Equal(t, "events.main_event_2026.level_completed", f.Subject("main event.2026", clock.EventTypeLevelCompleted))
	assert.Equal(t, "events.a_b_.state_changed", f.Subject("a*b>", clock.EventTypeStateChanged))

	assert.Equal(t, "pokerclock._.state_changed", NewForwarder(&fakePublisher{}, "", quietLogger()).Subject("", clock.EventTypeStateChanged))
}

func TestPublishEnvelope(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	f := NewForwarder(pub, "", quietLogger())

	at := time.Date(2026, 3, 1, 20, 15, 0, 0, time.UTC)
	ev := clock.LevelCompletedEvent{
		TournamentID:   "sunday",
		CompletedLevel: clock.BlindLevel{Index: 2, SmallBlind: 100, BigBlind: 200, DurationSeconds: 900},
		NewLevel:       clock.BlindLevel{Index: 3, IsBreak: true, DurationSeconds: 600},
		At:             at,
	}
	require.NoError(t, f.Publish(ev))

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "pokerclock.sunday.level_completed", msg.Subject)
	assert.Equal(t, "level_completed", msg.Header.Get("Event-Type"))
	assert.Equal(t, "sunday", msg.Header.Get("Tournament-ID"))

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, msg.Header.Get("Event-ID"), env.EventID)
	assert.Equal(t, "sunday", env.TournamentID)
	assert.True(t, at.Equal(env.Timestamp))

	var payload clock.LevelCompletedEvent
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, 2, payload.CompletedLevel.Index)
	assert.Equal(t, 3, payload.NewLevel.Index)

	published, failed := f.Stats()
	assert.Equal(t, uint64(1), published)
	assert.Zero(t, failed)
}

func TestPublishFailureIsCounted(t *testing.T) {
	t.Parallel()
	f := NewForwarder(&fakePublisher{err: errors.New("nats: connection closed")}, "", quietLogger())

	err := f.Publish(clock.StateChangedEvent{State: clock.State{TournamentID: "sunday"}, Reason: clock.ReasonTick})
	require.Error(t, err)

	_, failed := f.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestRunForwardsEngineEvents(t *testing.T) {
	t.Parallel()

	mClock := quartz.NewMock(t)
	schedule := clock.Reindex([]clock.BlindLevel{
		{SmallBlind: 25, BigBlind: 50, DurationSeconds: 2},
		{SmallBlind: 50, BigBlind: 100, DurationSeconds: 2},
	})
	engine, err := clock.New("sunday", schedule, clock.WithClock(mClock), clock.WithLogger(quietLogger()))
	require.NoError(t, err)

	pub := &fakePublisher{}
	f := NewForwarder(pub, "", quietLogger())

	sub := engine.Subscribe()
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background(), sub) }()

	_, err = engine.Start(0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		mClock.Advance(time.Second).MustWait(ctx)
	}

	require.NoError(t, engine.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop when the engine closed")
	}

	var subjects []string
	for _, m := range pub.messages() {
		subjects = append(subjects, m.Subject)
	}
	assert.Contains(t, subjects, "pokerclock.sunday.state_changed")
	assert.Contains(t, subjects, "pokerclock.sunday.level_completed")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	engine, err := clock.New("sunday", clock.Reindex([]clock.BlindLevel{{DurationSeconds: 60}}),
		clock.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewForwarder(&fakePublisher{}, "", quietLogger()).Run(ctx, engine.Subscribe())
	require.ErrorIs(t, err, context.Canceled)
}
