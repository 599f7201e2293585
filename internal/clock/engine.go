// Package clock implements the server-authoritative tournament clock.
//
// An Engine owns one tournament's blind schedule and run state. All commands
// and the periodic tick execute on a single goroutine, so state is never
// shared between goroutines; callers only ever receive State values.
// Observers subscribe through the engine's Hub and an optional Persister is
// fed snapshots by a separate worker so slow storage cannot stall the clock.
package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/google/uuid"
)

// TickInterval is the nominal period of the clock's driver.
const TickInterval = time.Second

// tickerFunc matches quartz.Clock.TickerFunc.
type tickerFunc func(ctx context.Context, d time.Duration, f func() error, tags ...string) quartz.Waiter

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source. Tests pass a quartz mock.
func WithClock(c quartz.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the parent logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPersister enables best-effort snapshot persistence.
func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persister = p }
}

// WithPersistTimeout bounds each save.
func WithPersistTimeout(d time.Duration) Option {
	return func(e *Engine) { e.persistTimeout = d }
}

// WithPersistErrorHandler observes persistence failures. The handler runs on
// the persistence worker and receives a *PersistenceError.
func WithPersistErrorHandler(fn func(error)) Option {
	return func(e *Engine) { e.onPersistError = fn }
}

// WithSubscriberBuffer sets the queue length of each subscription.
func WithSubscriberBuffer(n int) Option {
	return func(e *Engine) { e.subBuffer = n }
}

// WithRestoredState rehydrates the engine from a stored snapshot. A snapshot
// taken while running is restored paused.
func WithRestoredState(s State) Option {
	return func(e *Engine) { e.restore = &s }
}

// Stats are counters describing an engine's activity.
type Stats struct {
	Ticks           uint64 `json:"ticks"`
	EventsPublished uint64 `json:"eventsPublished"`
	EventsDropped   uint64 `json:"eventsDropped"`
	SnapshotsSaved  uint64 `json:"snapshotsSaved"`
	PersistFailures uint64 `json:"persistFailures"`
	Subscribers     int    `json:"subscribers"`
}

type result struct {
	state State
	err   error
}

type command struct {
	fn    func() (State, error)
	reply chan result
}

// Engine is a tournament clock. Create one per tournament with New and
// release it with Close.
type Engine struct {
	id       string
	schedule Schedule
	clock    quartz.Clock
	logger   *log.Logger
	hub      *Hub
	persist  *persistWorker

	persister      Persister
	persistTimeout time.Duration
	onPersistError func(error)
	subBuffer      int
	restore        *State
	newTicker      tickerFunc

	cmds      chan command
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	final     State
	ticks     atomic.Uint64

	// Owned by the loop goroutine.
	state      State
	lastTick   time.Time
	drift      time.Duration
	tickCancel context.CancelFunc
	tickWaiter quartz.Waiter
}

// New creates an idle engine for tournamentID. The schedule is validated and
// copied; a malformed schedule is rejected with ErrInvalidSchedule.
func New(tournamentID string, schedule Schedule, opts ...Option) (*Engine, error) {
	if tournamentID == "" {
		return nil, errors.New("tournament id is required")
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		id:             tournamentID,
		schedule:       schedule.clone(),
		clock:          quartz.NewReal(),
		logger:         log.Default(),
		persistTimeout: DefaultPersistTimeout,
		subBuffer:      DefaultSubscriberBuffer,
		cmds:           make(chan command),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.newTicker == nil {
		e.newTicker = e.clock.TickerFunc
	}

	e.logger = e.logger.WithPrefix("clock").With("tournament", tournamentID)
	e.hub = NewHub(e.logger, e.subBuffer)
	e.state = State{TournamentID: tournamentID, Status: StatusIdle}

	if e.restore != nil {
		if err := e.applyRestore(*e.restore); err != nil {
			return nil, fmt.Errorf("restore clock %s: %w", tournamentID, err)
		}
	}

	if e.persister != nil {
		e.persist = newPersistWorker(tournamentID, e.persister, e.persistTimeout, e.onPersistError, e.logger)
	}

	go e.loop()
	return e, nil
}

// TournamentID returns the tournament this engine clocks.
func (e *Engine) TournamentID() string {
	return e.id
}

// Schedule returns a copy of the level schedule.
func (e *Engine) Schedule() Schedule {
	return e.schedule.clone()
}

// Subscribe registers an observer for state-changed and level-completed events.
func (e *Engine) Subscribe() *Subscription {
	return e.hub.Subscribe()
}

// Unsubscribe removes an observer and closes its channel.
func (e *Engine) Unsubscribe(id uuid.UUID) bool {
	return e.hub.Unsubscribe(id)
}

// Stats returns activity counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Ticks:           e.ticks.Load(),
		EventsPublished: e.hub.published.Load(),
		EventsDropped:   e.hub.dropped.Load(),
		Subscribers:     e.hub.Len(),
	}
	if e.persist != nil {
		s.SnapshotsSaved = e.persist.saved.Load()
		s.PersistFailures = e.persist.failures.Load()
	}
	return s
}

// State returns the current snapshot. After Close it returns the final one.
func (e *Engine) State() State {
	st, err := e.do(func() (State, error) {
		return e.snapshot(), nil
	})
	if err != nil {
		return e.final
	}
	return st
}

// Start runs the clock from levelIndex. It is accepted while idle or after
// completion and resets all counters.
func (e *Engine) Start(levelIndex int) (State, error) {
	return e.do(func() (State, error) {
		switch e.state.Status {
		case StatusIdle, StatusCompleted:
		default:
			return State{}, &TransitionError{Command: "start", From: e.state.Status}
		}
		if !e.schedule.InRange(levelIndex) {
			return State{}, &RangeError{Index: levelIndex, Len: len(e.schedule)}
		}

		e.haltTicker()
		now := e.clock.Now()
		e.state = State{
			TournamentID:      e.id,
			Status:            StatusRunning,
			CurrentLevelIndex: levelIndex,
			StartedAt:         timePtr(now),
		}
		e.drift = 0
		e.startTicker(now)

		e.logger.Info("Clock started", "level", levelIndex, "blinds", e.currentLevel().String())
		return e.emit(ReasonStart), nil
	})
}

// Pause freezes the clock.
func (e *Engine) Pause() (State, error) {
	return e.do(func() (State, error) {
		if e.state.Status != StatusRunning {
			return State{}, &TransitionError{Command: "pause", From: e.state.Status}
		}

		now := e.clock.Now()
		e.haltTicker()
		// Credit the partial second since the last tick so it is not lost.
		e.drift += now.Sub(e.lastTick)
		e.state.Status = StatusPaused
		e.state.PausedAt = timePtr(now)

		e.logger.Info("Clock paused", "level", e.state.CurrentLevelIndex, "elapsed", e.state.ElapsedSeconds)
		return e.emit(ReasonPause), nil
	})
}

// Resume continues a paused clock from where it stopped.
func (e *Engine) Resume() (State, error) {
	return e.do(func() (State, error) {
		if e.state.Status != StatusPaused {
			return State{}, &TransitionError{Command: "resume", From: e.state.Status}
		}

		now := e.clock.Now()
		e.state.Status = StatusRunning
		e.state.PausedAt = nil
		e.startTicker(now)

		e.logger.Info("Clock resumed", "level", e.state.CurrentLevelIndex, "elapsed", e.state.ElapsedSeconds)
		return e.emit(ReasonResume), nil
	})
}

// Stop aborts the clock and resets it to idle at the first level. The
// periodic tick is fully halted when Stop returns. Stopping an idle clock is
// a no-op.
func (e *Engine) Stop() (State, error) {
	return e.do(func() (State, error) {
		e.haltTicker()

		switch e.state.Status {
		case StatusIdle:
			return e.snapshot(), nil
		case StatusCompleted:
			return State{}, &TransitionError{Command: "stop", From: e.state.Status}
		}

		e.state = State{TournamentID: e.id, Status: StatusIdle}
		e.drift = 0

		e.logger.Info("Clock stopped")
		return e.emit(ReasonStop), nil
	})
}

// JumpToLevel moves to levelIndex with a fresh level timer. The run status
// is unchanged.
func (e *Engine) JumpToLevel(levelIndex int) (State, error) {
	return e.do(func() (State, error) {
		if e.state.Status != StatusRunning && e.state.Status != StatusPaused {
			return State{}, &TransitionError{Command: "jump", From: e.state.Status}
		}
		if !e.schedule.InRange(levelIndex) {
			return State{}, &RangeError{Index: levelIndex, Len: len(e.schedule)}
		}

		from := e.state.CurrentLevelIndex
		e.state.CurrentLevelIndex = levelIndex
		e.state.ElapsedSeconds = 0

		e.logger.Info("Jumped to level", "from", from, "level", levelIndex, "blinds", e.currentLevel().String())
		return e.emit(ReasonJump), nil
	})
}

// AddTime gives the current level seconds more to run; a negative value
// takes time away. Removing all remaining time completes the level.
func (e *Engine) AddTime(seconds int) (State, error) {
	return e.do(func() (State, error) {
		if e.state.Status != StatusRunning && e.state.Status != StatusPaused {
			return State{}, &TransitionError{Command: "adjust", From: e.state.Status}
		}
		if seconds == 0 {
			return e.snapshot(), nil
		}

		level := e.currentLevel()
		// Nothing beyond a whole level can be added or removed; clamping
		// first keeps the subtraction from overflowing.
		seconds = min(max(seconds, -level.DurationSeconds), level.DurationSeconds)
		elapsed := max(e.state.ElapsedSeconds-seconds, 0)
		e.logger.Info("Level time adjusted", "level", level.Index, "seconds", seconds)

		if elapsed >= level.DurationSeconds {
			e.state.ElapsedSeconds = level.DurationSeconds
			e.completeLevel(e.clock.Now())
			return e.snapshot(), nil
		}
		e.state.ElapsedSeconds = elapsed
		return e.emit(ReasonAdjust), nil
	})
}

// Close halts the tick, stops the engine, flushes the persistence worker and
// closes every subscription. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		final, err := e.do(func() (State, error) {
			e.haltTicker()
			return e.snapshot(), nil
		})
		if err == nil {
			e.final = final
		}
		close(e.quit)
		<-e.done

		if e.persist != nil {
			e.persist.close()
		}
		e.hub.Close()
		e.logger.Debug("Clock engine closed")
	})
	return nil
}

func (e *Engine) loop() {
	defer close(e.done)

	for {
		select {
		case cmd := <-e.cmds:
			st, err := cmd.fn()
			cmd.reply <- result{state: st, err: err}
		case <-e.quit:
			return
		}
	}
}

// do runs fn on the engine goroutine and returns its result.
func (e *Engine) do(fn func() (State, error)) (State, error) {
	cmd := command{fn: fn, reply: make(chan result, 1)}
	select {
	case e.cmds <- cmd:
	case <-e.quit:
		return State{}, ErrClosed
	}
	res := <-cmd.reply
	return res.state, res.err
}

func (e *Engine) startTicker(now time.Time) {
	ctx, cancel := context.WithCancel(context.Background())
	e.tickCancel = cancel
	e.lastTick = now
	e.tickWaiter = e.newTicker(ctx, TickInterval, func() error {
		return e.onTick(ctx)
	}, "clock", "tick")
}

// cancelTicker tells the driver to stop without waiting for it. It is the
// only option from inside a tick, whose callback is waiting on the loop.
func (e *Engine) cancelTicker() {
	if e.tickCancel != nil {
		e.tickCancel()
		e.tickCancel = nil
	}
}

// haltTicker stops the driver and waits until no tick callback is running.
func (e *Engine) haltTicker() {
	e.cancelTicker()
	if e.tickWaiter != nil {
		_ = e.tickWaiter.Wait("clock", "halt")
		e.tickWaiter = nil
	}
}

// onTick runs on the driver's goroutine and hands the tick to the loop.
func (e *Engine) onTick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := command{
		fn: func() (State, error) {
			if ctx.Err() != nil {
				// Driver was halted after this tick was queued.
				return State{}, nil
			}
			return e.tick(), nil
		},
		reply: make(chan result, 1),
	}
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrClosed
	}
	<-cmd.reply
	return nil
}

// tick advances the clock by one nominal second, corrected for the drift
// between the driver's real firing interval and TickInterval.
func (e *Engine) tick() State {
	if e.state.Status != StatusRunning {
		return e.snapshot()
	}
	e.ticks.Add(1)

	now := e.clock.Now()
	e.drift += now.Sub(e.lastTick) - TickInterval
	e.lastTick = now

	advance := 1
	if e.drift >= time.Second || e.drift <= -time.Second {
		whole := int(e.drift / time.Second)
		advance += whole
		e.drift -= time.Duration(whole) * time.Second
	}

	// credited counts seconds applied since the last level change, which
	// already published its own snapshot.
	credited := 0
	for i := 0; i < advance && e.state.Status == StatusRunning; i++ {
		e.state.ElapsedSeconds++
		e.state.TotalElapsedSeconds++
		credited++
		if e.state.ElapsedSeconds >= e.currentLevel().DurationSeconds {
			e.completeLevel(now)
			credited = 0
		}
	}

	if credited > 0 && e.state.Status == StatusRunning {
		return e.emit(ReasonTick)
	}
	return e.snapshot()
}

// completeLevel advances past the current level, or finishes the tournament
// when it was the last one.
func (e *Engine) completeLevel(now time.Time) {
	completed := e.currentLevel()
	next := e.state.CurrentLevelIndex + 1

	if !e.schedule.InRange(next) {
		e.cancelTicker()
		e.state.Status = StatusCompleted
		e.state.ElapsedSeconds = completed.DurationSeconds
		e.state.PausedAt = nil
		e.state.CompletedAt = timePtr(now)

		e.logger.Info("Tournament clock completed", "levels", len(e.schedule), "totalElapsed", e.state.TotalElapsedSeconds)
		e.emit(ReasonCompleted)
		return
	}

	e.state.CurrentLevelIndex = next
	e.state.ElapsedSeconds = 0
	level := e.currentLevel()

	e.logger.Info("Level complete", "completed", completed.Index, "level", level.Index, "blinds", level.String())
	e.hub.Publish(LevelCompletedEvent{
		TournamentID:   e.id,
		CompletedLevel: completed,
		NewLevel:       level,
		At:             now,
	})
	e.emit(ReasonLevelUp)
}

// emit publishes the current snapshot and hands it to the persistence worker.
func (e *Engine) emit(reason Reason) State {
	st := e.snapshot()
	e.hub.Publish(StateChangedEvent{State: st, Reason: reason})
	if e.persist != nil {
		e.persist.submit(st)
	}
	return st
}

func (e *Engine) currentLevel() BlindLevel {
	return e.schedule[e.state.CurrentLevelIndex]
}

func (e *Engine) snapshot() State {
	st := e.state
	level := e.currentLevel()

	st.CurrentLevel = level
	st.NextLevel = nil
	if e.schedule.InRange(st.CurrentLevelIndex + 1) {
		next := e.schedule[st.CurrentLevelIndex+1]
		st.NextLevel = &next
	}
	st.RemainingSeconds = max(level.DurationSeconds-st.ElapsedSeconds, 0)
	st.DriftCorrection = e.drift.Seconds()
	st.ServerTime = e.clock.Now()
	st.StartedAt = copyTime(e.state.StartedAt)
	st.PausedAt = copyTime(e.state.PausedAt)
	st.CompletedAt = copyTime(e.state.CompletedAt)
	return st
}

func (e *Engine) applyRestore(s State) error {
	if s.TournamentID != e.id {
		return fmt.Errorf("snapshot belongs to tournament %q", s.TournamentID)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("snapshot has unknown status %q", s.Status)
	}
	if !e.schedule.InRange(s.CurrentLevelIndex) {
		return &RangeError{Index: s.CurrentLevelIndex, Len: len(e.schedule)}
	}
	if s.Status == StatusIdle {
		return nil
	}

	level := e.schedule[s.CurrentLevelIndex]
	now := e.clock.Now()
	e.state = State{
		TournamentID:        e.id,
		Status:              s.Status,
		CurrentLevelIndex:   s.CurrentLevelIndex,
		ElapsedSeconds:      min(max(s.ElapsedSeconds, 0), level.DurationSeconds),
		TotalElapsedSeconds: max(s.TotalElapsedSeconds, 0),
		StartedAt:           copyTime(s.StartedAt),
		PausedAt:            copyTime(s.PausedAt),
		CompletedAt:         copyTime(s.CompletedAt),
	}

	switch s.Status {
	case StatusRunning:
		e.state.Status = StatusPaused
		e.state.PausedAt = timePtr(now)
	case StatusPaused:
		if e.state.PausedAt == nil {
			e.state.PausedAt = timePtr(now)
		}
	case StatusCompleted:
		last := len(e.schedule) - 1
		e.state.CurrentLevelIndex = last
		e.state.ElapsedSeconds = e.schedule[last].DurationSeconds
		e.state.PausedAt = nil
		if e.state.CompletedAt == nil {
			e.state.CompletedAt = timePtr(now)
		}
	}

	e.logger.Info("Clock restored", "status", e.state.Status, "level", e.state.CurrentLevelIndex, "elapsed", e.state.ElapsedSeconds)
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
