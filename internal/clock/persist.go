package clock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultPersistTimeout bounds a single snapshot save.
const DefaultPersistTimeout = 5 * time.Second

// Persister durably records clock snapshots. Implementations may be slow or
// fail; the engine never waits on them.
type Persister interface {
	SaveClockState(ctx context.Context, state State) error
}

// PersistFunc adapts a plain function to Persister.
type PersistFunc func(ctx context.Context, state State) error

// SaveClockState calls f.
func (f PersistFunc) SaveClockState(ctx context.Context, state State) error {
	return f(ctx, state)
}

// persistWorker owns all calls into the Persister. Its mailbox holds one
// snapshot: a newer submission replaces one the worker has not picked up.
type persistWorker struct {
	tournamentID string
	persister    Persister
	timeout      time.Duration
	onError      func(error)
	logger       *log.Logger

	pending chan State
	quit    chan struct{}
	done    chan struct{}

	saved    atomic.Uint64
	failures atomic.Uint64
}

func newPersistWorker(tournamentID string, persister Persister, timeout time.Duration, onError func(error), logger *log.Logger) *persistWorker {
	if timeout <= 0 {
		timeout = DefaultPersistTimeout
	}
	w := &persistWorker{
		tournamentID: tournamentID,
		persister:    persister,
		timeout:      timeout,
		onError:      onError,
		logger:       logger.WithPrefix("persist"),
		pending:      make(chan State, 1),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go w.run()
	return w
}

// submit never blocks. It must only be called from the engine loop.
func (w *persistWorker) submit(state State) {
	for {
		select {
		case w.pending <- state:
			return
		default:
		}
		select {
		case <-w.pending:
		default:
		}
	}
}

func (w *persistWorker) run() {
	defer close(w.done)

	for {
		select {
		case state := <-w.pending:
			w.save(state)
		case <-w.quit:
			select {
			case state := <-w.pending:
				w.save(state)
			default:
			}
			return
		}
	}
}

func (w *persistWorker) save(state State) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.persister.SaveClockState(ctx, state); err != nil {
		w.failures.Add(1)
		perr := &PersistenceError{TournamentID: w.tournamentID, Err: err}
		w.logger.Warn("Failed to persist clock snapshot",
			"status", state.Status,
			"level", state.CurrentLevelIndex,
			"error", err)
		if w.onError != nil {
			w.onError(perr)
		}
		return
	}
	w.saved.Add(1)
}

// close flushes any pending snapshot and waits for the worker to exit.
func (w *persistWorker) close() {
	close(w.quit)
	<-w.done
}
