package clock

import (
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 64

// Subscription is one observer's delivery queue. C is closed when the
// subscription is removed or the hub shuts down.
type Subscription struct {
	ID uuid.UUID
	C  <-chan Event

	ch      chan Event
	dropped atomic.Uint64
}

// Dropped returns how many events were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Hub fans events out to subscribers without ever blocking the publisher.
// A full queue loses its oldest event so a lagging display still converges
// on the newest state.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	buffer int
	closed bool
	logger *log.Logger

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(logger *log.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[uuid.UUID]*Subscription),
		buffer: buffer,
		logger: logger.WithPrefix("hub"),
	}
}

// Subscribe registers a new observer. Subscribing to a closed hub returns a
// subscription whose channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{ID: uuid.New(), C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return sub
	}
	h.subs[sub.ID] = sub
	h.logger.Debug("Subscriber added", "id", sub.ID, "total", len(h.subs))
	return sub
}

// Unsubscribe removes and closes a subscription. It reports whether id was
// registered.
func (h *Hub) Unsubscribe(id uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[id]
	if !ok {
		return false
	}
	delete(h.subs, id)
	close(sub.ch)
	h.logger.Debug("Subscriber removed", "id", id, "total", len(h.subs))
	return true
}

// Publish delivers ev to every subscriber.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	h.published.Add(1)

	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Queue full: discard the oldest event. Publish is the only sender,
		// so the retry below always finds room.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
		h.logger.Debug("Subscriber lagging, dropped oldest event", "id", sub.ID, "dropped", sub.Dropped())
	}
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscription and rejects future ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}
