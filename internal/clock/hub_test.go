package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickEvent(elapsed int) StateChangedEvent {
	return StateChangedEvent{State: State{ElapsedSeconds: elapsed}, Reason: ReasonTick}
}

func TestHubDeliversToEverySubscriber(t *testing.T) {
	t.Parallel()
	hub := NewHub(testLogger(), 8)

	a := hub.Subscribe()
	b := hub.Subscribe()
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, hub.Len())

	hub.Publish(tickEvent(1))

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.C:
			assert.Equal(t, EventTypeStateChanged, ev.EventType())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestHubDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	hub := NewHub(testLogger(), 3)
	sub := hub.Subscribe()

	for i := 1; i <= 5; i++ {
		hub.Publish(tickEvent(i))
	}

	var got []int
	for _, ev := range drain(sub) {
		got = append(got, ev.(StateChangedEvent).State.ElapsedSeconds)
	}
	assert.Equal(t, []int{3, 4, 5}, got, "lagging subscriber keeps the newest events")
	assert.Equal(t, uint64(2), sub.Dropped())
	assert.Equal(t, uint64(2), hub.dropped.Load())
	assert.Equal(t, uint64(5), hub.published.Load())
}

func TestHubPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	hub := NewHub(testLogger(), 1)
	hub.Subscribe() // never read

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			hub.Publish(tickEvent(i))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestHubUnsubscribe(t *testing.T) {
	t.Parallel()
	hub := NewHub(testLogger(), 4)
	sub := hub.Subscribe()

	require.True(t, hub.Unsubscribe(sub.ID))
	assert.False(t, hub.Unsubscribe(sub.ID))
	assert.False(t, hub.Unsubscribe(uuid.New()))
	assert.Zero(t, hub.Len())

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after removal must not panic on the closed channel.
	hub.Publish(tickEvent(1))
}

func TestHubClose(t *testing.T) {
	t.Parallel()
	hub := NewHub(testLogger(), 4)
	sub := hub.Subscribe()

	hub.Close()
	hub.Close()

	_, open := <-sub.C
	assert.False(t, open)

	late := hub.Subscribe()
	_, open = <-late.C
	assert.False(t, open, "subscribing to a closed hub yields a closed channel")

	hub.Publish(tickEvent(1))
	assert.Zero(t, hub.published.Load())
}

func TestHubConcurrentSubscribers(t *testing.T) {
	t.Parallel()
	hub := NewHub(testLogger(), 16)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := hub.Subscribe()
			hub.Publish(tickEvent(1))
			hub.Unsubscribe(sub.ID)
		}()
	}
	wg.Wait()

	assert.Zero(t, hub.Len())
	assert.Equal(t, uint64(20), hub.published.Load())
}
