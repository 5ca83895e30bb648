package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	got := make(chan Event, 2)
	bus.Subscribe(EventPlayerJoined, "a", func(_ context.Context, e Event) error {
		got <- e
		return nil
	})
	bus.Subscribe(EventPlayerJoined, "b", func(_ context.Context, e Event) error {
		got <- e
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventPlayerJoined, Source: "test", Payload: PlayerPayload{Nick: "alice"}})
	for i := 0; i < 2; i++ {
		select {
		case e := <-got:
			assert.Equal(t, "alice", e.Payload.(PlayerPayload).Nick)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestEventsArriveInEmissionOrder(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var seen []string
	record := func(_ context.Context, e Event) error {
		mu.Lock()
		seen = append(seen, e.Payload.(RoundStatePayload).State)
		mu.Unlock()
		return nil
	}
	bus.Subscribe(EventRoundStateChanged, "order", record)

	states := []string{"nomination", "voting", "preparing", "playing", "finishing", "nomination"}
	for _, st := range states {
		bus.Emit(context.Background(), Event{Type: EventRoundStateChanged, Payload: RoundStatePayload{State: st}})
	}
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, states, seen)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()

	var a, b atomic.Int32
	bus.Subscribe(EventShutdown, "a", func(context.Context, Event) error { a.Add(1); return nil })
	bus.Subscribe(EventShutdown, "b", func(context.Context, Event) error { b.Add(1); return nil })
	bus.Unsubscribe(EventShutdown, "a")
	bus.Unsubscribe(EventPlayerLeft, "a")

	bus.Emit(context.Background(), Event{Type: EventShutdown})
	bus.Stop()

	assert.Zero(t, a.Load())
	assert.Equal(t, int32(1), b.Load())
}

func TestEmitDoesNotBlockWhenQueueFull(t *testing.T) {
	bus := newEventBus(1)

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	bus.Subscribe(EventHeartbeat, "slow", func(context.Context, Event) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})

	ctx := context.Background()
	bus.Emit(ctx, Event{Type: EventHeartbeat})
	<-entered

	done := make(chan struct{})
	go func() {
		// One fits in the queue, the rest are dropped.
		for i := 0; i < 5; i++ {
			bus.Emit(ctx, Event{Type: EventHeartbeat})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full queue")
	}
	assert.Equal(t, uint64(4), bus.Dropped())

	close(release)
	bus.Stop()
}

func TestHandlerFailuresAreContained(t *testing.T) {
	bus := NewEventBus()

	var after atomic.Int32
	bus.Subscribe(EventCatalogueLoaded, "panics", func(context.Context, Event) error {
		panic("nope")
	})
	bus.Subscribe(EventCatalogueLoaded, "fails", func(context.Context, Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(EventCatalogueLoaded, "after", func(context.Context, Event) error {
		after.Add(1)
		return nil
	})

	require.NotPanics(t, func() {
		bus.Emit(context.Background(), Event{Type: EventCatalogueLoaded})
		bus.Stop()
	})
	assert.Equal(t, int32(1), after.Load())
}

func TestStop(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int32
	bus.Subscribe(EventRoundStateChanged, "count", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	bus.Emit(context.Background(), Event{Type: EventRoundStateChanged})
	bus.Stop()
	assert.Equal(t, int32(1), calls.Load(), "Stop delivers queued events")

	bus.Emit(context.Background(), Event{Type: EventRoundStateChanged})
	bus.Stop()
	assert.Equal(t, int32(1), calls.Load(), "events after Stop are dropped")
}
