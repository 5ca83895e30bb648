package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// defaultQueueSize bounds the events waiting for dispatch.
const defaultQueueSize = 1024

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus fans lobby events out to telemetry and other observers.
//
// Emit never blocks: the lobby emits while holding its state lock, so events
// are queued and delivered by a single dispatcher goroutine. Handlers see
// events in emission order. When the queue is full the event is dropped and
// counted.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopped  bool

	queue   chan queued
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

type queued struct {
	ctx   context.Context
	event Event
}

// NewEventBus creates a bus and starts its dispatcher.
func NewEventBus() *EventBus {
	return newEventBus(defaultQueueSize)
}

func newEventBus(size int) *EventBus {
	eb := &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		queue:    make(chan queued, size),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go eb.dispatch()
	return eb
}

// Subscribe registers a handler for an event type. name identifies it for
// Unsubscribe and in logs.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{
		name:    name,
		handler: handler,
	})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes a named handler from a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return
	}

	filtered := make([]handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	eb.handlers[eventType] = filtered

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Emit queues an event for delivery. It is a no-op after Stop.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}
	select {
	case eb.queue <- queued{ctx: ctx, event: event}:
	default:
		if n := eb.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warn().
				Str("event", string(event.Type)).
				Uint64("dropped", n).
				Msg("event queue full, dropping event")
		}
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

// Stop refuses new events, delivers the ones already queued and waits for
// the dispatcher to exit. Calling it twice is a no-op.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		<-eb.done
		return
	}
	eb.stopped = true
	close(eb.stop)
	eb.mu.Unlock()

	<-eb.done
	log.Info().Uint64("dropped", eb.Dropped()).Msg("event bus stopped")
}

func (eb *EventBus) dispatch() {
	defer close(eb.done)
	for {
		select {
		case q := <-eb.queue:
			eb.deliver(q)
		case <-eb.stop:
			// Emit cannot enqueue once stopped is set, so this drains.
			for {
				select {
				case q := <-eb.queue:
					eb.deliver(q)
				default:
					return
				}
			}
		}
	}
}

func (eb *EventBus) deliver(q queued) {
	eb.mu.RLock()
	handlers := make([]handlerEntry, len(eb.handlers[q.event.Type]))
	copy(handlers, eb.handlers[q.event.Type])
	eb.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	log.Trace().
		Str("event", string(q.event.Type)).
		Str("source", q.event.Source).
		Int("handlers", len(handlers)).
		Msg("dispatching event")

	for _, h := range handlers {
		runHandler(q.ctx, h, q.event)
	}
}

func runHandler(ctx context.Context, h handlerEntry, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err := h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
}
