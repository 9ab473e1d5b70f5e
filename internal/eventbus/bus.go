// Package eventbus routes domain events (signal changes, bridge
// lifecycle, command failures) to in-process subscribers through a
// bounded worker pool. Delivery is best-effort: a full queue drops
// events rather than blocking the publisher.
package eventbus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// EventType names a kind of domain event.
type EventType string

const (
	EventSignalApplied      EventType = "signal.applied"
	EventSignalCleared      EventType = "signal.cleared"
	EventRoomsCleared       EventType = "rooms.cleared"
	EventBridgeConnected    EventType = "bridge.connected"
	EventBridgeDisconnected EventType = "bridge.disconnected"
	EventCommandFailed      EventType = "command.failed"
)

const (
	DefaultWorkerCount = 2
	DefaultQueueSize   = 64
)

// Event carries a type tag and a free-form payload.
type Event struct {
	Type EventType
	Data map[string]interface{}
}

// Handler consumes a single event.
type Handler func(Event)

// task pairs one event with one handler for the worker pool.
type task struct {
	event   Event
	handler Handler
}

// Bus fans events out to subscribers on a fixed pool of workers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	tasks chan task
	wg    sync.WaitGroup

	// closing is closed exactly once to tell publishers to stop before
	// the task channel itself closes.
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a bus with the default pool size.
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a bus with an explicit worker count and queue size.
func NewWithConfig(workerCount, queueSize int) *Bus {
	b := &Bus{
		handlers: make(map[EventType][]Handler),
		tasks:    make(chan task, queueSize),
		closing:  make(chan struct{}),
	}

	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	for t := range b.tasks {
		b.dispatch(id, t)
	}
}

// dispatch runs one handler, containing any panic so a bad subscriber
// cannot take a worker down.
func (b *Bus) dispatch(id int, t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event_type", string(t.event.Type)).
				Int("worker", id).
				Msg("Event handler panicked")
		}
	}()
	t.handler(t.event)
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every known event type. Used by
// the activity recorder, which mirrors the whole stream.
func (b *Bus) SubscribeAll(handler Handler) {
	for _, et := range []EventType{
		EventSignalApplied,
		EventSignalCleared,
		EventRoomsCleared,
		EventBridgeConnected,
		EventBridgeDisconnected,
		EventCommandFailed,
	} {
		b.Subscribe(et, handler)
	}
}

// Publish hands an event to every subscribed handler without blocking.
// Events are dropped, with a warning, when the queue is full or the bus
// is shutting down.
func (b *Bus) Publish(event Event) {
	// Once closing is signalled the task channel may already be closed,
	// so no send may be attempted past this point.
	select {
	case <-b.closing:
		log.Warn().Str("event_type", string(event.Type)).Msg("Event bus closing, dropping event")
		return
	default:
	}

	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		if !b.enqueue(task{event: event, handler: handler}) {
			return
		}
	}
}

// enqueue offers one task to the pool. It reports false when the bus is
// closing and the caller should stop publishing.
func (b *Bus) enqueue(t task) bool {
	select {
	case <-b.closing:
		log.Warn().Str("event_type", string(t.event.Type)).Msg("Event bus closing, dropping event")
		return false
	case b.tasks <- t:
		return true
	default:
		log.Warn().Str("event_type", string(t.event.Type)).Msg("Event bus queue full, dropping event")
		return true
	}
}

// Close stops publishers, drains the queue and waits for the workers,
// giving up when ctx expires.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		close(b.closing)
	})

	// Publishers observe closing before sending, so the channel can be
	// closed safely now.
	close(b.tasks)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}

// Clear removes every handler. Tests use this between cases.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[EventType][]Handler)
}
