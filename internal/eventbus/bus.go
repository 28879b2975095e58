// Package eventbus fans domain notifications (firings, playlist changes,
// worker failures) out to sinks such as the ledger and Kafka.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeTriggerFired  EventType = "trigger_fired"
	EventTypeTriggerFailed EventType = "trigger_failed"
	EventTypePlaylist      EventType = "playlist_changed"
	EventTypeWorkerFailed  EventType = "worker_failed"
)

// AllTypes lists every event type, for sinks that want everything.
var AllTypes = []EventType{
	EventTypeTriggerFired,
	EventTypeTriggerFailed,
	EventTypePlaylist,
	EventTypeWorkerFailed,
}

// Default configuration
const (
	DefaultWorkerCount = 2
	DefaultQueueSize   = 100
)

// Event is a notification. Data must be JSON-serializable.
type Event struct {
	Type EventType      `json:"type"`
	ID   string         `json:"id,omitempty"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// Handler is a function that handles events
type Handler func(Event)

type work struct {
	event   Event
	handler Handler
}

// Bus delivers events to handlers on a bounded worker pool. Publishing never
// blocks the caller: when the queue is full the event is dropped.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	workQueue chan work
	wg        sync.WaitGroup

	// closing is closed first so publishers stop before the queue closes.
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a bus with custom worker count and queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bus{
		handlers:  make(map[EventType][]Handler),
		workQueue: make(chan work, queueSize),
		closing:   make(chan struct{}),
	}

	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus started")
	return b
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for w := range b.workQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(w.event.Type)).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers a handler for the given event types.
func (b *Bus) Subscribe(handler Handler, types ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], handler)
	}
}

// Publish queues the event for every subscribed handler. At is filled in
// when unset.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	// Held for the whole send so Close cannot close the queue underneath us.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, handler := range b.handlers[event.Type] {
		select {
		case <-b.closing:
			log.Warn().Str("event_type", string(event.Type)).Msg("Event bus closing, dropping event")
			return
		default:
		}

		select {
		case b.workQueue <- work{event: event, handler: handler}:
		default:
			log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event bus queue full, dropping event")
		}
	}
}

// Close stops accepting events, drains the queue and waits for workers
// until ctx expires.
func (b *Bus) Close(ctx context.Context) {
	first := false
	b.closeOnce.Do(func() {
		close(b.closing)
		first = true
	})
	if !first {
		return
	}

	b.mu.Lock()
	close(b.workQueue)
	b.mu.Unlock()

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
