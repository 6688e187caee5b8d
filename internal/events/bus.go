// Package events provides the in-process pub/sub bus the orchestrator
// publishes lifecycle events on. Delivery is asynchronous per subscriber
// over a buffered channel; a full subscriber drops the event with a
// warning rather than blocking the publisher.
package events

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 100

	// EventTypeLimitDetected identifies a scored usage-limit detection.
	EventTypeLimitDetected = "LimitDetected"
	// EventTypeWaitingStarted identifies the opening of a cooldown period.
	EventTypeWaitingStarted = "WaitingStarted"
	// EventTypeRestartInitiated identifies the start of a restart path.
	EventTypeRestartInitiated = "RestartInitiated"
	// EventTypeRestartCompleted identifies a successful restart.
	EventTypeRestartCompleted = "RestartCompleted"
	// EventTypeCrashDetected identifies an unexpected process exit.
	EventTypeCrashDetected = "CrashDetected"
	// EventTypeErrorOccurred identifies a recoverable orchestration error.
	EventTypeErrorOccurred = "ErrorOccurred"
	// EventTypeStateTransition identifies lifecycle state transitions.
	EventTypeStateTransition = "StateTransition"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is the normalized message delivered through the bus.
type Event struct {
	Type      string
	Timestamp time.Time
	SessionID string
	Payload   any
	Severity  string
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures warning logs for dropped events.
type Logger interface {
	Warn(msg any, keyvals ...any)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures the sink for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus backed by buffered
// channels, one per subscriber.
type InMemoryBus struct {
	mu             sync.RWMutex
	bufferSize     int
	logger         Logger
	typedSubs      map[string][]*subscriber
	wildcardSubs   []*subscriber
	nextSubscriber uint64
	closed         bool
}

type subscriber struct {
	id uint64
	ch chan Event
}

var _ Bus = (*InMemoryBus)(nil)

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize:   DefaultBufferSize,
		typedSubs:    make(map[string][]*subscriber),
		wildcardSubs: make([]*subscriber, 0),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return
	}
	sub := b.newSubscriber()
	if sub == nil {
		return
	}

	b.mu.Lock()
	b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], sub)
	b.mu.Unlock()

	go consume(sub, handler)
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	sub := b.newSubscriber()
	if sub == nil {
		return
	}

	b.mu.Lock()
	b.wildcardSubs = append(b.wildcardSubs, sub)
	b.mu.Unlock()

	go consume(sub, handler)
}

// Publish delivers an event to typed and wildcard subscribers without
// blocking: a subscriber whose buffer is full loses the event.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	typed, wildcard := b.snapshotSubscribers(strings.TrimSpace(event.Type))
	for _, sub := range typed {
		b.deliver(sub, event)
	}
	for _, sub := range wildcard {
		b.deliver(sub, event)
	}
}

// Close stops delivery and releases every subscriber goroutine.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.typedSubs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	for _, sub := range b.wildcardSubs {
		close(sub.ch)
	}
	b.typedSubs = map[string][]*subscriber{}
	b.wildcardSubs = nil
}

func (b *InMemoryBus) snapshotSubscribers(eventType string) ([]*subscriber, []*subscriber) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	typed := make([]*subscriber, len(b.typedSubs[eventType]))
	copy(typed, b.typedSubs[eventType])

	wildcard := make([]*subscriber, len(b.wildcardSubs))
	copy(wildcard, b.wildcardSubs)

	return typed, wildcard
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
	default:
		if b.logger != nil {
			b.logger.Warn("dropping event for slow subscriber",
				"subscriber", sub.id,
				"type", event.Type,
				"session_id", event.SessionID,
			)
		}
	}
}

func (b *InMemoryBus) newSubscriber() *subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.nextSubscriber++
	return &subscriber{
		id: b.nextSubscriber,
		ch: make(chan Event, b.bufferSize),
	}
}

func consume(sub *subscriber, handler Handler) {
	for event := range sub.ch {
		handler(event)
	}
}
