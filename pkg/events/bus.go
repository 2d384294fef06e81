// Package events provides the in-process resource event bus.
//
// The dispatcher publishes one event per committed state change; the
// notifier, announcer and statistics collector subscribe to drive their own
// work. Events are delivered by a single dispatch goroutine in publish
// order, so a subscriber observes changes to any resource in commit order.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

// Type classifies a resource event.
type Type string

// Event types. The dispatcher publishes the four lifecycle types; the
// time series monitor publishes TypeMissingData when an expected data
// instance fails to arrive in time.
const (
	TypeCreated     Type = "resource.created"
	TypeUpdated     Type = "resource.updated"
	TypeDeleted     Type = "resource.deleted"
	TypeExpired     Type = "resource.expired"
	TypeMissingData Type = "timeseries.missing"
)

// Event describes one committed change to the resource tree.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the change was committed.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type Type `json:"type"`

	// RequestID is the request that caused the change, if any.
	RequestID string `json:"request_id,omitempty"`

	// Originator is the request originator that caused the change.
	Originator string `json:"originator,omitempty"`

	// ResourceID is the unstructured identifier of the changed resource.
	ResourceID string `json:"resource_id"`

	// ResourceType is the type of the changed resource.
	ResourceType onem2m.ResourceType `json:"resource_type"`

	// Path is the structured name of the changed resource.
	Path string `json:"path"`

	// ParentID is the unstructured identifier of the parent resource.
	ParentID string `json:"parent_id,omitempty"`

	// Resource is the committed representation. For deletes this is the
	// representation at the time of deletion.
	Resource onem2m.Attributes `json:"resource,omitempty"`

	// Old is the representation before an update, nil otherwise.
	Old onem2m.Attributes `json:"old,omitempty"`
}

// IsDeletion reports whether the event removed the resource, by request or
// by expiry.
func (e Event) IsDeletion() bool {
	return e.Type == TypeDeleted || e.Type == TypeExpired
}

// Handler is a function that handles events.
type Handler func(event Event)

// Filter determines if an event should be delivered to a subscriber.
type Filter func(event Event) bool

// Config configures the event bus.
type Config struct {
	// BufferSize is the number of events queued before publishers block.
	// Zero or negative delivers synchronously on the publisher goroutine.
	BufferSize int
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{BufferSize: 1024}
}

type subscriberEntry struct {
	name    string
	handler Handler
	filter  Filter
}

// Bus distributes resource events to subscribers in publish order.
type Bus struct {
	config      Config
	logger      *telemetry.Logger
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewBus creates a new event bus and starts its dispatch goroutine when
// buffering is enabled.
func NewBus(cfg Config, logger *telemetry.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		config: cfg,
		logger: logger.NewComponentLogger("events"),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.BufferSize > 0 {
		b.buffer = make(chan Event, cfg.BufferSize)
		b.wg.Add(1)
		go b.dispatch()
	}

	return b
}

// Subscribe adds a handler for all events. The name identifies the
// subscriber in logs.
func (b *Bus) Subscribe(name string, handler Handler) {
	b.SubscribeFiltered(name, nil, handler)
}

// SubscribeFiltered adds a handler that only receives events accepted by
// the filter.
func (b *Bus) SubscribeFiltered(name string, filter Filter, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = append(b.subscribers, subscriberEntry{
		name:    name,
		handler: handler,
		filter:  filter,
	})
}

// Publish delivers an event to all subscribers. With buffering enabled the
// call blocks only when the buffer is full, providing backpressure instead
// of dropping events: a dropped event would silently lose notifications.
func (b *Bus) Publish(event Event) error {
	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if b.buffer == nil {
		b.deliver(event)
		return nil
	}

	select {
	case b.buffer <- event:
		return nil
	case <-b.ctx.Done():
		return fmt.Errorf("event bus stopped")
	}
}

// dispatch delivers buffered events one at a time, preserving publish order
// across all subscribers.
func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.ctx.Done():
			// Drain remaining events before shutting down
			for {
				select {
				case event := <-b.buffer:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// deliver hands an event to every matching subscriber. Handlers run on the
// dispatch goroutine; slow subscribers must queue internally.
func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	subscribers := b.subscribers
	b.mu.RUnlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.WithField("subscriber", entry.name).
						Errorf("event handler panicked: %v", r)
				}
			}()
			entry.handler(event)
		}()
	}
}

// Pending returns the number of buffered events awaiting delivery.
func (b *Bus) Pending() int {
	if b.buffer == nil {
		return 0
	}
	return len(b.buffer)
}

// Shutdown stops the dispatch goroutine after draining buffered events.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
	}
}

// Common event filters.

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...Type) Filter {
	typeSet := make(map[Type]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByResourceType creates a filter that only allows events for
// specific resource types.
func FilterByResourceType(types ...onem2m.ResourceType) Filter {
	typeSet := make(map[onem2m.ResourceType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.ResourceType]
	}
}

// FilterAnnounceable creates a filter that only allows events whose
// resource carries announcement attributes.
func FilterAnnounceable() Filter {
	return func(event Event) bool {
		if event.Resource == nil {
			return false
		}
		if _, ok := event.Resource.Slice("at"); ok {
			return true
		}
		_, ok := event.Resource.Slice("aa")
		return ok
	}
}
