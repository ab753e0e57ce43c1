package core

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// TaskEvent identifies what happened on the device or inside a task.
type TaskEvent int

const (
	EventPageChanged TaskEvent = iota
	EventBattleStarted
	EventBattleEnded
	EventInventoryFull
	EventResourceLow
	EventErrorOccurred
	EventUserInterrupt
	EventTimeout
)

var taskEventNames = map[TaskEvent]string{
	EventPageChanged:   "page_changed",
	EventBattleStarted: "battle_started",
	EventBattleEnded:   "battle_ended",
	EventInventoryFull: "inventory_full",
	EventResourceLow:   "resource_low",
	EventErrorOccurred: "error_occurred",
	EventUserInterrupt: "user_interrupt",
	EventTimeout:       "timeout",
}

func (e TaskEvent) String() string {
	if name, ok := taskEventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// EventData is one published event. Treat it as immutable once published.
type EventData struct {
	Type      TaskEvent      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Source    string         `json:"source,omitempty"`
}

// NewEvent builds an EventData stamped with the current time.
func NewEvent(typ TaskEvent, source string, data map[string]any) EventData {
	return EventData{Type: typ, Timestamp: time.Now(), Data: data, Source: source}
}

// Subscriber receives published events. A returned error is logged by the bus.
type Subscriber func(event EventData) error

// Subscription identifies one registration returned by Subscribe.
// Function values are not comparable in Go, so unsubscribing goes through this handle.
type Subscription uint64

type subscriberEntry struct {
	id Subscription
	fn Subscriber
}

// EventBus delivers events synchronously to subscribers and also queues them for
// batched replay through ProcessEvents.
type EventBus struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[TaskEvent][]subscriberEntry
	pending     []EventData
	nextID      Subscription
}

// NewEventBus creates an empty bus. A nil logger discards output.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &EventBus{
		logger:      logger,
		subscribers: make(map[TaskEvent][]subscriberEntry),
	}
}

// Subscribe appends fn to the subscribers of typ. Subscribing the same function twice
// registers it twice.
func (b *EventBus) Subscribe(typ TaskEvent, fn Subscriber) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subscribers[typ] = append(b.subscribers[typ], subscriberEntry{id: b.nextID, fn: fn})
	return b.nextID
}

// Unsubscribe removes one registration. Unknown subscriptions are ignored.
func (b *EventBus) Unsubscribe(typ TaskEvent, sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[typ]
	for i, s := range subs {
		if s.id == sub {
			b.subscribers[typ] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish queues the event and invokes the current subscribers of its type in
// subscription order. Subscribers run without the bus lock held, so they may publish.
func (b *EventBus) Publish(event EventData) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.pending = append(b.pending, event)
	subs := append([]subscriberEntry(nil), b.subscribers[event.Type]...)
	b.mu.Unlock()

	for _, s := range subs {
		if err := b.deliver(s.fn, event); err != nil {
			b.logger.Error("[EventBus] Publish: subscriber failed", "event", event.Type.String(), "source", event.Source, "err", err)
		}
	}
}

func (b *EventBus) deliver(fn Subscriber, event EventData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return fn(event)
}

// ProcessEvents swaps out and returns every queued event in publish order.
func (b *EventBus) ProcessEvents() []EventData {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.pending
	b.pending = nil
	return events
}

// Pending returns the number of queued events.
func (b *EventBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
