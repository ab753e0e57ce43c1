package core

import (
	"sync"
	"time"
)

// TaskUpdateEvent is emitted when a task's state or progress changes.
type TaskUpdateEvent struct {
	TaskID    string    `json:"taskId"`
	Seq       int64     `json:"seq"` // Monotonically increasing per scheduler
	Name      string    `json:"name"`
	Priority  Priority  `json:"priority"`
	State     TaskState `json:"state"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskEventEmitter is the interface adapters must implement to receive task events.
// This allows the Scheduler to be agnostic about how events are delivered.
type TaskEventEmitter interface {
	// EmitTaskUpdate is called whenever a task's state changes
	EmitTaskUpdate(event TaskUpdateEvent)
}

// EmitterFunc adapts a function to TaskEventEmitter.
type EmitterFunc func(event TaskUpdateEvent)

func (f EmitterFunc) EmitTaskUpdate(event TaskUpdateEvent) { f(event) }

// ThrottleConfig controls how often progress updates are emitted
type ThrottleConfig struct {
	MinInterval time.Duration // Minimum time between progress updates per task
}

// DefaultThrottleConfig returns sensible defaults for throttling
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		MinInterval: 100 * time.Millisecond, // ~10 updates per second max
	}
}

// MultiEmitter broadcasts events to multiple emitters
type MultiEmitter struct {
	mu       sync.Mutex
	emitters []TaskEventEmitter
}

// NewMultiEmitter creates a MultiEmitter over the given emitters; nil entries are skipped.
func NewMultiEmitter(emitters ...TaskEventEmitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		m.Add(e)
	}
	return m
}

// Add adds an emitter to the multi-emitter
func (m *MultiEmitter) Add(emitter TaskEventEmitter) {
	if emitter == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitters = append(m.emitters, emitter)
}

// EmitTaskUpdate broadcasts the event to all registered emitters
func (m *MultiEmitter) EmitTaskUpdate(event TaskUpdateEvent) {
	m.mu.Lock()
	emitters := make([]TaskEventEmitter, len(m.emitters))
	copy(emitters, m.emitters)
	m.mu.Unlock()

	for _, e := range emitters {
		e.EmitTaskUpdate(event)
	}
}
