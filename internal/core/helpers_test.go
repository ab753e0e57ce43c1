package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

// MockEmitter captures emitted events for testing
type MockEmitter struct {
	mu     sync.Mutex
	events []TaskUpdateEvent
}

func NewMockEmitter() *MockEmitter {
	return &MockEmitter{
		events: make([]TaskUpdateEvent, 0),
	}
}

func (m *MockEmitter) EmitTaskUpdate(event TaskUpdateEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *MockEmitter) Events() []TaskUpdateEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TaskUpdateEvent{}, m.events...)
}

// EventsFor returns the events of one task in emission order.
func (m *MockEmitter) EventsFor(taskID string) []TaskUpdateEvent {
	var out []TaskUpdateEvent
	for _, e := range m.Events() {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// mockStore is an in-memory Store for scheduler tests.
type mockStore struct {
	mu          sync.Mutex
	contexts    map[string]ContextSnapshot
	checkpoints map[string][]Checkpoint
}

func newMockStore() *mockStore {
	return &mockStore{
		contexts:    make(map[string]ContextSnapshot),
		checkpoints: make(map[string][]Checkpoint),
	}
}

func (m *mockStore) SaveContext(_ context.Context, snap ContextSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[snap.TaskID] = snap
	return nil
}

func (m *mockStore) SaveCheckpoint(_ context.Context, taskID string, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[taskID] = append(m.checkpoints[taskID], cp)
	return nil
}

func (m *mockStore) LoadContext(_ context.Context, taskID string) (ContextSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.contexts[taskID]
	return snap, ok, nil
}

func (m *mockStore) LatestCheckpoint(_ context.Context, taskID string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.checkpoints[taskID]
	if len(cps) == 0 {
		return Checkpoint{}, false, nil
	}
	return cps[len(cps)-1], true, nil
}

// waitFor polls cond until it holds or fails the test after timeout.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

// waitForState waits until the scheduler reports state for id.
func waitForState(t *testing.T, s *Scheduler, id string, state TaskState) {
	t.Helper()
	waitFor(t, 2*time.Second, id+" to be "+string(state), func() bool {
		snap, ok := s.GetTaskStatus(id)
		return ok && snap.State == state
	})
}

// loopingTask returns a task that checks for interruption every few milliseconds
// until it is stopped.
func loopingTask(id string, p Priority) *InterruptibleTask {
	task := NewInterruptibleTask(id, id, p, nil)
	task.SetRunner(RunnerFunc(func(ctx context.Context, _ *Scheduler) Outcome {
		for {
			if err := task.CheckInterruption(ctx); err != nil {
				return OutcomeFromError(err)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}))
	return task
}

// testScheduler builds a scheduler with short intervals and stops it when the test ends.
func testScheduler(t *testing.T, mutate func(*SchedulerOptions)) *Scheduler {
	t.Helper()
	opts := DefaultSchedulerOptions()
	opts.IdlePoll = 10 * time.Millisecond
	opts.TriggerInterval = 10 * time.Millisecond
	opts.PauseAckTimeout = time.Second
	if mutate != nil {
		mutate(&opts)
	}
	s := NewScheduler(opts)
	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return s
}
