// Package core provides the task scheduling and interruption core for GameHelper.
// This package must NOT import any adapter-specific code (HTTP, Cobra, device transports).
// It should be fully testable without a device attached.
package core

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks in the scheduler queue. Lower values are served first.
type Priority int

const (
	PriorityCritical Priority = iota // resource cleanup
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// MarshalText renders the priority by name so snapshots read well as JSON.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority converts a configuration string (critical, high, normal, low) to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskPending     TaskState = "pending"
	TaskRunning     TaskState = "running"
	TaskPaused      TaskState = "paused"
	TaskInterrupted TaskState = "interrupted"
	TaskCompleted   TaskState = "completed"
	TaskFailed      TaskState = "failed"
	TaskCancelled   TaskState = "cancelled"
)

// Terminal reports whether no further transitions can leave this state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskInterrupted, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// NewTaskID returns a random identifier for tasks built without one.
func NewTaskID() string {
	return uuid.New().String()
}

// Checkpoint is an immutable snapshot of a task's progress and data.
type Checkpoint struct {
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Progress  float64        `json:"progress"`
	Data      map[string]any `json:"data,omitempty"`
}

// ContextSnapshot is a point-in-time copy of a TaskContext.
// Callers may keep and read it freely; it shares nothing with the live context.
type ContextSnapshot struct {
	TaskID      string         `json:"taskId"`
	Name        string         `json:"name"`
	Priority    Priority       `json:"priority"`
	State       TaskState      `json:"state"`
	Progress    float64        `json:"progress"`
	StartTime   *time.Time     `json:"startTime,omitempty"`
	PauseTime   *time.Time     `json:"pauseTime,omitempty"`
	ResumeTime  *time.Time     `json:"resumeTime,omitempty"`
	FinishTime  *time.Time     `json:"finishTime,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Checkpoints []Checkpoint   `json:"checkpoints,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// LatestCheckpoint returns the last checkpoint in the snapshot.
func (s ContextSnapshot) LatestCheckpoint() (Checkpoint, bool) {
	if len(s.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return s.Checkpoints[len(s.Checkpoints)-1], true
}

// contextObserver is notified about changes a task makes to its own context.
// The scheduler installs one while the task is registered with it.
type contextObserver interface {
	checkpointSaved(taskID string, cp Checkpoint)
	progressChanged(taskID string)
}

// TaskContext records one task's identity, lifecycle state, progress and checkpoints.
// It is safe for concurrent use: the owning task mutates it while the scheduler reads it.
type TaskContext struct {
	mu sync.Mutex

	id       string
	name     string
	priority Priority

	state    TaskState
	progress float64

	startTime  time.Time
	pauseTime  time.Time
	resumeTime time.Time
	finishTime time.Time

	data        map[string]any
	checkpoints []Checkpoint
	lastError   string

	createdAt time.Time
	updatedAt time.Time

	observer contextObserver
}

// NewTaskContext creates a PENDING context.
func NewTaskContext(id, name string, priority Priority) *TaskContext {
	now := time.Now()
	return &TaskContext{
		id:        id,
		name:      name,
		priority:  priority,
		state:     TaskPending,
		data:      make(map[string]any),
		createdAt: now,
		updatedAt: now,
	}
}

func (c *TaskContext) ID() string         { return c.id }
func (c *TaskContext) Name() string       { return c.name }
func (c *TaskContext) Priority() Priority { return c.priority }

// State returns the current lifecycle state.
func (c *TaskContext) State() TaskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Progress returns the last saved progress fraction.
func (c *TaskContext) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Value returns one entry of the task-scoped data mapping.
func (c *TaskContext) Value(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

// SetProgress updates the progress fraction and merges data into the task data.
// Neither range nor monotonicity is checked.
func (c *TaskContext) SetProgress(fraction float64, data map[string]any) {
	c.mu.Lock()
	c.progress = fraction
	for k, v := range data {
		c.data[k] = v
	}
	c.updatedAt = time.Now()
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		observer.progressChanged(c.id)
	}
}

// SaveCheckpoint appends a checkpoint capturing the current progress and a copy of
// the task data overlaid with extra. The copy is shallow.
func (c *TaskContext) SaveCheckpoint(name string, extra map[string]any) Checkpoint {
	c.mu.Lock()
	snapshot := make(map[string]any, len(c.data)+len(extra))
	for k, v := range c.data {
		snapshot[k] = v
	}
	for k, v := range extra {
		snapshot[k] = v
	}
	cp := Checkpoint{
		Name:      name,
		Timestamp: time.Now(),
		Progress:  c.progress,
		Data:      snapshot,
	}
	c.checkpoints = append(c.checkpoints, cp)
	c.updatedAt = cp.Timestamp
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		observer.checkpointSaved(c.id, cp)
	}
	return cp
}

// LatestCheckpoint returns the most recently appended checkpoint.
func (c *TaskContext) LatestCheckpoint() (Checkpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return c.checkpoints[len(c.checkpoints)-1], true
}

// Snapshot returns a copy of the context
func (c *TaskContext) Snapshot() ContextSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := ContextSnapshot{
		TaskID:      c.id,
		Name:        c.name,
		Priority:    c.priority,
		State:       c.state,
		Progress:    c.progress,
		StartTime:   timePtr(c.startTime),
		PauseTime:   timePtr(c.pauseTime),
		ResumeTime:  timePtr(c.resumeTime),
		FinishTime:  timePtr(c.finishTime),
		Data:        make(map[string]any, len(c.data)),
		Checkpoints: append([]Checkpoint(nil), c.checkpoints...),
		Error:       c.lastError,
		CreatedAt:   c.createdAt,
		UpdatedAt:   c.updatedAt,
	}
	for k, v := range c.data {
		snap.Data[k] = v
	}
	return snap
}

func (c *TaskContext) setObserver(o contextObserver) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

func (c *TaskContext) finishedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishTime
}

func (c *TaskContext) markStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.state = TaskRunning
	c.startTime = now
	c.updatedAt = now
}

func (c *TaskContext) markPaused() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.state = TaskPaused
	c.pauseTime = now
	c.updatedAt = now
}

// markResumed records the resume time. The state only moves back to RUNNING from
// RUNNING or PAUSED; a resume that arrives before execution starts leaves PENDING alone.
func (c *TaskContext) markResumed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.resumeTime = now
	c.updatedAt = now
	if c.state == TaskPaused || c.state == TaskRunning {
		c.state = TaskRunning
	}
}

func (c *TaskContext) finish(state TaskState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.state = state
	if state == TaskCompleted {
		c.progress = 1.0
	}
	if err != nil {
		c.lastError = err.Error()
	}
	c.finishTime = now
	c.updatedAt = now
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
