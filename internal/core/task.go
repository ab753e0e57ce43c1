package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrInterrupted is returned by CheckInterruption once a stop was requested or the
// execution context was cancelled. It is cooperative cancellation, not a failure.
var ErrInterrupted = errors.New("task interrupted")

// OutcomeKind classifies how a work routine ended.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeInterrupted
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeInterrupted:
		return "interrupted"
	default:
		return "failed"
	}
}

// Outcome is what a work routine returns instead of raising for control flow.
type Outcome struct {
	Kind  OutcomeKind
	Value any
	Err   error
}

func Completed(value any) Outcome { return Outcome{Kind: OutcomeCompleted, Value: value} }
func Interrupted() Outcome        { return Outcome{Kind: OutcomeInterrupted} }
func Failed(err error) Outcome    { return Outcome{Kind: OutcomeFailed, Err: err} }

// OutcomeFromError maps an error from a step of a work routine to an Outcome:
// nil completes, ErrInterrupted and context.Canceled interrupt, anything else fails.
func OutcomeFromError(err error) Outcome {
	switch {
	case err == nil:
		return Completed(nil)
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return Interrupted()
	default:
		return Failed(err)
	}
}

// Runner is the task-specific work routine. It must call CheckInterruption on its
// task at safe suspension points or the task can be neither paused nor stopped.
type Runner interface {
	Run(ctx context.Context, s *Scheduler) Outcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, s *Scheduler) Outcome

func (f RunnerFunc) Run(ctx context.Context, s *Scheduler) Outcome { return f(ctx, s) }

// Task is the unit of work the Scheduler queues and executes.
type Task interface {
	ID() string
	Name() string
	Priority() Priority
	Context() *TaskContext
	Execute(ctx context.Context, s *Scheduler) (any, error)
	RequestStop()
	RequestPause()
	Resume()
	StopRequested() bool
}

// InterruptibleTask owns a TaskContext and the stop/pause signals for one run of a Runner.
// A stopped task is not reusable; submit a fresh instance instead.
type InterruptibleTask struct {
	tctx   *TaskContext
	runner Runner
	logger *slog.Logger

	mu             sync.Mutex
	stopRequested  bool
	pauseRequested bool
	stopCh         chan struct{}
	resumeCh       chan struct{} // closed when the current pause is cleared
	stopOnce       sync.Once
}

// NewInterruptibleTask creates a task. An empty id is replaced with NewTaskID().
func NewInterruptibleTask(id, name string, priority Priority, runner Runner) *InterruptibleTask {
	if id == "" {
		id = NewTaskID()
	}
	if name == "" {
		name = id
	}
	return &InterruptibleTask{
		tctx:   NewTaskContext(id, name, priority),
		runner: runner,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		stopCh: make(chan struct{}),
	}
}

// SetRunner replaces the work routine. Used by types that embed the task and
// implement Runner themselves.
func (t *InterruptibleTask) SetRunner(r Runner) { t.runner = r }

// SetLogger sets the logger used for lifecycle messages. The scheduler injects its own.
func (t *InterruptibleTask) SetLogger(logger *slog.Logger) {
	if logger != nil {
		t.logger = logger
	}
}

func (t *InterruptibleTask) ID() string            { return t.tctx.ID() }
func (t *InterruptibleTask) Name() string          { return t.tctx.Name() }
func (t *InterruptibleTask) Priority() Priority    { return t.tctx.Priority() }
func (t *InterruptibleTask) Context() *TaskContext { return t.tctx }
func (t *InterruptibleTask) Logger() *slog.Logger  { return t.logger }

// Execute runs the work routine. Only the Scheduler calls it.
// Interruption returns (nil, nil) with the context INTERRUPTED; a failure marks the
// context FAILED and returns the error.
func (t *InterruptibleTask) Execute(ctx context.Context, s *Scheduler) (any, error) {
	if t.runner == nil {
		err := fmt.Errorf("task %s has no runner", t.ID())
		t.tctx.finish(TaskFailed, err)
		return nil, err
	}

	t.tctx.markStarted()
	outcome := t.runSafely(ctx, s)

	switch outcome.Kind {
	case OutcomeCompleted:
		t.tctx.finish(TaskCompleted, nil)
		return outcome.Value, nil
	case OutcomeInterrupted:
		t.tctx.finish(TaskInterrupted, nil)
		t.logger.Info("[Task] Execute: interrupted", "task", t.ID(), "name", t.Name())
		return nil, nil
	default:
		err := outcome.Err
		if err == nil {
			err = errors.New("task failed without an error")
		}
		t.tctx.finish(TaskFailed, err)
		t.logger.Error("[Task] Execute: failed", "task", t.ID(), "name", t.Name(), "err", err)
		return nil, err
	}
}

func (t *InterruptibleTask) runSafely(ctx context.Context, s *Scheduler) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Failed(fmt.Errorf("panic in task %s: %v\n%s", t.ID(), r, debug.Stack()))
		}
	}()
	return t.runner.Run(ctx, s)
}

// RequestStop asks the task to stop at its next check point. Idempotent.
func (t *InterruptibleTask) RequestStop() {
	t.mu.Lock()
	t.stopRequested = true
	t.mu.Unlock()
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// RequestPause asks the task to park at its next check point. Idempotent.
func (t *InterruptibleTask) RequestPause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pauseRequested {
		return
	}
	t.pauseRequested = true
	t.resumeCh = make(chan struct{})
}

// Resume clears a pending or active pause. It is a no-op when no pause was requested.
func (t *InterruptibleTask) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pauseRequested {
		return
	}
	t.pauseRequested = false
	close(t.resumeCh)
	t.tctx.markResumed()
}

func (t *InterruptibleTask) StopRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopRequested
}

func (t *InterruptibleTask) PauseRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pauseRequested
}

// CheckInterruption is the task's suspension point. It returns ErrInterrupted when a
// stop was requested or ctx is done. When a pause was requested it marks the context
// PAUSED and blocks the calling goroutine until resumed or stopped.
func (t *InterruptibleTask) CheckInterruption(ctx context.Context) error {
	t.mu.Lock()
	if t.stopRequested {
		t.mu.Unlock()
		return ErrInterrupted
	}
	if err := ctx.Err(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	if !t.pauseRequested {
		t.mu.Unlock()
		return nil
	}
	wake := t.resumeCh
	t.tctx.markPaused()
	t.mu.Unlock()

	t.logger.Info("[Task] CheckInterruption: paused", "task", t.ID(), "name", t.Name())

	select {
	case <-wake:
	case <-t.stopCh:
		return fmt.Errorf("%w: stopped while paused", ErrInterrupted)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
	}

	if t.StopRequested() {
		return fmt.Errorf("%w: stopped while paused", ErrInterrupted)
	}
	t.Resume()
	t.logger.Info("[Task] CheckInterruption: resumed", "task", t.ID(), "name", t.Name())
	return nil
}

// SaveProgress updates the context progress and merges data into the task data.
func (t *InterruptibleTask) SaveProgress(fraction float64, data map[string]any) {
	t.tctx.SetProgress(fraction, data)
}

// SaveCheckpoint appends a checkpoint to the context. The scheduler persists it
// when a store is configured.
func (t *InterruptibleTask) SaveCheckpoint(name string, data map[string]any) Checkpoint {
	return t.tctx.SaveCheckpoint(name, data)
}

func (t *InterruptibleTask) LatestCheckpoint() (Checkpoint, bool) {
	return t.tctx.LatestCheckpoint()
}

// Sleep waits for d, returning early with ErrInterrupted on stop. Time spent paused
// is not bounded by d: the final check blocks until the pause clears.
func (t *InterruptibleTask) Sleep(ctx context.Context, d time.Duration) error {
	if err := t.CheckInterruption(ctx); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-t.stopCh:
		return ErrInterrupted
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
	}
	return t.CheckInterruption(ctx)
}

// WaitUntil polls cond every interval until it holds or timeout elapses.
// It reports false on timeout and an error only on interruption.
func (t *InterruptibleTask) WaitUntil(ctx context.Context, cond func() bool, timeout, interval time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := t.CheckInterruption(ctx); err != nil {
			return false, err
		}
		if cond() {
			return true, nil
		}
		if err := t.Sleep(ctx, interval); err != nil {
			return false, err
		}
	}
	t.logger.Warn("[Task] WaitUntil: timed out", "task", t.ID(), "timeout", timeout)
	return false, nil
}
