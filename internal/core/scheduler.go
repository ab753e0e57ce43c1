package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskNotPending = errors.New("task is not pending")
	ErrDuplicateTask  = errors.New("task is already queued or running")
	ErrStopTimeout    = errors.New("scheduler did not stop in time")
)

// Store persists task contexts and checkpoints beyond the scheduler's in-memory retention.
type Store interface {
	SaveContext(ctx context.Context, snap ContextSnapshot) error
	SaveCheckpoint(ctx context.Context, taskID string, cp Checkpoint) error
	LoadContext(ctx context.Context, taskID string) (ContextSnapshot, bool, error)
	LatestCheckpoint(ctx context.Context, taskID string) (Checkpoint, bool, error)
}

// Trigger is a resource predicate evaluated on every dispatch iteration.
// Returning true asks the scheduler to make room for the associated cleanup task.
type Trigger func() (bool, error)

// RetentionPolicy bounds how many finished contexts the scheduler keeps in memory.
// Zero values disable the corresponding limit.
type RetentionPolicy struct {
	MaxFinished int           // keep at most this many terminal contexts, oldest evicted first
	TTL         time.Duration // evict terminal contexts finished longer ago than this
}

// SchedulerOptions configures a Scheduler. Zero durations fall back to the defaults.
type SchedulerOptions struct {
	Logger          *slog.Logger
	Emitter         TaskEventEmitter
	Store           Store
	Throttle        ThrottleConfig
	IdlePoll        time.Duration // sleep between iterations when the queue is empty
	StopTimeout     time.Duration // how long Stop waits for the loop to exit
	TriggerInterval time.Duration // trigger evaluation period while a task executes
	PauseAckTimeout time.Duration // how long preemption waits for paused tasks to park
	Retention       RetentionPolicy
}

// DefaultSchedulerOptions returns sensible defaults
func DefaultSchedulerOptions() SchedulerOptions {
	return SchedulerOptions{
		Throttle:        DefaultThrottleConfig(),
		IdlePoll:        100 * time.Millisecond,
		StopTimeout:     5 * time.Second,
		TriggerInterval: 500 * time.Millisecond,
		PauseAckTimeout: 10 * time.Second,
		Retention: RetentionPolicy{
			MaxFinished: 500,
			TTL:         24 * time.Hour,
		},
	}
}

type resourceTrigger struct {
	pred      Trigger
	cleanupID string
}

// Scheduler runs submitted tasks one at a time in priority order on a single
// dispatch goroutine. It is the single source of truth for task state.
type Scheduler struct {
	opts    SchedulerOptions
	logger  *slog.Logger
	metrics *schedulerMetrics

	mu       sync.Mutex
	queue    taskQueue
	pending  map[string]*queueEntry
	seq      uint64
	running  map[string]Task
	contexts map[string]*TaskContext
	triggers []resourceTrigger
	cleanups map[string]func() Task
	emitter  TaskEventEmitter
	emitSeq  int64
	lastEmit map[string]time.Time

	cleanupActive atomic.Bool
	preempted     map[string]struct{} // tasks parked for a cleanup; resumed by preempt only

	loopMu   sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	draining chan struct{} // loop that outlived a timed-out Stop
	wake     chan struct{}
}

// NewScheduler creates a stopped Scheduler. Call Start to begin dispatching.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	defaults := DefaultSchedulerOptions()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Throttle.MinInterval <= 0 {
		opts.Throttle = defaults.Throttle
	}
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = defaults.IdlePoll
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaults.StopTimeout
	}
	if opts.TriggerInterval <= 0 {
		opts.TriggerInterval = defaults.TriggerInterval
	}
	if opts.PauseAckTimeout <= 0 {
		opts.PauseAckTimeout = defaults.PauseAckTimeout
	}

	return &Scheduler{
		opts:     opts,
		logger:   opts.Logger,
		metrics:  newSchedulerMetrics(opts.Logger),
		pending:  make(map[string]*queueEntry),
		running:  make(map[string]Task),
		contexts: make(map[string]*TaskContext),
		cleanups: make(map[string]func() Task),
		emitter:  opts.Emitter,
		lastEmit: make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
	}
}

// AddEmitter adds an additional emitter. Events will be sent to all registered emitters.
func (s *Scheduler) AddEmitter(emitter TaskEventEmitter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.emitter == nil {
		s.emitter = emitter
		return
	}
	if multi, ok := s.emitter.(*MultiEmitter); ok {
		multi.Add(emitter)
	} else {
		s.emitter = NewMultiEmitter(s.emitter, emitter)
	}
}

// Start spawns the dispatch loop. Calling Start on a running scheduler does nothing.
// If a previous Stop timed out, the new loop dispatches only after the old one exits.
func (s *Scheduler) Start() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	prev := s.draining
	s.draining = nil

	done := s.done
	go func() {
		if prev != nil {
			select {
			case <-prev:
			default:
				s.logger.Warn("[Scheduler] Start: waiting for the previous dispatch loop to exit")
				<-prev
			}
		}
		s.loop(ctx, done)
	}()

	s.logger.Info("[Scheduler] Start: dispatch loop started")
}

// Stop signals the loop to exit and waits up to StopTimeout for it to finish.
// A task executing at the time sees its context cancelled at its next check point.
func (s *Scheduler) Stop() error {
	s.loopMu.Lock()
	if s.done == nil {
		s.loopMu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.loopMu.Unlock()

	cancel()
	select {
	case <-done:
		s.logger.Info("[Scheduler] Stop: dispatch loop stopped")
		return nil
	case <-time.After(s.opts.StopTimeout):
		s.loopMu.Lock()
		s.draining = done
		s.loopMu.Unlock()
		s.logger.Error("[Scheduler] Stop: dispatch loop did not exit", "timeout", s.opts.StopTimeout)
		return ErrStopTimeout
	}
}

// IsRunning reports whether the dispatch loop has been started and not stopped.
func (s *Scheduler) IsRunning() bool {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	return s.done != nil
}

// SubmitTask queues a task to become ready after delay. It never executes the task directly.
func (s *Scheduler) SubmitTask(t Task, delay time.Duration) error {
	if t == nil {
		return errors.New("cannot submit a nil task")
	}
	id := t.ID()
	now := time.Now()

	s.mu.Lock()
	if err := s.checkDuplicateLocked(id); err != nil {
		s.mu.Unlock()
		return err
	}
	s.seq++
	entry := &queueEntry{
		task:     t,
		priority: t.Priority(),
		readyAt:  now.Add(delay),
		seq:      s.seq,
	}
	s.queue.push(entry, now)
	s.pending[id] = entry
	s.trackLocked(t)
	s.mu.Unlock()

	s.metrics.recordSubmitted(context.Background(), t.Priority())
	s.logger.Info("[Scheduler] SubmitTask: queued", "task", id, "name", t.Name(), "priority", t.Priority().String(), "delay", delay)
	s.emit(t.Context().Snapshot(), "", "queued")
	s.notify()
	return nil
}

func (s *Scheduler) checkDuplicateLocked(id string) error {
	if _, ok := s.pending[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	if _, ok := s.running[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	return nil
}

// trackLocked records the task's context and wires it to the scheduler.
func (s *Scheduler) trackLocked(t Task) {
	tctx := t.Context()
	s.contexts[t.ID()] = tctx
	tctx.setObserver(s)
	if withLogger, ok := t.(interface{ SetLogger(*slog.Logger) }); ok {
		withLogger.SetLogger(s.logger)
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// InterruptTask requests a stop on a running task and, if next is given, submits it.
// It reports whether the task was running.
func (s *Scheduler) InterruptTask(id string, next Task) bool {
	t := s.runningTask(id)
	if t == nil {
		return false
	}
	t.RequestStop()
	s.logger.Info("[Scheduler] InterruptTask: stop requested", "task", id, "name", t.Name())

	if next != nil {
		if err := s.SubmitTask(next, 0); err != nil {
			s.logger.Error("[Scheduler] InterruptTask: failed to submit replacement", "task", next.ID(), "err", err)
		}
	}
	return true
}

// PauseTask forwards a pause request to a running task.
func (s *Scheduler) PauseTask(id string) bool {
	t := s.runningTask(id)
	if t == nil {
		return false
	}
	t.RequestPause()
	s.logger.Info("[Scheduler] PauseTask: pause requested", "task", id, "name", t.Name())
	return true
}

// ResumeTask forwards a resume to a running task. A task parked for a cleanup
// stays parked until the cleanup ends; the call still reports true.
func (s *Scheduler) ResumeTask(id string) bool {
	s.mu.Lock()
	t := s.running[id]
	_, held := s.preempted[id]
	s.mu.Unlock()
	if t == nil {
		return false
	}
	if held {
		s.logger.Info("[Scheduler] ResumeTask: deferred until cleanup finishes", "task", id, "name", t.Name())
		return true
	}
	t.Resume()
	s.logger.Info("[Scheduler] ResumeTask: resumed", "task", id, "name", t.Name())
	s.emit(t.Context().Snapshot(), "", "resumed")
	return true
}

// CancelTask removes a pending task from the queue and marks it CANCELLED.
func (s *Scheduler) CancelTask(id string) error {
	s.mu.Lock()
	entry, ok := s.pending[id]
	if !ok {
		_, known := s.contexts[id]
		s.mu.Unlock()
		if known {
			return fmt.Errorf("%w: %s", ErrTaskNotPending, id)
		}
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	s.queue.cancel(entry)
	delete(s.pending, id)
	s.mu.Unlock()

	tctx := entry.task.Context()
	tctx.finish(TaskCancelled, nil)
	s.logger.Info("[Scheduler] CancelTask: cancelled before execution", "task", id)
	s.finalize(entry.task, 0, "cancelled")
	return nil
}

// AddResourceTrigger registers a predicate evaluated every loop iteration and,
// while a task executes, every TriggerInterval. Triggers are evaluated in
// registration order and the first one that fires wins: the predicates after it
// are not called in that round.
func (s *Scheduler) AddResourceTrigger(pred Trigger, cleanupTaskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, resourceTrigger{pred: pred, cleanupID: cleanupTaskID})
}

// RegisterCleanup associates a cleanup id with a factory producing a fresh cleanup task.
// The factory should return tasks whose ID is cleanupTaskID so duplicates are detected.
func (s *Scheduler) RegisterCleanup(cleanupTaskID string, factory func() Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups[cleanupTaskID] = factory
}

// GetTaskStatus returns a snapshot of a retained context.
func (s *Scheduler) GetTaskStatus(id string) (ContextSnapshot, bool) {
	s.mu.Lock()
	tctx, ok := s.contexts[id]
	s.mu.Unlock()
	if !ok {
		return ContextSnapshot{}, false
	}
	return tctx.Snapshot(), true
}

// LookupTask returns the retained context or, failing that, the stored one.
func (s *Scheduler) LookupTask(ctx context.Context, id string) (ContextSnapshot, bool, error) {
	if snap, ok := s.GetTaskStatus(id); ok {
		return snap, true, nil
	}
	if s.opts.Store == nil {
		return ContextSnapshot{}, false, nil
	}
	return s.opts.Store.LoadContext(ctx, id)
}

// LatestCheckpoint returns the newest checkpoint of a task, live or persisted.
// A new task instance uses it to resume where a previous one stopped.
func (s *Scheduler) LatestCheckpoint(ctx context.Context, id string) (Checkpoint, bool, error) {
	s.mu.Lock()
	tctx, ok := s.contexts[id]
	s.mu.Unlock()
	if ok {
		if cp, found := tctx.LatestCheckpoint(); found {
			return cp, true, nil
		}
	}
	if s.opts.Store == nil {
		return Checkpoint{}, false, nil
	}
	return s.opts.Store.LatestCheckpoint(ctx, id)
}

// ListTasks returns all retained contexts, newest first.
func (s *Scheduler) ListTasks() []ContextSnapshot {
	s.mu.Lock()
	contexts := lo.Values(s.contexts)
	s.mu.Unlock()

	list := lo.Map(contexts, func(c *TaskContext, _ int) ContextSnapshot { return c.Snapshot() })
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

// RunningTasks returns the ids of tasks whose Execute is on the call stack.
func (s *Scheduler) RunningTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := lo.Keys(s.running)
	sort.Strings(ids)
	return ids
}

// PendingCount returns the number of queued tasks.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

func (s *Scheduler) runningTask(id string) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// loop is the dispatch loop: triggers, then the best due task, else a short wait.
func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		s.checkResourceTriggers(ctx)

		if entry, wait := s.next(); entry != nil {
			s.runTask(ctx, entry.task, true)
			continue
		} else if wait > 0 && wait < s.opts.IdlePoll {
			s.sleep(ctx, wait)
			continue
		}
		s.sleep(ctx, s.opts.IdlePoll)
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-timer.C:
	}
}

func (s *Scheduler) next() (*queueEntry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, wait := s.queue.pop(time.Now())
	if entry != nil {
		delete(s.pending, entry.task.ID())
	}
	return entry, wait
}

// runTask executes one task synchronously. With monitor set, resource triggers keep
// being evaluated on a side goroutine while the task holds the dispatch goroutine.
func (s *Scheduler) runTask(ctx context.Context, t Task, monitor bool) {
	id := t.ID()
	tctx := t.Context()

	if t.StopRequested() {
		tctx.finish(TaskCancelled, errors.New("stop requested before execution"))
		s.logger.Info("[Scheduler] runTask: skipped, stop requested before start", "task", id)
		s.finalize(t, 0, "cancelled")
		return
	}

	s.mu.Lock()
	s.running[id] = t
	hasTriggers := len(s.triggers) > 0
	s.mu.Unlock()

	var monitorDone chan struct{}
	stopMonitor := func() {}
	if monitor && hasTriggers {
		mctx, cancel := context.WithCancel(ctx)
		monitorDone = make(chan struct{})
		stopMonitor = cancel
		go s.monitorTriggers(mctx, ctx, monitorDone)
	}

	s.logger.Info("[Scheduler] runTask: starting", "task", id, "name", t.Name(), "priority", t.Priority().String())
	s.emit(tctx.Snapshot(), TaskRunning, "started")

	spanCtx, span := startTaskSpan(ctx, t)
	start := time.Now()
	result, err := s.safeExecute(spanCtx, t)
	elapsed := time.Since(start)

	stopMonitor()
	if monitorDone != nil {
		<-monitorDone
	}

	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()

	if state := tctx.State(); !state.Terminal() {
		if err != nil {
			tctx.finish(TaskFailed, err)
		} else {
			tctx.finish(TaskCompleted, nil)
		}
	}

	state := tctx.State()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("[Scheduler] runTask: task failed", "task", id, "name", t.Name(), "elapsed", elapsed, "err", err)
	} else {
		s.logger.Info("[Scheduler] runTask: task finished", "task", id, "name", t.Name(), "state", string(state), "elapsed", elapsed, "result", result)
	}
	span.End()

	s.finalize(t, elapsed, string(state))
}

// safeExecute keeps a panicking task from taking the dispatch loop down with it.
func (s *Scheduler) safeExecute(ctx context.Context, t Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic executing task %s: %v\n%s", t.ID(), r, debug.Stack())
		}
	}()
	return t.Execute(ctx, s)
}

// finalize records a terminal task: metrics, event, store, retention.
func (s *Scheduler) finalize(t Task, elapsed time.Duration, message string) {
	snap := t.Context().Snapshot()
	s.metrics.recordFinished(context.Background(), snap.State, elapsed)
	s.emit(snap, "", message)
	s.persistContext(snap)

	s.mu.Lock()
	delete(s.lastEmit, snap.TaskID)
	s.mu.Unlock()
	s.evict(time.Now())
}

func (s *Scheduler) monitorTriggers(ctx, loopCtx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.TriggerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkResourceTriggers(loopCtx)
		}
	}
}

// checkResourceTriggers evaluates the triggers and, when one fires, pauses every
// running task and makes the registered cleanup task run ahead of them.
func (s *Scheduler) checkResourceTriggers(ctx context.Context) {
	if s.cleanupActive.Load() {
		return
	}
	cleanupID, fired := s.evaluateTriggers()
	if !fired {
		return
	}
	s.metrics.recordTrigger(ctx, cleanupID)

	s.mu.Lock()
	factory := s.cleanups[cleanupID]
	_, queued := s.pending[cleanupID]
	_, running := s.running[cleanupID]
	s.mu.Unlock()
	if queued || running {
		return
	}

	s.logger.Warn("[Scheduler] checkResourceTriggers: trigger fired", "cleanup", cleanupID)
	paused := s.pauseAllTasks()

	if factory == nil {
		s.logger.Warn("[Scheduler] checkResourceTriggers: no cleanup task registered, running tasks stay paused", "cleanup", cleanupID, "paused", len(paused))
		return
	}
	if len(paused) == 0 {
		if err := s.SubmitTask(factory(), 0); err != nil {
			s.logger.Error("[Scheduler] checkResourceTriggers: failed to queue cleanup", "cleanup", cleanupID, "err", err)
		}
		return
	}
	s.preempt(ctx, cleanupID, factory, paused)
}

func (s *Scheduler) evaluateTriggers() (string, bool) {
	s.mu.Lock()
	triggers := append([]resourceTrigger(nil), s.triggers...)
	s.mu.Unlock()

	for i, tr := range triggers {
		fired, err := callTrigger(tr.pred)
		if err != nil {
			s.logger.Error("[Scheduler] evaluateTriggers: trigger failed", "index", i, "cleanup", tr.cleanupID, "err", err)
			continue
		}
		if fired {
			return tr.cleanupID, true
		}
	}
	return "", false
}

func callTrigger(pred Trigger) (fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trigger panicked: %v", r)
		}
	}()
	return pred()
}

// pauseAllTasks requests a pause on every running task and returns them.
func (s *Scheduler) pauseAllTasks() []Task {
	s.mu.Lock()
	tasks := lo.Values(s.running)
	s.mu.Unlock()

	for _, t := range tasks {
		t.RequestPause()
		s.logger.Info("[Scheduler] pauseAllTasks: pause requested", "task", t.ID(), "name", t.Name())
	}
	return tasks
}

// preempt runs a fresh cleanup task while the paused tasks are parked, then resumes
// them. Only one task executes at a time: the others are blocked in CheckInterruption.
func (s *Scheduler) preempt(ctx context.Context, cleanupID string, factory func() Task, paused []Task) {
	s.cleanupActive.Store(true)
	defer s.cleanupActive.Store(false)

	s.mu.Lock()
	s.preempted = make(map[string]struct{}, len(paused))
	for _, t := range paused {
		s.preempted[t.ID()] = struct{}{}
	}
	s.mu.Unlock()

	cleanup := factory()
	if !s.waitParked(ctx, paused) {
		s.logger.Warn("[Scheduler] preempt: tasks did not park in time, queueing cleanup instead", "cleanup", cleanupID)
		s.resumeAll(paused)
		if err := s.SubmitTask(cleanup, 0); err != nil {
			s.logger.Error("[Scheduler] preempt: failed to queue cleanup", "cleanup", cleanupID, "err", err)
		}
		return
	}

	s.mu.Lock()
	if err := s.checkDuplicateLocked(cleanup.ID()); err != nil {
		s.mu.Unlock()
		s.logger.Error("[Scheduler] preempt: cleanup rejected", "cleanup", cleanupID, "err", err)
		s.resumeAll(paused)
		return
	}
	s.trackLocked(cleanup)
	s.mu.Unlock()
	s.metrics.recordSubmitted(ctx, cleanup.Priority())

	s.logger.Info("[Scheduler] preempt: running cleanup ahead of paused tasks", "cleanup", cleanup.ID(), "paused", len(paused))
	s.runTask(ctx, cleanup, false)
	s.resumeAll(paused)
}

func (s *Scheduler) resumeAll(tasks []Task) {
	s.mu.Lock()
	s.preempted = nil
	s.mu.Unlock()

	for _, t := range tasks {
		if s.runningTask(t.ID()) == nil {
			continue
		}
		t.Resume()
		s.emit(t.Context().Snapshot(), "", "resumed")
	}
}

// waitParked reports whether every task reached PAUSED (or finished) in time.
func (s *Scheduler) waitParked(ctx context.Context, tasks []Task) bool {
	deadline := time.NewTimer(s.opts.PauseAckTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		parked := lo.EveryBy(tasks, func(t Task) bool {
			st := t.Context().State()
			return st == TaskPaused || st.Terminal() || s.runningTask(t.ID()) == nil
		})
		if parked {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

// checkpointSaved implements contextObserver.
func (s *Scheduler) checkpointSaved(taskID string, cp Checkpoint) {
	s.mu.Lock()
	tctx := s.contexts[taskID]
	s.mu.Unlock()
	if tctx != nil {
		s.emit(tctx.Snapshot(), "", "checkpoint "+cp.Name)
	}
	if s.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Store.SaveCheckpoint(ctx, taskID, cp); err != nil {
		s.logger.Error("[Scheduler] checkpointSaved: failed to persist checkpoint", "task", taskID, "checkpoint", cp.Name, "err", err)
	}
}

// progressChanged implements contextObserver. Updates are throttled per task.
func (s *Scheduler) progressChanged(taskID string) {
	now := time.Now()
	s.mu.Lock()
	tctx := s.contexts[taskID]
	last := s.lastEmit[taskID]
	shouldEmit := tctx != nil && now.Sub(last) >= s.opts.Throttle.MinInterval
	if shouldEmit {
		s.lastEmit[taskID] = now
	}
	s.mu.Unlock()

	if shouldEmit {
		s.emit(tctx.Snapshot(), "", "progress")
	}
}

// emit sends the snapshot to the emitter. A non-empty state overrides the snapshot's.
func (s *Scheduler) emit(snap ContextSnapshot, state TaskState, message string) {
	s.mu.Lock()
	s.emitSeq++
	seq := s.emitSeq
	emitter := s.emitter
	s.mu.Unlock()

	if emitter == nil {
		return
	}
	if state == "" {
		state = snap.State
	}
	emitter.EmitTaskUpdate(TaskUpdateEvent{
		TaskID:    snap.TaskID,
		Seq:       seq,
		Name:      snap.Name,
		Priority:  snap.Priority,
		State:     state,
		Progress:  snap.Progress,
		Message:   message,
		Error:     snap.Error,
		Timestamp: time.Now(),
	})
}

func (s *Scheduler) persistContext(snap ContextSnapshot) {
	if s.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Store.SaveContext(ctx, snap); err != nil {
		s.logger.Error("[Scheduler] persistContext: failed to persist context", "task", snap.TaskID, "err", err)
	}
}

// evict applies the retention policy to terminal contexts. Pending and running
// contexts are never evicted.
func (s *Scheduler) evict(now time.Time) {
	policy := s.opts.Retention
	if policy.MaxFinished <= 0 && policy.TTL <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type finished struct {
		id string
		at time.Time
	}
	var done []finished
	for id, tctx := range s.contexts {
		if _, ok := s.pending[id]; ok {
			continue
		}
		if _, ok := s.running[id]; ok {
			continue
		}
		if !tctx.State().Terminal() {
			continue
		}
		at := tctx.finishedAt()
		if policy.TTL > 0 && now.Sub(at) > policy.TTL {
			delete(s.contexts, id)
			continue
		}
		done = append(done, finished{id: id, at: at})
	}

	if policy.MaxFinished > 0 && len(done) > policy.MaxFinished {
		sort.Slice(done, func(i, j int) bool { return done[i].at.Before(done[j].at) })
		for _, f := range done[:len(done)-policy.MaxFinished] {
			delete(s.contexts, f.id)
		}
	}
}
