package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HybridHooks supplies the task-specific parts of a HybridTask's driver loop.
type HybridHooks interface {
	// Initialize runs once before the loop.
	Initialize(ctx context.Context, h *HybridTask) error
	// ExecuteStateLogic runs once per iteration after queued events were applied.
	ExecuteStateLogic(ctx context.Context, h *HybridTask) error
	// CheckCompletion ends the loop when it returns true.
	CheckCompletion(h *HybridTask) bool
	// Cleanup runs after the loop, however it ended.
	Cleanup(h *HybridTask)
	// Result assembles the value returned by a completed task.
	Result(h *HybridTask) any
}

// BaseHooks implements HybridHooks with no-ops. Embed it and override what you need.
type BaseHooks struct{}

func (BaseHooks) Initialize(context.Context, *HybridTask) error        { return nil }
func (BaseHooks) ExecuteStateLogic(context.Context, *HybridTask) error { return nil }
func (BaseHooks) CheckCompletion(*HybridTask) bool                     { return false }
func (BaseHooks) Cleanup(*HybridTask)                                  {}
func (BaseHooks) Result(*HybridTask) any                               { return nil }

// PageDetector reports whether the device currently shows its page.
type PageDetector func() (bool, error)

type pageDetector struct {
	state  PageState
	detect PageDetector
}

// HybridTask drives tasks whose screen flow is not linear: it detects the current page,
// feeds page changes and queued events through its StateMachine, and runs per-state logic.
type HybridTask struct {
	*InterruptibleTask

	hooks        HybridHooks
	machine      *StateMachine
	bus          *EventBus
	loopInterval time.Duration

	mu        sync.Mutex
	detectors []pageDetector
	scheduler *Scheduler
}

type hybridConfig struct {
	loopInterval time.Duration
	logger       *slog.Logger
	initial      PageState
}

// HybridOption customises a HybridTask.
type HybridOption func(*hybridConfig)

// WithLoopInterval sets the sleep between loop iterations (default 100ms).
func WithLoopInterval(d time.Duration) HybridOption {
	return func(c *hybridConfig) { c.loopInterval = d }
}

// WithHybridLogger sets the logger for the task's state machine and event bus.
func WithHybridLogger(logger *slog.Logger) HybridOption {
	return func(c *hybridConfig) { c.logger = logger }
}

// WithInitialState sets the state machine's starting page (default PageUnknown).
func WithInitialState(state PageState) HybridOption {
	return func(c *hybridConfig) { c.initial = state }
}

// NewHybridTask creates a hybrid task. Configure Machine() and Bus() before submitting it.
func NewHybridTask(id, name string, priority Priority, hooks HybridHooks, opts ...HybridOption) *HybridTask {
	cfg := hybridConfig{loopInterval: 100 * time.Millisecond, initial: PageUnknown}
	for _, opt := range opts {
		opt(&cfg)
	}
	if hooks == nil {
		hooks = BaseHooks{}
	}

	h := &HybridTask{
		InterruptibleTask: NewInterruptibleTask(id, name, priority, nil),
		hooks:             hooks,
		machine:           NewStateMachine(cfg.initial, cfg.logger),
		bus:               NewEventBus(cfg.logger),
		loopInterval:      cfg.loopInterval,
	}
	h.SetLogger(cfg.logger)
	h.SetRunner(h)
	return h
}

func (h *HybridTask) Machine() *StateMachine { return h.machine }
func (h *HybridTask) Bus() *EventBus         { return h.bus }

// Scheduler returns the scheduler executing the task, or nil before execution.
func (h *HybridTask) Scheduler() *Scheduler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scheduler
}

// AddPageDetector registers a detector for state. Detectors are tried in registration
// order; registering a state again replaces its detector in place.
func (h *HybridTask) AddPageDetector(state PageState, detect PageDetector) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.detectors {
		if h.detectors[i].state == state {
			h.detectors[i].detect = detect
			return
		}
	}
	h.detectors = append(h.detectors, pageDetector{state: state, detect: detect})
}

// DetectPage returns the first page whose detector matches, or PageUnknown.
// A failing detector is logged and skipped.
func (h *HybridTask) DetectPage() PageState {
	h.mu.Lock()
	detectors := append([]pageDetector(nil), h.detectors...)
	h.mu.Unlock()

	for _, d := range detectors {
		var matched bool
		err := callHandler(func() error {
			var err error
			matched, err = d.detect()
			return err
		})
		if err != nil {
			h.Logger().Error("[HybridTask] DetectPage: detector failed", "task", h.ID(), "page", d.state.String(), "err", err)
			continue
		}
		if matched {
			return d.state
		}
	}
	return PageUnknown
}

// PublishEvent publishes an event sourced from this task on its bus.
func (h *HybridTask) PublishEvent(typ TaskEvent, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	h.bus.Publish(NewEvent(typ, h.ID(), data))
}

// Run implements Runner.
func (h *HybridTask) Run(ctx context.Context, s *Scheduler) Outcome {
	h.mu.Lock()
	h.scheduler = s
	h.mu.Unlock()

	h.Logger().Info("[HybridTask] Run: starting", "task", h.ID(), "name", h.Name())

	outcome := OutcomeFromError(callHandler(func() error { return h.hooks.Initialize(ctx, h) }))
	if outcome.Kind == OutcomeCompleted {
		outcome = h.loop(ctx)
	}
	if outcome.Kind == OutcomeFailed {
		h.Logger().Error("[HybridTask] Run: loop failed", "task", h.ID(), "err", outcome.Err)
		h.PublishEvent(EventErrorOccurred, map[string]any{"error": outcome.Err.Error()})
	}

	if err := callHandler(func() error { h.hooks.Cleanup(h); return nil }); err != nil {
		h.Logger().Error("[HybridTask] Run: cleanup failed", "task", h.ID(), "err", err)
	}
	var result any
	if err := callHandler(func() error { result = h.hooks.Result(h); return nil }); err != nil {
		h.Logger().Error("[HybridTask] Run: result failed", "task", h.ID(), "err", err)
	}

	if outcome.Kind == OutcomeCompleted {
		outcome.Value = result
	}
	h.Logger().Info("[HybridTask] Run: finished", "task", h.ID(), "outcome", outcome.Kind.String())
	return outcome
}

func (h *HybridTask) loop(ctx context.Context) Outcome {
	for {
		if err := h.CheckInterruption(ctx); err != nil {
			return OutcomeFromError(err)
		}
		if err := h.step(ctx); err != nil {
			return OutcomeFromError(err)
		}
		if h.hooks.CheckCompletion(h) {
			return Completed(nil)
		}
		if err := h.Sleep(ctx, h.loopInterval); err != nil {
			return OutcomeFromError(err)
		}
	}
}

// step is one iteration: detect the page, apply queued events, run the state logic.
// A page change is published once and reaches the state machine through the drain.
func (h *HybridTask) step(ctx context.Context) error {
	page := h.DetectPage()
	if page != h.machine.Current() {
		h.PublishEvent(EventPageChanged, map[string]any{"page": page})
	}

	for _, ev := range h.bus.ProcessEvents() {
		ev := ev
		h.machine.HandleEvent(ev.Type, &ev)
	}

	if err := callHandler(func() error { return h.hooks.ExecuteStateLogic(ctx, h) }); err != nil {
		return fmt.Errorf("state %s: %w", h.machine.Current(), err)
	}
	return nil
}
