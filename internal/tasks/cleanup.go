package tasks

import (
	"context"
	"errors"
	"fmt"

	"GameHelper/internal/config"
	"GameHelper/internal/core"
	"GameHelper/internal/vision"
)

// Templates tapped in order by the inventory cleanup.
const (
	TplCleanupEntry     = "CLEANUP_ENTRY"
	TplCleanupSelectAll = "CLEANUP_SELECT_ALL"
	TplCleanupConfirm   = "CLEANUP_CONFIRM"
	TplCleanupExit      = "CLEANUP_EXIT"
)

var cleanupSteps = []string{TplCleanupEntry, TplCleanupSelectAll, TplCleanupConfirm, TplCleanupExit}

// NewCleanupTask builds the inventory cleanup task. Its id is cfg.Name so the
// scheduler can recognise it while it is pending or running.
func NewCleanupTask(cfg config.CleanupConfig, deps Deps) *core.InterruptibleTask {
	deps = deps.withDefaults()
	screen := screenReader{dev: deps.Device, finder: deps.Finder}

	t := core.NewInterruptibleTask(cfg.Name, "Inventory Cleanup", cfg.Priority, nil)
	t.SetLogger(deps.Logger)
	t.SetRunner(core.RunnerFunc(func(ctx context.Context, _ *core.Scheduler) core.Outcome {
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		defer deps.Resources.Reset()

		for i, step := range cleanupSteps {
			if err := runCleanupStep(ctx, t, screen, cfg, deps, step); err != nil {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return core.Failed(fmt.Errorf("cleanup timed out after %s at %s", cfg.Timeout, step))
				}
				return core.OutcomeFromError(err)
			}
			data := map[string]any{"step": step}
			t.SaveProgress(float64(i+1)/float64(len(cleanupSteps)), data)
			t.SaveCheckpoint(step, data)
		}

		deps.Logger.Info("[Cleanup] Run: inventory cleared", "task", t.ID())
		return core.Completed(map[string]any{"steps": len(cleanupSteps)})
	}))
	return t
}

// runCleanupStep waits for the step's template and taps it, retrying cfg.RetryCount times.
func runCleanupStep(ctx context.Context, t *core.InterruptibleTask, screen screenReader, cfg config.CleanupConfig, deps Deps, step string) error {
	attempts := cfg.RetryCount + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		var match vision.Match
		var findErr error
		found, err := t.WaitUntil(ctx, func() bool {
			shot, err := screen.capture(ctx)
			if err != nil {
				findErr = err
				return false
			}
			var ok bool
			match, ok, findErr = screen.find(shot, step)
			return ok
		}, deps.StepTimeout, deps.PollInterval)
		if err != nil {
			return err
		}
		if found {
			if err := screen.tap(ctx, match); err != nil {
				return fmt.Errorf("tap %s: %w", step, err)
			}
			return t.Sleep(ctx, deps.ActionDelay)
		}

		deps.Logger.Warn("[Cleanup] step not found", "task", t.ID(), "step", step, "attempt", attempt, "err", findErr)
		if attempt < attempts {
			if err := t.Sleep(ctx, cfg.RetryInterval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("cleanup step %s not found after %d attempts", step, attempts)
}
