package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInterruptibleTask_ExecuteCompletes(t *testing.T) {
	task := NewInterruptibleTask("t1", "complete", PriorityNormal, RunnerFunc(func(ctx context.Context, _ *Scheduler) Outcome {
		return Completed("ok")
	}))

	result, err := task.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected result ok, got %v", result)
	}

	snap := task.Context().Snapshot()
	if snap.State != TaskCompleted {
		t.Errorf("expected state completed, got %s", snap.State)
	}
	if snap.Progress != 1.0 {
		t.Errorf("expected progress forced to 1.0, got %f", snap.Progress)
	}
	if snap.StartTime == nil || snap.FinishTime == nil {
		t.Error("start and finish times should be recorded")
	}
}

func TestInterruptibleTask_EmptyIDGenerated(t *testing.T) {
	task := NewInterruptibleTask("", "", PriorityLow, nil)
	if task.ID() == "" {
		t.Fatal("expected a generated id")
	}
	if task.Name() != task.ID() {
		t.Errorf("expected name to default to id, got %q", task.Name())
	}

	// A task without a runner fails instead of panicking
	if _, err := task.Execute(context.Background(), nil); err == nil {
		t.Error("expected error for task without runner")
	}
	if task.Context().State() != TaskFailed {
		t.Errorf("expected failed, got %s", task.Context().State())
	}
}

func TestInterruptibleTask_InterruptedIsNotFailure(t *testing.T) {
	task := loopingTask("t1", PriorityNormal)
	task.RequestStop()

	result, err := task.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("interruption must not surface as an error: %v", err)
	}
	if result != nil {
		t.Errorf("expected empty result, got %v", result)
	}
	if state := task.Context().State(); state != TaskInterrupted {
		t.Errorf("expected interrupted, got %s", state)
	}
}

func TestInterruptibleTask_FailurePropagates(t *testing.T) {
	boom := errors.New("boom")
	task := NewInterruptibleTask("t1", "fail", PriorityNormal, RunnerFunc(func(ctx context.Context, _ *Scheduler) Outcome {
		return Failed(boom)
	}))

	_, err := task.Execute(context.Background(), nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	snap := task.Context().Snapshot()
	if snap.State != TaskFailed {
		t.Errorf("expected failed, got %s", snap.State)
	}
	if snap.Error != "boom" {
		t.Errorf("expected error recorded, got %q", snap.Error)
	}
}

func TestInterruptibleTask_PanicBecomesFailure(t *testing.T) {
	task := NewInterruptibleTask("t1", "panic", PriorityNormal, RunnerFunc(func(ctx context.Context, _ *Scheduler) Outcome {
		panic("kaboom")
	}))

	if _, err := task.Execute(context.Background(), nil); err == nil {
		t.Fatal("expected error from panicking runner")
	}
	if state := task.Context().State(); state != TaskFailed {
		t.Errorf("expected failed, got %s", state)
	}
}

func TestInterruptibleTask_StopIsIdempotent(t *testing.T) {
	task := NewInterruptibleTask("t1", "stop", PriorityNormal, nil)
	task.RequestStop()
	task.RequestStop()

	if !task.StopRequested() {
		t.Fatal("stop should be requested")
	}
	if err := task.CheckInterruption(context.Background()); !errors.Is(err, ErrInterrupted) {
		t.Errorf("expected ErrInterrupted, got %v", err)
	}
}

func TestInterruptibleTask_ResumeWithoutPauseIsNoop(t *testing.T) {
	task := NewInterruptibleTask("t1", "resume", PriorityNormal, nil)
	task.Resume()

	snap := task.Context().Snapshot()
	if snap.State != TaskPending {
		t.Errorf("expected pending, got %s", snap.State)
	}
	if snap.ResumeTime != nil {
		t.Error("resume time should not be recorded without a pause")
	}
	if err := task.CheckInterruption(context.Background()); err != nil {
		t.Errorf("expected no interruption, got %v", err)
	}
}

func TestInterruptibleTask_PauseBlocksUntilResume(t *testing.T) {
	task := NewInterruptibleTask("t1", "pause", PriorityNormal, nil)
	task.Context().markStarted()
	task.RequestPause()
	task.RequestPause() // idempotent

	done := make(chan error, 1)
	go func() {
		done <- task.CheckInterruption(context.Background())
	}()

	// 1. The check point parks the caller and reports PAUSED
	waitFor(t, time.Second, "paused", func() bool {
		return task.Context().State() == TaskPaused
	})
	select {
	case err := <-done:
		t.Fatalf("CheckInterruption returned while paused: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	// 2. Resume releases it and restores RUNNING
	task.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after resume, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CheckInterruption did not return after resume")
	}

	snap := task.Context().Snapshot()
	if snap.State != TaskRunning {
		t.Errorf("expected running, got %s", snap.State)
	}
	if snap.PauseTime == nil || snap.ResumeTime == nil {
		t.Error("pause and resume times should be recorded")
	}
	if task.PauseRequested() {
		t.Error("pause flag should be cleared")
	}
}

func TestInterruptibleTask_StopWhilePaused(t *testing.T) {
	task := NewInterruptibleTask("t1", "pause", PriorityNormal, nil)
	task.RequestPause()

	done := make(chan error, 1)
	go func() {
		done <- task.CheckInterruption(context.Background())
	}()

	waitFor(t, time.Second, "paused", func() bool {
		return task.Context().State() == TaskPaused
	})
	task.RequestStop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("expected ErrInterrupted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stop did not release the paused task")
	}
}

func TestInterruptibleTask_CancelledContextInterrupts(t *testing.T) {
	task := NewInterruptibleTask("t1", "ctx", PriorityNormal, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := task.CheckInterruption(ctx); !errors.Is(err, ErrInterrupted) {
		t.Errorf("expected ErrInterrupted, got %v", err)
	}
}

func TestInterruptibleTask_CheckpointRoundTrip(t *testing.T) {
	task := NewInterruptibleTask("t1", "checkpoint", PriorityNormal, nil)

	task.SaveProgress(0.5, map[string]any{"k": "v"})
	task.SaveCheckpoint("half", nil)

	// Later changes to the live data must not leak into the checkpoint
	task.SaveProgress(0.7, map[string]any{"k": "w"})

	cp, ok := task.LatestCheckpoint()
	if !ok {
		t.Fatal("expected a checkpoint")
	}
	if cp.Name != "half" {
		t.Errorf("expected checkpoint half, got %s", cp.Name)
	}
	if cp.Progress != 0.5 {
		t.Errorf("expected progress 0.5, got %f", cp.Progress)
	}
	if cp.Data["k"] != "v" {
		t.Errorf("expected k=v in checkpoint data, got %v", cp.Data["k"])
	}
	if v, _ := task.Context().Value("k"); v != "w" {
		t.Errorf("expected live k=w, got %v", v)
	}
}

func TestInterruptibleTask_CheckpointsAppendOnly(t *testing.T) {
	task := NewInterruptibleTask("t1", "checkpoint", PriorityNormal, nil)
	task.SaveCheckpoint("one", map[string]any{"n": 1})
	task.SaveCheckpoint("two", map[string]any{"n": 2})

	snap := task.Context().Snapshot()
	if len(snap.Checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(snap.Checkpoints))
	}
	latest, _ := snap.LatestCheckpoint()
	if latest.Name != "two" {
		t.Errorf("latest should be the last appended, got %s", latest.Name)
	}
}

func TestInterruptibleTask_WaitUntil(t *testing.T) {
	task := NewInterruptibleTask("t1", "wait", PriorityNormal, nil)
	ctx := context.Background()

	calls := 0
	ok, err := task.WaitUntil(ctx, func() bool {
		calls++
		return calls >= 3
	}, time.Second, time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected condition to hold, got ok=%v err=%v", ok, err)
	}

	ok, err = task.WaitUntil(ctx, func() bool { return false }, 20*time.Millisecond, 5*time.Millisecond)
	if err != nil || ok {
		t.Errorf("expected timeout without error, got ok=%v err=%v", ok, err)
	}

	task.RequestStop()
	if _, err := task.WaitUntil(ctx, func() bool { return false }, time.Second, time.Millisecond); !errors.Is(err, ErrInterrupted) {
		t.Errorf("expected ErrInterrupted, got %v", err)
	}
}

func TestOutcomeFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want OutcomeKind
	}{
		{"nil", nil, OutcomeCompleted},
		{"interrupted", ErrInterrupted, OutcomeInterrupted},
		{"wrapped interrupted", errors.Join(errors.New("step"), ErrInterrupted), OutcomeInterrupted},
		{"context cancelled", context.Canceled, OutcomeInterrupted},
		{"other", errors.New("x"), OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutcomeFromError(tt.err).Kind; got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow} {
		parsed, err := ParsePriority(p.String())
		if err != nil || parsed != p {
			t.Errorf("ParsePriority(%q) = %v, %v", p.String(), parsed, err)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}
}
