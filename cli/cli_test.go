package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"GameHelper/internal/config"
	"GameHelper/internal/core"
	"GameHelper/internal/device"
	"GameHelper/internal/tasks"
	"GameHelper/internal/vision"
)

func TestConsoleReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewConsoleReporter(&buf)

	r.EmitTaskUpdate(core.TaskUpdateEvent{TaskID: "kekkai_toppa", State: core.TaskRunning, Progress: 0.5, Message: "checkpoint battle_5"})
	r.EmitTaskUpdate(core.TaskUpdateEvent{TaskID: "kekkai_toppa", State: core.TaskFailed, Message: "failed", Error: "battle exceeded 3m0s"})

	out := buf.String()
	if !strings.Contains(out, "[kekkai_toppa] running") || !strings.Contains(out, "50.0%") {
		t.Errorf("unexpected running line: %q", out)
	}
	if !strings.Contains(out, "error: battle exceeded 3m0s") {
		t.Errorf("error missing from output: %q", out)
	}

	buf.Reset()
	r.ReportSummary([]core.ContextSnapshot{{TaskID: "a", Name: "A", State: core.TaskCompleted}})
	if !strings.Contains(buf.String(), "a (A): completed") {
		t.Errorf("unexpected summary: %q", buf.String())
	}
}

func TestJSONReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporter(&buf)
	r.EmitTaskUpdate(core.TaskUpdateEvent{TaskID: "cleanup", Seq: 3, State: core.TaskCompleted})
	emitJSONError(&buf, "boom")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var ev JSONEvent
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	data := ev.Data.(map[string]any)
	if ev.Type != "task" || data["taskId"] != "cleanup" || data["state"] != "completed" {
		t.Errorf("unexpected event %+v", ev)
	}
	if !strings.Contains(lines[1], `"type":"error"`) || !strings.Contains(lines[1], `"message":"boom"`) {
		t.Errorf("unexpected error line %q", lines[1])
	}
}

func TestApplyRunFlags(t *testing.T) {
	t.Cleanup(func() {
		for _, name := range []string{"serial", "port", "limit", "resume"} {
			_ = runCmd.Flags().Set(name, runCmd.Flags().Lookup(name).DefValue)
			runCmd.Flags().Lookup(name).Changed = false
		}
	})

	cfg := config.Defaults()
	applyRunFlags(runCmd, &cfg)
	if cfg.API.Enabled || cfg.Device.Serial != "" {
		t.Fatalf("unset flags must not change config: %+v", cfg.API)
	}

	for name, value := range map[string]string{"serial": "127.0.0.1:7555", "port": "9000", "limit": "12", "resume": "true"} {
		if err := runCmd.Flags().Set(name, value); err != nil {
			t.Fatalf("set %s: %v", name, err)
		}
	}
	applyRunFlags(runCmd, &cfg)

	if cfg.Device.Serial != "127.0.0.1:7555" || cfg.API.Port != 9000 || !cfg.API.Enabled {
		t.Errorf("device/api flags not applied: %+v %+v", cfg.Device, cfg.API)
	}
	if cfg.Tasks.KekkaiToppa.LimitCount != 12 || !cfg.Tasks.KekkaiToppa.Resume {
		t.Errorf("task flags not applied: %+v", cfg.Tasks.KekkaiToppa)
	}
}

func solid(v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	// a dark corner so templates are not flat
	img.SetGray(0, 0, color.Gray{Y: 255 - v})
	return img
}

func TestVerifyTemplates(t *testing.T) {
	registry := vision.NewRegistry(vision.NewMatcher(1), nil)
	required := tasks.RequiredTemplates()
	for _, name := range required[1:] {
		registry.Register(name, solid(100), image.Rectangle{}, 0)
	}

	result := verifyTemplates(registry)
	if len(result.Missing) != 1 || result.Missing[0] != required[0] {
		t.Errorf("expected %s missing, got %v", required[0], result.Missing)
	}
	if len(result.Loaded) != len(required)-1 {
		t.Errorf("expected %d loaded, got %d", len(required)-1, len(result.Loaded))
	}

	var buf bytes.Buffer
	printVerify(&buf, result)
	if !strings.Contains(buf.String(), "- "+required[0]) {
		t.Errorf("missing template not printed: %q", buf.String())
	}
}

func TestMatchScreenshot(t *testing.T) {
	screen := image.NewGray(image.Rect(0, 0, 40, 40))
	for i := range screen.Pix {
		screen.Pix[i] = 30
	}
	tpl := solid(200)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			screen.SetGray(10+x, 12+y, tpl.GrayAt(x, y))
		}
	}

	path := filepath.Join(t.TempDir(), "screen.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, screen); err != nil {
		t.Fatal(err)
	}
	f.Close()

	registry := vision.NewRegistry(vision.NewMatcher(1), nil)
	registry.Register("BATTLE_WIN", tpl, image.Rectangle{}, 0.95)
	registry.Register("BATTLE_FAIL", solid(0), image.Rectangle{}, 0.95)

	result := verifyTemplates(registry)
	if err := matchScreenshot(registry, path, &result); err != nil {
		t.Fatalf("matchScreenshot failed: %v", err)
	}
	if c, ok := result.Matches["BATTLE_WIN"]; !ok || c < 0.99 {
		t.Errorf("expected BATTLE_WIN to match, got %v", result.Matches)
	}
	if _, ok := result.Matches["BATTLE_FAIL"]; ok {
		t.Errorf("BATTLE_FAIL should not match: %v", result.Matches)
	}
}

func TestPrintCheckpoints(t *testing.T) {
	var buf bytes.Buffer
	snap := core.ContextSnapshot{TaskID: "kekkai_toppa", Name: "Kekkai Toppa", State: core.TaskInterrupted, Progress: 0.4}
	cps := []core.Checkpoint{{Name: "battle_12", Timestamp: time.Now(), Progress: 0.4, Data: map[string]any{"battle_count": 12}}}

	printCheckpoints(&buf, "kekkai_toppa", snap, true, cps)
	out := buf.String()
	if !strings.Contains(out, "interrupted, progress 40%") || !strings.Contains(out, "battle_12") || !strings.Contains(out, `"battle_count":12`) {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestPrintDevices(t *testing.T) {
	var buf bytes.Buffer
	report := device.PrereqReport{
		OverallStatus: device.StatusWarn,
		OS:            "linux",
		Checks: []device.PrereqCheck{{
			Name: "Device connection", Status: device.StatusWarn, Details: "not attached",
			RemediationSteps: []string{"run adb connect"},
		}},
	}
	printDevices(&buf, report, []device.DeviceInfo{{Serial: "emulator-5554", State: device.StateDevice}})

	out := buf.String()
	for _, want := range []string{"Prerequisites (linux): warn", "[warn] Device connection", "- run adb connect", "emulator-5554"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestWaitForTasks(t *testing.T) {
	opts := core.DefaultSchedulerOptions()
	opts.IdlePoll = 5 * time.Millisecond
	sched := core.NewScheduler(opts)
	t.Cleanup(func() { _ = sched.Stop() })

	task := core.NewInterruptibleTask("quick", "quick", core.PriorityNormal, core.RunnerFunc(func(context.Context, *core.Scheduler) core.Outcome {
		return core.Completed(nil)
	}))
	if err := sched.SubmitTask(task, 0); err != nil {
		t.Fatal(err)
	}
	sched.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	waitForTasks(ctx, sched, []string{"quick"}, 5*time.Millisecond)

	if ctx.Err() != nil {
		t.Fatal("waitForTasks returned only because of the timeout")
	}
	if snap, _ := sched.GetTaskStatus("quick"); snap.State != core.TaskCompleted {
		t.Errorf("expected completed, got %s", snap.State)
	}
}
