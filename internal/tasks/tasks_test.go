package tasks

import (
	"context"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"GameHelper/internal/config"
	"GameHelper/internal/core"
	"GameHelper/internal/vision"
	"GameHelper/pkg/state"
)

// fakeGame is a scripted game screen. It implements device.Device and Finder:
// every template sits at its own fixed rectangle and tapping one moves the game
// to another screen.
type fakeGame struct {
	mu        sync.Mutex
	screen    string
	tickets   int
	battleLen int // screenshots until a battle ends; < 0 never ends
	shots     int
	overflow  bool // show the inventory popup after the next battle
	lose      bool
	taps      []string
}

var templateOrder = []string{
	TplMainMenu, TplToppaEntry, TplToppaPage, TplToppaPersonal, TplToppaRecord,
	TplToppaNoTicket, TplToppaArea, TplToppaFire, TplBattle, TplBattleWin,
	TplBattleFail, TplSoulOverflow, TplCleanupEntry, TplCleanupSelectAll,
	TplCleanupConfirm, TplCleanupExit,
}

func templateRect(name string) image.Rectangle {
	for i, n := range templateOrder {
		if n == name {
			return image.Rect(i*20, 0, i*20+10, 10)
		}
	}
	return image.Rectangle{}
}

type frame struct {
	*image.Gray
	screen string
}

func newGame(screen string, tickets int) *fakeGame {
	return &fakeGame{screen: screen, tickets: tickets, battleLen: 3}
}

func (g *fakeGame) visible() []string {
	switch g.screen {
	case "main":
		return []string{TplMainMenu, TplToppaEntry}
	case "toppa":
		return []string{TplToppaPage, TplToppaPersonal}
	case "select":
		if g.tickets <= 0 {
			return []string{TplToppaRecord, TplToppaNoTicket}
		}
		return []string{TplToppaRecord, TplToppaArea}
	case "fire":
		return []string{TplToppaRecord, TplToppaFire}
	case "battle":
		return []string{TplBattle}
	case "result":
		if g.lose {
			return []string{TplBattleFail}
		}
		return []string{TplBattleWin}
	case "overflow":
		return []string{TplSoulOverflow, TplCleanupEntry}
	case "cleanup_list":
		return []string{TplCleanupSelectAll}
	case "cleanup_selected":
		return []string{TplCleanupConfirm}
	case "cleanup_done":
		return []string{TplCleanupExit}
	}
	return nil
}

func (g *fakeGame) Screenshot(context.Context) (image.Image, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.screen == "battle" && g.battleLen >= 0 {
		g.shots++
		if g.shots > g.battleLen {
			g.screen = "result"
		}
	}
	return frame{Gray: image.NewGray(image.Rect(0, 0, 1, 1)), screen: g.screen}, nil
}

func (g *fakeGame) Tap(_ context.Context, x, y int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, name := range g.visible() {
		if !image.Pt(x, y).In(templateRect(name)) {
			continue
		}
		g.taps = append(g.taps, name)
		switch name {
		case TplToppaEntry:
			g.screen = "toppa"
		case TplToppaPersonal:
			g.screen = "select"
		case TplToppaArea:
			g.screen = "fire"
		case TplToppaFire:
			g.tickets--
			g.shots = 0
			g.screen = "battle"
		case TplBattleWin, TplBattleFail:
			if g.overflow {
				g.overflow = false
				g.screen = "overflow"
			} else {
				g.screen = "select"
			}
		case TplCleanupEntry:
			g.screen = "cleanup_list"
		case TplCleanupSelectAll:
			g.screen = "cleanup_selected"
		case TplCleanupConfirm:
			g.screen = "cleanup_done"
		case TplCleanupExit:
			g.screen = "select"
		}
		return nil
	}
	return nil
}

func (g *fakeGame) Swipe(context.Context, int, int, int, int, time.Duration) error { return nil }

func (g *fakeGame) Locate(screen image.Image, name string, _ float64) (vision.Match, bool, error) {
	f, ok := screen.(frame)
	if !ok {
		return vision.Match{}, false, nil
	}
	g.mu.Lock()
	saved := g.screen
	g.screen = f.screen
	visible := g.visible()
	g.screen = saved
	g.mu.Unlock()

	for _, v := range visible {
		if v == name {
			return vision.Match{Rect: templateRect(name), Confidence: 1}, true, nil
		}
	}
	return vision.Match{}, false, nil
}

func (g *fakeGame) current() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.screen
}

func (g *fakeGame) tapped(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, t := range g.taps {
		if t == name {
			n++
		}
	}
	return n
}

func testDeps(g *fakeGame) Deps {
	return Deps{
		Device:       g,
		Finder:       g,
		LoopInterval: time.Millisecond,
		ActionDelay:  time.Millisecond,
		StepTimeout:  200 * time.Millisecond,
		PollInterval: time.Millisecond,
	}
}

func kekkaiConfig(limit int) config.KekkaiToppaConfig {
	cfg := config.Defaults().Tasks.KekkaiToppa
	cfg.LimitCount = limit
	cfg.LimitTime = 0
	cfg.BattleTimeout = 5 * time.Second
	return cfg
}

func cleanupConfig() config.CleanupConfig {
	cfg := config.Defaults().Tasks.Cleanup
	cfg.RetryInterval = time.Millisecond
	return cfg
}

func testScheduler(t *testing.T, store core.Store) *core.Scheduler {
	t.Helper()
	opts := core.DefaultSchedulerOptions()
	opts.IdlePoll = 5 * time.Millisecond
	opts.TriggerInterval = 5 * time.Millisecond
	opts.PauseAckTimeout = 2 * time.Second
	opts.Store = store
	s := core.NewScheduler(opts)
	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return s
}

func waitForState(t *testing.T, s *core.Scheduler, id string, want core.TaskState) core.ContextSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := s.GetTaskStatus(id); ok && snap.State == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := s.GetTaskStatus(id)
	t.Fatalf("timed out waiting for %s to be %s (last state %q)", id, want, snap.State)
	return core.ContextSnapshot{}
}

func resultMap(t *testing.T, v any) map[string]any {
	t.Helper()
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expected result map, got %T", v)
	}
	return m
}

func TestKekkaiToppa_RunsUntilBattleLimit(t *testing.T) {
	g := newGame("main", 10)
	k := NewKekkaiToppa(kekkaiConfig(2), testDeps(g))

	result, err := k.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	res := resultMap(t, result)
	if res["battle_count"] != 2 || res["wins"] != 2 {
		t.Errorf("expected 2 battles and 2 wins, got %v", res)
	}
	if !strings.Contains(res["reason"].(string), "2 battles") {
		t.Errorf("unexpected reason %v", res["reason"])
	}
	if g.tapped(TplToppaEntry) != 1 || g.tapped(TplToppaPersonal) != 1 {
		t.Errorf("expected one tap on each menu, got taps %v", g.taps)
	}
	if g.tapped(TplToppaFire) != 2 {
		t.Errorf("expected 2 attacks, got %d", g.tapped(TplToppaFire))
	}

	snap := k.Context().Snapshot()
	if snap.State != core.TaskCompleted || snap.Progress != 1 {
		t.Errorf("expected completed at full progress, got %s %.2f", snap.State, snap.Progress)
	}
	cp, ok := snap.LatestCheckpoint()
	if !ok || cp.Name != "battle_2" {
		t.Errorf("expected checkpoint battle_2, got %+v", cp)
	}
}

func TestKekkaiToppa_CountsLosses(t *testing.T) {
	g := newGame("select", 10)
	g.lose = true
	k := NewKekkaiToppa(kekkaiConfig(1), testDeps(g))

	result, err := k.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	res := resultMap(t, result)
	if res["battle_count"] != 1 || res["wins"] != 0 {
		t.Errorf("expected 1 battle and no wins, got %v", res)
	}
}

func TestKekkaiToppa_StopsWithoutTickets(t *testing.T) {
	// Starting on the selection page forces a resync from the unknown state
	g := newGame("select", 1)
	k := NewKekkaiToppa(kekkaiConfig(0), testDeps(g))

	result, err := k.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	res := resultMap(t, result)
	if res["battle_count"] != 1 {
		t.Errorf("expected 1 battle, got %v", res["battle_count"])
	}
	if res["reason"] != "no tickets left" {
		t.Errorf("unexpected reason %v", res["reason"])
	}
}

func TestKekkaiToppa_BattleTimeoutFails(t *testing.T) {
	g := newGame("select", 5)
	g.battleLen = -1
	cfg := kekkaiConfig(3)
	cfg.BattleTimeout = 30 * time.Millisecond
	k := NewKekkaiToppa(cfg, testDeps(g))

	var timeouts int
	k.Bus().Subscribe(core.EventTimeout, func(core.EventData) error {
		timeouts++
		return nil
	})

	_, err := k.Execute(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "battle exceeded") {
		t.Fatalf("expected battle timeout error, got %v", err)
	}
	if k.Context().State() != core.TaskFailed {
		t.Errorf("expected failed, got %s", k.Context().State())
	}
	if timeouts != 1 {
		t.Errorf("expected one timeout event, got %d", timeouts)
	}
}

func TestKekkaiToppa_InventoryFullPreemptsForCleanup(t *testing.T) {
	g := newGame("select", 10)
	g.overflow = true
	deps := testDeps(g)
	deps.Resources = NewResources(nil)

	s := testScheduler(t, nil)
	cfg := config.TasksConfig{KekkaiToppa: kekkaiConfig(3), Cleanup: cleanupConfig()}
	cfg.Cleanup.Triggers = []config.TriggerConfig{{Type: config.TriggerInventory}}

	tasks, err := Setup(s, cfg, deps)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if err := s.SubmitTask(tasks[0], 0); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	s.Start()

	waitForState(t, s, cfg.Cleanup.Name, core.TaskCompleted)
	snap := waitForState(t, s, cfg.KekkaiToppa.Name, core.TaskCompleted)

	if snap.PauseTime == nil {
		t.Error("farming task should have been paused for the cleanup")
	}
	if g.tapped(TplCleanupExit) != 1 {
		t.Errorf("expected the cleanup to run once, taps %v", g.taps)
	}
	if deps.Resources.InventoryFull() {
		t.Error("cleanup should reset the inventory flag")
	}
	if deps.Resources.Battles() != 2 {
		t.Errorf("expected 2 battles recorded since the cleanup, got %d", deps.Resources.Battles())
	}
	if snap.Data["battle_count"] != 3 {
		t.Errorf("expected 3 battles, got %v", snap.Data["battle_count"])
	}
}

func TestKekkaiToppa_ResumesFromCheckpoint(t *testing.T) {
	store := state.NewMemoryStore()
	g := newGame("select", 10)

	// 1. First run stops after two battles
	s1 := testScheduler(t, store)
	first := NewKekkaiToppa(kekkaiConfig(2), testDeps(g))
	if err := s1.SubmitTask(first, 0); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	s1.Start()
	waitForState(t, s1, first.ID(), core.TaskCompleted)

	// 2. A new instance picks up the count from the store
	s2 := testScheduler(t, store)
	cfg := kekkaiConfig(3)
	cfg.Resume = true
	second := NewKekkaiToppa(cfg, testDeps(g))
	if err := s2.SubmitTask(second, 0); err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	s2.Start()
	snap := waitForState(t, s2, second.ID(), core.TaskCompleted)

	if g.tapped(TplToppaFire) != 3 {
		t.Errorf("expected 3 attacks over both runs, got %d", g.tapped(TplToppaFire))
	}
	if cp, ok := snap.LatestCheckpoint(); !ok || cp.Name != "battle_3" {
		t.Errorf("expected checkpoint battle_3, got %+v", cp)
	}
}

func TestKekkaiToppa_PageGate(t *testing.T) {
	ev := core.NewEvent(core.EventPageChanged, "test", map[string]any{"page": core.PageBattle})
	if err := pageGate(core.PageBattleResult, core.PageKekkaiSelection, &ev); err == nil {
		t.Error("page change to a different page should be vetoed")
	}
	ev.Data["page"] = core.PageKekkaiSelection
	if err := pageGate(core.PageBattleResult, core.PageKekkaiSelection, &ev); err != nil {
		t.Errorf("matching page change vetoed: %v", err)
	}
	other := core.NewEvent(core.EventBattleEnded, "test", nil)
	if err := pageGate(core.PageBattle, core.PageBattleResult, &other); err != nil {
		t.Errorf("non page events should pass: %v", err)
	}
}

func TestCleanupTask_TapsEveryStep(t *testing.T) {
	g := newGame("overflow", 0)
	deps := testDeps(g)
	deps.Resources = NewResources(nil)
	deps.Resources.MarkInventoryFull()
	deps.Resources.RecordBattle()

	task := NewCleanupTask(cleanupConfig(), deps)
	if task.ID() != "inventory_cleanup" {
		t.Errorf("cleanup id should be the configured name, got %s", task.ID())
	}

	result, err := task.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resultMap(t, result)["steps"] != 4 {
		t.Errorf("unexpected result %v", result)
	}
	if g.current() != "select" {
		t.Errorf("expected to be back on the selection page, got %s", g.current())
	}
	if deps.Resources.InventoryFull() || deps.Resources.Battles() != 0 {
		t.Error("resources should be reset after cleanup")
	}
	snap := task.Context().Snapshot()
	if len(snap.Checkpoints) != 4 || snap.Progress != 1 {
		t.Errorf("expected 4 checkpoints and full progress, got %d %.2f", len(snap.Checkpoints), snap.Progress)
	}
}

func TestCleanupTask_MissingStepFails(t *testing.T) {
	g := newGame("nowhere", 0)
	deps := testDeps(g)
	deps.StepTimeout = 20 * time.Millisecond
	deps.Resources = NewResources(nil)
	deps.Resources.MarkInventoryFull()

	task := NewCleanupTask(cleanupConfig(), deps)
	_, err := task.Execute(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "not found after 2 attempts") {
		t.Fatalf("expected missing step error, got %v", err)
	}
	if task.Context().State() != core.TaskFailed {
		t.Errorf("expected failed, got %s", task.Context().State())
	}
	if deps.Resources.InventoryFull() {
		t.Error("resources are reset even when the cleanup fails")
	}
}

func TestCleanupTask_Timeout(t *testing.T) {
	g := newGame("nowhere", 0)
	deps := testDeps(g)
	deps.StepTimeout = time.Second
	cfg := cleanupConfig()
	cfg.Timeout = 30 * time.Millisecond

	_, err := NewCleanupTask(cfg, deps).Execute(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestBuildTriggers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := NewResources(clock)

	triggers, err := BuildTriggers([]config.TriggerConfig{
		{Type: config.TriggerTime, Interval: time.Hour},
		{Type: config.TriggerCount, MaxCount: 2},
		{Type: config.TriggerInventory},
	}, r)
	if err != nil {
		t.Fatalf("BuildTriggers failed: %v", err)
	}

	fired := func() []bool {
		out := make([]bool, len(triggers))
		for i, tr := range triggers {
			out[i], _ = tr()
		}
		return out
	}

	if got := fired(); got[0] || got[1] || got[2] {
		t.Fatalf("nothing should fire yet, got %v", got)
	}

	now = now.Add(2 * time.Hour)
	r.RecordBattle()
	r.RecordBattle()
	r.MarkInventoryFull()
	if got := fired(); !got[0] || !got[1] || !got[2] {
		t.Fatalf("everything should fire, got %v", got)
	}

	r.Reset()
	if got := fired(); got[0] || got[1] || got[2] {
		t.Fatalf("reset should clear every trigger, got %v", got)
	}

	if _, err := BuildTriggers([]config.TriggerConfig{{Type: "moon_phase"}}, r); err == nil {
		t.Error("expected error for unknown trigger type")
	}
}

func TestSetup_QueuesCleanupWhenIdle(t *testing.T) {
	g := newGame("overflow", 0)
	deps := testDeps(g)
	deps.Resources = NewResources(nil)

	s := testScheduler(t, nil)
	cfg := config.TasksConfig{KekkaiToppa: kekkaiConfig(1), Cleanup: cleanupConfig()}
	cfg.KekkaiToppa.Enabled = false

	tasks, err := Setup(s, cfg, deps)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("disabled task returned: %v", tasks)
	}

	deps.Resources.MarkInventoryFull()
	s.Start()
	waitForState(t, s, cfg.Cleanup.Name, core.TaskCompleted)
}

func TestRequiredTemplates(t *testing.T) {
	names := RequiredTemplates()
	if len(names) != len(templateOrder) {
		t.Fatalf("expected %d templates, got %d: %v", len(templateOrder), len(names), names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("names not sorted and unique: %v", names)
		}
	}
}
