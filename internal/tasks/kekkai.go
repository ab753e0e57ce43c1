package tasks

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"GameHelper/internal/config"
	"GameHelper/internal/core"
	"GameHelper/internal/vision"
)

// Templates used by the barrier-breaking task.
const (
	TplMainMenu      = "MAIN_MENU"       // main screen
	TplToppaEntry    = "TOPPA_ENTRY"     // main screen button into barrier breaking
	TplToppaPage     = "TOPPA_PAGE"      // barrier breaking landing page
	TplToppaPersonal = "TOPPA_PERSONAL"  // personal barrier tab
	TplToppaRecord   = "TOPPA_RECORD"    // record panel on the selection page
	TplToppaNoTicket = "TOPPA_NO_TICKET" // no attack tickets left
	TplToppaArea     = "TOPPA_AREA"      // a barrier that can still be attacked
	TplToppaFire     = "TOPPA_FIRE"      // attack button
	TplBattle        = "BATTLE_AUTO"     // auto-battle indicator
	TplBattleWin     = "BATTLE_WIN"
	TplBattleFail    = "BATTLE_FAIL"
	TplSoulOverflow  = "SOUL_OVERFLOW" // inventory full popup
)

// resyncAfter is how many iterations the screen may disagree with a known
// state before the machine is forced onto the detected page.
const resyncAfter = 10

// KekkaiToppa attacks personal barriers until it runs out of tickets, barriers,
// battles or time. It is a hybrid task: screen detection feeds its state machine.
type KekkaiToppa struct {
	*core.HybridTask

	cfg    config.KekkaiToppaConfig
	deps   Deps
	screen screenReader
	logger *slog.Logger

	mu          sync.Mutex
	frame       image.Image
	detected    core.PageState
	staleSteps  int
	fireMisses  int
	startedAt   time.Time
	battleStart time.Time
	battles     int
	wins        int
	done        bool
	reason      string
}

// NewKekkaiToppa builds the task. Its id is cfg.Name.
func NewKekkaiToppa(cfg config.KekkaiToppaConfig, deps Deps) *KekkaiToppa {
	deps = deps.withDefaults()
	k := &KekkaiToppa{
		cfg:    cfg,
		deps:   deps,
		screen: screenReader{dev: deps.Device, finder: deps.Finder, threshold: cfg.Threshold},
		logger: deps.Logger,
	}
	k.HybridTask = core.NewHybridTask(cfg.Name, "Kekkai Toppa", cfg.Priority, k,
		core.WithLoopInterval(deps.LoopInterval),
		core.WithHybridLogger(deps.Logger))
	k.setupStateMachine()
	k.setupEventHandlers()
	return k
}

func (k *KekkaiToppa) setupStateMachine() {
	m := k.Machine()
	transitions := []struct {
		from  core.PageState
		event core.TaskEvent
		to    core.PageState
	}{
		{core.PageUnknown, core.EventPageChanged, core.PageMainMenu},
		{core.PageMainMenu, core.EventPageChanged, core.PageKekkaiToppa},
		{core.PageKekkaiToppa, core.EventPageChanged, core.PageKekkaiSelection},
		{core.PageKekkaiSelection, core.EventBattleStarted, core.PageBattle},
		{core.PageBattle, core.EventBattleEnded, core.PageBattleResult},
		{core.PageBattleResult, core.EventPageChanged, core.PageKekkaiSelection},
		{core.PageKekkaiSelection, core.EventInventoryFull, core.PageInventoryFull},
		{core.PageBattleResult, core.EventInventoryFull, core.PageInventoryFull},
		{core.PageInventoryFull, core.EventPageChanged, core.PageKekkaiSelection},
	}
	for _, t := range transitions {
		m.AddTransition(t.from, t.event, t.to)
		m.AddTransitionHandler(t.from, t.to, pageGate)
	}

	m.AddStateHandler(core.PageMainMenu, k.logEntry)
	m.AddStateHandler(core.PageKekkaiToppa, k.logEntry)
	m.AddStateHandler(core.PageKekkaiSelection, k.logEntry)
	m.AddStateHandler(core.PageBattle, k.onBattle)
	m.AddStateHandler(core.PageBattleResult, k.onBattleResult)
	m.AddStateHandler(core.PageInventoryFull, k.onInventoryFull)
}

func (k *KekkaiToppa) setupEventHandlers() {
	k.Bus().Subscribe(core.EventBattleEnded, func(ev core.EventData) error {
		if win, _ := ev.Data["win"].(bool); win {
			k.mu.Lock()
			k.wins++
			k.mu.Unlock()
		}
		return nil
	})
	k.Bus().Subscribe(core.EventInventoryFull, func(core.EventData) error {
		k.logger.Warn("[KekkaiToppa] inventory full, waiting for cleanup", "task", k.ID())
		return nil
	})
}

// pageGate only lets a page change move the machine to the page actually on screen.
func pageGate(_, to core.PageState, ev *core.EventData) error {
	if ev == nil || ev.Type != core.EventPageChanged {
		return nil
	}
	if page, ok := ev.Data["page"].(core.PageState); ok && page != to {
		return fmt.Errorf("screen shows %s, not %s", page, to)
	}
	return nil
}

func (k *KekkaiToppa) logEntry(state core.PageState, _ *core.EventData) error {
	k.logger.Info("[KekkaiToppa] entered page", "task", k.ID(), "page", state.String())
	return nil
}

func (k *KekkaiToppa) onBattle(core.PageState, *core.EventData) error {
	k.mu.Lock()
	k.battleStart = k.deps.Now()
	k.mu.Unlock()
	return nil
}

func (k *KekkaiToppa) onBattleResult(_ core.PageState, ev *core.EventData) error {
	k.deps.Resources.RecordBattle()

	k.mu.Lock()
	k.battles++
	battles, wins := k.battles, k.wins
	k.mu.Unlock()

	data := map[string]any{"battle_count": battles, "wins": wins}
	if k.cfg.LimitCount > 0 {
		k.SaveProgress(min(1, float64(battles)/float64(k.cfg.LimitCount)), data)
	} else {
		k.SaveProgress(0, data)
	}
	k.SaveCheckpoint(fmt.Sprintf("battle_%d", battles), data)

	win := false
	if ev != nil {
		win, _ = ev.Data["win"].(bool)
	}
	k.logger.Info("[KekkaiToppa] battle finished", "task", k.ID(), "battle", battles, "win", win)
	return nil
}

func (k *KekkaiToppa) onInventoryFull(core.PageState, *core.EventData) error {
	k.deps.Resources.MarkInventoryFull()
	return nil
}

// Initialize registers page detectors and restores counters from the last checkpoint when resuming.
func (k *KekkaiToppa) Initialize(ctx context.Context, h *core.HybridTask) error {
	k.mu.Lock()
	k.startedAt = k.deps.Now()
	k.battles, k.wins, k.done, k.reason = 0, 0, false, ""
	k.mu.Unlock()

	// Popups first: they cover the page underneath.
	h.AddPageDetector(core.PageInventoryFull, k.detector(core.PageInventoryFull, TplSoulOverflow))
	h.AddPageDetector(core.PageBattleResult, k.detector(core.PageBattleResult, TplBattleWin, TplBattleFail))
	h.AddPageDetector(core.PageBattle, k.detector(core.PageBattle, TplBattle))
	h.AddPageDetector(core.PageKekkaiSelection, k.detector(core.PageKekkaiSelection, TplToppaRecord))
	h.AddPageDetector(core.PageKekkaiToppa, k.detector(core.PageKekkaiToppa, TplToppaPage))
	h.AddPageDetector(core.PageMainMenu, k.detector(core.PageMainMenu, TplMainMenu))

	if !k.cfg.Resume {
		return nil
	}
	s := h.Scheduler()
	if s == nil {
		return nil
	}
	cp, ok, err := s.LatestCheckpoint(ctx, h.ID())
	if err != nil {
		k.logger.Warn("[KekkaiToppa] Initialize: could not load checkpoint", "task", h.ID(), "err", err)
		return nil
	}
	if !ok {
		return nil
	}
	k.mu.Lock()
	k.battles = intValue(cp.Data["battle_count"])
	k.wins = intValue(cp.Data["wins"])
	k.mu.Unlock()
	k.logger.Info("[KekkaiToppa] Initialize: resuming", "task", h.ID(), "checkpoint", cp.Name, "battles", k.battles)
	return nil
}

// intValue reads a counter that may have been through JSON.
func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// detector matches the page when any of the templates is visible on the current frame.
func (k *KekkaiToppa) detector(page core.PageState, templates ...string) core.PageDetector {
	return func() (bool, error) {
		screen, err := k.currentFrame(context.Background())
		if err != nil {
			return false, err
		}
		for _, name := range templates {
			_, ok, err := k.screen.find(screen, name)
			if err != nil {
				return false, err
			}
			if ok {
				k.mu.Lock()
				k.detected = page
				k.mu.Unlock()
				return true, nil
			}
		}
		return false, nil
	}
}

// currentFrame returns the screenshot of this iteration, capturing it on first use.
func (k *KekkaiToppa) currentFrame(ctx context.Context) (image.Image, error) {
	k.mu.Lock()
	frame := k.frame
	k.mu.Unlock()
	if frame != nil {
		return frame, nil
	}

	frame, err := k.screen.capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	k.mu.Lock()
	k.frame = frame
	k.mu.Unlock()
	return frame, nil
}

// nextFrame drops the cached screenshot and detection result.
func (k *KekkaiToppa) nextFrame() {
	k.mu.Lock()
	k.frame = nil
	k.detected = core.PageUnknown
	k.mu.Unlock()
}

// ExecuteStateLogic acts on the page the state machine is in.
func (k *KekkaiToppa) ExecuteStateLogic(ctx context.Context, h *core.HybridTask) error {
	defer k.nextFrame()

	k.mu.Lock()
	detected := k.detected
	k.mu.Unlock()

	current := h.Machine().Current()
	if detected != core.PageUnknown && detected != current {
		k.staleSteps++
		if current == core.PageUnknown || k.staleSteps >= resyncAfter {
			k.logger.Warn("[KekkaiToppa] resynchronising with screen", "task", h.ID(), "state", current.String(), "screen", detected.String())
			h.Machine().Reset(detected)
			current = detected
			k.staleSteps = 0
		}
	} else {
		k.staleSteps = 0
	}

	if detected == core.PageInventoryFull && current != core.PageInventoryFull && h.Machine().CanTransition(core.EventInventoryFull) {
		h.PublishEvent(core.EventInventoryFull, nil)
		return nil
	}

	switch current {
	case core.PageMainMenu:
		return k.tapIfVisible(ctx, h, TplToppaEntry)
	case core.PageKekkaiToppa:
		return k.tapIfVisible(ctx, h, TplToppaPersonal)
	case core.PageKekkaiSelection:
		return k.attack(ctx, h)
	case core.PageBattle:
		return k.watchBattle(ctx, h, detected)
	case core.PageBattleResult:
		_, err := k.tapFirst(ctx, h, TplBattleWin, TplBattleFail)
		return err
	case core.PageInventoryFull:
		// The cleanup task clears the popup while this task is paused.
	}
	return nil
}

// tapIfVisible taps the template when it is on the current frame.
func (k *KekkaiToppa) tapIfVisible(ctx context.Context, h *core.HybridTask, name string) error {
	_, err := k.tapFirst(ctx, h, name)
	return err
}

func (k *KekkaiToppa) tapFirst(ctx context.Context, h *core.HybridTask, names ...string) (bool, error) {
	screen, err := k.currentFrame(ctx)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		m, ok, err := k.screen.find(screen, name)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if err := k.screen.tap(ctx, m); err != nil {
			return false, err
		}
		return true, h.Sleep(ctx, k.deps.ActionDelay)
	}
	return false, nil
}

// attack picks a barrier, waits for the attack button and starts the battle.
func (k *KekkaiToppa) attack(ctx context.Context, h *core.HybridTask) error {
	screen, err := k.currentFrame(ctx)
	if err != nil {
		return err
	}
	if _, ok, err := k.screen.find(screen, TplToppaNoTicket); err != nil {
		return err
	} else if ok {
		k.finish("no tickets left")
		return nil
	}

	area, ok, err := k.screen.find(screen, TplToppaArea)
	if err != nil {
		return err
	}
	if !ok {
		k.finish("no barrier left to attack")
		return nil
	}
	if err := k.screen.tap(ctx, area); err != nil {
		return err
	}

	var fire vision.Match
	found, err := h.WaitUntil(ctx, func() bool {
		shot, err := k.screen.capture(ctx)
		if err != nil {
			return false
		}
		var ok bool
		fire, ok, _ = k.screen.find(shot, TplToppaFire)
		return ok
	}, k.deps.StepTimeout, k.deps.PollInterval)
	if err != nil {
		return err
	}
	if !found {
		k.fireMisses++
		if k.fireMisses > k.cfg.RetryCount {
			return fmt.Errorf("attack button did not appear after %d attempts", k.fireMisses)
		}
		k.logger.Warn("[KekkaiToppa] attack button missing, retrying", "task", h.ID(), "attempt", k.fireMisses)
		return nil
	}
	k.fireMisses = 0

	if err := k.screen.tap(ctx, fire); err != nil {
		return err
	}
	h.PublishEvent(core.EventBattleStarted, map[string]any{"area": area.Center()})
	return h.Sleep(ctx, k.deps.ActionDelay)
}

// watchBattle reports the end of the battle once the result page shows.
func (k *KekkaiToppa) watchBattle(ctx context.Context, h *core.HybridTask, detected core.PageState) error {
	if detected == core.PageBattleResult {
		screen, err := k.currentFrame(ctx)
		if err != nil {
			return err
		}
		_, win, err := k.screen.find(screen, TplBattleWin)
		if err != nil {
			return err
		}
		h.PublishEvent(core.EventBattleEnded, map[string]any{"win": win})
		return nil
	}

	k.mu.Lock()
	started := k.battleStart
	k.mu.Unlock()
	if k.cfg.BattleTimeout > 0 && !started.IsZero() && k.deps.Now().Sub(started) > k.cfg.BattleTimeout {
		h.PublishEvent(core.EventTimeout, map[string]any{"timeout": k.cfg.BattleTimeout.String()})
		return fmt.Errorf("battle exceeded %s", k.cfg.BattleTimeout)
	}
	return nil
}

func (k *KekkaiToppa) finish(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.done {
		k.done, k.reason = true, reason
		k.logger.Info("[KekkaiToppa] finishing", "task", k.ID(), "reason", reason)
	}
}

// CheckCompletion stops the loop on a finish condition, the battle limit or the time limit.
func (k *KekkaiToppa) CheckCompletion(*core.HybridTask) bool {
	k.mu.Lock()
	done, battles, started := k.done, k.battles, k.startedAt
	k.mu.Unlock()

	switch {
	case done:
		return true
	case k.cfg.LimitCount > 0 && battles >= k.cfg.LimitCount:
		k.finish(fmt.Sprintf("reached %d battles", k.cfg.LimitCount))
		return true
	case k.cfg.LimitTime > 0 && k.deps.Now().Sub(started) >= k.cfg.LimitTime:
		k.finish(fmt.Sprintf("reached time limit %s", k.cfg.LimitTime))
		return true
	}
	return false
}

func (k *KekkaiToppa) Cleanup(h *core.HybridTask) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.logger.Info("[KekkaiToppa] Cleanup: done", "task", h.ID(), "battles", k.battles, "wins", k.wins, "reason", k.reason)
}

func (k *KekkaiToppa) Result(*core.HybridTask) any {
	k.mu.Lock()
	defer k.mu.Unlock()
	return map[string]any{
		"battle_count":     k.battles,
		"wins":             k.wins,
		"reason":           k.reason,
		"duration_seconds": k.deps.Now().Sub(k.startedAt).Seconds(),
	}
}
