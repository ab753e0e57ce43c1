package tasks

import (
	"fmt"
	"sort"

	"GameHelper/internal/config"
	"GameHelper/internal/core"
)

// Setup registers the inventory cleanup and its resource triggers on s and
// returns the enabled farming tasks, ready to submit.
func Setup(s *core.Scheduler, cfg config.TasksConfig, deps Deps) ([]core.Task, error) {
	deps = deps.withDefaults()

	if cfg.Cleanup.Enabled {
		triggers, err := BuildTriggers(cfg.Cleanup.Triggers, deps.Resources)
		if err != nil {
			return nil, fmt.Errorf("cleanup triggers: %w", err)
		}
		cleanup := cfg.Cleanup
		s.RegisterCleanup(cleanup.Name, func() core.Task { return NewCleanupTask(cleanup, deps) })
		for _, trigger := range triggers {
			s.AddResourceTrigger(trigger, cleanup.Name)
		}
		deps.Logger.Info("[Tasks] Setup: cleanup registered", "task", cleanup.Name, "triggers", len(triggers))
	}

	var tasks []core.Task
	if cfg.KekkaiToppa.Enabled {
		tasks = append(tasks, NewKekkaiToppa(cfg.KekkaiToppa, deps))
	}
	return tasks, nil
}

// RequiredTemplates lists the templates the tasks look for, sorted.
func RequiredTemplates() []string {
	names := []string{
		TplMainMenu, TplToppaEntry, TplToppaPage, TplToppaPersonal, TplToppaRecord,
		TplToppaNoTicket, TplToppaArea, TplToppaFire, TplBattle, TplBattleWin,
		TplBattleFail, TplSoulOverflow,
	}
	names = append(names, cleanupSteps...)
	sort.Strings(names)
	return names
}
