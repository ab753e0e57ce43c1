// Package tasks holds the game tasks run by the scheduler and the resource
// triggers that make the scheduler preempt them for inventory cleanup.
package tasks

import (
	"fmt"
	"sync"
	"time"

	"GameHelper/internal/config"
	"GameHelper/internal/core"
)

// Resources tracks what accumulates while farming: battles fought since the
// last cleanup and whether the game reported a full inventory.
type Resources struct {
	mu            sync.Mutex
	now           func() time.Time
	battles       int
	inventoryFull bool
	lastCleanup   time.Time
}

// NewResources starts counting from now. A nil clock uses time.Now.
func NewResources(now func() time.Time) *Resources {
	if now == nil {
		now = time.Now
	}
	return &Resources{now: now, lastCleanup: now()}
}

func (r *Resources) RecordBattle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.battles++
}

func (r *Resources) Battles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.battles
}

func (r *Resources) MarkInventoryFull() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inventoryFull = true
}

func (r *Resources) InventoryFull() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inventoryFull
}

// SinceCleanup returns the time elapsed since the last Reset.
func (r *Resources) SinceCleanup() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().Sub(r.lastCleanup)
}

// Reset is called when a cleanup finishes.
func (r *Resources) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.battles = 0
	r.inventoryFull = false
	r.lastCleanup = r.now()
}

// TimeTrigger fires once interval has passed since the last cleanup.
func TimeTrigger(r *Resources, interval time.Duration) core.Trigger {
	return func() (bool, error) {
		return r.SinceCleanup() >= interval, nil
	}
}

// CountTrigger fires once max battles were fought since the last cleanup.
func CountTrigger(r *Resources, max int) core.Trigger {
	return func() (bool, error) {
		return r.Battles() >= max, nil
	}
}

// InventoryTrigger fires while the inventory is reported full.
func InventoryTrigger(r *Resources) core.Trigger {
	return func() (bool, error) {
		return r.InventoryFull(), nil
	}
}

// BuildTriggers converts trigger configuration into scheduler triggers.
func BuildTriggers(cfgs []config.TriggerConfig, r *Resources) ([]core.Trigger, error) {
	triggers := make([]core.Trigger, 0, len(cfgs))
	for i, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("trigger %d: %w", i, err)
		}
		switch c.Type {
		case config.TriggerTime:
			triggers = append(triggers, TimeTrigger(r, c.Interval))
		case config.TriggerCount:
			triggers = append(triggers, CountTrigger(r, c.MaxCount))
		case config.TriggerInventory:
			triggers = append(triggers, InventoryTrigger(r))
		}
	}
	return triggers, nil
}
