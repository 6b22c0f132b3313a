package orchestrator

import (
	"time"

	"github.com/nerrad567/agrivision-core/internal/store"
)

// dueForCheck reports whether a position should be inspected: it has never
// been checked, or its last check is older than that stage's check period.
func dueForCheck(now time.Time, last *store.CheckRecord, stage store.StageConfig) bool {
	if last == nil {
		return true
	}
	return now.Sub(last.CreatedAt) >= stage.CheckPeriod
}

// dueForWater reports whether a position should be watered now. The period
// is taken from the stage just detected, not the stage at the last
// watering.
func dueForWater(now time.Time, lastWatered *store.CheckRecord, stage store.StageConfig) bool {
	if lastWatered == nil {
		return true
	}
	return now.Sub(lastWatered.CreatedAt) >= stage.WaterPeriod
}
