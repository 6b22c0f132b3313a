package orchestrator

import (
	"context"
	"strconv"

	"github.com/nerrad567/agrivision-core/internal/audit"
	"github.com/nerrad567/agrivision-core/internal/gateway"
)

// AuditLog stores audit entries. audit.SQLiteRepository satisfies it.
type AuditLog interface {
	Create(ctx context.Context, e *audit.Entry) error
}

// record appends an audit entry for state-changing requests. Queries are
// skipped. A failed write is logged and otherwise ignored.
func (o *Orchestrator) record(ctx context.Context, msg gateway.Incoming, handleErr error) {
	if o.audit == nil {
		return
	}
	e, ok := auditEntry(msg)
	if !ok {
		return
	}
	e.Source = "gateway"
	e.CreatedAt = o.clock.Now().UTC()
	if handleErr != nil {
		e.Outcome = audit.OutcomeError
		e.Error = handleErr.Error()
	}

	if err := o.audit.Create(context.WithoutCancel(ctx), &e); err != nil {
		o.logger.Warn("writing audit entry failed", "action", e.Action, "error", err)
	}
}

// auditEntry describes msg, or returns false for read-only requests.
func auditEntry(msg gateway.Incoming) (audit.Entry, bool) {
	e := audit.Entry{Action: msg.Type()}

	switch m := msg.(type) {
	case gateway.Water:
		e.EntityType, e.EntityID = "position", coordID(m.X, m.Y)
	case gateway.Check:
		e.EntityType, e.EntityID = "position", coordID(m.X, m.Y)
	case gateway.Goto:
		e.EntityType, e.EntityID = "position", coordID(m.X, m.Y)
	case gateway.AddPosition:
		e.EntityType, e.EntityID = "position", coordID(m.X, m.Y)
	case gateway.RemovePosition:
		e.EntityType, e.EntityID = "position", coordID(m.X, m.Y)

	case gateway.SetStage:
		e.EntityType, e.EntityID = "stage", m.Stage
		e.Details = map[string]any{
			"first_stage":    m.FirstStage,
			"check_period":   m.CheckPeriod,
			"water_period":   m.WaterPeriod,
			"water_duration": m.WaterDuration,
		}
	case gateway.Recheck:
		e.EntityType, e.EntityID = "check", strconv.FormatInt(m.CheckID, 10)

	case gateway.SetAutoWater:
		e.EntityType = "rig"
		e.Details = map[string]any{"value": m.Value}
	case gateway.SetAutoCheck:
		e.EntityType = "rig"
		e.Details = map[string]any{"value": m.Value}
	case gateway.Shutdown:
		e.EntityType = "rig"

	default:
		return audit.Entry{}, false
	}
	return e, true
}

func coordID(x, y int) string {
	return strconv.Itoa(x) + "," + strconv.Itoa(y)
}
