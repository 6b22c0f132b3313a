package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/agrivision-core/internal/gateway"
	"github.com/nerrad567/agrivision-core/internal/store"
	"github.com/nerrad567/agrivision-core/internal/vision"
)

func (o *Orchestrator) commandLoop(ctx context.Context) error {
	for {
		msg, err := o.gw.Recv(ctx)
		if err != nil {
			// Cancellation is the normal way out.
			return nil
		}
		err = o.handle(ctx, msg)
		if err != nil {
			o.fail(msg.Type(), err)
		}
		o.record(ctx, msg, err)
		if o.stop.Load() {
			return nil
		}
	}
}

// handle serves one request. Replies and side effects go out through the
// gateway; the returned error is reported as an Error message.
func (o *Orchestrator) handle(ctx context.Context, msg gateway.Incoming) error {
	switch m := msg.(type) {
	case gateway.GetReport:
		return o.report()
	case gateway.GetListPositions:
		return o.listPositions(ctx)
	case gateway.GetAutoWater:
		o.gw.Send(gateway.ReportAutoWater{Value: o.autoWater.Load()})
	case gateway.GetAutoCheck:
		o.gw.Send(gateway.ReportAutoCheck{Value: o.autoCheck.Load()})
	case gateway.GetMovingState:
		o.gw.Send(gateway.ReportMoving{Value: o.moving.Load()})
	case gateway.GetWateringState:
		o.gw.Send(gateway.ReportWatering{Value: o.watering.Load()})
	case gateway.GetCapturingState:
		o.gw.Send(gateway.ReportCapturing{Value: o.capturing.Load()})

	case gateway.SetAutoWater:
		o.autoWater.Store(m.Value)
		o.logger.Info("auto-water changed", "enabled", m.Value)
		o.gw.Send(gateway.ReportAutoWater{Value: m.Value})
	case gateway.SetAutoCheck:
		o.autoCheck.Store(m.Value)
		o.logger.Info("auto-check changed", "enabled", m.Value)
		o.gw.Send(gateway.ReportAutoCheck{Value: m.Value})

	case gateway.Water:
		return o.manualWater(ctx, m.X, m.Y)
	case gateway.Check:
		p, err := o.store.QueryPosition(ctx, m.X, m.Y)
		if err != nil {
			return err
		}
		return o.checkAt(ctx, *p)
	case gateway.Goto:
		if err := o.act.Goto(context.WithoutCancel(ctx), float64(m.X), float64(m.Y)); err != nil {
			return err
		}
		o.gw.Send(gateway.Status{Text: fmt.Sprintf("moved to (%d, %d)", m.X, m.Y)})

	case gateway.AddPosition:
		if _, err := o.store.UpsertPosition(ctx, m.X, m.Y); err != nil {
			return err
		}
		o.gw.Send(gateway.Status{Text: fmt.Sprintf("position (%d, %d) added", m.X, m.Y)})
	case gateway.RemovePosition:
		if err := o.store.DeactivatePosition(ctx, m.X, m.Y); err != nil {
			return err
		}
		o.gw.Send(gateway.Status{Text: fmt.Sprintf("position (%d, %d) removed", m.X, m.Y)})

	case gateway.GetLastCheck:
		return o.lastCheck(ctx, m.X, m.Y)
	case gateway.GetLastWater:
		return o.lastWater(ctx, m.X, m.Y)
	case gateway.GetStages:
		return o.listStages(ctx)
	case gateway.SetStage:
		return o.setStage(ctx, m)
	case gateway.Recheck:
		return o.recheck(ctx, m.CheckID)

	case gateway.Shutdown:
		o.logger.Info("shutdown requested")
		o.gw.Send(gateway.Status{Text: "shutting down"})
		o.requestStop()

	default:
		return fmt.Errorf("unsupported request %q", msg.Type())
	}
	return nil
}

// report fans GetReport out into the narrower queries via the loopback.
func (o *Orchestrator) report() error {
	queries := []gateway.Incoming{
		gateway.GetListPositions{},
		gateway.GetMovingState{},
		gateway.GetWateringState{},
		gateway.GetCapturingState{},
		gateway.GetAutoWater{},
		gateway.GetAutoCheck{},
	}
	for _, q := range queries {
		if err := o.gw.SendMyself(q); err != nil {
			return fmt.Errorf("queueing %s: %w", q.Type(), err)
		}
	}
	return nil
}

func (o *Orchestrator) listPositions(ctx context.Context) error {
	positions, err := o.store.QueryPositions(ctx, true)
	if err != nil {
		return err
	}
	for _, p := range positions {
		o.gw.Send(gateway.ReportPosition{X: p.X, Y: p.Y})
	}
	return nil
}

// manualWater waters a registered position on operator request, ignoring
// auto-water and the water period. The duration comes from the stage of
// the last check, or the unknown stage for a position never checked.
func (o *Orchestrator) manualWater(ctx context.Context, x, y int) error {
	p, err := o.store.QueryPosition(ctx, x, y)
	if err != nil {
		return err
	}

	var (
		stage   *store.StageConfig
		imageID int64
		box     store.Box
	)
	last, err := o.store.QueryLastCheck(ctx, p.ID, false)
	switch {
	case errors.Is(err, store.ErrCheckNotFound):
		stage, err = o.stageFor(ctx, store.UnknownStage)
	case err != nil:
		return err
	default:
		imageID, box = last.ImageID, last.Box
		stage, err = o.store.QueryStageByID(ctx, last.StageID)
	}
	if err != nil {
		return err
	}

	return o.waterAt(ctx, *p, *stage, imageID, box)
}

func (o *Orchestrator) lastCheck(ctx context.Context, x, y int) error {
	p, err := o.store.QueryPosition(ctx, x, y)
	if err != nil {
		return err
	}
	rec, err := o.store.QueryLastCheck(ctx, p.ID, false)
	if err != nil {
		return err
	}
	o.gw.Send(checkDone(x, y, rec, rec.Stage, rec.ImageRef))
	return nil
}

func (o *Orchestrator) lastWater(ctx context.Context, x, y int) error {
	p, err := o.store.QueryPosition(ctx, x, y)
	if err != nil {
		return err
	}
	rec, err := o.store.QueryLastCheck(ctx, p.ID, true)
	if err != nil {
		return err
	}
	o.gw.Send(gateway.ReportWaterDone{X: x, Y: y, Timestamp: rec.CreatedAt})
	return nil
}

func (o *Orchestrator) listStages(ctx context.Context) error {
	stages, err := o.store.QueryStages(ctx)
	if err != nil {
		return err
	}
	for _, s := range stages {
		o.gw.Send(stageReport(s))
	}
	return nil
}

func (o *Orchestrator) setStage(ctx context.Context, m gateway.SetStage) error {
	cfg := store.StageConfig{
		Stage:         m.Stage,
		FirstStage:    m.FirstStage,
		CheckPeriod:   seconds(m.CheckPeriod),
		WaterPeriod:   seconds(m.WaterPeriod),
		WaterDuration: seconds(m.WaterDuration),
	}
	if err := o.store.UpsertStageConfig(ctx, &cfg); err != nil {
		return err
	}
	o.logger.Info("stage config updated", "stage", cfg.Stage)
	o.gw.Send(stageReport(cfg))
	return nil
}

// recheck runs the detector again on a stored check image, reclassifies
// the check and replaces the stored image with a fresh annotation.
func (o *Orchestrator) recheck(ctx context.Context, checkID int64) error {
	if o.detector == nil {
		return errors.New("recheck: no detector configured")
	}

	rec, err := o.store.QueryCheck(ctx, checkID)
	if err != nil {
		return err
	}
	if rec.ImageID == 0 {
		return fmt.Errorf("recheck: check %d has no image", checkID)
	}
	stored, err := o.store.QueryImageByID(ctx, rec.ImageID)
	if err != nil {
		return err
	}
	img, err := vision.Decode(stored.Data)
	if err != nil {
		return err
	}

	det, err := o.detector.Detect(ctx, img)
	if err != nil {
		return err
	}
	stage, err := o.stageFor(ctx, det.Class)
	if err != nil {
		return err
	}

	box := boxIn(det, img.Bounds())
	if err := o.store.UpdateCheckStage(ctx, rec.ID, stage.ID, box); err != nil {
		return err
	}

	data, err := vision.EncodeJPEG(vision.Annotate(img, det))
	if err != nil {
		return err
	}
	if err := o.store.UpdateImage(ctx, stored.ID, data); err != nil {
		return err
	}

	rec.StageID, rec.Stage, rec.Box = stage.ID, stage.Stage, box
	o.gw.Send(checkDone(rec.X, rec.Y, rec, stage.Stage, stored.Ref))
	return nil
}

func stageReport(s store.StageConfig) gateway.ReportStage {
	return gateway.ReportStage{
		Stage:         s.Stage,
		FirstStage:    s.FirstStage,
		CheckPeriod:   s.CheckPeriod.Seconds(),
		WaterPeriod:   s.WaterPeriod.Seconds(),
		WaterDuration: s.WaterDuration.Seconds(),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
