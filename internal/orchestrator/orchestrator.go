package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/agrivision-core/internal/actuator"
	"github.com/nerrad567/agrivision-core/internal/gateway"
	"github.com/nerrad567/agrivision-core/internal/hardware/clock"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/logging"
	"github.com/nerrad567/agrivision-core/internal/store"
	"github.com/nerrad567/agrivision-core/internal/vision"
)

const defaultScanInterval = time.Second

// Actuator is the hardware the orchestrator drives.
type Actuator interface {
	Goto(ctx context.Context, x, y float64) error
	WaterAt(ctx context.Context, x, y float64, d time.Duration) error
	CheckImageAt(ctx context.Context, x, y float64) (*actuator.Inspection, error)
}

// Options configure an Orchestrator.
type Options struct {
	Gateway  *gateway.Gateway
	Store    store.Store
	Actuator Actuator

	// Detector re-runs classification on stored images for recheck
	// requests. It may be nil, in which case recheck is refused.
	Detector vision.Detector

	// Audit receives one entry per state-changing request. Optional.
	Audit AuditLog

	Clock        clock.Clock
	ScanInterval time.Duration
	AutoWater    bool
	AutoCheck    bool
	Logger       *logging.Logger
}

// Orchestrator runs the automation: a periodic scan that checks and waters
// every due position, and a command loop serving gateway requests.
//
// Thread Safety:
//   - The flags are atomics and may be read from any goroutine.
//   - Hardware access is serialised by the Actuator.
type Orchestrator struct {
	gw       *gateway.Gateway
	store    store.Store
	act      Actuator
	detector vision.Detector
	audit    AuditLog
	clock    clock.Clock
	interval time.Duration
	logger   *logging.Logger

	autoWater atomic.Bool
	autoCheck atomic.Bool
	moving    atomic.Bool
	watering  atomic.Bool
	capturing atomic.Bool
	stop      atomic.Bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New creates an orchestrator. Wire Observe as the actuator's Observer so
// activity reports reach the gateway.
func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = defaultScanInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	o := &Orchestrator{
		gw:       opts.Gateway,
		store:    opts.Store,
		act:      opts.Actuator,
		detector: opts.Detector,
		audit:    opts.Audit,
		clock:    opts.Clock,
		interval: opts.ScanInterval,
		logger:   opts.Logger.Component("orchestrator"),
	}
	o.autoWater.Store(opts.AutoWater)
	o.autoCheck.Store(opts.AutoCheck)
	return o
}

// SetActuator replaces the actuator. It exists because the actuator needs
// Observe as its observer and so is built after the orchestrator. It must
// be called before Run.
func (o *Orchestrator) SetActuator(act Actuator) {
	o.act = act
}

// Observe records an actuator activity change and broadcasts it.
func (o *Orchestrator) Observe(activity actuator.Activity, active bool) {
	switch activity {
	case actuator.ActivityMoving:
		o.moving.Store(active)
		o.gw.Send(gateway.ReportMoving{Value: active})
	case actuator.ActivityWatering:
		o.watering.Store(active)
		o.gw.Send(gateway.ReportWatering{Value: active})
	case actuator.ActivityCapturing:
		o.capturing.Store(active)
		o.gw.Send(gateway.ReportCapturing{Value: active})
	}
}

// AutoWater reports whether scheduled watering is enabled.
func (o *Orchestrator) AutoWater() bool { return o.autoWater.Load() }

// AutoCheck reports whether the scan loop is enabled.
func (o *Orchestrator) AutoCheck() bool { return o.autoCheck.Load() }

// Stopped reports whether a shutdown request was handled.
func (o *Orchestrator) Stopped() bool { return o.stop.Load() }

// Run starts the scan loop and the command loop and blocks until ctx is
// done or a shutdown request arrives.
//
// Returns:
//   - error: ErrStopped after a shutdown request, ctx.Err() on cancellation,
//     or the first fatal loop error
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancelMu.Lock()
	o.cancel = cancel
	o.cancelMu.Unlock()

	o.logger.Info("orchestrator started",
		"scan_interval", o.interval,
		"auto_water", o.autoWater.Load(),
		"auto_check", o.autoCheck.Load(),
	)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return o.scanLoop(gctx) })
	g.Go(func() error { return o.commandLoop(gctx) })
	err := g.Wait()

	if o.stop.Load() {
		o.logger.Info("orchestrator stopped")
		return ErrStopped
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (o *Orchestrator) requestStop() {
	o.stop.Store(true)
	o.cancelMu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.cancelMu.Unlock()
}

// ─── Scan loop ─────────────────────────────────────────────────────────────

func (o *Orchestrator) scanLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.clock.After(o.interval):
		}
		if o.stop.Load() {
			return nil
		}
		if o.autoCheck.Load() {
			o.scan(ctx)
		}
	}
}

// scan visits every active position in (x, y) order and checks the ones
// that are due. Errors are reported per position and never abort the scan.
func (o *Orchestrator) scan(ctx context.Context) {
	positions, err := o.store.QueryPositions(ctx, true)
	if err != nil {
		o.fail("listing positions", err)
		return
	}
	slices.SortFunc(positions, func(a, b store.Position) int {
		if a.X != b.X {
			return a.X - b.X
		}
		return a.Y - b.Y
	})

	for _, p := range positions {
		if o.stop.Load() || ctx.Err() != nil || !o.autoCheck.Load() {
			return
		}
		if err := o.visit(ctx, p); err != nil {
			o.fail(fmt.Sprintf("position (%d, %d)", p.X, p.Y), err)
		}
	}
}

func (o *Orchestrator) visit(ctx context.Context, p store.Position) error {
	last, err := o.store.QueryLastCheck(ctx, p.ID, false)
	if errors.Is(err, store.ErrCheckNotFound) {
		return o.checkAt(ctx, p)
	}
	if err != nil {
		return err
	}

	stage, err := o.store.QueryStageByID(ctx, last.StageID)
	if err != nil {
		return fmt.Errorf("stage of last check: %w", err)
	}
	if !dueForCheck(o.clock.Now(), last, *stage) {
		return nil
	}
	return o.checkAt(ctx, p)
}

// ─── Check and water pipelines ─────────────────────────────────────────────

// checkAt inspects p, stores the annotated image and a check record, and
// waters when auto-water is on and the stage's period has elapsed.
//
// Once started, a check runs to completion with its records written, even
// if a shutdown cancels ctx part way through.
func (o *Orchestrator) checkAt(ctx context.Context, p store.Position) error {
	ctx = context.WithoutCancel(ctx)

	insp, err := o.act.CheckImageAt(ctx, float64(p.X), float64(p.Y))
	if err != nil {
		return err
	}

	bounds := insp.Image.Bounds()
	box := boxIn(insp.Detection, bounds)
	jpeg, err := vision.EncodeJPEG(vision.Annotate(insp.Image, insp.Detection))
	if err != nil {
		return err
	}

	img, err := o.store.InsertImage(ctx, jpeg)
	if err != nil {
		return err
	}

	stage, err := o.stageFor(ctx, insp.Detection.Class)
	if err != nil {
		return err
	}

	rec := store.CheckRecord{
		PositionID: p.ID,
		StageID:    stage.ID,
		ImageID:    img.ID,
		Box:        box,
		CreatedAt:  o.clock.Now(),
	}
	if _, err := o.store.InsertCheck(ctx, &rec); err != nil {
		return err
	}
	o.gw.Send(checkDone(p.X, p.Y, &rec, stage.Stage, img.Ref))

	o.logger.Info("position checked",
		"x", p.X, "y", p.Y,
		"stage", stage.Stage,
		"confidence", insp.Detection.Confidence,
	)

	if !o.autoWater.Load() {
		return nil
	}

	lastWatered, err := o.store.QueryLastCheck(ctx, p.ID, true)
	if err != nil && !errors.Is(err, store.ErrCheckNotFound) {
		return err
	}
	if !dueForWater(o.clock.Now(), lastWatered, *stage) {
		return nil
	}
	return o.waterAt(ctx, p, *stage, img.ID, box)
}

// waterAt waters p for the stage's duration and appends a watered record.
// Stages with no water duration are skipped without a record, so the
// position stays due.
func (o *Orchestrator) waterAt(ctx context.Context, p store.Position, stage store.StageConfig, imageID int64, box store.Box) error {
	if stage.WaterDuration <= 0 {
		o.logger.Debug("stage needs no water", "x", p.X, "y", p.Y, "stage", stage.Stage)
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	if err := o.act.WaterAt(ctx, float64(p.X), float64(p.Y), stage.WaterDuration); err != nil {
		return err
	}

	rec := store.CheckRecord{
		PositionID: p.ID,
		StageID:    stage.ID,
		ImageID:    imageID,
		Box:        box,
		CreatedAt:  o.clock.Now(),
		Watered:    true,
	}
	if _, err := o.store.InsertCheck(ctx, &rec); err != nil {
		return err
	}
	o.gw.Send(gateway.ReportWaterDone{X: p.X, Y: p.Y, Timestamp: rec.CreatedAt})

	o.logger.Info("position watered",
		"x", p.X, "y", p.Y,
		"stage", stage.Stage,
		"duration", stage.WaterDuration,
	)
	return nil
}

// stageFor returns the config for a detected label, creating the fallback
// config the first time a label is seen.
func (o *Orchestrator) stageFor(ctx context.Context, label string) (*store.StageConfig, error) {
	if label == "" {
		label = store.UnknownStage
	}
	stage, err := o.store.QueryStageConfig(ctx, label)
	if err == nil {
		return stage, nil
	}
	if !errors.Is(err, store.ErrStageNotFound) {
		return nil, err
	}

	fallback := store.FallbackStage(label)
	if err := o.store.UpsertStageConfig(ctx, &fallback); err != nil {
		return nil, err
	}
	o.logger.Warn("created fallback config for new stage", "stage", label)
	return &fallback, nil
}

// fail logs err and broadcasts it as an Error report.
func (o *Orchestrator) fail(what string, err error) {
	o.logger.Error(what+" failed", "error", err)
	o.gw.Send(gateway.Error{Text: fmt.Sprintf("%s: %v", what, err)})
}

// boxIn converts a detection to a box relative to the image origin, which
// is how it appears in the stored JPEG.
func boxIn(d vision.Detection, bounds image.Rectangle) store.Box {
	return store.Box{
		X:      d.X - bounds.Min.X,
		Y:      d.Y - bounds.Min.Y,
		Width:  d.Width,
		Height: d.Height,
	}
}

func checkDone(x, y int, rec *store.CheckRecord, stage, imageRef string) gateway.ReportCheckDone {
	return gateway.ReportCheckDone{
		X:         x,
		Y:         y,
		Top:       rec.Box.Y,
		Left:      rec.Box.X,
		Right:     rec.Box.X + rec.Box.Width,
		Bottom:    rec.Box.Y + rec.Box.Height,
		Stage:     stage,
		Timestamp: rec.CreatedAt,
		Image:     imageRef,
		CheckID:   rec.ID,
	}
}
