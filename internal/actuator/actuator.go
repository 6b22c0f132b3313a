package actuator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/agrivision-core/internal/hardware/clock"
	"github.com/nerrad567/agrivision-core/internal/hardware/gpio"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/logging"
	"github.com/nerrad567/agrivision-core/internal/motion"
	"github.com/nerrad567/agrivision-core/internal/vision"
)

// ErrLine is returned when the enable or valve line cannot be driven.
var ErrLine = errors.New("actuator: line error")

// Activity names an observable actuator state.
type Activity string

const (
	ActivityMoving    Activity = "moving"
	ActivityWatering  Activity = "watering"
	ActivityCapturing Activity = "capturing"
)

// Observer is told when an activity starts and stops. It is called with the
// actuator lock held and must not call back into the actuator.
type Observer func(activity Activity, active bool)

// Inspection is the result of CheckImageAt.
type Inspection struct {
	// Image is the square crop the detector ran on.
	Image image.Image

	// Detection is in Image coordinates.
	Detection vision.Detection
}

// Options configure a new Actuator.
type Options struct {
	Lines    Lines
	Clock    clock.Clock
	Camera   vision.Camera
	Detector vision.Detector
	Timing   motion.Timing
	Profile  Profile

	// ProfilePath receives the profile after every operation. Empty
	// disables persistence.
	ProfilePath string

	Observer Observer
	Logger   *logging.Logger
}

// Actuator is the compound X/Y gantry with its valve and camera.
//
// Thread Safety:
//   - Goto, WaterAt, CaptureAt and CheckImageAt are serialised on one lock.
//   - Profile persistence happens outside the lock; the last write wins.
type Actuator struct {
	x, y     *motion.Axis
	enable   gpio.Output
	valve    gpio.Output
	clock    clock.Clock
	camera   vision.Camera
	detector vision.Detector
	observer Observer
	logger   *logging.Logger

	profilePath string
	enablePin   int
	valvePin    int
	xPins       [2]int
	yPins       [2]int

	mu     sync.Mutex
	saveMu sync.Mutex
}

// New creates an actuator at the profile's stored position and drives the
// enable line to match it.
//
// Parameters:
//   - opts: Lines, collaborators and the starting profile
//
// Returns:
//   - *Actuator: Ready actuator
//   - error: If the axis parameters are invalid or the enable line fails
func New(opts Options) (*Actuator, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Observer == nil {
		opts.Observer = func(Activity, bool) {}
	}

	x, err := motion.NewAxis("x", opts.Lines.StepX, opts.Lines.DirX, opts.Clock, opts.Profile.X.Params, opts.Timing)
	if err != nil {
		return nil, err
	}
	y, err := motion.NewAxis("y", opts.Lines.StepY, opts.Lines.DirY, opts.Clock, opts.Profile.Y.Params, opts.Timing)
	if err != nil {
		return nil, err
	}
	x.SetPosition(opts.Profile.X.Position)
	y.SetPosition(opts.Profile.Y.Position)
	if opts.Profile.NeedsHoming {
		x.MarkNeedsHoming()
		y.MarkNeedsHoming()
	}

	a := &Actuator{
		x:           x,
		y:           y,
		enable:      opts.Lines.Enable,
		valve:       opts.Lines.Valve,
		clock:       opts.Clock,
		camera:      opts.Camera,
		detector:    opts.Detector,
		observer:    opts.Observer,
		logger:      opts.Logger.Component("actuator"),
		profilePath: opts.ProfilePath,
		enablePin:   opts.Profile.EnablePin,
		valvePin:    opts.Profile.ValvePin,
		xPins:       [2]int{opts.Profile.X.StepPin, opts.Profile.X.DirPin},
		yPins:       [2]int{opts.Profile.Y.StepPin, opts.Profile.Y.DirPin},
	}

	// Drivers are powered down only while parked at the origin.
	if err := a.enable.Set(a.parked()); err != nil {
		return nil, fmt.Errorf("%w: enable: %w", ErrLine, err)
	}
	if err := a.valve.Set(false); err != nil {
		return nil, fmt.Errorf("%w: valve: %w", ErrLine, err)
	}
	return a, nil
}

// Goto moves both axes to (x, y) concurrently.
//
// The enable line is driven low before leaving the origin and high again on
// arriving exactly at (0, 0). If one axis fails the other still completes;
// the failed axis keeps its previous position and needs homing.
func (a *Actuator) Goto(ctx context.Context, x, y float64) error {
	a.mu.Lock()
	err := a.gotoLocked(ctx, x, y)
	a.mu.Unlock()

	a.persist()
	return err
}

// WaterAt moves to (x, y) and holds the valve open for d. The valve is
// never opened when the move fails.
func (a *Actuator) WaterAt(ctx context.Context, x, y float64, d time.Duration) error {
	a.mu.Lock()
	err := a.waterLocked(ctx, x, y, d)
	a.mu.Unlock()

	a.persist()
	return err
}

// CaptureAt moves to (x, y) and takes a picture.
func (a *Actuator) CaptureAt(ctx context.Context, x, y float64) (image.Image, error) {
	a.mu.Lock()
	img, err := a.captureLocked(ctx, x, y)
	a.mu.Unlock()

	a.persist()
	return img, err
}

// CheckImageAt moves to (x, y), takes a picture, crops it square and runs
// the detector on the crop.
func (a *Actuator) CheckImageAt(ctx context.Context, x, y float64) (*Inspection, error) {
	a.mu.Lock()
	insp, err := a.checkLocked(ctx, x, y)
	a.mu.Unlock()

	a.persist()
	return insp, err
}

// Position returns the tracked (x, y) position.
func (a *Actuator) Position() (float64, float64) {
	return a.x.Position(), a.y.Position()
}

// NeedsHoming reports whether either axis aborted a move.
func (a *Actuator) NeedsHoming() bool {
	return a.x.NeedsHoming() || a.y.NeedsHoming()
}

// SetPosition declares the current physical position, typically (0, 0)
// after the operator has re-homed the gantry. It clears the homing flag.
func (a *Actuator) SetPosition(x, y float64) error {
	a.mu.Lock()
	a.x.SetPosition(x)
	a.y.SetPosition(y)
	err := a.enable.Set(a.parked())
	a.mu.Unlock()

	a.persist()
	if err != nil {
		return fmt.Errorf("%w: enable: %w", ErrLine, err)
	}
	return nil
}

// Profile returns a snapshot of the persisted state.
func (a *Actuator) Profile() Profile {
	return Profile{
		EnablePin:   a.enablePin,
		ValvePin:    a.valvePin,
		X:           AxisState{Position: a.x.Position(), StepPin: a.xPins[0], DirPin: a.xPins[1], Params: a.x.Params()},
		Y:           AxisState{Position: a.y.Position(), StepPin: a.yPins[0], DirPin: a.yPins[1], Params: a.y.Params()},
		NeedsHoming: a.NeedsHoming(),
	}
}

func (a *Actuator) atOrigin() bool {
	return a.x.Position() == 0 && a.y.Position() == 0
}

// parked reports whether the gantry is known to rest at the origin. After a
// fault the tracked position may read (0, 0) while the head is elsewhere.
func (a *Actuator) parked() bool {
	return a.atOrigin() && !a.NeedsHoming()
}

func (a *Actuator) gotoLocked(ctx context.Context, x, y float64) error {
	a.observer(ActivityMoving, true)
	defer a.observer(ActivityMoving, false)

	if a.atOrigin() {
		if err := a.enable.Set(false); err != nil {
			return fmt.Errorf("%w: enable: %w", ErrLine, err)
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := a.x.Goto(ctx, x)
		return err
	})
	g.Go(func() error {
		_, err := a.y.Goto(ctx, y)
		return err
	})
	moveErr := g.Wait()

	if a.parked() {
		if err := a.enable.Set(true); err != nil {
			return errors.Join(moveErr, fmt.Errorf("%w: enable: %w", ErrLine, err))
		}
	}
	return moveErr
}

func (a *Actuator) waterLocked(ctx context.Context, x, y float64, d time.Duration) error {
	if err := a.gotoLocked(ctx, x, y); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	a.observer(ActivityWatering, true)
	defer a.observer(ActivityWatering, false)

	if err := a.valve.Set(true); err != nil {
		return fmt.Errorf("%w: valve: %w", ErrLine, err)
	}
	sleepErr := a.clock.Sleep(ctx, d)
	if err := a.valve.Set(false); err != nil {
		return fmt.Errorf("%w: valve stuck open: %w", ErrLine, err)
	}
	return sleepErr
}

func (a *Actuator) captureLocked(ctx context.Context, x, y float64) (image.Image, error) {
	if err := a.gotoLocked(ctx, x, y); err != nil {
		return nil, err
	}

	a.observer(ActivityCapturing, true)
	defer a.observer(ActivityCapturing, false)

	img, err := a.camera.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("capturing at (%g, %g): %w", x, y, err)
	}
	return img, nil
}

func (a *Actuator) checkLocked(ctx context.Context, x, y float64) (*Inspection, error) {
	img, err := a.captureLocked(ctx, x, y)
	if err != nil {
		return nil, err
	}

	square := vision.SquareCrop(img)
	det, err := a.detector.Detect(ctx, square)
	if err != nil {
		return nil, fmt.Errorf("detecting at (%g, %g): %w", x, y, err)
	}
	return &Inspection{Image: square, Detection: det}, nil
}

// persist writes the current profile. Failures are logged, not returned:
// the move itself already happened.
func (a *Actuator) persist() {
	if a.profilePath == "" {
		return
	}

	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	p := a.Profile()
	p.SavedAt = a.clock.Now().UTC()
	if err := SaveProfile(a.profilePath, p); err != nil {
		a.logger.Error("persisting actuator profile failed", "path", a.profilePath, "error", err)
	}
}
