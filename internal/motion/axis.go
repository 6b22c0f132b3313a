package motion

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nerrad567/agrivision-core/internal/hardware/clock"
	"github.com/nerrad567/agrivision-core/internal/hardware/gpio"
)

// minStartSPS keeps the first inter-step delay finite when MinSpeed is 0.
const minStartSPS = 1.0

// Params are the motion parameters of one axis, in distance units
// (millimetres) and seconds.
type Params struct {
	MinSpeed     float64 `yaml:"min_speed"`
	MaxSpeed     float64 `yaml:"max_speed"`
	Acceleration float64 `yaml:"acceleration"`
	StepsPerUnit float64 `yaml:"steps_per_unit"`
	Reversed     bool    `yaml:"reversed"`
}

// Validate checks 0 <= MinSpeed <= MaxSpeed and positive scaling.
func (p Params) Validate() error {
	switch {
	case p.MinSpeed < 0 || p.MinSpeed > p.MaxSpeed:
		return fmt.Errorf("%w: need 0 <= min_speed (%g) <= max_speed (%g)", ErrInvalidParams, p.MinSpeed, p.MaxSpeed)
	case p.Acceleration <= 0:
		return fmt.Errorf("%w: acceleration must be positive", ErrInvalidParams)
	case p.StepsPerUnit <= 0:
		return fmt.Errorf("%w: steps_per_unit must be positive", ErrInvalidParams)
	}
	return nil
}

// Timing holds the fixed pulse timings shared by every axis of a rig.
type Timing struct {
	// PulseWidth is how long the step line stays high per pulse.
	PulseWidth time.Duration

	// SettleDelay is waited after the direction line changes.
	SettleDelay time.Duration
}

// Phase names the part of the trapezoid a pulse belongs to.
type Phase string

const (
	PhaseAccel  Phase = "accel"
	PhaseCruise Phase = "cruise"
	PhaseDecel  Phase = "decel"
)

// Sample describes one emitted pulse.
type Sample struct {
	Step  int
	SPS   float64
	Phase Phase
}

// Axis drives one stepper through its step and direction lines.
//
// Thread Safety:
//   - Goto calls on the same Axis are serialised.
type Axis struct {
	name   string
	step   gpio.Output
	dir    gpio.Output
	clock  clock.Clock
	timing Timing

	mu          sync.Mutex
	params      Params
	position    float64
	lastDir     *bool
	needsHoming bool
	trace       func(Sample)
}

// NewAxis creates an axis at position 0.
//
// Parameters:
//   - name: Axis label used in errors ("x", "y")
//   - step, dir: Exclusively owned output lines
//   - clk: Delay source for pulse timing
//   - params: Speed bounds and scaling
//   - timing: Pulse width and settle delay
//
// Returns:
//   - *Axis: Ready axis
//   - error: If params are invalid
func NewAxis(name string, step, dir gpio.Output, clk clock.Clock, params Params, timing Timing) (*Axis, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("axis %s: %w", name, err)
	}
	return &Axis{
		name:   name,
		step:   step,
		dir:    dir,
		clock:  clk,
		params: params,
		timing: timing,
	}, nil
}

// Name returns the axis label.
func (a *Axis) Name() string { return a.name }

// Position returns the position after the last successful move.
func (a *Axis) Position() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

// SetPosition overrides the tracked position, e.g. after homing or when a
// persisted profile is restored. It clears the homing flag.
func (a *Axis) SetPosition(p float64) {
	a.mu.Lock()
	a.position = p
	a.needsHoming = false
	a.mu.Unlock()
}

// MarkNeedsHoming flags the tracked position as unreliable, as when a
// profile saved after a fault is restored.
func (a *Axis) MarkNeedsHoming() {
	a.mu.Lock()
	a.needsHoming = true
	a.mu.Unlock()
}

// Params returns the current motion parameters.
func (a *Axis) Params() Params {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}

// NeedsHoming reports whether a move was aborted mid-sequence.
func (a *Axis) NeedsHoming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.needsHoming
}

// SetTrace installs fn to be called for every pulse. Pass nil to remove it.
func (a *Axis) SetTrace(fn func(Sample)) {
	a.mu.Lock()
	a.trace = fn
	a.mu.Unlock()
}

// Goto moves the axis to target and returns the new position.
//
// The step count is |target-position| * StepsPerUnit, rounded. The speed
// follows a trapezoid: accelerate from min to max over at most half the
// steps, hold the reached rate for the remainder, then decelerate over as
// many steps as were spent accelerating. Exactly that many pulses are
// emitted.
//
// On a line error the move stops, position is left unchanged and the
// returned error wraps ErrAxisFault.
func (a *Axis) Goto(ctx context.Context, target float64) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	diff := target - a.position
	steps := int(math.Round(math.Abs(diff) * a.params.StepsPerUnit))
	if steps == 0 {
		return a.position, nil
	}

	if err := a.setDirection(ctx, diff > 0); err != nil {
		return a.position, a.fault(err)
	}

	if err := a.run(ctx, steps); err != nil {
		return a.position, a.fault(err)
	}

	a.position = target
	return a.position, nil
}

func (a *Axis) fault(err error) error {
	a.needsHoming = true
	a.lastDir = nil
	return fmt.Errorf("%w: axis %s: %w", ErrAxisFault, a.name, err)
}

// setDirection drives the direction line. Forward is high unless the axis
// is reversed.
func (a *Axis) setDirection(ctx context.Context, forward bool) error {
	if err := a.dir.Set(forward != a.params.Reversed); err != nil {
		return err
	}
	if a.lastDir != nil && *a.lastDir == forward {
		return nil
	}
	a.lastDir = &forward
	return a.clock.Sleep(ctx, a.timing.SettleDelay)
}

func (a *Axis) run(ctx context.Context, steps int) error {
	spu := a.params.StepsPerUnit
	minSPS := math.Max(a.params.MinSpeed*spu, minStartSPS)
	maxSPS := math.Max(a.params.MaxSpeed*spu, minSPS)
	accel := a.params.Acceleration * spu

	half := steps / 2
	sps := minSPS
	count := 0

	for count < half && sps < maxSPS {
		if err := a.pulse(ctx, count, sps, PhaseAccel); err != nil {
			return err
		}
		count++
		sps = math.Min(sps+accel/sps, maxSPS)
	}
	accelSteps := count

	// Everything between the two ramps runs at the reached rate. For a
	// short move this is at most the single odd step left over.
	for count < steps-accelSteps {
		if err := a.pulse(ctx, count, sps, PhaseCruise); err != nil {
			return err
		}
		count++
	}

	for count < steps {
		sps = math.Max(sps-accel/sps, minSPS)
		if err := a.pulse(ctx, count, sps, PhaseDecel); err != nil {
			return err
		}
		count++
	}
	return nil
}

// pulse emits one step: high for PulseWidth, low, then the inter-step delay.
func (a *Axis) pulse(ctx context.Context, n int, sps float64, phase Phase) error {
	if a.trace != nil {
		a.trace(Sample{Step: n, SPS: sps, Phase: phase})
	}
	if err := a.step.Set(true); err != nil {
		return err
	}
	if err := a.clock.Sleep(ctx, a.timing.PulseWidth); err != nil {
		return err
	}
	if err := a.step.Set(false); err != nil {
		return err
	}
	return a.clock.Sleep(ctx, time.Duration(float64(time.Second)/sps))
}
