package actuator

import (
	"errors"
	"fmt"

	"github.com/nerrad567/agrivision-core/internal/hardware/gpio"
)

// Lines are the six output lines the actuator owns exclusively.
type Lines struct {
	StepX  gpio.Output
	DirX   gpio.Output
	StepY  gpio.Output
	DirY   gpio.Output
	Enable gpio.Output
	Valve  gpio.Output
}

// OpenLines requests every line of p on chip. Lines already requested are
// released again when a later request fails.
func OpenLines(chip string, p Profile) (Lines, error) {
	var l Lines
	specs := []struct {
		dst  *gpio.Output
		pin  int
		name string
	}{
		{&l.StepX, p.X.StepPin, "x-step"},
		{&l.DirX, p.X.DirPin, "x-dir"},
		{&l.StepY, p.Y.StepPin, "y-step"},
		{&l.DirY, p.Y.DirPin, "y-dir"},
		{&l.Enable, p.EnablePin, "enable"},
		{&l.Valve, p.ValvePin, "valve"},
	}

	for _, s := range specs {
		out, err := gpio.Open(chip, s.pin, s.name)
		if err != nil {
			l.Close() //nolint:errcheck // best-effort cleanup, original error wins
			return Lines{}, fmt.Errorf("opening %s line (pin %d): %w", s.name, s.pin, err)
		}
		*s.dst = out
	}
	return l, nil
}

// Close releases every opened line.
func (l Lines) Close() error {
	var errs []error
	for _, out := range []gpio.Output{l.StepX, l.DirX, l.StepY, l.DirY, l.Enable, l.Valve} {
		if out == nil {
			continue
		}
		if err := out.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
