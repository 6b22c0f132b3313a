// Package gpio provides named digital output lines.
//
// The hardware implementation drives Linux GPIO character device lines.
// The stub implementation accepts every write without touching hardware,
// and the fake implementation records writes to a shared Journal so tests
// can assert the exact edge sequence across several lines.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// StubChip is the chip name that selects stub outputs.
const StubChip = "stub"

// consumer is the label shown by gpioinfo for lines held by this process.
const consumer = "agrivision"

// ErrClosed is returned when writing to a released line.
var ErrClosed = errors.New("gpio: line closed")

// Output is a single digital line, exclusively owned by whoever opened it.
type Output interface {
	// Name identifies the line in logs and errors (e.g. "x.step").
	Name() string

	// Set drives the line high (true) or low (false).
	Set(high bool) error

	// Close releases the line.
	Close() error
}

// Open requests offset on chip as an output initialised low.
// When chip is StubChip a Stub is returned instead.
//
// Parameters:
//   - chip: Character device name, e.g. "gpiochip0", or "stub"
//   - offset: Line offset on the chip
//   - name: Logical name used in errors
//
// Returns:
//   - Output: The requested line
//   - error: If the kernel refuses the request
func Open(chip string, offset int, name string) (Output, error) {
	if chip == StubChip {
		return NewStub(name), nil
	}

	line, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer(consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("gpio: requesting %s (%s:%d): %w", name, chip, offset, err)
	}
	return &ChipOutput{name: name, line: line}, nil
}

// ChipOutput is a line on a GPIO character device.
type ChipOutput struct {
	name string
	line *gpiocdev.Line
}

// Name returns the logical line name.
func (c *ChipOutput) Name() string { return c.name }

// Set writes the line value.
func (c *ChipOutput) Set(high bool) error {
	v := 0
	if high {
		v = 1
	}
	if err := c.line.SetValue(v); err != nil {
		return fmt.Errorf("gpio: setting %s: %w", c.name, err)
	}
	return nil
}

// Close releases the line back to the kernel.
func (c *ChipOutput) Close() error {
	return c.line.Close()
}

// Stub is an output that only remembers its level.
type Stub struct {
	name string
	mu   sync.Mutex
	high bool
}

// NewStub returns a stub output named name.
func NewStub(name string) *Stub {
	return &Stub{name: name}
}

// Name returns the logical line name.
func (s *Stub) Name() string { return s.name }

// Set records the level.
func (s *Stub) Set(high bool) error {
	s.mu.Lock()
	s.high = high
	s.mu.Unlock()
	return nil
}

// High reports the last level written.
func (s *Stub) High() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.high
}

// Close is a no-op.
func (s *Stub) Close() error { return nil }
