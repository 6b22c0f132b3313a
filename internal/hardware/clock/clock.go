// Package clock abstracts time for hardware sequencing.
//
// Step pulses, valve hold times and the scan tick all wait through a Clock,
// so tests can substitute a Virtual clock that advances deterministically
// instead of sleeping.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is a source of time and scheduled delays.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep blocks for d or until ctx is done. A non-positive d returns
	// immediately.
	Sleep(ctx context.Context, d time.Duration) error

	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// Sleep waits on a timer so the goroutine yields between pulse edges
// rather than spinning.
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// After wraps time.After.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Virtual is a deterministic clock for tests. Sleep and After advance the
// virtual time immediately instead of blocking.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	slept  time.Duration
	sleeps int
}

// NewVirtual returns a Virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

// Now returns the virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Sleep advances the virtual time by d.
func (v *Virtual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	v.mu.Lock()
	v.now = v.now.Add(d)
	v.slept += d
	v.sleeps++
	v.mu.Unlock()
	return nil
}

// After advances the virtual time by d and returns an already-fired channel.
func (v *Virtual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	v.mu.Lock()
	if d > 0 {
		v.now = v.now.Add(d)
	}
	ch <- v.now
	v.mu.Unlock()
	return ch
}

// Advance moves the virtual time forward without counting as a sleep.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	v.now = v.now.Add(d)
	v.mu.Unlock()
}

// Slept returns the total duration and number of Sleep calls so far.
func (v *Virtual) Slept() (time.Duration, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.slept, v.sleeps
}
