// Package motion implements the trapezoidal step-pulse profile for one
// linear axis driven by a step/direction stepper driver.
//
// An Axis converts a target position into an exact number of step pulses,
// ramping the step rate from the minimum to the maximum speed and back.
// Timing goes through a clock.Clock so the profile can be verified against a
// virtual clock without hardware.
package motion
