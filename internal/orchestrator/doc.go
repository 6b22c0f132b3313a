// Package orchestrator is the rig's automation brain.
//
// Two loops run side by side. The scan loop wakes every scan interval and,
// while auto-check is on, visits the active positions in (x, y) order:
// a position is inspected when its last check is older than its stage's
// check period, and watered when auto-water is on and its last watering is
// older than the water period. The command loop serves gateway requests
// such as manual water/check/goto, position management, stage
// configuration and state queries.
//
// A started check or watering runs on a context detached from cancellation:
// a shutdown lets the gantry finish and the result reach the store before
// the loops exit.
package orchestrator
