// Package audit keeps the trail of state-changing requests the rig served:
// manual waterings, moves, position and stage edits, rechecks and shutdowns.
//
// Queries (get_*) are not recorded. Every entry carries the outcome, so a
// failed manual watering is as visible as a successful one.
package audit
