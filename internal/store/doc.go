// Package store persists the rig's domain data in SQLite: monitored
// positions, per-stage scheduling parameters, annotated check images and the
// append-only check history.
//
// The orchestrator consumes the Store interface; SQLiteRepository is the
// production implementation and expects the schema in the root migrations
// package to be applied.
package store
