package store

import "errors"

var (
	// ErrPositionNotFound is returned when no position exists at (x, y).
	ErrPositionNotFound = errors.New("store: position not found")

	// ErrCheckNotFound is returned when a position has no matching check.
	ErrCheckNotFound = errors.New("store: check not found")

	// ErrStageNotFound is returned when a stage label has no config.
	ErrStageNotFound = errors.New("store: stage not found")

	// ErrImageNotFound is returned for an unknown image reference.
	ErrImageNotFound = errors.New("store: image not found")

	// ErrInvalidStage is returned when a stage config fails validation.
	ErrInvalidStage = errors.New("store: invalid stage")
)
