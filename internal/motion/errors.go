package motion

import "errors"

var (
	// ErrAxisFault wraps a line write failure during a move. The axis is at
	// an unknown intermediate location afterwards and should be re-homed.
	ErrAxisFault = errors.New("motion: axis fault")

	// ErrInvalidParams is returned when speed bounds are inconsistent.
	ErrInvalidParams = errors.New("motion: invalid parameters")
)
