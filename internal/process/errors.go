package process

import "errors"

var (
	// ErrRestartsExhausted is returned by Run when the daemon kept failing
	// after MaxRestarts restarts.
	ErrRestartsExhausted = errors.New("process: restart attempts exhausted")

	// ErrAlreadyRunning is returned by Run when called twice concurrently.
	ErrAlreadyRunning = errors.New("process: supervisor already running")

	// ErrUnhealthy wraps the last probe error when the daemon is killed for
	// failing its health check.
	ErrUnhealthy = errors.New("process: health check failed")
)
