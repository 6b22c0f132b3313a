package orchestrator

import "errors"

// ErrStopped is returned by Run after a Shutdown request was handled.
var ErrStopped = errors.New("orchestrator: stopped")
