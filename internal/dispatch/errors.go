package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Submit after Close, and resolves jobs that were
	// still queued when a forced shutdown happened.
	ErrClosed = errors.New("dispatcher closed")

	// ErrJobTimeout resolves a job whose process outlived the kind's job timeout.
	ErrJobTimeout = errors.New("job timed out")

	// ErrWorkerPanic resolves a job whose runner or decoder panicked.
	ErrWorkerPanic = errors.New("worker panicked")
)

// SpawnError reports that the external program could not be started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
