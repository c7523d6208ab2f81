package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s is a final status, one the job log records.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// ErrAlreadyResolved is returned by Future.Resolve on every call after the first.
var ErrAlreadyResolved = errors.New("future already resolved")

// Job is one submitted unit of work. Payload is owned by the job and is never
// mutated after NewJob returns.
type Job[R any] struct {
	ID         string
	Kind       string
	Submitter  string
	Payload    []byte
	EnqueuedAt time.Time
	Future     *Future[R]
}

// NewJob creates a job with a fresh ID and an unresolved future.
func NewJob[R any](kind, submitter string, payload []byte) *Job[R] {
	return &Job[R]{
		ID:         uuid.NewString(),
		Kind:       kind,
		Submitter:  submitter,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
		Future:     NewFuture[R](),
	}
}

// Future is a single-assignment result slot. Exactly one writer resolves it;
// any number of readers may wait on it.
type Future[R any] struct {
	once  sync.Once
	done  chan struct{}
	value R
	err   error
}

func NewFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

// Resolve sets the outcome. Either value or err is meaningful, never both:
// a non-nil err discards value. Later calls return ErrAlreadyResolved.
func (f *Future[R]) Resolve(value R, err error) error {
	resolved := false
	f.once.Do(func() {
		if err != nil {
			var zero R
			value = zero
		}
		f.value = value
		f.err = err
		resolved = true
		close(f.done)
	})
	if !resolved {
		return ErrAlreadyResolved
	}
	return nil
}

// Done is closed once the future is resolved.
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is resolved or ctx is done.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Result returns the outcome of a resolved future. ok is false while unresolved.
func (f *Future[R]) Result() (value R, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		var zero R
		return zero, nil, false
	}
}
