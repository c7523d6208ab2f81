package engine

import (
	"context"

	"github.com/duzhobots/facequeue/internal/admission"
	"github.com/duzhobots/facequeue/internal/dispatch"
	"github.com/duzhobots/facequeue/internal/events"
)

// lane hides the result type of a kind's supervisor from the Engine.
type lane interface {
	submit(ctx context.Context, submitter string, payload []byte) (*Result, error)
	status() dispatch.Status
	guard() *admission.Guard
	close(ctx context.Context) error
}

type typedLane[R any] struct {
	engine *Engine
	kind   string
	g      *admission.Guard
	sup    *dispatch.Supervisor[R]
	wrap   func(jobID string, v R) *Result
}

func newTypedLane[R any](e *Engine, kind string, sup *dispatch.Supervisor[R], wrap func(string, R) *Result) *typedLane[R] {
	return &typedLane[R]{
		engine: e,
		kind:   kind,
		g:      admission.NewGuard(kind),
		sup:    sup,
		wrap:   wrap,
	}
}

func (l *typedLane[R]) submit(ctx context.Context, submitter string, payload []byte) (*Result, error) {
	lease, err := l.g.Acquire(submitter)
	if err != nil {
		l.engine.logger.Info("submission rejected", "kind", l.kind, "submitter", submitter)
		l.engine.publish(events.AdmissionRejected, map[string]any{"kind": l.kind, "submitter": submitter})
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			lease.Release()
		}
	}()

	job, err := l.sup.Submit(submitter, payload)
	if err != nil {
		return nil, err
	}

	select {
	case <-job.Future.Done():
	case <-ctx.Done():
		// The job keeps running; the submitter stays pending until it ends.
		handedOff = true
		go func() {
			<-job.Future.Done()
			lease.Release()
		}()
		return nil, ctx.Err()
	}

	v, err, _ := job.Future.Result()
	if err != nil {
		return nil, err
	}
	return l.wrap(job.ID, v), nil
}

func (l *typedLane[R]) status() dispatch.Status { return l.sup.Status() }

func (l *typedLane[R]) guard() *admission.Guard { return l.g }

func (l *typedLane[R]) close(ctx context.Context) error { return l.sup.Close(ctx) }
