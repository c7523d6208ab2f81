// Package engine is the entry point callers use to run jobs. It owns one lane
// per enabled kind, each made of an admission guard and a dispatch supervisor,
// and turns a submission into a blocking call that returns the decoded result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/duzhobots/facequeue/internal/admission"
	"github.com/duzhobots/facequeue/internal/config"
	"github.com/duzhobots/facequeue/internal/dispatch"
	"github.com/duzhobots/facequeue/internal/events"
	"github.com/duzhobots/facequeue/internal/log"
	"github.com/duzhobots/facequeue/internal/protocol"
)

// ErrUnknownKind is returned for kinds that are not configured or disabled.
var ErrUnknownKind = errors.New("unknown job kind")

// Result is the outcome of a successful job. Exactly one of Overlay and
// Similarity is set, matching Kind.
type Result struct {
	JobID      string                     `json:"job_id"`
	Kind       string                     `json:"kind"`
	Overlay    *protocol.OverlayResult    `json:"overlay,omitempty"`
	Similarity *protocol.SimilarityResult `json:"similarity,omitempty"`
}

// Found reports whether the program produced something to show.
func (r *Result) Found() bool {
	switch {
	case r == nil:
		return false
	case r.Overlay != nil:
		return r.Overlay.Found()
	case r.Similarity != nil:
		return r.Similarity.Found()
	}
	return false
}

// LaneStatus is the supervisor status of one kind plus its pending submitters.
type LaneStatus struct {
	dispatch.Status
	Pending []string `json:"pending"`
}

type options struct {
	runner    dispatch.Runner
	recorder  dispatch.Recorder
	publisher dispatch.Publisher
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*options)

// WithRunner replaces the process runner of every lane.
func WithRunner(r dispatch.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithRecorder records every finished job.
func WithRecorder(r dispatch.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithPublisher receives worker, job and admission events.
func WithPublisher(p dispatch.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithLogger sets the logger handed to every lane.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Engine routes submissions to per-kind lanes.
type Engine struct {
	lanes     map[string]lane
	publisher dispatch.Publisher
	logger    *slog.Logger
}

// New builds a lane for every enabled kind in cfg. No process is started.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.WithComponent("engine")
	}

	e := &Engine{
		lanes:     make(map[string]lane),
		publisher: o.publisher,
		logger:    o.logger,
	}

	for kind, kc := range cfg.Kinds {
		if !kc.IsEnabled() {
			o.logger.Info("kind disabled", "kind", kind)
			continue
		}
		cmd := commandFor(kc)
		if cmd.Timeout == 0 {
			o.logger.Warn("job timeout disabled, a hung process will block its kind", "kind", kind)
		}

		dopts := []dispatch.Option{
			dispatch.WithIdleTimeout(kc.IdleTimeout),
			dispatch.WithLogger(o.logger),
		}
		if o.runner != nil {
			dopts = append(dopts, dispatch.WithRunner(o.runner))
		}
		if o.recorder != nil {
			dopts = append(dopts, dispatch.WithRecorder(o.recorder))
		}
		if o.publisher != nil {
			dopts = append(dopts, dispatch.WithPublisher(o.publisher))
		}

		switch kind {
		case config.KindOverlay:
			e.lanes[kind] = newTypedLane(e, kind,
				dispatch.NewSupervisor[protocol.OverlayResult](kind, cmd, protocol.OverlayDecoder{}, dopts...),
				func(id string, v protocol.OverlayResult) *Result {
					return &Result{JobID: id, Kind: kind, Overlay: &v}
				})
		case config.KindSimilarity:
			e.lanes[kind] = newTypedLane(e, kind,
				dispatch.NewSupervisor[protocol.SimilarityResult](kind, cmd, protocol.SimilarityDecoder{}, dopts...),
				func(id string, v protocol.SimilarityResult) *Result {
					return &Result{JobID: id, Kind: kind, Similarity: &v}
				})
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}
		o.logger.Info("kind ready",
			"kind", kind,
			"command", kc.Command,
			"idle_timeout", kc.IdleTimeout,
			"job_timeout", cmd.Timeout,
		)
	}
	if len(e.lanes) == 0 {
		return nil, errors.New("no kinds enabled")
	}
	return e, nil
}

func commandFor(kc config.KindConfig) dispatch.Command {
	return dispatch.Command{
		Path:           kc.Command,
		Args:           kc.Args,
		Dir:            kc.Dir,
		Env:            kc.EnvList(),
		Timeout:        kc.EffectiveJobTimeout(),
		MaxOutputBytes: kc.MaxOutputBytes,
	}
}

// Kinds returns the served kinds, sorted.
func (e *Engine) Kinds() []string {
	out := make([]string, 0, len(e.lanes))
	for kind := range e.lanes {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

// Submit runs payload as a job of kind on behalf of submitter and waits for
// the outcome. A submitter with an outstanding job of the same kind gets
// admission.ErrBusy and nothing is enqueued.
//
// If ctx ends first Submit returns ctx.Err(), but the job still runs and the
// submitter stays pending until it finishes.
func (e *Engine) Submit(ctx context.Context, kind string, payload []byte, submitter string) (*Result, error) {
	l, ok := e.lanes[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return l.submit(ctx, submitter, payload)
}

// Overlay submits an overlay job and returns its typed result.
func (e *Engine) Overlay(ctx context.Context, image []byte, submitter string) (protocol.OverlayResult, error) {
	res, err := e.Submit(ctx, config.KindOverlay, image, submitter)
	if err != nil {
		return protocol.OverlayResult{}, err
	}
	return *res.Overlay, nil
}

// Similarity submits a similarity job and returns its typed result.
func (e *Engine) Similarity(ctx context.Context, image []byte, submitter string) (protocol.SimilarityResult, error) {
	res, err := e.Submit(ctx, config.KindSimilarity, image, submitter)
	if err != nil {
		return protocol.SimilarityResult{}, err
	}
	return *res.Similarity, nil
}

// Status returns a snapshot of every lane keyed by kind.
func (e *Engine) Status() map[string]LaneStatus {
	out := make(map[string]LaneStatus, len(e.lanes))
	for kind, l := range e.lanes {
		out[kind] = LaneStatus{Status: l.status(), Pending: l.guard().Pending()}
	}
	return out
}

// Close shuts every lane down in parallel. See dispatch.Supervisor.Close for
// the deadline semantics.
func (e *Engine) Close(ctx context.Context) error {
	var g errgroup.Group
	for kind, l := range e.lanes {
		g.Go(func() error {
			if err := l.close(ctx); err != nil {
				return fmt.Errorf("close %s: %w", kind, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) publish(eventType string, data any) {
	if e.publisher != nil {
		e.publisher.Publish(eventType, data)
	}
}

// Outcome is the user-facing class of a submission.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeNoResults   Outcome = "no_results"
	OutcomeBusy        Outcome = "busy"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeFailed      Outcome = "failed"
)

// Classify maps a Submit error onto an Outcome. A nil error is OutcomeOK;
// callers check Result.Found to tell an empty success apart. An error
// answer from the similarity program is a failure, never "nothing found".
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, admission.ErrBusy):
		return OutcomeBusy
	case errors.Is(err, dispatch.ErrClosed), errors.Is(err, ErrUnknownKind):
		return OutcomeUnavailable
	default:
		return OutcomeFailed
	}
}

// ClassifyResult is Classify that also folds an empty success into
// OutcomeNoResults.
func ClassifyResult(res *Result, err error) Outcome {
	outcome := Classify(err)
	if outcome == OutcomeOK && !res.Found() {
		return OutcomeNoResults
	}
	return outcome
}

var _ dispatch.Publisher = (*events.Hub)(nil)
