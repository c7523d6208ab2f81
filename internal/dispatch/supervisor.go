package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teris-io/shortid"

	"github.com/duzhobots/facequeue/internal/events"
	"github.com/duzhobots/facequeue/internal/joblog"
	"github.com/duzhobots/facequeue/internal/log"
	"github.com/duzhobots/facequeue/internal/protocol"
	"github.com/duzhobots/facequeue/internal/queue"
)

// DefaultIdleTimeout is how long a worker waits for a job before it retires.
const DefaultIdleTimeout = 300 * time.Second

// recordTimeout bounds how long a worker waits on the job log.
const recordTimeout = 5 * time.Second

// Decoder turns one process's captured output into a typed result.
type Decoder[R any] interface {
	Decode(out *protocol.Output) (R, error)
}

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/duzhobots/facequeue/internal/dispatch Recorder

// Recorder persists the audit entry of each finished job.
type Recorder interface {
	Record(ctx context.Context, e joblog.Entry) error
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(eventType string, data any)
}

type options struct {
	runner    Runner
	recorder  Recorder
	publisher Publisher
	idle      time.Duration
	logger    *slog.Logger
}

// Option configures a Supervisor.
type Option func(*options)

// WithRunner replaces the process runner. Defaults to ExecRunner.
func WithRunner(r Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithRecorder writes a job log entry after every job.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithPublisher emits worker and job lifecycle events.
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithIdleTimeout sets how long an idle worker lingers. Values <= 0 select
// DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idle = d }
}

// WithLogger sets the base logger; worker and job fields are added to it.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Status is a point-in-time view of one supervisor.
type Status struct {
	Kind       string `json:"kind"`
	Running    bool   `json:"running"`
	WorkerID   string `json:"worker_id,omitempty"`
	Generation uint64 `json:"generation"`
	QueueDepth int    `json:"queue_depth"`
	InFlight   string `json:"in_flight,omitempty"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	Closed     bool   `json:"closed"`
}

type worker struct {
	id         string
	generation uint64
	done       chan struct{}
}

// Supervisor owns the queue of one kind and at most one worker draining it.
//
// The worker is started lazily by Submit and retires after the idle timeout.
// Enqueueing plus the liveness check and the worker's retirement both happen
// under mu, and a worker only retires when the queue is empty, so a job can
// never be left in the queue with no worker to run it.
type Supervisor[R any] struct {
	kind    string
	cmd     Command
	decoder Decoder[R]
	opts    options
	logger  *slog.Logger

	queue *queue.Queue[*queue.Job[R]]

	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	worker     *worker
	generation uint64
	inFlight   string
	succeeded  uint64
	failed     uint64
	closed     bool
}

// NewSupervisor creates an idle supervisor. No process is started until the
// first Submit.
func NewSupervisor[R any](kind string, cmd Command, decoder Decoder[R], opts ...Option) *Supervisor[R] {
	o := options{runner: ExecRunner{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.idle <= 0 {
		o.idle = DefaultIdleTimeout
	}
	if o.logger == nil {
		o.logger = log.WithComponent("dispatch")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor[R]{
		kind:    kind,
		cmd:     cmd,
		decoder: decoder,
		opts:    o,
		logger:  o.logger.With("kind", kind),
		queue:   queue.New[*queue.Job[R]](),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

func (s *Supervisor[R]) Kind() string { return s.kind }

// Submit enqueues a job and makes sure a worker is running. It never blocks
// on job execution; wait on the returned job's Future for the outcome.
func (s *Supervisor[R]) Submit(submitter string, payload []byte) (*queue.Job[R], error) {
	job := queue.NewJob[R](s.kind, submitter, payload)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.queue.Enqueue(job)
	started := s.ensureWorkerLocked()
	depth := s.queue.Len()
	s.mu.Unlock()

	s.logger.Debug("job enqueued",
		"job_id", job.ID,
		"submitter", submitter,
		"payload_bytes", len(payload),
		"queue_depth", depth,
		"worker_started", started,
	)
	s.publish(events.JobEnqueued, map[string]any{
		"kind":        s.kind,
		"job_id":      job.ID,
		"submitter":   submitter,
		"queue_depth": depth,
	})
	return job, nil
}

// Status reports the worker handle, queue depth, and counters.
func (s *Supervisor[R]) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Kind:       s.kind,
		Generation: s.generation,
		QueueDepth: s.queue.Len(),
		InFlight:   s.inFlight,
		Succeeded:  s.succeeded,
		Failed:     s.failed,
		Closed:     s.closed,
	}
	if s.worker != nil {
		st.Running = true
		st.WorkerID = s.worker.id
	}
	return st
}

// Close stops accepting jobs and lets the worker drain the queue. If ctx ends
// first, the running process is terminated and every job still queued is
// resolved with ErrClosed.
func (s *Supervisor[R]) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	w := s.worker
	s.mu.Unlock()

	s.queue.Close()

	var err error
	if w != nil {
		select {
		case <-w.done:
		case <-ctx.Done():
			s.logger.Warn("shutdown deadline reached, terminating worker", "worker_id", w.id)
			s.cancel()
			<-w.done
			err = ctx.Err()
		}
	}
	s.cancel()

	var zero R
	for _, job := range s.queue.Drain() {
		_ = job.Future.Resolve(zero, ErrClosed)
	}
	return err
}

// ensureWorkerLocked starts a worker if none is live. Caller holds s.mu.
func (s *Supervisor[R]) ensureWorkerLocked() bool {
	if s.worker != nil || s.closed {
		return false
	}
	s.generation++
	w := &worker{
		id:         shortid.MustGenerate(),
		generation: s.generation,
		done:       make(chan struct{}),
	}
	s.worker = w
	go s.loop(w)
	return true
}

// retire clears the worker handle unless jobs arrived meanwhile. force is
// used on hard shutdown, where queued jobs are failed by Close.
func (s *Supervisor[R]) retire(w *worker, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && s.queue.Len() > 0 {
		return false
	}
	if s.worker == w {
		s.worker = nil
	}
	return true
}

func (s *Supervisor[R]) loop(w *worker) {
	logger := s.logger.With("worker_id", w.id, "generation", w.generation)
	logger.Info("worker started")
	s.publish(events.WorkerStarted, map[string]any{"kind": s.kind, "worker_id": w.id, "generation": w.generation})

	defer func() {
		if p := recover(); p != nil {
			logger.Error("worker loop panicked", "panic", fmt.Sprint(p))
			s.mu.Lock()
			if s.worker == w {
				s.worker = nil
			}
			if s.queue.Len() > 0 {
				s.ensureWorkerLocked()
			}
			s.mu.Unlock()
		}
		logger.Info("worker stopped")
		s.publish(events.WorkerStopped, map[string]any{"kind": s.kind, "worker_id": w.id, "generation": w.generation})
		close(w.done)
	}()

	for {
		job, ok, err := s.queue.Dequeue(s.baseCtx, s.opts.idle)
		if err != nil {
			s.retire(w, true)
			return
		}
		if !ok {
			if s.retire(w, false) {
				logger.Debug("worker idle, retiring", "idle_timeout", s.opts.idle)
				return
			}
			continue
		}
		s.execute(w, job, logger)
	}
}

func (s *Supervisor[R]) execute(w *worker, job *queue.Job[R], workerLogger *slog.Logger) {
	logger := workerLogger.With("job_id", job.ID, "submitter", job.Submitter)
	startedAt := time.Now().UTC()

	s.mu.Lock()
	s.inFlight = job.ID
	s.mu.Unlock()

	logger.Info("job started", "wait_ms", startedAt.Sub(job.EnqueuedAt).Milliseconds())
	s.publish(events.JobStarted, map[string]any{"kind": s.kind, "job_id": job.ID, "worker_id": w.id})

	value, out, err := s.run(job, logger)
	completedAt := time.Now().UTC()
	status := statusFor(err)

	if resolveErr := job.Future.Resolve(value, err); resolveErr != nil {
		logger.Error("job resolved twice", "error", resolveErr)
	}

	s.mu.Lock()
	s.inFlight = ""
	if err == nil {
		s.succeeded++
	} else {
		s.failed++
	}
	s.mu.Unlock()

	if err != nil {
		logger.Warn("job failed", "status", status, "error", err)
	} else {
		logger.Info("job completed", "duration_ms", completedAt.Sub(startedAt).Milliseconds())
	}

	entry := joblog.Entry{
		ID:           job.ID,
		Kind:         s.kind,
		Submitter:    job.Submitter,
		Status:       status,
		WorkerID:     w.id,
		PayloadBytes: len(job.Payload),
		EnqueuedAt:   job.EnqueuedAt,
		StartedAt:    startedAt,
		CompletedAt:  completedAt,
	}
	if out != nil {
		code := out.ExitCode
		entry.PID = out.PID
		entry.ExitCode = &code
		entry.OutputBytes = len(out.Stdout)
		if len(out.Stderr) > 0 {
			stderr := string(out.Stderr)
			entry.Stderr = &stderr
		}
	}
	if err != nil {
		msg := err.Error()
		entry.LastError = &msg
	}
	s.record(entry, logger)

	s.publish(events.JobCompleted, map[string]any{
		"kind":        s.kind,
		"job_id":      job.ID,
		"status":      status,
		"duration_ms": entry.Duration().Milliseconds(),
	})
}

// run spawns the process and decodes its output. Panics in the runner or the
// decoder fail the job instead of the worker.
func (s *Supervisor[R]) run(job *queue.Job[R], logger *slog.Logger) (value R, out *protocol.Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("job panicked", "panic", fmt.Sprint(p))
			var zero R
			value = zero
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, p)
		}
	}()

	out, err = s.opts.runner.Run(s.baseCtx, s.cmd, job.Payload, logger)
	if err != nil {
		if s.baseCtx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return value, out, err
	}
	value, err = s.decoder.Decode(out)
	return value, out, err
}

func (s *Supervisor[R]) record(e joblog.Entry, logger *slog.Logger) {
	if s.opts.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.opts.recorder.Record(ctx, e); err != nil {
		logger.Error("failed to record job", "error", err)
	}
}

func (s *Supervisor[R]) publish(eventType string, data any) {
	if s.opts.publisher != nil {
		s.opts.publisher.Publish(eventType, data)
	}
}

func statusFor(err error) queue.Status {
	switch {
	case err == nil:
		return queue.StatusSucceeded
	case errors.Is(err, ErrJobTimeout):
		return queue.StatusTimedOut
	default:
		return queue.StatusFailed
	}
}
