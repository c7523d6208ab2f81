package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/duzhobots/facequeue/internal/admission"
	"github.com/duzhobots/facequeue/internal/config"
	"github.com/duzhobots/facequeue/internal/dispatch"
	"github.com/duzhobots/facequeue/internal/events"
	"github.com/duzhobots/facequeue/internal/log"
	"github.com/duzhobots/facequeue/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// shellKinds configures both kinds as /bin/sh scripts.
func shellKinds(overlay, similarity string) *config.Config {
	cfg := config.Defaults()
	timeout := 10 * time.Second
	cfg.Kinds[config.KindOverlay] = config.KindConfig{
		Command:     "/bin/sh",
		Args:        []string{"-c", overlay},
		IdleTimeout: time.Second,
		JobTimeout:  &timeout,
	}
	cfg.Kinds[config.KindSimilarity] = config.KindConfig{
		Command:     "/bin/sh",
		Args:        []string{"-c", similarity},
		IdleTimeout: time.Second,
		JobTimeout:  &timeout,
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

// gatedRunner blocks every run until release is closed and echoes stdin as
// a one-match similarity answer.
type gatedRunner struct {
	release chan struct{}
	started chan string
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{release: make(chan struct{}), started: make(chan string, 16)}
}

func (r *gatedRunner) Run(ctx context.Context, _ dispatch.Command, stdin []byte, _ *slog.Logger) (*protocol.Output, error) {
	r.started <- string(stdin)
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := fmt.Sprintf(`{"matches": [{"path": %q, "similarity": "50.00%%"}]}`, string(stdin))
	return &protocol.Output{Stdout: []byte(out)}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev == eventType {
			n++
		}
	}
	return n
}

func TestSimilarityScenario(t *testing.T) {
	e := newTestEngine(t, shellKinds(
		`cat`,
		`cat >/dev/null; echo '{"matches": [{"path":"x.jpg","similarity":"91.20%"}]}'`,
	))
	ctx := context.Background()

	res, err := e.Submit(ctx, config.KindSimilarity, []byte("IMG_A"), "42")
	require.NoError(t, err)
	require.NotNil(t, res.Similarity)
	assert.Equal(t, []protocol.Match{{Path: "x.jpg", Similarity: "91.20%"}}, res.Similarity.Matches)
	assert.NotEmpty(t, res.JobID)
	assert.True(t, res.Found())
	assert.Equal(t, OutcomeOK, ClassifyResult(res, err))

	assert.Empty(t, e.Status()[config.KindSimilarity].Pending, "submitter must be idle after completion")

	again, err := e.Similarity(ctx, []byte("IMG_A"), "42")
	require.NoError(t, err)
	assert.Len(t, again.Matches, 1)
}

func TestOverlayNoFacesSentinel(t *testing.T) {
	e := newTestEngine(t, shellKinds(
		`cat >/dev/null; echo "SUBPROCESS_MAGA_HAT: NO_FACES"`,
		`cat >/dev/null; echo '{"matches": []}'`,
	))

	res, err := e.Submit(context.Background(), config.KindOverlay, []byte("IMG"), "7")
	require.NoError(t, err)
	require.NotNil(t, res.Overlay)
	assert.True(t, res.Overlay.NoFaces)
	assert.False(t, res.Found())
	assert.Equal(t, OutcomeNoResults, ClassifyResult(res, err))

	sim, err := e.Submit(context.Background(), config.KindSimilarity, []byte("IMG"), "7")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoResults, ClassifyResult(sim, err))
}

func TestConcurrentSubmittersBothResolved(t *testing.T) {
	e := newTestEngine(t, shellKinds(`sleep 0.2; cat`, `cat >/dev/null; echo '{"matches": []}'`))

	var wg sync.WaitGroup
	for _, id := range []string{"alice", "bob"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img, err := e.Overlay(context.Background(), []byte("image-of-"+id), id)
			if assert.NoError(t, err) {
				assert.Equal(t, "image-of-"+id, string(img.Image))
			}
		}()
	}
	wg.Wait()

	st := e.Status()[config.KindOverlay]
	assert.Equal(t, uint64(2), st.Succeeded)
	assert.Equal(t, uint64(1), st.Generation, "both jobs run on one worker")
}

func TestBusySubmitterRejectedWithoutEnqueue(t *testing.T) {
	runner := newGatedRunner()
	pub := &recordingPublisher{}
	e := newTestEngine(t, shellKinds("", ""), WithRunner(runner), WithPublisher(pub))
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := e.Submit(ctx, config.KindSimilarity, []byte("IMG_A"), "42")
		first <- err
	}()
	assert.Equal(t, "IMG_A", <-runner.started)

	_, err := e.Submit(ctx, config.KindSimilarity, []byte("IMG_B"), "42")
	require.ErrorIs(t, err, admission.ErrBusy)
	assert.Equal(t, OutcomeBusy, Classify(err))
	assert.Equal(t, 1, pub.count(events.AdmissionRejected))

	st := e.Status()[config.KindSimilarity]
	assert.Zero(t, st.QueueDepth, "rejected job must not be enqueued")
	assert.Equal(t, []string{"42"}, st.Pending)

	// Another submitter, or the same submitter on another kind, is not blocked.
	second := make(chan error, 1)
	go func() {
		_, err := e.Submit(ctx, config.KindSimilarity, []byte("IMG_C"), "43")
		second <- err
	}()
	assert.Eventually(t, func() bool {
		return e.Status()[config.KindSimilarity].QueueDepth == 1
	}, 2*time.Second, 10*time.Millisecond)

	close(runner.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, 2, pub.count(events.JobCompleted))
}

func TestCallerCancelKeepsSubmitterPending(t *testing.T) {
	runner := newGatedRunner()
	e := newTestEngine(t, shellKinds("", ""), WithRunner(runner))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Submit(ctx, config.KindSimilarity, []byte("IMG_A"), "42")
		done <- err
	}()
	<-runner.started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	_, err := e.Submit(context.Background(), config.KindSimilarity, []byte("IMG_B"), "42")
	assert.ErrorIs(t, err, admission.ErrBusy, "the abandoned job still owns the submitter")

	close(runner.release)
	assert.Eventually(t, func() bool {
		return len(e.Status()[config.KindSimilarity].Pending) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedSimilarityOutputThenRecovery(t *testing.T) {
	e := newTestEngine(t, shellKinds(
		`cat`,
		`read -r line; if [ "$line" = bad ]; then echo 'not json'; else echo '{"matches": [{"path":"a.jpg","similarity":"80.00%"}]}'; fi`,
	))
	ctx := context.Background()

	_, err := e.Submit(ctx, config.KindSimilarity, []byte("bad\n"), "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrUnexpectedOutput)
	assert.Equal(t, OutcomeFailed, Classify(err))

	res, err := e.Submit(ctx, config.KindSimilarity, []byte("good\n"), "1")
	require.NoError(t, err)
	assert.Len(t, res.Similarity.Matches, 1)
}

func TestReportedErrorIsFailure(t *testing.T) {
	e := newTestEngine(t, shellKinds(
		`cat`,
		`cat >/dev/null; echo '{"error": "No faces found in the image"}'`,
	))

	_, err := e.Submit(context.Background(), config.KindSimilarity, []byte("IMG"), "1")
	var reported *protocol.ReportedError
	require.ErrorAs(t, err, &reported)
	assert.Equal(t, "No faces found in the image", reported.Message)
	assert.Equal(t, OutcomeFailed, Classify(err))
	assert.Equal(t, OutcomeFailed, ClassifyResult(nil, err))
}

func TestUnknownAndDisabledKinds(t *testing.T) {
	cfg := shellKinds(`cat`, `cat`)
	off := false
	sim := cfg.Kinds[config.KindSimilarity]
	sim.Enabled = &off
	cfg.Kinds[config.KindSimilarity] = sim

	e := newTestEngine(t, cfg)
	assert.Equal(t, []string{config.KindOverlay}, e.Kinds())

	_, err := e.Submit(context.Background(), config.KindSimilarity, []byte("x"), "1")
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = e.Submit(context.Background(), "thumbnail", []byte("x"), "1")
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Equal(t, OutcomeUnavailable, Classify(err))
}

func TestNewRejectsEmptyConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Kinds = map[string]config.KindConfig{}
	_, err := New(cfg, WithLogger(discardLogger()))
	assert.Error(t, err)
}

func TestSubmitAfterClose(t *testing.T) {
	e := newTestEngine(t, shellKinds(`cat`, `cat`))
	require.NoError(t, e.Close(context.Background()))

	_, err := e.Submit(context.Background(), config.KindOverlay, []byte("x"), "1")
	assert.ErrorIs(t, err, dispatch.ErrClosed)
	assert.Equal(t, OutcomeUnavailable, Classify(err))
	assert.Empty(t, e.Status()[config.KindOverlay].Pending, "lease released on enqueue failure")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeOK},
		{admission.ErrBusy, OutcomeBusy},
		{fmt.Errorf("wrapped: %w", dispatch.ErrClosed), OutcomeUnavailable},
		{fmt.Errorf("wrap: %w", &protocol.ReportedError{Message: "No encodings in the cache to compare against"}), OutcomeFailed},
		{fmt.Errorf("%w after 2m0s", dispatch.ErrJobTimeout), OutcomeFailed},
		{&dispatch.SpawnError{Path: "x", Err: errors.New("enoent")}, OutcomeFailed},
		{&protocol.ExecutionError{ExitCode: 1}, OutcomeFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}
