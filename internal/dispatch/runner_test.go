package dispatch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/duzhobots/facequeue/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shell(script string) Command {
	return Command{Path: "/bin/sh", Args: []string{"-c", script}}
}

func TestExecRunnerRoundTrip(t *testing.T) {
	out, err := ExecRunner{}.Run(context.Background(), shell("cat"), []byte("hello"), discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out.Stdout))
	assert.Empty(t, out.Stderr)
	assert.Equal(t, 0, out.ExitCode)
	assert.NotZero(t, out.PID)
	assert.False(t, out.StdoutTruncated)
}

func TestExecRunnerCapturesStderrAndExitCode(t *testing.T) {
	out, err := ExecRunner{}.Run(context.Background(), shell("echo oops >&2; exit 3"), nil, discardLogger())
	require.NoError(t, err, "non-zero exit is reported through Output, not as an error")
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "oops\n", string(out.Stderr))
}

func TestExecRunnerSpawnFailure(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), Command{Path: "/nonexistent/facequeue-worker"}, []byte("x"), discardLogger())

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "/nonexistent/facequeue-worker", spawnErr.Path)
}

func TestExecRunnerTimeout(t *testing.T) {
	cmd := shell("sleep 10")
	cmd.Timeout = 100 * time.Millisecond

	start := time.Now()
	out, err := ExecRunner{GracePeriod: 200 * time.Millisecond}.Run(context.Background(), cmd, nil, discardLogger())
	require.ErrorIs(t, err, ErrJobTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.NotNil(t, out)
	assert.Equal(t, -1, out.ExitCode)
}

func TestExecRunnerEscalatesToKill(t *testing.T) {
	cmd := shell(`trap "" TERM; sleep 10`)
	cmd.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := ExecRunner{GracePeriod: 100 * time.Millisecond}.Run(context.Background(), cmd, nil, discardLogger())
	require.ErrorIs(t, err, ErrJobTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecRunnerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := ExecRunner{GracePeriod: 100 * time.Millisecond}.Run(ctx, shell("sleep 10"), nil, discardLogger())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecRunnerLargeOutputBeforeInput(t *testing.T) {
	// Writes 2MB before reading its 2MB of input. Sequential I/O would block
	// on both pipes.
	payload := bytes.Repeat([]byte("a"), 2<<20)
	cmd := shell("head -c 2097152 /dev/zero; cat > /dev/null")
	cmd.Timeout = 10 * time.Second

	out, err := ExecRunner{}.Run(context.Background(), cmd, payload, discardLogger())
	require.NoError(t, err)
	assert.Len(t, out.Stdout, 2<<20)
}

func TestExecRunnerIgnoresUnreadStdin(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 1<<20)
	out, err := ExecRunner{}.Run(context.Background(), shell("printf done"), payload, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "done", string(out.Stdout))
}

func TestExecRunnerOutputCap(t *testing.T) {
	cmd := shell("printf 0123456789abcdef")
	cmd.MaxOutputBytes = 10

	out, err := ExecRunner{}.Run(context.Background(), cmd, nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(out.Stdout))
	assert.True(t, out.StdoutTruncated)
}

func TestExecRunnerStderrCap(t *testing.T) {
	out, err := ExecRunner{}.Run(context.Background(), shell("head -c 100000 /dev/zero >&2"), nil, discardLogger())
	require.NoError(t, err)
	assert.Len(t, out.Stderr, maxStderrBytes)
}

func TestExecRunnerEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	cmd := shell(`printf "%s|" "$FACEQUEUE_TEST"; pwd`)
	cmd.Env = []string{"FACEQUEUE_TEST=yes"}
	cmd.Dir = dir

	out, err := ExecRunner{}.Run(context.Background(), cmd, nil, discardLogger())
	require.NoError(t, err)
	parts := strings.SplitN(strings.TrimSpace(string(out.Stdout)), "|", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "yes", parts[0])
	assert.True(t, strings.HasSuffix(parts[1], dir) || strings.HasSuffix(dir, parts[1]), "pwd %q, dir %q", parts[1], dir)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{max: 4}
	n, err := b.Write([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, b.truncated)

	n, err = b.Write([]byte("cdef"))
	require.NoError(t, err)
	assert.Equal(t, 4, n, "writer must always report full consumption")
	assert.Equal(t, "abcd", string(b.Bytes()))
	assert.True(t, b.truncated)

	_, _ = b.Write([]byte("g"))
	assert.Equal(t, "abcd", string(b.Bytes()))
}
