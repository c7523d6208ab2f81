package admission

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardRejectsSecondAcquire(t *testing.T) {
	g := NewGuard("similarity")

	assert.True(t, g.TryAcquire("42"))
	assert.False(t, g.TryAcquire("42"))
	assert.True(t, g.Holds("42"))

	g.Release("42")
	assert.False(t, g.Holds("42"))
	assert.True(t, g.TryAcquire("42"), "submitter can acquire again once idle")
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	g := NewGuard("overlay")
	require.True(t, g.TryAcquire("7"))

	assert.NotPanics(t, func() {
		g.Release("7")
		g.Release("7")
		g.Release("never-acquired")
	})
	assert.Empty(t, g.Pending())
}

func TestGuardDifferentSubmittersDoNotConflict(t *testing.T) {
	g := NewGuard("overlay")
	assert.True(t, g.TryAcquire("a"))
	assert.True(t, g.TryAcquire("b"))
	assert.Equal(t, []string{"a", "b"}, g.Pending())
}

func TestGuardsArePerKind(t *testing.T) {
	overlay := NewGuard("overlay")
	similarity := NewGuard("similarity")

	assert.True(t, overlay.TryAcquire("42"))
	assert.True(t, similarity.TryAcquire("42"), "same submitter, other kind")
	assert.Equal(t, "overlay", overlay.Kind())
}

func TestGuardSince(t *testing.T) {
	g := NewGuard("overlay")
	_, ok := g.Since("x")
	assert.False(t, ok)

	require.True(t, g.TryAcquire("x"))
	at, ok := g.Since("x")
	assert.True(t, ok)
	assert.False(t, at.IsZero())
}

func TestLeaseReleaseOnce(t *testing.T) {
	g := NewGuard("overlay")

	lease, err := g.Acquire("42")
	require.NoError(t, err)
	assert.Equal(t, "42", lease.Submitter())

	_, err = g.Acquire("42")
	assert.ErrorIs(t, err, ErrBusy)

	lease.Release()
	// A stale lease must not release a newer acquisition.
	newer, err := g.Acquire("42")
	require.NoError(t, err)
	lease.Release()
	assert.True(t, g.Holds("42"))

	newer.Release()
	assert.False(t, g.Holds("42"))
}

func TestLeaseReleaseInDeferAfterPanic(t *testing.T) {
	g := NewGuard("overlay")

	func() {
		defer func() { _ = recover() }()
		lease, err := g.Acquire("42")
		require.NoError(t, err)
		defer lease.Release()
		panic("handler blew up")
	}()

	assert.False(t, g.Holds("42"))
}

func TestNilLeaseRelease(t *testing.T) {
	var l *Lease
	assert.NotPanics(t, l.Release)
}

func TestGuardConcurrentAcquireSingleWinner(t *testing.T) {
	g := NewGuard("similarity")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire("42") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
