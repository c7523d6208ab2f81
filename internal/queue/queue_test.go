package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()

	q := New[string]()
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")
	assert.Equal(t, 3, q.Len())

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, ok, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueDequeueIdleTimeout(t *testing.T) {
	t.Parallel()

	q := New[int]()
	start := time.Now()
	_, ok, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestQueueDequeueWakesOnEnqueue(t *testing.T) {
	t.Parallel()

	q := New[int]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(7)
	}()

	got, ok, err := q.Dequeue(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, got)
}

func TestQueueDequeueContextCancelled(t *testing.T) {
	t.Parallel()

	q := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := q.Dequeue(ctx, time.Minute)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestQueueDequeueCancelledContextClaimsNothing(t *testing.T) {
	t.Parallel()

	q := New[int]()
	q.Enqueue(1)
	q.Enqueue(2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := q.Dequeue(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
	assert.Equal(t, []int{1, 2}, q.Drain())
}

func TestQueueCloseReturnsImmediatelyWhenEmpty(t *testing.T) {
	t.Parallel()

	q := New[int]()
	q.Enqueue(1)
	q.Close()

	got, ok, err := q.Dequeue(context.Background(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "queued items survive Close")
	assert.Equal(t, 1, got)

	start := time.Now()
	_, ok, err = q.Dequeue(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestQueueDrain(t *testing.T) {
	t.Parallel()

	q := New[int]()
	for i := range 4 {
		q.Enqueue(i)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, q.Drain())
	assert.Equal(t, 0, q.Len())
}

func TestQueueConcurrentProducers(t *testing.T) {
	t.Parallel()

	const producers, perProducer = 8, 50
	q := New[int]()

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := range perProducer {
				q.Enqueue(p*perProducer + i)
			}
		}(p)
	}

	seen := make(map[int]bool)
	for len(seen) < producers*perProducer {
		v, ok, err := q.Dequeue(context.Background(), 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.False(t, seen[v], "value %d dequeued twice", v)
		seen[v] = true
	}
	wg.Wait()
	assert.Equal(t, 0, q.Len())
}

func TestFutureResolveOnce(t *testing.T) {
	t.Parallel()

	f := NewFuture[int]()
	_, _, ok := f.Result()
	assert.False(t, ok)

	require.NoError(t, f.Resolve(42, nil))
	assert.ErrorIs(t, f.Resolve(7, nil), ErrAlreadyResolved)

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFutureErrorDiscardsValue(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	f := NewFuture[string]()
	require.NoError(t, f.Resolve("ignored", boom))

	v, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, v)
}

func TestFutureWaitRespectsContext(t *testing.T) {
	t.Parallel()

	f := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-f.Done():
		t.Fatal("future must stay unresolved after a waiter gives up")
	default:
	}
}

func TestNewJob(t *testing.T) {
	t.Parallel()

	j := NewJob[int]("overlay", "42", []byte("IMG"))
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, "overlay", j.Kind)
	assert.Equal(t, "42", j.Submitter)
	assert.Equal(t, []byte("IMG"), j.Payload)
	assert.False(t, j.EnqueuedAt.IsZero())
	require.NotNil(t, j.Future)

	other := NewJob[int]("overlay", "42", nil)
	assert.NotEqual(t, j.ID, other.ID)
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusTimedOut} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusQueued, StatusRunning, "", "done"} {
		assert.False(t, s.Terminal(), s)
	}
}
