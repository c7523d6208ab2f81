package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(JobEnqueued, map[string]any{"kind": "overlay", "job_id": "j1"})

	select {
	case ev := <-ch:
		assert.Equal(t, JobEnqueued, ev.Type)
		assert.Equal(t, int64(1), ev.ID)
		var data map[string]string
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		assert.Equal(t, "overlay", data["kind"])
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHubNilDataIsEmptyObject(t *testing.T) {
	h := NewHub(2)
	h.Publish(WorkerStarted, nil)
	snap := h.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.JSONEq(t, `{}`, string(snap[0].Data))
}

func TestHubRingOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for range 5 {
		h.Publish(JobStarted, nil)
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[0].ID)
	assert.Equal(t, int64(5), snap[2].ID)

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
	assert.Equal(t, int64(5), h.LastID())
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range subscriberBacklog * 2 {
			h.Publish(JobCompleted, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe()
	assert.Equal(t, 1, h.Subscribers())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers())
}

func TestEventMatches(t *testing.T) {
	ev := Event{Type: JobCompleted}
	assert.True(t, ev.Matches(nil))
	assert.True(t, ev.Matches([]string{"worker.", "job."}))
	assert.False(t, ev.Matches([]string{"admission."}))
}
