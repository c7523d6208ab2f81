package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duzhobots/facequeue/internal/events"
)

func update(t *testing.T, m tea.Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out
}

func sampleHealth() healthMsg {
	return healthMsg{
		Status:        "ok",
		UptimeSeconds: 90,
		Kinds: map[string]laneHealth{
			"similarity": {Kind: "similarity", Running: true, WorkerID: "abc", Generation: 2, QueueDepth: 1,
				InFlight: "0123456789", Succeeded: 5, Pending: []string{"42"}},
			"overlay": {Kind: "overlay", Failed: 1},
		},
	}
}

func TestLaneRows(t *testing.T) {
	rows := laneRows(sampleHealth().Kinds)
	require.Len(t, rows, 2)
	assert.Equal(t, "overlay", rows[0][0])
	assert.Equal(t, "idle", rows[0][1])
	assert.Equal(t, "similarity", rows[1][0])
	assert.Equal(t, "abc", rows[1][1])
	assert.Equal(t, "01234567", rows[1][4])
	assert.Equal(t, "1", rows[1][7])
}

func TestModelRendersHealthAndEvents(t *testing.T) {
	m := New(context.Background(), "http://127.0.0.1:0", "")
	assert.Equal(t, "Connecting to facequeue...", m.View())

	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m = update(t, m, sampleHealth())
	assert.True(t, m.health.Connected)

	view := m.View()
	assert.Contains(t, view, "FACEQUEUE WATCH")
	assert.Contains(t, view, "similarity")
	assert.Contains(t, view, "Pending submitters: 1")

	data, _ := json.Marshal(map[string]any{"kind": "similarity", "job_id": "job-1234567890", "status": "failed"})
	m = update(t, m, eventMsg(events.Event{ID: 7, Type: events.JobCompleted, At: time.Now(), Data: data}))
	assert.Equal(t, int64(7), m.lastID)
	require.Len(t, m.eventLog, 1)
	assert.Contains(t, m.View(), "[job-1234]")
}

func TestModelTracksDisconnect(t *testing.T) {
	m := update(t, New(context.Background(), "http://x", ""), sampleHealth())
	m = update(t, m, sseDisconnectedMsg{})
	assert.False(t, m.health.Connected)
	assert.Contains(t, m.lastError, "disconnected")
}

func TestEventLogIsBounded(t *testing.T) {
	m := New(context.Background(), "http://x", "")
	for i := range maxEventLog + 5 {
		m = update(t, m, eventMsg(events.Event{ID: int64(i + 1), Type: events.JobEnqueued, Data: []byte("{}")}))
	}
	assert.Len(t, m.eventLog, maxEventLog)
	assert.Equal(t, int64(maxEventLog+5), m.eventLog[0].ID)
}

func TestParseSSE(t *testing.T) {
	stream := "id: 3\nevent: job.started\ndata: {\"job_id\":\"a\"}\n\n: keep-alive\n\nid: 4\nevent: job.completed\ndata: {}\n\n"
	var got []events.Event
	for ev := range parseSSE(bufio.NewScanner(strings.NewReader(stream))) {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, events.JobStarted, got[0].Type)
	assert.JSONEq(t, `{"job_id":"a"}`, string(got[0].Data))
	assert.Equal(t, events.JobCompleted, got[1].Type)
}

func TestFetchHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		_ = json.NewEncoder(w).Encode(sampleHealth())
	}))
	defer srv.Close()

	msg := fetchHealth(srv.URL)
	h, ok := msg.(healthMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, []string{"42"}, h.Kinds["similarity"].Pending)
}

func TestSubscribeToEventsSendsLastEventID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "9", r.Header.Get("Last-Event-ID"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("id: 10\nevent: worker.started\ndata: {}\n\n"))
	}))
	defer srv.Close()

	ch := make(chan events.Event, 1)
	msg := subscribeToEvents(context.Background(), srv.URL, "key", 9, ch)()
	assert.IsType(t, sseDisconnectedMsg{}, msg)
	ev := <-ch
	assert.Equal(t, int64(10), ev.ID)
}
