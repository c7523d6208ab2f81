package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/duzhobots/facequeue/internal/events"
)

// --- Message types ---

type eventMsg events.Event

// laneHealth mirrors the per-kind entry of /healthz.
type laneHealth struct {
	Kind       string   `json:"kind"`
	Running    bool     `json:"running"`
	WorkerID   string   `json:"worker_id"`
	Generation uint64   `json:"generation"`
	QueueDepth int      `json:"queue_depth"`
	InFlight   string   `json:"in_flight"`
	Succeeded  uint64   `json:"succeeded"`
	Failed     uint64   `json:"failed"`
	Closed     bool     `json:"closed"`
	Pending    []string `json:"pending"`
}

type healthMsg struct {
	Status        string                `json:"status"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Kinds         map[string]laneHealth `json:"kinds"`
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents reads the SSE stream into ch until the connection drops.
// lastID is sent as Last-Event-ID so a reconnect only replays what was missed.
func subscribeToEvents(ctx context.Context, apiURL, apiKey string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events: %s", resp.Status))
		}

		for ev := range parseSSE(bufio.NewScanner(resp.Body)) {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return nil
			}
		}
		return sseDisconnectedMsg{}
	}
}

// parseSSE yields one event per blank-line-terminated frame.
func parseSSE(scanner *bufio.Scanner) func(yield func(events.Event) bool) {
	return func(yield func(events.Event) bool) {
		var cur events.Event
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if len(cur.Data) > 0 {
					if cur.At.IsZero() {
						cur.At = time.Now()
					}
					if !yield(cur) {
						return
					}
				}
				cur = events.Event{}
			case strings.HasPrefix(line, "id: "):
				if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
					cur.ID = id
				}
			case strings.HasPrefix(line, "event: "):
				cur.Type = line[7:]
			case strings.HasPrefix(line, "data: "):
				cur.Data = []byte(line[6:])
			}
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(apiURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
