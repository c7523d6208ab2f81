package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/duzhobots/facequeue/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	data := decodeData(e)

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.JobCompleted:
		typeStyle = theme.StatusOK
		if status, _ := data["status"].(string); status != "" && status != "succeeded" {
			typeStyle = theme.StatusFailed
		}
	case events.JobStarted, events.WorkerStarted:
		typeStyle = theme.StatusRunning
	case events.AdmissionRejected:
		typeStyle = theme.StatusBusy
	case events.WorkerStopped:
		typeStyle = theme.StatusIdle
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describe(e, data))
}

func decodeData(e events.Event) map[string]any {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)
	return data
}

// describe picks the fields worth a glance out of an event payload.
func describe(e events.Event, data map[string]any) string {
	var parts []string

	if kind, ok := data["kind"].(string); ok {
		parts = append(parts, kind)
	}
	if jobID, ok := data["job_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(jobID)))
	}
	if worker, ok := data["worker_id"].(string); ok {
		parts = append(parts, "worker "+worker)
	}
	if submitter, ok := data["submitter"].(string); ok {
		parts = append(parts, "by "+submitter)
	}
	if status, ok := data["status"].(string); ok {
		parts = append(parts, status)
	}
	if ms, ok := data["duration_ms"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%.0fms", ms))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
