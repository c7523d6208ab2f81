package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks service health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Connected     bool
	LastCheck     time.Time
	Lanes         map[string]laneHealth
}

// totals sums queue depth and pending submitters over all lanes.
func (h HealthState) totals() (queued, pending int) {
	for _, l := range h.Lanes {
		queued += l.QueueDepth
		pending += len(l.Pending)
	}
	return queued, pending
}

func renderHeader(health HealthState, lastEvent time.Time, activity string, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case health.Status == "shutting_down":
		statusText = theme.StatusBusy.Render("SHUTTING DOWN")
	case health.Status != "ok" && health.Status != "":
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	lastEventStr := "never"
	if !lastEvent.IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", time.Since(lastEvent).Round(time.Second))
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := " FACEQUEUE WATCH"
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	queued, pending := health.totals()
	statsLine := fmt.Sprintf(" %s  ⏱ %s  Queued: %d  Pending submitters: %d",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		queued,
		pending,
	)
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEventStr, activity)

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
