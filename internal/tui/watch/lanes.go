package watch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

var laneColumns = []table.Column{
	{Title: "Kind", Width: 12},
	{Title: "Worker", Width: 12},
	{Title: "Gen", Width: 5},
	{Title: "Queued", Width: 7},
	{Title: "In flight", Width: 10},
	{Title: "OK", Width: 6},
	{Title: "Failed", Width: 6},
	{Title: "Pending", Width: 8},
}

func newLaneTable() table.Model {
	t := table.New(
		table.WithColumns(laneColumns),
		table.WithHeight(4),
		table.WithFocused(true),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true)
	t.SetStyles(styles)
	return t
}

// laneRows renders one row per kind, sorted by kind.
func laneRows(lanes map[string]laneHealth) []table.Row {
	kinds := make([]string, 0, len(lanes))
	for k := range lanes {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	rows := make([]table.Row, 0, len(kinds))
	for _, k := range kinds {
		l := lanes[k]
		worker := "idle"
		if l.Running {
			worker = l.WorkerID
		}
		if l.Closed {
			worker = "closed"
		}
		inFlight := "-"
		if l.InFlight != "" {
			inFlight = shortID(l.InFlight)
		}
		rows = append(rows, table.Row{
			k,
			worker,
			fmt.Sprintf("%d", l.Generation),
			fmt.Sprintf("%d", l.QueueDepth),
			inFlight,
			fmt.Sprintf("%d", l.Succeeded),
			fmt.Sprintf("%d", l.Failed),
			fmt.Sprintf("%d", len(l.Pending)),
		})
	}
	return rows
}

func renderLanes(t table.Model, lanes map[string]laneHealth, theme Theme, width int) string {
	innerWidth := width - 4
	if len(lanes) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("LANES"),
			theme.Dim.Render("  Waiting for /healthz..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	parts := []string{theme.Title.Render("LANES"), t.View()}

	// Pending submitters of the selected lane.
	if row := t.SelectedRow(); row != nil {
		if l, ok := lanes[row[0]]; ok && len(l.Pending) > 0 {
			parts = append(parts, theme.Highlight.Render(
				fmt.Sprintf(" pending on %s: %s", row[0], strings.Join(l.Pending, ", "))))
		}
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
