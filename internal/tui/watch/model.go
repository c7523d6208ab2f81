package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/duzhobots/facequeue/internal/events"
)

const (
	maxEventLog    = 50
	healthInterval = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// Model is the BubbleTea model for the watch dashboard.
type Model struct {
	ctx    context.Context
	apiURL string
	apiKey string

	width  int
	height int

	health    HealthState
	lanes     table.Model
	eventLog  []events.Event
	lastID    int64
	lastEvent time.Time
	activity  spinner.Model

	theme     Theme
	hubEvents chan events.Event
	lastError string
}

// New creates a dashboard for the API at apiURL. ctx bounds the SSE
// connection.
func New(ctx context.Context, apiURL, apiKey string) Model {
	return Model{
		ctx:       ctx,
		apiURL:    apiURL,
		apiKey:    apiKey,
		lanes:     newLaneTable(),
		hubEvents: make(chan events.Event, 100),
		activity:  spinner.New(spinner.WithSpinner(spinner.Dot)),
		theme:     NewDefaultTheme(),
	}
}

// Run starts the dashboard on the terminal and blocks until the user quits.
func Run(ctx context.Context, apiURL, apiKey string) error {
	_, err := tea.NewProgram(New(ctx, apiURL, apiKey), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.lanes, cmd = m.lanes.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.lanes.SetWidth(max(msg.Width-8, 20))

	case tickMsg:
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case spinner.TickMsg:
		// Spin only while events keep arriving.
		if time.Since(m.lastEvent) > 3*time.Second {
			return m, nil
		}
		var cmd tea.Cmd
		m.activity, cmd = m.activity.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.health.Connected = true
		m.lastError = ""

		idle := time.Since(m.lastEvent) > 3*time.Second
		m.lastEvent = time.Now()

		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		if idle {
			cmds = append(cmds, m.activity.Tick)
		}
		// Lane counters change with every job, so refresh them now
		// instead of waiting for the next poll.
		if e.Type == events.JobCompleted || e.Type == events.WorkerStarted || e.Type == events.WorkerStopped {
			cmds = append(cmds, func() tea.Msg { return fetchHealth(m.apiURL) })
		}
		return m, tea.Batch(cmds...)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.health.Lanes = msg.Kinds
		m.lanes.SetRows(laneRows(msg.Kinds))
		m.lastError = ""
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.ctx, m.apiURL, m.apiKey, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to facequeue..."
	}

	parts := []string{
		renderHeader(m.health, m.lastEvent, m.activity.View(), m.theme, m.width),
		renderLanes(m.lanes, m.health.Lanes, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Select lane"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
