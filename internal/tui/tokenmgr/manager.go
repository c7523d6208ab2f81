// Package tokenmgr is the interactive scope picker behind "facequeue config token".
package tokenmgr

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/duzhobots/facequeue/internal/auth"
)

var (
	titleStyle      = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle       = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	quitTextStyle   = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

var scopeDescriptions = map[string]string{
	auth.ScopeAll:      "Full access (all scopes)",
	auth.ScopeJobsRO:   "Read the job log and export it",
	auth.ScopeJobsRW:   "Submit overlay and similarity jobs (implies jobs:ro)",
	auth.ScopeEventsRO: "Stream live worker and job events (SSE)",
	auth.ScopeEventsRW: "Events, write access (implies events:ro)",
}

type item struct {
	scope    string
	selected bool
}

func (i item) Title() string {
	check := "[ ]"
	if i.selected {
		check = "[x]"
	}
	return fmt.Sprintf("%s %s", check, i.scope)
}
func (i item) Description() string { return scopeDescriptions[i.scope] }
func (i item) FilterValue() string { return i.scope }

// Model lets the user toggle scopes with space and confirm with enter.
type Model struct {
	list     list.Model
	quitting bool
	done     bool
	scopes   []string
}

func New() Model {
	items := make([]list.Item, 0, len(auth.KnownScopes))
	for _, s := range auth.KnownScopes {
		items = append(items, item{scope: s})
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Select Scopes (Space to toggle, Enter to confirm)"
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle

	return Model{list: l}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit

		case " ":
			if i, ok := m.list.SelectedItem().(item); ok {
				i.selected = !i.selected
				m.list.SetItem(m.list.Index(), i)
			}
			return m, nil

		case "enter":
			m.done = true
			m.scopes = nil
			for _, li := range m.list.Items() {
				if it, ok := li.(item); ok && it.selected {
					m.scopes = append(m.scopes, it.scope)
				}
			}
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.quitting {
		return quitTextStyle.Render("Cancelled.")
	}
	if m.done {
		return quitTextStyle.Render(fmt.Sprintf("Selected scopes: %s", strings.Join(m.scopes, ", ")))
	}
	return "\n" + m.list.View()
}

// Selected returns the confirmed scopes, or nil if the picker was cancelled.
func (m Model) Selected() []string {
	if !m.done {
		return nil
	}
	return m.scopes
}

// Pick runs the picker on the terminal and returns the chosen scopes.
func Pick() ([]string, error) {
	final, err := tea.NewProgram(New(), tea.WithAltScreen()).Run()
	if err != nil {
		return nil, err
	}
	m, ok := final.(Model)
	if !ok {
		return nil, fmt.Errorf("unexpected model type %T", final)
	}
	return m.Selected(), nil
}

// GenerateToken returns a random 256-bit token, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
