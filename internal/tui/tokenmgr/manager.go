package tokenmgr

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/aoa-runner/internal/auth"
)

var (
	titleStyle      = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle       = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	quitTextStyle   = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

// Scopes lists every scope a token can carry, in picker order.
var Scopes = []struct {
	Scope string
	Desc  string
}{
	{auth.ScopeJobsRead, "List and read jobs and their workspace files"},
	{auth.ScopeJobsRW, "Submit and delete jobs (implies jobs:ro)"},
	{auth.ScopeEvents, "Follow the job event stream (SSE)"},
	{auth.ScopeAll, "Every scope"},
}

// Known reports whether scope is one a token may carry.
func Known(scope string) bool {
	for _, s := range Scopes {
		if s.Scope == scope {
			return true
		}
	}
	return false
}

type item struct {
	scope    string
	desc     string
	selected bool
}

func (i item) Title() string {
	check := "[ ]"
	if i.selected {
		check = "[x]"
	}
	return fmt.Sprintf("%s %s", check, i.scope)
}
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.scope }

// Model is a scope picker for a new API token.
type Model struct {
	list      list.Model
	owner     string
	cancelled bool
	done      bool
	scopes    []string
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
			m.cancelled = true
			return m, tea.Quit

		case " ":
			i, ok := m.list.SelectedItem().(item)
			if ok {
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
	if m.cancelled {
		return quitTextStyle.Render("Cancelled.")
	}
	if m.done {
		return quitTextStyle.Render(fmt.Sprintf("Scopes for %s: %s", m.owner, strings.Join(m.scopes, ", ")))
	}
	return "\n" + m.list.View()
}

// New builds a picker for a token owned by owner.
func New(owner string) *Model {
	items := make([]list.Item, 0, len(Scopes))
	for _, s := range Scopes {
		items = append(items, item{scope: s.Scope, desc: s.Desc})
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = fmt.Sprintf("Scopes for %s (Space to toggle, Enter to confirm)", owner)
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle
	l.SetFilteringEnabled(false)

	return &Model{list: l, owner: owner}
}

// Selected returns the confirmed scopes and whether the picker completed.
func (m Model) Selected() ([]string, bool) {
	if m.cancelled || !m.done {
		return nil, false
	}
	return m.scopes, true
}
