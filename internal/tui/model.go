package tui

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/dumpsys/internal/dumpsys"
	"github.com/mattjoyce/dumpsys/internal/gateway"
)

const (
	DefaultInterval = 2 * time.Second

	// header box (3 rows), help line and outer margin
	chromeHeight = 6
)

// Dumper runs one dump of a cached service.
type Dumper interface {
	Dump(ctx context.Context, name string, args []string) (*gateway.Result, error)
}

type dumpMsg struct {
	seq int
	res *gateway.Result
	err error
	at  time.Time
}

type tickMsg struct{ seq int }

// Model re-dumps one service on an interval and shows the latest output.
type Model struct {
	dumper   Dumper
	service  string
	args     []string
	interval time.Duration

	width    int
	height   int
	ready    bool
	viewport viewport.Model
	theme    Theme

	seq     int
	loading bool
	last    *gateway.Result
	lastErr error
	lastAt  time.Time
	dumps   int
}

func New(d Dumper, service string, args []string, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return Model{
		dumper:   d,
		service:  service,
		args:     args,
		interval: interval,
		theme:    NewDefaultTheme(),
		loading:  true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.dump(m.seq), tea.EnterAltScreen)
}

func (m Model) dump(seq int) tea.Cmd {
	d, service, args := m.dumper, m.service, m.args
	return func() tea.Msg {
		res, err := d.Dump(context.Background(), service, args)
		return dumpMsg{seq: seq, res: res, err: err, at: time.Now()}
	}
}

func (m Model) schedule(seq int) tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{seq: seq} })
}

// refresh starts a new dump and invalidates any pending tick.
func (m Model) refresh() (Model, tea.Cmd) {
	m.seq++
	m.loading = true
	return m, m.dump(m.seq)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if m.loading {
				return m, nil
			}
			return m.refresh()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		w, h := max(msg.Width-4, 1), max(msg.Height-chromeHeight, 1)
		if !m.ready {
			m.viewport = viewport.New(w, h)
			m.ready = true
			if m.last != nil {
				m.viewport.SetContent(m.last.Output)
			}
		} else {
			m.viewport.Width = w
			m.viewport.Height = h
		}
		return m, nil

	case dumpMsg:
		if msg.seq != m.seq {
			return m, nil
		}
		m.loading = false
		m.lastAt = msg.at
		m.lastErr = msg.err
		if msg.res != nil {
			m.last = msg.res
			m.dumps++
			if m.ready {
				m.viewport.SetContent(msg.res.Output)
			}
		}
		if errors.Is(msg.err, dumpsys.ErrNoEntryFound) {
			return m, nil
		}
		return m, m.schedule(m.seq)

	case tickMsg:
		if msg.seq != m.seq || m.loading {
			return m, nil
		}
		return m.refresh()
	}

	if !m.ready {
		return m, nil
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	help := m.theme.Dim.Render(" [q] Quit • [r] Refresh • [↑/↓/pgup/pgdn] Scroll")
	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.renderHeader(),
			m.viewport.View(),
			help,
		),
	)
}

func (m Model) renderHeader() string {
	var status string
	switch {
	case m.loading && m.last == nil && m.lastErr == nil:
		status = m.theme.StatusBusy.Render("DUMPING")
	case m.lastErr != nil:
		status = m.theme.StatusFailed.Render(errorLabel(m.lastErr))
	default:
		status = m.theme.StatusOK.Render("OK")
	}

	updated := "never"
	if !m.lastAt.IsZero() {
		updated = m.lastAt.Format("15:04:05")
	}
	bytes := 0
	if m.last != nil {
		bytes = m.last.Bytes
	}

	cell := lipgloss.NewStyle().Width(max((m.width-4)/4, 1))
	return m.theme.Border.Width(max(m.width-4, 1)).Render(
		lipgloss.JoinHorizontal(lipgloss.Top,
			cell.Render(m.theme.Title.Render(m.service)),
			cell.Render("Status: "+status),
			cell.Render("Updated: "+updated),
			cell.Render(fmt.Sprintf("Bytes: %d (#%d)", bytes, m.dumps)),
		),
	)
}

func errorLabel(err error) string {
	var statusErr *dumpsys.StatusError
	switch {
	case errors.As(err, &statusErr):
		return statusErr.Code.String()
	case errors.Is(err, dumpsys.ErrNoEntryFound):
		return "NOT CACHED"
	default:
		return "ERROR"
	}
}
