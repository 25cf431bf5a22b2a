// Package dashboard renders live call sessions in the terminal.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tiger/conversational-ivr/api/callflow"
)

const (
	DefaultInterval = 2 * time.Second

	keyCtrlC   = "ctrl+c"
	keyQuit    = "q"
	keyRefresh = "r"

	replyWidth = 48
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC2626"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	tableStyle = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("#6B7280"))
)

// SessionSource lists sessions; *client.Client satisfies it.
type SessionSource interface {
	ListSessions(ctx context.Context) ([]callflow.Session, error)
}

type sessionsMsg struct {
	sessions []callflow.Session
	err      error
	at       time.Time
}

type tickMsg time.Time

// Model is the bubbletea model of the session dashboard.
type Model struct {
	ctx      context.Context
	source   SessionSource
	interval time.Duration

	table    table.Model
	sessions []callflow.Session
	err      error
	updated  time.Time
}

// NewModel builds a dashboard polling source every interval.
func NewModel(ctx context.Context, source SessionSource, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := table.New(
		table.WithColumns(columns()),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).Bold(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#7C3AED"))
	t.SetStyles(styles)
	return Model{ctx: ctx, source: source, interval: interval, table: t}
}

func columns() []table.Column {
	return []table.Column{
		{Title: "Call ID", Width: 24},
		{Title: "Status", Width: 10},
		{Title: "Intent", Width: 16},
		{Title: "Reply", Width: replyWidth},
		{Title: "Last update", Width: 26},
	}
}

// Rows renders sessions as table rows.
func Rows(sessions []callflow.Session) []table.Row {
	rows := make([]table.Row, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, table.Row{s.CallID, string(s.Status), s.LastIntent, truncate(s.LastReply, replyWidth), s.LastUpdate})
	}
	return rows
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		sessions, err := m.source.ListSessions(m.ctx)
		return sessionsMsg{sessions: sessions, err: err, at: time.Now()}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case keyCtrlC, keyQuit:
			return m, tea.Quit
		case keyRefresh:
			return m, m.fetch()
		}
	case tea.WindowSizeMsg:
		if h := msg.Height - 6; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil
	case sessionsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.sessions = msg.sessions
			m.table.SetRows(Rows(msg.sessions))
			m.updated = msg.at
		}
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("IVR sessions (%d)", len(m.sessions))))
	b.WriteString("\n")
	b.WriteString(tableStyle.Render(m.table.View()))
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(errorStyle.Render("refresh failed: " + m.err.Error()))
		b.WriteString("\n")
	}
	status := "waiting for first refresh"
	if !m.updated.IsZero() {
		status = "updated " + m.updated.Format("15:04:05")
	}
	b.WriteString(mutedStyle.Render(status + " · r refresh · q quit"))
	return b.String()
}

// Options configures Run.
type Options struct {
	Interval time.Duration
	Out      io.Writer
	// ForcePlain skips the interactive UI even on a terminal.
	ForcePlain bool
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Run starts the interactive dashboard on a terminal, otherwise prints the
// current sessions once as a plain table.
func Run(ctx context.Context, source SessionSource, opts Options) error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.ForcePlain || !IsTTY(out) {
		sessions, err := source.ListSessions(ctx)
		if err != nil {
			return err
		}
		return RenderPlain(out, sessions)
	}
	p := tea.NewProgram(NewModel(ctx, source, opts.Interval), tea.WithContext(ctx), tea.WithOutput(out), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderPlain writes sessions as an aligned text table.
func RenderPlain(w io.Writer, sessions []callflow.Session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALL ID\tSTATUS\tINTENT\tREPLY\tLAST UPDATE")
	for _, row := range Rows(sessions) {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}
