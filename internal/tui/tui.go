// Package tui renders a tournament clock in the terminal. The countdown is
// interpolated locally between server pushes using the offset between the
// local clock and the server's timestamps.
package tui

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/lox/pokerclock/internal/clock"
	"github.com/lox/pokerclock/internal/server"
)

// RefreshInterval is how often the countdown is redrawn.
const RefreshInterval = 250 * time.Millisecond

const commandTimeout = 5 * time.Second

// Controller issues clock commands. A display without one is read-only.
type Controller interface {
	SendCommand(ctx context.Context, cmd server.CommandData) (clock.State, error)
}

// StateMsg delivers a clock snapshot received from the server.
type StateMsg struct {
	State      clock.State
	ReceivedAt time.Time
}

// LevelMsg announces a level change.
type LevelMsg struct {
	Event clock.LevelCompletedEvent
}

// DisconnectedMsg reports that the server connection was lost.
type DisconnectedMsg struct{}

type frameMsg time.Time

type commandResultMsg struct {
	command server.Command
	state   clock.State
	err     error
}

// Model represents the Bubble Tea model for the clock display
type Model struct {
	name       string
	schedule   clock.Schedule
	controller Controller
	logger     *log.Logger
	now        func() time.Time

	state     clock.State
	haveState bool
	offset    time.Duration

	progress     progress.Model
	announcement string
	announceTill time.Time
	lastError    string
	disconnected bool
	quitting     bool

	width  int
	height int
}

// Option configures a Model.
type Option func(*Model)

// WithController enables director keys.
func WithController(c Controller) Option {
	return func(m *Model) { m.controller = c }
}

// WithNow sets the local time source.
func WithNow(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// NewModel creates a display for the named tournament. The schedule is used
// for the upcoming-break line.
func NewModel(name string, schedule clock.Schedule, logger *log.Logger, opts ...Option) *Model {
	m := &Model{
		name:     name,
		schedule: schedule,
		logger:   logger.WithPrefix("tui"),
		now:      time.Now,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage(), progress.WithWidth(40)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init starts the redraw timer
func (m *Model) Init() tea.Cmd {
	return frame()
}

func frame() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg { return frameMsg(t) })
}

// Update handles messages in the TUI
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = max(10, min(msg.Width-8, 80))

	case frameMsg:
		return m, frame()

	case StateMsg:
		m.applyState(msg)

	case LevelMsg:
		m.announcement = fmt.Sprintf("Level %d: %s", msg.Event.NewLevel.Index+1, msg.Event.NewLevel)
		m.announceTill = m.now().Add(10 * time.Second)

	case DisconnectedMsg:
		m.disconnected = true

	case commandResultMsg:
		if msg.err != nil {
			m.lastError = fmt.Sprintf("%s failed: %v", msg.command, msg.err)
			m.logger.Warn("Command failed", "command", msg.command, "error", msg.err)
		} else {
			m.lastError = ""
			m.applyState(StateMsg{State: msg.state, ReceivedAt: m.now()})
		}

	case tea.KeyMsg:
		return m, m.handleKey(msg)
	}

	return m, nil
}

func (m *Model) applyState(msg StateMsg) {
	received := msg.ReceivedAt
	if received.IsZero() {
		received = m.now()
	}
	if !msg.State.ServerTime.IsZero() {
		m.offset = received.Sub(msg.State.ServerTime)
	}
	m.state = msg.State
	m.haveState = true
	m.disconnected = false
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return tea.Quit
	}

	if m.controller == nil || !m.haveState {
		return nil
	}

	switch msg.String() {
	case "s":
		return m.command(server.CommandData{Command: server.CommandStart})
	case " ", "space":
		switch m.state.Status {
		case clock.StatusRunning:
			return m.command(server.CommandData{Command: server.CommandPause})
		case clock.StatusPaused:
			return m.command(server.CommandData{Command: server.CommandResume})
		}
	case "x":
		return m.command(server.CommandData{Command: server.CommandStop})
	case "n":
		level := m.state.CurrentLevelIndex + 1
		return m.command(server.CommandData{Command: server.CommandJump, Level: &level})
	case "p":
		level := m.state.CurrentLevelIndex - 1
		return m.command(server.CommandData{Command: server.CommandJump, Level: &level})
	case "+", "=":
		return m.command(server.CommandData{Command: server.CommandAdjust, Seconds: 60})
	case "-":
		return m.command(server.CommandData{Command: server.CommandAdjust, Seconds: -60})
	}
	return nil
}

func (m *Model) command(data server.CommandData) tea.Cmd {
	controller := m.controller
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		state, err := controller.SendCommand(ctx, data)
		return commandResultMsg{command: data.Command, state: state, err: err}
	}
}

// Remaining is the countdown shown right now.
func (m *Model) Remaining() time.Duration {
	return m.state.DisplayedRemaining(m.now().Add(-m.offset))
}

// FormatClock renders d as MM:SS, or H:MM:SS from an hour up. Partial
// seconds round up so the display reads 00:00 only when time is out.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(math.Ceil(d.Seconds()))
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func levelLabel(level clock.BlindLevel) string {
	if level.IsBreak {
		return BreakStyle.Render(level.String())
	}
	blinds := fmt.Sprintf("Blinds %d/%d", level.SmallBlind, level.BigBlind)
	if level.Ante > 0 {
		blinds += fmt.Sprintf("  Ante %d", level.Ante)
	}
	return BlindsStyle.Render(blinds)
}

func statusLabel(status clock.Status) string {
	switch status {
	case clock.StatusRunning:
		return RunningStyle.Render("RUNNING")
	case clock.StatusPaused:
		return PausedStyle.Render("PAUSED")
	case clock.StatusCompleted:
		return InfoStyle.Render("COMPLETED")
	default:
		return InfoStyle.Render("WAITING TO START")
	}
}

// View renders the TUI
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render(m.name))
	b.WriteString("\n\n")

	if !m.haveState {
		b.WriteString(InfoStyle.Render("Waiting for clock..."))
		return b.String()
	}

	st := m.state
	fmt.Fprintf(&b, "%s   Level %d of %d\n\n", statusLabel(st.Status), st.CurrentLevelIndex+1, max(len(m.schedule), st.CurrentLevelIndex+1))
	b.WriteString(ClockStyle.Render(FormatClock(m.Remaining())))
	b.WriteString("\n")
	b.WriteString(m.progress.ViewAs(st.Progress()))
	b.WriteString("\n\n")
	b.WriteString(levelLabel(st.CurrentLevel))
	b.WriteString("\n")

	if st.NextLevel != nil {
		b.WriteString(InfoStyle.Render("Next: " + st.NextLevel.String()))
		b.WriteString("\n")
	}
	if brk, ok := m.schedule.NextBreak(st.CurrentLevelIndex); ok && !st.CurrentLevel.IsBreak {
		b.WriteString(InfoStyle.Render(fmt.Sprintf("Next break: level %d (%s)", brk.Index+1, brk)))
		b.WriteString("\n")
	}
	b.WriteString(InfoStyle.Render("Elapsed: " + FormatClock(time.Duration(st.TotalElapsedSeconds)*time.Second)))
	b.WriteString("\n")

	if m.announcement != "" && m.now().Before(m.announceTill) {
		b.WriteString("\n")
		b.WriteString(BlindsStyle.Render(m.announcement))
		b.WriteString("\n")
	}
	if m.disconnected {
		b.WriteString("\n")
		b.WriteString(ErrorStyle.Render("Disconnected from server"))
		b.WriteString("\n")
	}
	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(ErrorStyle.Render(m.lastError))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.controller != nil {
		b.WriteString(InfoStyle.Render("s start  space pause/resume  x stop  n/p level  +/- minute  q quit"))
	} else {
		b.WriteString(InfoStyle.Render("q quit"))
	}

	if m.width > 0 {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, b.String())
	}
	return b.String()
}
