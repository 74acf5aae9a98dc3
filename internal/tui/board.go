// internal/tui/board.go
//
// The board is a read-mostly terminal view over every persisted session.
// It follows The Elm Architecture that bubbletea uses:
//
// 1. Model: the session list, the selected session's view, status text
// 2. Update: key presses and refresh ticks produce new state
// 3. View: the state rendered as a string
//
// Refreshes run off the UI goroutine: a tick schedules a fetch command, the
// command loads views from the Source, and the result comes back as a message.

package tui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

const defaultRefreshInterval = 5 * time.Second

var (
	titleStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	labelStyleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleGate    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	stageColumnStyle  = lipgloss.NewStyle().Width(12)
)

// Source is the slice of the engine the board reads from.
type Source interface {
	Sessions(ctx context.Context) ([]string, error)
	View(ctx context.Context, session string) (engine.View, error)
	CheckLiveness(ctx context.Context, session string) (engine.Action, error)
}

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Refresh key.Binding
	Sweep   key.Binding
	Quit    key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Sweep:   key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "liveness sweep")),
		Quit:    key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) helpLine() string {
	bindings := []key.Binding{k.Up, k.Down, k.Refresh, k.Sweep, k.Quit}
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		h := b.Help()
		parts = append(parts, h.Key+"="+h.Desc)
	}
	return strings.Join(parts, "  ")
}

// Option customizes a Board.
type Option func(*Board)

// WithRefreshInterval overrides how often the board polls the source.
func WithRefreshInterval(d time.Duration) Option {
	return func(b *Board) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithContext sets the context used for source calls.
func WithContext(ctx context.Context) Option {
	return func(b *Board) {
		if ctx != nil {
			b.ctx = ctx
		}
	}
}

// Board is the bubbletea model behind `stageflow watch`.
type Board struct {
	source   Source
	ctx      context.Context
	keys     keyMap
	interval time.Duration

	views     []engine.View
	selection int
	loaded    bool
	statusMsg string
	err       error
	width     int
}

type boardRefreshMsg struct {
	views []engine.View
	err   error
}

type boardTickMsg struct{}

type sweepFinishedMsg struct {
	session string
	action  engine.Action
	err     error
}

// NewBoard creates a board over source.
func NewBoard(source Source, opts ...Option) *Board {
	b := &Board{
		source:   source,
		ctx:      context.Background(),
		keys:     defaultKeyMap(),
		interval: defaultRefreshInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Init loads the first snapshot.
func (b *Board) Init() tea.Cmd {
	return b.fetch()
}

// Update applies msg to the board.
func (b *Board) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		b.width = m.Width
		return b, nil
	case boardRefreshMsg:
		b.applyRefresh(m)
		return b, b.scheduleRefresh()
	case boardTickMsg:
		return b, b.fetch()
	case sweepFinishedMsg:
		if m.err != nil {
			b.statusMsg = fmt.Sprintf("Sweep of %s failed: %v", m.session, m.err)
			return b, nil
		}
		b.statusMsg = fmt.Sprintf("Swept %s: %s", m.session, describeAction(m.action))
		return b, b.fetch()
	case tea.KeyMsg:
		return b.handleKey(m)
	}
	return b, nil
}

func (b *Board) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, b.keys.Quit):
		return b, tea.Quit
	case key.Matches(msg, b.keys.Up):
		if b.selection > 0 {
			b.selection--
		}
	case key.Matches(msg, b.keys.Down):
		if b.selection < len(b.views)-1 {
			b.selection++
		}
	case key.Matches(msg, b.keys.Refresh):
		b.statusMsg = "Refreshing…"
		return b, b.fetch()
	case key.Matches(msg, b.keys.Sweep):
		return b, b.sweepSelected()
	}
	return b, nil
}

func (b *Board) applyRefresh(msg boardRefreshMsg) {
	if msg.err != nil {
		b.err = msg.err
		return
	}
	b.err = nil
	b.loaded = true
	selected := b.selectedSession()
	b.views = msg.views
	b.selection = 0
	for idx, view := range b.views {
		if view.SessionID == selected {
			b.selection = idx
			break
		}
	}
}

func (b *Board) selectedSession() string {
	if b.selection < 0 || b.selection >= len(b.views) {
		return ""
	}
	return b.views[b.selection].SessionID
}

func (b *Board) fetch() tea.Cmd {
	if b.source == nil {
		return nil
	}
	ctx := b.ctx
	source := b.source
	return func() tea.Msg {
		views, err := loadViews(ctx, source)
		return boardRefreshMsg{views: views, err: err}
	}
}

func (b *Board) scheduleRefresh() tea.Cmd {
	return tea.Tick(b.interval, func(time.Time) tea.Msg {
		return boardTickMsg{}
	})
}

func (b *Board) sweepSelected() tea.Cmd {
	session := b.selectedSession()
	if session == "" || b.source == nil {
		return nil
	}
	ctx := b.ctx
	source := b.source
	return func() tea.Msg {
		action, err := source.CheckLiveness(ctx, session)
		return sweepFinishedMsg{session: session, action: action, err: err}
	}
}

func loadViews(ctx context.Context, source Source) ([]engine.View, error) {
	sessions, err := source.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(sessions)
	views := make([]engine.View, 0, len(sessions))
	for _, session := range sessions {
		view, err := source.View(ctx, session)
		if err != nil {
			if errors.Is(err, engine.ErrNoWorkflow) {
				continue
			}
			return nil, fmt.Errorf("tui: load %s: %w", session, err)
		}
		views = append(views, view)
	}
	return views, nil
}

// View renders the board.
func (b *Board) View() string {
	lines := []string{titleStyle.Render("⬡ STAGEFLOW SESSIONS"), ""}
	switch {
	case b.err != nil:
		lines = append(lines, labelStyleFailed.Render(fmt.Sprintf("Refresh failed: %v", b.err)))
	case !b.loaded:
		lines = append(lines, "Loading sessions…")
	case len(b.views) == 0:
		lines = append(lines, detailTextStyle.Render("No sessions yet"))
	default:
		for idx, view := range b.views {
			lines = append(lines, b.renderSessionLine(idx, view))
			if idx == b.selection {
				lines = append(lines, renderStages(view)...)
			}
		}
	}
	if b.statusMsg != "" {
		lines = append(lines, "", detailTextStyle.Render(b.statusMsg))
	}
	lines = append(lines, "", detailTextStyle.Render(b.keys.helpLine()))
	return strings.Join(lines, "\n")
}

func (b *Board) renderSessionLine(idx int, view engine.View) string {
	indicator := " "
	if idx == b.selection {
		indicator = ">"
	}
	line := fmt.Sprintf("%s %s · [%s]", indicator, view.SessionID, phaseStyle(view).Render(friendlyLabel(string(view.Phase))))
	if view.TemplateID != "" {
		line += detailTextStyle.Render(" " + view.TemplateID)
	}
	return line
}

func renderStages(view engine.View) []string {
	if len(view.Order) == 0 {
		return []string{detailTextStyle.Render("    no workflow")}
	}
	lines := make([]string, 0, len(view.Order)+len(view.Annotations)+1)
	for _, id := range view.Order {
		status := view.Stages[id]
		line := "    " + stageColumnStyle.Render(id.String()) + labelStyleForStatus(status).Render(string(status))
		if workflow.ContainsStage(view.ReadyStages, id) {
			line += " " + labelStyleGate.Render("ready")
		}
		lines = append(lines, line)
	}
	if pr := view.PendingRetry; pr != nil {
		lines = append(lines, detailTextStyle.Render(fmt.Sprintf("    retry round %d: %s failed, receding to %s", pr.Round, pr.Stage, pr.Target)))
	}
	for _, note := range view.Annotations {
		lines = append(lines, detailTextStyle.Render("    - "+note))
	}
	return lines
}

func phaseStyle(view engine.View) lipgloss.Style {
	switch {
	case view.Terminated:
		return labelStyleFailed
	case view.Phase == engine.PhaseComplete:
		return labelStyleDone
	case view.Phase == engine.PhaseRetrying:
		return labelStyleGate
	case view.Phase == engine.PhaseDelegating:
		return labelStyleRunning
	case view.Phase == engine.PhaseIdle:
		return labelStyleSkipped
	default:
		return labelStyleDefault
	}
}

func labelStyleForStatus(status workflow.StageStatus) lipgloss.Style {
	switch status {
	case workflow.StatusCompleted:
		return labelStyleDone
	case workflow.StatusFailed:
		return labelStyleFailed
	case workflow.StatusActive:
		return labelStyleRunning
	case workflow.StatusSkipped:
		return labelStyleSkipped
	default:
		return labelStyleDefault
	}
}

func describeAction(action engine.Action) string {
	if action.Reason != "" {
		return fmt.Sprintf("%s (%s)", action.Kind, action.Reason)
	}
	return string(action.Kind)
}

func friendlyLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	replacer := strings.NewReplacer("_", " ", "-", " ")
	words := strings.Fields(replacer.Replace(strings.ToLower(value)))
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

// Run starts the board in the terminal and blocks until the user quits or ctx
// is cancelled.
func Run(ctx context.Context, source Source, opts ...Option) error {
	opts = append([]Option{WithContext(ctx)}, opts...)
	program := tea.NewProgram(NewBoard(source, opts...), tea.WithContext(ctx), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}
