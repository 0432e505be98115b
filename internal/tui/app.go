// Package tui renders session state in the terminal and translates key
// presses into controller operations.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"tether/internal/chat"
	"tether/internal/controller"
)

const (
	defaultAppWidth = 100
	opTimeout       = 30 * time.Second
)

// SessionLister enumerates resumable sessions for the picker.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]chat.Session, error)
}

// AppConfig configures the root BubbleTea model.
type AppConfig struct {
	Version      string
	ThemeName    string
	ShowThinking bool
	ModelName    string

	Controller *controller.Controller
	Sessions   SessionLister

	// States delivers controller snapshots published by its OnState callback.
	States <-chan controller.State
}

// StateMsg wraps one controller snapshot for app updates.
type StateMsg struct {
	State controller.State
}

type stateReadMsg struct {
	State  controller.State
	Closed bool
}

type sessionsLoadedMsg struct {
	Sessions []chat.Session
	Err      error
}

type opDoneMsg struct {
	Err error
}

type selectorItem struct {
	Value string
	Label string
}

type selectorState struct {
	Title  string
	Items  []selectorItem
	Cursor int
}

// App is the root TUI model.
type App struct {
	theme   Theme
	ctrl    *controller.Controller
	lister  SessionLister
	states  <-chan controller.State
	version string

	width  int
	height int

	status StatusModel
	chat   ChatModel
	input  InputModel

	state    controller.State
	selector *selectorState
	notice   string
}

// NewApp constructs the root TUI model with defaults.
func NewApp(cfg AppConfig) *App {
	app := &App{
		theme:   ResolveTheme(cfg.ThemeName),
		ctrl:    cfg.Controller,
		lister:  cfg.Sessions,
		states:  cfg.States,
		version: strings.TrimSpace(cfg.Version),
		width:   defaultAppWidth,
		status:  NewStatusModel(cfg.Version),
		chat:    NewChatModel(cfg.ShowThinking),
		input:   NewInputModel(">", "Type message and press Enter"),
	}
	app.status.ModelName = strings.TrimSpace(cfg.ModelName)
	if cfg.Controller != nil {
		app.applyState(cfg.Controller.Snapshot())
	}
	return app
}

// Init starts the state read loop.
func (m *App) Init() tea.Cmd {
	if m.ctrl != nil {
		m.ctrl.Foreground()
	}
	return readStateCommand(m.states)
}

// Update applies state changes from user input and controller snapshots.
func (m *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chat.SetViewportHeight(m.chatViewportHeight())
		m.chat.SetContentWidth(m.chatContentWidth())
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case StateMsg:
		m.applyState(msg.State)
		return m, nil

	case stateReadMsg:
		if msg.Closed {
			return m, tea.Quit
		}
		m.applyState(msg.State)
		return m, readStateCommand(m.states)

	case sessionsLoadedMsg:
		if msg.Err != nil {
			m.notice = "list sessions: " + msg.Err.Error()
			return m, nil
		}
		m.openSessionSelector(msg.Sessions)
		return m, nil

	case opDoneMsg:
		if msg.Err != nil {
			m.notice = msg.Err.Error()
		}
		return m, nil
	}

	return m, nil
}

// View renders status bar, transcript, prompt panels, and input line.
func (m *App) View() string {
	width := m.width
	if width <= 0 {
		width = defaultAppWidth
	}

	statusLine := m.status.Render(width, m.theme)
	body := m.renderBody(width)
	inputLine := m.input.Render(width, m.theme)
	return strings.Join([]string{statusLine, body, inputLine}, "\n")
}

func (m *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		if m.ctrl != nil {
			m.ctrl.Background()
		}
		return m, tea.Quit
	}

	if m.selector != nil {
		return m, m.handleSelectorKey(msg)
	}
	if m.state.Unavailable != nil {
		return m, m.handleRecoveryKey(msg)
	}
	if m.state.PendingQuestion != nil {
		if cmd, handled := m.handleQuestionKey(msg); handled {
			return m, cmd
		}
	}
	if m.handleChatScrollKey(msg) {
		return m, nil
	}

	switch msg.String() {
	case "esc":
		return m, m.abortCommand()
	case "ctrl+n":
		m.ctrl.StartNewSession("")
		m.notice = ""
		return m, nil
	case "ctrl+r":
		return m, m.loadSessionListCommand()
	}

	if submitted := m.input.HandleKey(msg); submitted {
		content := strings.TrimSpace(m.input.Value())
		m.input.Clear()
		return m, m.submitCommand(content)
	}
	return m, nil
}

func (m *App) submitCommand(content string) tea.Cmd {
	if content == "" || m.ctrl == nil {
		return nil
	}
	m.notice = ""
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return opDoneMsg{Err: ctrl.SendMessage(ctx, controller.SendOptions{Message: content})}
	}
}

func (m *App) abortCommand() tea.Cmd {
	if m.ctrl == nil || !m.state.Streaming {
		return nil
	}
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		_, err := ctrl.AbortStream(ctx)
		return opDoneMsg{Err: err}
	}
}

func (m *App) loadSessionListCommand() tea.Cmd {
	if m.lister == nil {
		m.notice = "session listing is not available"
		return nil
	}
	lister := m.lister
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		sessions, err := lister.ListSessions(ctx)
		return sessionsLoadedMsg{Sessions: sessions, Err: err}
	}
}

func (m *App) openSessionSelector(sessions []chat.Session) {
	if len(sessions) == 0 {
		m.notice = "no sessions found"
		return
	}

	items := make([]selectorItem, 0, len(sessions))
	cursor := 0
	for index, session := range sessions {
		label := session.Title
		if strings.TrimSpace(label) == "" {
			label = session.ID
		}
		if session.ID == m.state.Session.ID {
			label += "  [current]"
			cursor = index
		}
		items = append(items, selectorItem{Value: session.ID, Label: label})
	}

	m.selector = &selectorState{
		Title:  "Resume Session",
		Items:  items,
		Cursor: cursor,
	}
	// the picker covers the transcript; stop snapshot churn until it closes
	if m.ctrl != nil {
		m.ctrl.Background()
	}
}

func (m *App) closeSessionSelector() {
	m.selector = nil
	if m.ctrl != nil {
		m.ctrl.Foreground()
	}
}

func (m *App) handleSelectorKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEsc:
		m.closeSessionSelector()
		return nil
	case tea.KeyUp:
		m.selector.Cursor--
		if m.selector.Cursor < 0 {
			m.selector.Cursor = len(m.selector.Items) - 1
		}
		return nil
	case tea.KeyDown:
		m.selector.Cursor++
		if m.selector.Cursor >= len(m.selector.Items) {
			m.selector.Cursor = 0
		}
		return nil
	case tea.KeyEnter:
		selected := m.selector.Items[m.selector.Cursor]
		m.closeSessionSelector()
		ctrl := m.ctrl
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			return opDoneMsg{Err: ctrl.LoadSession(ctx, selected.Value)}
		}
	default:
		return nil
	}
}

func (m *App) handleQuestionKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	question := m.state.PendingQuestion
	if msg.Type == tea.KeyEsc {
		m.ctrl.DismissQuestion()
		return nil, true
	}
	if len(msg.Runes) != 1 || len(question.Options) == 0 {
		return nil, false
	}

	choice := int(msg.Runes[0] - '1')
	if choice < 0 || choice >= len(question.Options) {
		return nil, false
	}

	answer := question.Options[choice]
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		_, err := ctrl.AnswerQuestion(ctx, []string{answer})
		return opDoneMsg{Err: err}
	}, true
}

func (m *App) handleRecoveryKey(msg tea.KeyMsg) tea.Cmd {
	var mode controller.RecoveryMode
	switch msg.String() {
	case "f":
		mode = controller.RecoverFreshStart
	case "i":
		mode = controller.RecoverInjectContext
	default:
		return nil
	}

	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return opDoneMsg{Err: ctrl.RecoverSession(ctx, mode)}
	}
}

func (m *App) handleChatScrollKey(msg tea.KeyMsg) bool {
	switch msg.Type {
	case tea.KeyUp:
		m.chat.ScrollUp(1)
		return true
	case tea.KeyDown:
		m.chat.ScrollDown(1)
		return true
	case tea.KeyPgUp:
		m.chat.PageUp()
		return true
	case tea.KeyPgDown:
		m.chat.PageDown()
		return true
	case tea.KeyEnd:
		m.chat.ScrollToBottom()
		return true
	default:
		return false
	}
}

func readStateCommand(states <-chan controller.State) tea.Cmd {
	if states == nil {
		return nil
	}
	return func() tea.Msg {
		state, ok := <-states
		if !ok {
			return stateReadMsg{Closed: true}
		}
		return stateReadMsg{State: state}
	}
}

func (m *App) applyState(state controller.State) {
	m.state = state
	m.chat.SetMessages(state.Messages)

	if strings.TrimSpace(state.Model) != "" {
		m.status.ModelName = state.Model
	}
	m.status.SetSession(state.Session.Title, state.Session.ID)
	m.status.SetState(m.stateToken(state), len(state.QueuedMessages))
}

func (m *App) stateToken(state controller.State) string {
	switch {
	case state.Unavailable != nil:
		return "unavailable"
	case state.Loading:
		return "loading"
	case state.PendingQuestion != nil:
		return "waiting on you"
	case state.Streaming:
		return "streaming"
	case state.ErrorMessage != "":
		return "error"
	default:
		return "idle"
	}
}

func (m *App) renderBody(width int) string {
	m.chat.SetViewportHeight(m.chatViewportHeight())
	m.chat.SetContentWidth(m.chatContentWidth())

	if m.selector != nil {
		return m.renderSelectorPanel(width)
	}
	if m.state.Unavailable != nil {
		return m.renderRecoveryPanel(width)
	}

	sections := []string{m.chat.Render(width, m.theme)}
	if m.state.PendingQuestion != nil {
		sections = append(sections, m.renderQuestionPanel(width))
	}
	if m.notice != "" {
		sections = append(sections, m.theme.WarningStyle.Render(m.notice))
	} else if m.state.ErrorMessage != "" {
		sections = append(sections, m.theme.WarningStyle.Render(m.state.ErrorMessage))
	}
	return strings.Join(sections, "\n")
}

func (m *App) renderSelectorPanel(width int) string {
	lines := make([]string, 0, len(m.selector.Items)+2)
	lines = append(lines, m.selector.Title)
	lines = append(lines, "Use ↑/↓ to navigate, Enter to resume, Esc to cancel.")
	for index, item := range m.selector.Items {
		prefix := "  "
		if index == m.selector.Cursor {
			prefix = "> "
		}
		lines = append(lines, prefix+item.Label)
	}
	return renderPanel(width, m.theme.PanelStyle, strings.Join(lines, "\n"))
}

func (m *App) renderQuestionPanel(width int) string {
	question := m.state.PendingQuestion
	lines := []string{m.theme.QuestionStyle.Render(question.Question)}
	for index, option := range question.Options {
		lines = append(lines, fmt.Sprintf("  %d. %s", index+1, option))
	}
	lines = append(lines, m.theme.ThinkingStyle.Render("Press a number to answer, Esc to dismiss."))
	return renderPanel(width, m.theme.PanelStyle, strings.Join(lines, "\n"))
}

func (m *App) renderRecoveryPanel(width int) string {
	info := m.state.Unavailable
	lines := []string{
		m.theme.WarningStyle.Render("Session state is unavailable: " + info.Reason),
	}
	if info.MessageCount > 0 {
		lines = append(lines, fmt.Sprintf("%d earlier messages are preserved locally.", info.MessageCount))
	}
	if strings.TrimSpace(info.PendingMessage) != "" {
		lines = append(lines, "Pending message: "+info.PendingMessage)
	}
	lines = append(lines,
		"",
		"  f. Start fresh and resend",
		"  i. Inject prior context and resend",
	)
	return renderPanel(width, m.theme.PanelStyle, strings.Join(lines, "\n"))
}

func (m *App) chatViewportHeight() int {
	if m.height <= 0 {
		return 0
	}

	const nonBodyRows = 2 // status + input
	bodyHeight := m.height - nonBodyRows
	if bodyHeight < 1 {
		return 1
	}

	contentHeight := bodyHeight - m.theme.PanelStyle.GetVerticalFrameSize()
	if contentHeight < 1 {
		return 1
	}
	return contentHeight
}

func (m *App) chatContentWidth() int {
	width := m.width
	if width <= 0 {
		width = defaultAppWidth
	}
	content := width - m.theme.PanelStyle.GetHorizontalFrameSize() - 2
	if content < 8 {
		content = 8
	}
	return content
}
