package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"tether/internal/chat"
)

// ChatModel renders the session transcript inside a scrollable panel.
type ChatModel struct {
	messages     []chat.Message
	showThinking bool
	scrollTop    int
	pinned       bool

	// viewportHeight is the number of visible content lines inside the chat
	// panel. 0 means unconstrained.
	viewportHeight int
	contentWidth   int
}

// NewChatModel creates a transcript view pinned to the newest line.
func NewChatModel(showThinking bool) ChatModel {
	return ChatModel{showThinking: showThinking, pinned: true}
}

// SetMessages replaces the rendered transcript. The viewport stays pinned to
// the newest line unless the user scrolled away.
func (m *ChatModel) SetMessages(messages []chat.Message) {
	m.messages = messages
	if m.pinned {
		m.scrollTop = m.maxScrollTop()
		return
	}
	m.clampScrollTop()
}

// SetViewportHeight configures the visible line count for chat content.
func (m *ChatModel) SetViewportHeight(height int) {
	if height < 0 {
		height = 0
	}
	m.viewportHeight = height
	m.clampScrollTop()
}

// SetContentWidth configures the wrap width for chat content.
func (m *ChatModel) SetContentWidth(width int) {
	if width < 0 {
		width = 0
	}
	m.contentWidth = width
	m.clampScrollTop()
}

// ScrollUp moves the viewport toward older content.
func (m *ChatModel) ScrollUp(lines int) {
	if lines <= 0 {
		return
	}
	m.pinned = false
	m.scrollTop -= lines
	m.clampScrollTop()
}

// ScrollDown moves the viewport toward newer content.
func (m *ChatModel) ScrollDown(lines int) {
	if lines <= 0 {
		return
	}
	m.scrollTop += lines
	m.clampScrollTop()
	if m.scrollTop >= m.maxScrollTop() {
		m.pinned = true
	}
}

// PageUp scrolls one viewport toward older content.
func (m *ChatModel) PageUp() {
	step := m.viewportHeight
	if step <= 0 {
		step = 10
	}
	m.ScrollUp(step)
}

// PageDown scrolls one viewport toward newer content.
func (m *ChatModel) PageDown() {
	step := m.viewportHeight
	if step <= 0 {
		step = 10
	}
	m.ScrollDown(step)
}

// ScrollToBottom re-pins the viewport to the newest line.
func (m *ChatModel) ScrollToBottom() {
	m.pinned = true
	m.scrollTop = m.maxScrollTop()
}

// Render draws transcript lines inside a panel.
func (m ChatModel) Render(width int, theme Theme) string {
	lines := m.transcriptLines(theme)
	if len(lines) == 0 {
		return renderPanel(width, theme.PanelStyle, theme.ThinkingStyle.Render("No messages yet."))
	}

	if m.viewportHeight > 0 && len(lines) > m.viewportHeight {
		start := m.scrollTop
		maxTop := len(lines) - m.viewportHeight
		if start < 0 {
			start = 0
		}
		if start > maxTop {
			start = maxTop
		}
		lines = lines[start : start+m.viewportHeight]
	}

	return renderPanel(width, theme.PanelStyle, strings.Join(lines, "\n"))
}

func (m ChatModel) transcriptLines(theme Theme) []string {
	var lines []string
	for i, msg := range m.messages {
		if i > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, m.messageLines(msg, theme)...)
	}
	return lines
}

func (m ChatModel) messageLines(msg chat.Message, theme Theme) []string {
	prefix := theme.AssistantPrefixStyle.Render("assistant:")
	if msg.Role == chat.RoleUser {
		prefix = theme.UserPrefixStyle.Render("you:")
	}

	lines := []string{prefix}
	for _, block := range msg.Blocks {
		lines = append(lines, m.blockLines(block, theme)...)
	}
	if msg.Streaming {
		lines = append(lines, theme.ThinkingStyle.Render("…"))
	}
	return lines
}

func (m ChatModel) blockLines(block chat.Block, theme Theme) []string {
	switch block.Type {
	case chat.BlockText:
		return m.wrapStyled(block.Text, lipgloss.NewStyle())
	case chat.BlockThinking:
		if !m.showThinking {
			return nil
		}
		return m.wrapStyled(block.Text, theme.ThinkingStyle)
	case chat.BlockToolUse:
		if block.Tool == nil {
			return nil
		}
		label := fmt.Sprintf("⚙ %s %s", block.Tool.Name, toolStateLabel(block.Tool))
		return []string{theme.ToolStyle.Render(label)}
	case chat.BlockWarning:
		return m.wrapStyled(block.Text, theme.WarningStyle)
	default:
		return nil
	}
}

func (m ChatModel) wrapStyled(text string, style lipgloss.Style) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var lines []string
	for _, paragraph := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		for _, line := range wrapLine(paragraph, m.contentWidth) {
			lines = append(lines, style.Render(line))
		}
	}
	return lines
}

func toolStateLabel(tool *chat.ToolCall) string {
	if tool.Result == nil {
		return "(running)"
	}
	if tool.Result.IsError {
		return "(error)"
	}
	return "(done)"
}

func wrapLine(line string, width int) []string {
	if width <= 0 || len([]rune(line)) <= width {
		return []string{line}
	}

	var wrapped []string
	var current strings.Builder
	currentLen := 0
	for _, word := range strings.Fields(line) {
		wordLen := len([]rune(word))
		if currentLen > 0 && currentLen+1+wordLen > width {
			wrapped = append(wrapped, current.String())
			current.Reset()
			currentLen = 0
		}
		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(word)
		currentLen += wordLen
	}
	if currentLen > 0 {
		wrapped = append(wrapped, current.String())
	}
	if len(wrapped) == 0 {
		return []string{""}
	}
	return wrapped
}

func renderPanel(width int, style lipgloss.Style, content string) string {
	if width > 0 {
		return style.Width(width).Render(content)
	}
	return style.Render(content)
}

func (m *ChatModel) maxScrollTop() int {
	if m.viewportHeight <= 0 {
		return 0
	}
	maxTop := len(m.transcriptLines(Theme{})) - m.viewportHeight
	if maxTop < 0 {
		return 0
	}
	return maxTop
}

func (m *ChatModel) clampScrollTop() {
	if m.scrollTop < 0 {
		m.scrollTop = 0
		return
	}
	if maxTop := m.maxScrollTop(); m.scrollTop > maxTop {
		m.scrollTop = maxTop
	}
}
