package tui

import (
	"strings"
	"unicode"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// InputModel stores a single-line prompt buffer with a movable cursor.
type InputModel struct {
	prompt      string
	placeholder string
	buffer      []rune
	cursor      int
}

// NewInputModel constructs the input state.
func NewInputModel(prompt, placeholder string) InputModel {
	p := strings.TrimSpace(prompt)
	if p == "" {
		p = ">"
	}
	return InputModel{
		prompt:      p,
		placeholder: strings.TrimSpace(placeholder),
	}
}

// Value returns current raw input text.
func (m InputModel) Value() string {
	return string(m.buffer)
}

// SetValue replaces input text and moves the cursor to the end.
func (m *InputModel) SetValue(value string) {
	m.buffer = []rune(value)
	m.cursor = len(m.buffer)
}

// Clear resets input text.
func (m *InputModel) Clear() {
	m.buffer = nil
	m.cursor = 0
}

// HandleKey mutates input state and reports submit key.
func (m *InputModel) HandleKey(msg tea.KeyMsg) (submitted bool) {
	switch msg.Type {
	case tea.KeyEnter:
		return true

	case tea.KeyLeft:
		if m.cursor > 0 {
			m.cursor--
		}
		return false

	case tea.KeyRight:
		if m.cursor < len(m.buffer) {
			m.cursor++
		}
		return false

	case tea.KeyCtrlA, tea.KeyHome:
		m.cursor = 0
		return false

	case tea.KeyCtrlE:
		m.cursor = len(m.buffer)
		return false

	case tea.KeyBackspace:
		if m.cursor > 0 {
			m.buffer = append(m.buffer[:m.cursor-1], m.buffer[m.cursor:]...)
			m.cursor--
		}
		return false

	case tea.KeyDelete:
		if m.cursor < len(m.buffer) {
			m.buffer = append(m.buffer[:m.cursor], m.buffer[m.cursor+1:]...)
		}
		return false

	case tea.KeyCtrlU:
		// kill everything left of the cursor
		m.buffer = append([]rune(nil), m.buffer[m.cursor:]...)
		m.cursor = 0
		return false

	case tea.KeyCtrlW:
		m.deleteWordBack()
		return false

	case tea.KeySpace:
		m.insert([]rune{' '})
		return false
	}

	if len(msg.Runes) > 0 {
		m.insert(msg.Runes)
	}
	return false
}

func (m *InputModel) insert(runes []rune) {
	updated := make([]rune, 0, len(m.buffer)+len(runes))
	updated = append(updated, m.buffer[:m.cursor]...)
	updated = append(updated, runes...)
	updated = append(updated, m.buffer[m.cursor:]...)
	m.buffer = updated
	m.cursor += len(runes)
}

// deleteWordBack removes the word immediately left of the cursor, plus any
// trailing spaces between it and the cursor.
func (m *InputModel) deleteWordBack() {
	start := m.cursor
	for start > 0 && unicode.IsSpace(m.buffer[start-1]) {
		start--
	}
	for start > 0 && !unicode.IsSpace(m.buffer[start-1]) {
		start--
	}
	m.buffer = append(m.buffer[:start], m.buffer[m.cursor:]...)
	m.cursor = start
}

// Render draws the input line with a block cursor at the insertion point.
func (m InputModel) Render(width int, theme Theme) string {
	var body string
	if len(m.buffer) == 0 {
		body = theme.InputPlaceholderTextStyle.Render(m.placeholder)
	} else {
		before := string(m.buffer[:m.cursor])
		after := string(m.buffer[m.cursor:])
		cursorStyle := theme.InputTextStyle.Reverse(true)
		if after == "" {
			body = theme.InputTextStyle.Render(before) + cursorStyle.Render(" ")
		} else {
			rest := []rune(after)
			body = theme.InputTextStyle.Render(before) +
				cursorStyle.Render(string(rest[0])) +
				theme.InputTextStyle.Render(string(rest[1:]))
		}
	}

	line := theme.InputPromptStyle.Render(m.prompt+" ") + body
	if width > 0 {
		return lipgloss.NewStyle().Width(width).Render(line)
	}
	return line
}
