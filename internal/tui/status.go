package tui

import (
	"fmt"
	"strings"
)

// StatusModel renders the top status bar.
type StatusModel struct {
	Version      string
	ModelName    string
	SessionTitle string
	SessionID    string
	State        string
	Queued       int
}

// NewStatusModel constructs status data for rendering.
func NewStatusModel(version string) StatusModel {
	return StatusModel{
		Version: strings.TrimSpace(version),
		State:   "idle",
	}
}

// SetSession updates the displayed session identity.
func (m *StatusModel) SetSession(title, id string) {
	m.SessionTitle = strings.TrimSpace(title)
	m.SessionID = strings.TrimSpace(id)
}

// SetState updates the runtime state token.
func (m *StatusModel) SetState(state string, queued int) {
	m.State = strings.TrimSpace(state)
	if m.State == "" {
		m.State = "idle"
	}
	m.Queued = queued
}

// Render draws a one-line status bar.
func (m StatusModel) Render(width int, theme Theme) string {
	session := fallbackText(m.SessionTitle, fallbackText(m.SessionID, "new"))
	state := fallbackText(m.State, "idle")
	if m.Queued > 0 {
		state = fmt.Sprintf("%s (+%d queued)", state, m.Queued)
	}

	parts := []string{
		"tether " + fallbackText(m.Version, "dev"),
		fallbackText(m.ModelName, "unknown-model"),
		"session: " + session,
		"state: " + state,
	}
	line := strings.Join(parts, " | ")
	style := theme.StatusBarStyle
	if width > 0 {
		style = style.Width(width)
	}
	return style.Render(line)
}

func fallbackText(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
