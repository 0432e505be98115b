package tui

import (
	"fmt"
	"strings"
	"testing"

	"tether/internal/chat"
)

func userMessage(id, text string) chat.Message {
	return chat.Message{
		ID:     id,
		Role:   chat.RoleUser,
		Blocks: []chat.Block{{Type: chat.BlockText, Text: text}},
	}
}

func TestChatModelRenderUsesViewportAndScroll(t *testing.T) {
	t.Parallel()

	view := NewChatModel(true)
	view.SetViewportHeight(5)
	theme := ResolveTheme("dark")

	var messages []chat.Message
	for i := 1; i <= 5; i++ {
		messages = append(messages, userMessage(fmt.Sprintf("m%d", i), fmt.Sprintf("line-%d", i)))
	}
	view.SetMessages(messages)

	rendered := view.Render(80, theme)
	if strings.Contains(rendered, "line-1") {
		t.Fatalf("expected initial render pinned to bottom, got %q", rendered)
	}
	if !strings.Contains(rendered, "line-5") {
		t.Fatalf("expected bottom window to include line-5, got %q", rendered)
	}

	view.ScrollUp(20)
	rendered = view.Render(80, theme)
	if !strings.Contains(rendered, "line-1") {
		t.Fatalf("expected scrolled render to include line-1, got %q", rendered)
	}
	if strings.Contains(rendered, "line-5") {
		t.Fatalf("expected scrolled render to exclude line-5, got %q", rendered)
	}
}

func TestChatModelStaysPinnedWhileMessagesGrow(t *testing.T) {
	t.Parallel()

	view := NewChatModel(true)
	view.SetViewportHeight(4)
	theme := ResolveTheme("dark")

	var messages []chat.Message
	for i := 1; i <= 6; i++ {
		messages = append(messages, userMessage(fmt.Sprintf("m%d", i), fmt.Sprintf("line-%d", i)))
		view.SetMessages(messages)
	}

	rendered := view.Render(80, theme)
	if !strings.Contains(rendered, "line-6") {
		t.Fatalf("expected pinned render to follow newest line, got %q", rendered)
	}

	// scrolling away unpins, growth no longer moves the window
	view.ScrollUp(8)
	before := view.scrollTop
	messages = append(messages, userMessage("m7", "line-7"))
	view.SetMessages(messages)
	if view.scrollTop != before {
		t.Fatalf("scrollTop moved after growth while unpinned: %d -> %d", before, view.scrollTop)
	}
}

func TestChatModelRendersBlockVariants(t *testing.T) {
	t.Parallel()

	theme := ResolveTheme("dark")
	message := chat.Message{
		Role: chat.RoleAssistant,
		Blocks: []chat.Block{
			{Type: chat.BlockThinking, Text: "weighing options"},
			{Type: chat.BlockText, Text: "here is the answer"},
			{Type: chat.BlockToolUse, Tool: &chat.ToolCall{ID: "t1", Name: "read_file"}},
			{Type: chat.BlockWarning, Text: "turn interrupted"},
		},
		Streaming: true,
	}

	view := NewChatModel(true)
	view.SetMessages([]chat.Message{message})
	rendered := view.Render(100, theme)

	for _, want := range []string{"assistant:", "weighing options", "here is the answer", "read_file", "(running)", "turn interrupted", "…"} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("render missing %q:\n%s", want, rendered)
		}
	}

	message.Blocks[2].Tool.Result = &chat.ToolOutcome{Content: "ok"}
	view.SetMessages([]chat.Message{message})
	if rendered := view.Render(100, theme); !strings.Contains(rendered, "(done)") {
		t.Fatalf("expected completed tool label, got:\n%s", rendered)
	}

	message.Blocks[2].Tool.Result = &chat.ToolOutcome{Content: "boom", IsError: true}
	view.SetMessages([]chat.Message{message})
	if rendered := view.Render(100, theme); !strings.Contains(rendered, "(error)") {
		t.Fatalf("expected failed tool label, got:\n%s", rendered)
	}
}

func TestChatModelHidesThinkingWhenDisabled(t *testing.T) {
	t.Parallel()

	message := chat.Message{
		Role: chat.RoleAssistant,
		Blocks: []chat.Block{
			{Type: chat.BlockThinking, Text: "internal reasoning"},
			{Type: chat.BlockText, Text: "visible answer"},
		},
	}

	view := NewChatModel(false)
	view.SetMessages([]chat.Message{message})
	rendered := view.Render(100, ResolveTheme("dark"))

	if strings.Contains(rendered, "internal reasoning") {
		t.Fatalf("thinking shown despite being disabled:\n%s", rendered)
	}
	if !strings.Contains(rendered, "visible answer") {
		t.Fatalf("text block missing:\n%s", rendered)
	}
}

func TestWrapLineBreaksAtWidth(t *testing.T) {
	t.Parallel()

	lines := wrapLine("alpha beta gamma delta", 11)
	if len(lines) != 2 {
		t.Fatalf("wrapLine lines = %d, want 2: %q", len(lines), lines)
	}
	if lines[0] != "alpha beta" || lines[1] != "gamma delta" {
		t.Fatalf("wrapLine = %q", lines)
	}

	if got := wrapLine("short", 0); len(got) != 1 || got[0] != "short" {
		t.Fatalf("wrapLine unbounded = %q", got)
	}
}
