package chat

import (
	"encoding/json"
	"reflect"
	"testing"

	"tether/internal/stream"
)

func TestCumulativeTextReplacesSingleBlock(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	for _, value := range []string{"H", "Here", "Here's a summary"} {
		if !a.Apply(stream.Event{Kind: stream.KindText, Text: value}) {
			t.Fatalf("text event %q not applied", value)
		}
	}

	blocks := a.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].Type != BlockText || blocks[0].Text != "Here's a summary" {
		t.Fatalf("unexpected block: %#v", blocks[0])
	}
}

func TestToolUsePromotesTrailingTextToThinking(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	a.Apply(stream.Event{Kind: stream.KindText, Text: "draft"})
	a.Apply(stream.Event{Kind: stream.KindToolUse, ToolUse: &stream.ToolUsePayload{
		ID:    "t1",
		Name:  "search_notes",
		Input: json.RawMessage(`{"query":"summary"}`),
	}})

	blocks := a.Blocks()
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].Type != BlockThinking || blocks[0].Text != "draft" {
		t.Fatalf("first block = %#v, want thinking %q", blocks[0], "draft")
	}
	if blocks[1].Type != BlockToolUse || blocks[1].Tool == nil || blocks[1].Tool.ID != "t1" {
		t.Fatalf("second block = %#v", blocks[1])
	}
}

func TestTextAfterToolUseStartsNewTextBlock(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	a.Apply(stream.Event{Kind: stream.KindText, Text: "looking"})
	a.Apply(stream.Event{Kind: stream.KindToolUse, ToolUse: &stream.ToolUsePayload{ID: "t1", Name: "grep"}})
	a.Apply(stream.Event{Kind: stream.KindText, Text: "found it"})

	blocks := a.Blocks()
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if blocks[2].Type != BlockText || blocks[2].Text != "found it" {
		t.Fatalf("third block = %#v", blocks[2])
	}

	// A turn never carries two text blocks: further cumulative text updates
	// the trailing block in place.
	a.Apply(stream.Event{Kind: stream.KindText, Text: "found it here"})
	blocks = a.Blocks()
	if len(blocks) != 3 || blocks[2].Text != "found it here" {
		t.Fatalf("cumulative update after tool use failed: %#v", blocks)
	}
}

func TestToolResultAttachesInPlace(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	a.Apply(stream.Event{Kind: stream.KindToolUse, ToolUse: &stream.ToolUsePayload{ID: "t1", Name: "read_file"}})
	changed := a.Apply(stream.Event{Kind: stream.KindToolResult, ToolResult: &stream.ToolResultPayload{
		ToolUseID: "t1",
		Content:   "file contents",
	}})
	if !changed {
		t.Fatalf("matching tool result should change content")
	}

	blocks := a.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	tool := blocks[0].Tool
	if tool == nil || tool.Result == nil || tool.Result.Content != "file contents" || tool.Result.IsError {
		t.Fatalf("tool result not attached: %#v", tool)
	}
}

func TestToolResultWithUnknownIDIsNoOp(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	a.Apply(stream.Event{Kind: stream.KindText, Text: "hello"})
	a.Apply(stream.Event{Kind: stream.KindToolUse, ToolUse: &stream.ToolUsePayload{ID: "t1", Name: "grep"}})
	before := a.Blocks()

	changed := a.Apply(stream.Event{Kind: stream.KindToolResult, ToolResult: &stream.ToolResultPayload{
		ToolUseID: "missing",
		Content:   "ignored",
	}})
	if changed {
		t.Fatalf("unknown tool result should not change content")
	}
	if !reflect.DeepEqual(before, a.Blocks()) {
		t.Fatalf("content changed on unknown tool result:\nbefore %#v\nafter  %#v", before, a.Blocks())
	}
}

func TestThinkingBlocksStayDistinct(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	a.Apply(stream.Event{Kind: stream.KindThinking, Thinking: "first burst"})
	a.Apply(stream.Event{Kind: stream.KindThinking, Thinking: "second burst"})

	blocks := a.Blocks()
	if len(blocks) != 2 {
		t.Fatalf("expected 2 thinking blocks, got %d", len(blocks))
	}
	if blocks[0].Text != "first burst" || blocks[1].Text != "second burst" {
		t.Fatalf("thinking bursts merged: %#v", blocks)
	}
}

func TestWarningFormattingWithDetails(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	a.Apply(stream.Event{Kind: stream.KindWarning, Warning: &stream.WarningPayload{
		Title:   "Context trimmed",
		Message: "oldest messages dropped",
		Details: []string{"12 messages removed", "4,100 tokens freed"},
	}})
	a.Apply(stream.Event{Kind: stream.KindText, Text: "continuing"})

	blocks := a.Blocks()
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	want := "Context trimmed: oldest messages dropped\n  12 messages removed\n  4,100 tokens freed"
	if blocks[0].Type != BlockWarning || blocks[0].Text != want {
		t.Fatalf("warning block = %q, want %q", blocks[0].Text, want)
	}
	// later cumulative text never overwrites the warning
	if blocks[1].Type != BlockText || blocks[1].Text != "continuing" {
		t.Fatalf("text block = %#v", blocks[1])
	}
}

func TestBlocksReturnsDeepCopy(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	a.Apply(stream.Event{Kind: stream.KindToolUse, ToolUse: &stream.ToolUsePayload{ID: "t1", Name: "grep"}})

	first := a.Blocks()
	first[0].Tool.Name = "mutated"

	second := a.Blocks()
	if second[0].Tool.Name != "grep" {
		t.Fatalf("assembler state aliased by returned blocks")
	}
}

func TestFoldTranscriptSegmentsTurns(t *testing.T) {
	t.Parallel()

	events := []stream.Event{
		{Kind: stream.KindUserMessage, UserMessage: "Summarize my notes"},
		{Kind: stream.KindText, Text: "Here's"},
		{Kind: stream.KindText, Text: "Here's a summary"},
		{Kind: stream.KindDone, Done: &stream.DonePayload{SessionID: "s1"}},
		{Kind: stream.KindUserMessage, UserMessage: "Shorter please"},
		{Kind: stream.KindText, Text: "Short"},
	}

	messages := FoldTranscript("s1", events)
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	if messages[0].Role != RoleUser || messages[0].Text() != "Summarize my notes" {
		t.Fatalf("first message = %#v", messages[0])
	}
	if messages[1].Role != RoleAssistant || messages[1].Streaming {
		t.Fatalf("completed assistant turn still streaming: %#v", messages[1])
	}
	if messages[1].Text() != "Here's a summary" {
		t.Fatalf("assistant text = %q", messages[1].Text())
	}
	if !messages[3].Streaming {
		t.Fatalf("tail assistant turn should remain streaming: %#v", messages[3])
	}
}
