package chat

import (
	"encoding/json"
	"strings"

	"tether/internal/stream"
)

// Assembler folds one turn's ordered stream events into a block list.
//
// The wire protocol sends cumulative text (the full block so far), so a text
// event replaces the existing text block rather than appending. A turn holds
// at most one text block: when a tool use arrives, the running commentary that
// preceded it is reclassified as thinking instead of staying final output.
type Assembler struct {
	blocks []Block
}

// NewAssembler returns an empty per-turn assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Apply folds one event and reports whether the block list changed. Event
// kinds outside the assembler's scope (session, done, errors, questions) are
// left to the owning state machine and report no change.
func (a *Assembler) Apply(ev stream.Event) bool {
	switch ev.Kind {
	case stream.KindText:
		a.applyText(ev.Text)
		return true
	case stream.KindThinking:
		a.blocks = append(a.blocks, Block{Type: BlockThinking, Text: ev.Thinking})
		return true
	case stream.KindToolUse:
		if ev.ToolUse == nil {
			return false
		}
		a.applyToolUse(*ev.ToolUse)
		return true
	case stream.KindToolResult:
		if ev.ToolResult == nil {
			return false
		}
		return a.applyToolResult(*ev.ToolResult)
	case stream.KindWarning:
		if ev.Warning == nil {
			return false
		}
		a.blocks = append(a.blocks, Block{Type: BlockWarning, Text: formatWarning(*ev.Warning)})
		return true
	default:
		return false
	}
}

// AppendError records a visible error block for a failed turn.
func (a *Assembler) AppendError(message string) {
	text := strings.TrimSpace(message)
	if text == "" {
		text = "stream error"
	}
	a.blocks = append(a.blocks, Block{Type: BlockWarning, Text: "Error: " + text})
}

// Blocks returns a deep copy of the assembled content.
func (a *Assembler) Blocks() []Block {
	return CloneBlocks(a.blocks)
}

// Len returns the current block count.
func (a *Assembler) Len() int {
	return len(a.blocks)
}

func (a *Assembler) applyText(value string) {
	for i := len(a.blocks) - 1; i >= 0; i-- {
		if a.blocks[i].Type == BlockText {
			a.blocks[i].Text = value
			return
		}
	}
	a.blocks = append(a.blocks, Block{Type: BlockText, Text: value})
}

func (a *Assembler) applyToolUse(call stream.ToolUsePayload) {
	if last := len(a.blocks) - 1; last >= 0 && a.blocks[last].Type == BlockText && a.blocks[last].Text != "" {
		a.blocks[last].Type = BlockThinking
	}
	a.blocks = append(a.blocks, Block{
		Type: BlockToolUse,
		Tool: &ToolCall{
			ID:    call.ID,
			Name:  call.Name,
			Input: append(json.RawMessage(nil), call.Input...),
		},
	})
}

// applyToolResult attaches the outcome to the matching tool call. A result
// referencing an unknown tool use id is a no-op.
func (a *Assembler) applyToolResult(result stream.ToolResultPayload) bool {
	for i := range a.blocks {
		if a.blocks[i].Type != BlockToolUse || a.blocks[i].Tool == nil {
			continue
		}
		if a.blocks[i].Tool.ID != result.ToolUseID {
			continue
		}
		a.blocks[i].Tool.Result = &ToolOutcome{
			Content: result.Content,
			IsError: result.IsError,
		}
		return true
	}
	return false
}

func formatWarning(warning stream.WarningPayload) string {
	var b strings.Builder
	b.WriteString(warning.Title)
	b.WriteString(": ")
	b.WriteString(warning.Message)
	for _, detail := range warning.Details {
		b.WriteString("\n  ")
		b.WriteString(detail)
	}
	return b.String()
}
