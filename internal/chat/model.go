package chat

import (
	"encoding/json"
	"strings"
	"time"
)

// PendingSessionID is the placeholder identity used before the server assigns
// a durable session id.
const PendingSessionID = "pending"

// IsRealSessionID reports whether id is a durable server-assigned identity.
func IsRealSessionID(id string) bool {
	trimmed := strings.TrimSpace(id)
	return trimmed != "" && trimmed != PendingSessionID
}

// Role identifies the message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies content block variants within a message.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockThinking BlockType = "thinking"
	BlockToolUse  BlockType = "tool_use"
	BlockWarning  BlockType = "warning"
)

// ToolOutcome is the result attached to a tool call after it completes.
type ToolOutcome struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// ToolCall is one tool invocation within a turn. The id is unique within the
// turn. A call is never removed from the transcript, only updated in place
// when its outcome arrives.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Result *ToolOutcome    `json:"result,omitempty"`
}

// Block is one MessageContent unit. Text holds the content for text, thinking
// and warning blocks; Tool is set only for tool_use blocks.
type Block struct {
	Type BlockType `json:"type"`
	Text string    `json:"text,omitempty"`
	Tool *ToolCall `json:"tool,omitempty"`
}

// Message is one transcript entry. Exactly one assistant message per session
// is live (Streaming true) at a time.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Blocks    []Block   `json:"blocks"`
	Timestamp time.Time `json:"timestamp"`
	Streaming bool      `json:"streaming,omitempty"`
}

// Text concatenates the visible text blocks of a message.
func (m Message) Text() string {
	parts := make([]string, 0, len(m.Blocks))
	for _, block := range m.Blocks {
		if block.Type != BlockText {
			continue
		}
		if trimmed := strings.TrimSpace(block.Text); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "\n")
}

// Session is the durable conversation identity plus display metadata the
// client mutates locally.
type Session struct {
	ID               string `json:"id"`
	Title            string `json:"title,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	TrustLevel       string `json:"trust_level,omitempty"`
	Archived         bool   `json:"archived,omitempty"`
	ContinuedFrom    string `json:"continued_from,omitempty"`
}

// SessionUnavailableInfo is surfaced when the server cannot resume prior agent
// state. PendingMessage is the message the user tried to send, kept so a
// recovery choice can resend it.
type SessionUnavailableInfo struct {
	Reason             string
	HasMarkdownHistory bool
	MessageCount       int
	PendingMessage     string
}

// CloneBlocks deep-copies a block list so live assembly state never aliases
// published transcript state.
func CloneBlocks(blocks []Block) []Block {
	if len(blocks) == 0 {
		return nil
	}
	cloned := make([]Block, 0, len(blocks))
	for _, block := range blocks {
		copied := block
		if block.Tool != nil {
			tool := *block.Tool
			tool.Input = append(json.RawMessage(nil), block.Tool.Input...)
			if block.Tool.Result != nil {
				result := *block.Tool.Result
				tool.Result = &result
			}
			copied.Tool = &tool
		}
		cloned = append(cloned, copied)
	}
	return cloned
}

// CloneMessages deep-copies a transcript slice.
func CloneMessages(messages []Message) []Message {
	if len(messages) == 0 {
		return nil
	}
	cloned := make([]Message, 0, len(messages))
	for _, message := range messages {
		copied := message
		copied.Blocks = CloneBlocks(message.Blocks)
		cloned = append(cloned, copied)
	}
	return cloned
}
