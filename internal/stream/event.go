package stream

import "encoding/json"

// Kind identifies stream event variants.
type Kind string

const (
	KindSession            Kind = "session"
	KindModel              Kind = "model"
	KindPromptMetadata     Kind = "prompt_metadata"
	KindText               Kind = "text"
	KindToolUse            Kind = "tool_use"
	KindToolResult         Kind = "tool_result"
	KindThinking           Kind = "thinking"
	KindWarning            Kind = "warning"
	KindUserMessage        Kind = "user_message"
	KindUserQuestion       Kind = "user_question"
	KindSessionUnavailable Kind = "session_unavailable"
	KindDone               Kind = "done"
	KindAborted            Kind = "aborted"
	KindError              Kind = "error"
	KindTypedError         Kind = "typed_error"
	KindInit               Kind = "init"
	KindUnknown            Kind = "unknown"
)

// Terminal reports whether the kind ends a turn. After a terminal event no
// further events for the same turn may be applied.
func (k Kind) Terminal() bool {
	switch k {
	case KindDone, KindAborted, KindError, KindTypedError, KindSessionUnavailable:
		return true
	default:
		return false
	}
}

// SessionPayload carries server-assigned session identity and display metadata.
type SessionPayload struct {
	ID           string `json:"id"`
	Title        string `json:"title,omitempty"`
	TrustLevel   string `json:"trust_level,omitempty"`
	ResumeMethod string `json:"resume_method,omitempty"`
}

// PromptMetadata describes the prompt the server assembled for this turn.
type PromptMetadata struct {
	Tokens       int `json:"tokens"`
	MessageCount int `json:"message_count"`
}

// ToolUsePayload describes one tool invocation made by the agent. The id is
// unique within a turn.
type ToolUsePayload struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload attaches an outcome to a previously announced tool use.
type ToolResultPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// WarningPayload is a user-visible advisory emitted mid-stream.
type WarningPayload struct {
	Title   string   `json:"title"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// UserQuestionPayload asks the user to resolve a choice before the turn can
// proceed. It does not end the turn.
type UserQuestionPayload struct {
	RequestID string   `json:"request_id"`
	Question  string   `json:"question"`
	Options   []string `json:"options,omitempty"`
}

// UnavailablePayload reports that the server cannot resume prior agent state.
type UnavailablePayload struct {
	Reason             string `json:"reason"`
	HasMarkdownHistory bool   `json:"has_markdown_history"`
	MessageCount       int    `json:"message_count"`
}

// DonePayload carries final turn metadata. A non-empty SessionID here is
// authoritative and may rebind a placeholder session.
type DonePayload struct {
	SessionID    string `json:"session_id,omitempty"`
	Title        string `json:"title,omitempty"`
	ResumeMethod string `json:"resume_method,omitempty"`
}

// ErrorPayload is a protocol-level error event. Code and Recoverable are only
// populated for typed errors.
type ErrorPayload struct {
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// InitPayload announces stream setup details before content flows.
type InitPayload struct {
	Model string `json:"model,omitempty"`
}

// Event is the closed event union decoded once at the protocol boundary.
// Exactly the payload matching Kind is set. Text carries the cumulative text
// for the current block, never a delta. Err is set only when the transport
// itself failed; protocol-level errors arrive as KindError/KindTypedError with
// an ErrorPayload and a nil Err.
type Event struct {
	Kind Kind

	Session        *SessionPayload
	Model          string
	PromptMetadata *PromptMetadata
	Text           string
	ToolUse        *ToolUsePayload
	ToolResult     *ToolResultPayload
	Thinking       string
	Warning        *WarningPayload
	UserMessage    string
	UserQuestion   *UserQuestionPayload
	Unavailable    *UnavailablePayload
	Done           *DonePayload
	Error          *ErrorPayload
	Init           *InitPayload
	Raw            json.RawMessage

	Err error
}
