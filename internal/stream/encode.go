package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrFrameKindUnknown indicates an event that has no wire representation.
var ErrFrameKindUnknown = errors.New("stream frame kind unknown")

// EncodeFrame renders an event back into its wire form, the inverse of
// DecodeFrame. Used when events are stored and later replayed through the
// decode path.
func EncodeFrame(ev Event) (string, []byte, error) {
	switch ev.Kind {
	case KindSession:
		return encodePayload(ev.Kind, ev.Session)
	case KindModel:
		return encodePayload(ev.Kind, struct {
			Model string `json:"model"`
		}{Model: ev.Model})
	case KindPromptMetadata:
		return encodePayload(ev.Kind, ev.PromptMetadata)
	case KindText:
		return encodeValue(ev.Kind, ev.Text)
	case KindThinking:
		return encodeValue(ev.Kind, ev.Thinking)
	case KindUserMessage:
		return encodeValue(ev.Kind, ev.UserMessage)
	case KindToolUse:
		return encodePayload(ev.Kind, ev.ToolUse)
	case KindToolResult:
		return encodePayload(ev.Kind, ev.ToolResult)
	case KindWarning:
		return encodePayload(ev.Kind, ev.Warning)
	case KindUserQuestion:
		return encodePayload(ev.Kind, ev.UserQuestion)
	case KindSessionUnavailable:
		return encodePayload(ev.Kind, ev.Unavailable)
	case KindDone:
		return encodePayload(ev.Kind, ev.Done)
	case KindAborted:
		return string(KindAborted), nil, nil
	case KindError, KindTypedError:
		return encodePayload(ev.Kind, ev.Error)
	case KindInit:
		return encodePayload(ev.Kind, ev.Init)
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrFrameKindUnknown, ev.Kind)
	}
}

func encodePayload(kind Kind, payload any) (string, []byte, error) {
	if payload == nil {
		return string(kind), nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	if string(data) == "null" {
		return string(kind), nil, nil
	}
	return string(kind), data, nil
}

func encodeValue(kind Kind, value string) (string, []byte, error) {
	return encodePayload(kind, struct {
		Value string `json:"value"`
	}{Value: value})
}
