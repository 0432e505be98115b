package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const maxFrameDataSize = 4 * 1024 * 1024

var (
	// ErrFrameKindRequired indicates an SSE frame without an event name.
	ErrFrameKindRequired = errors.New("stream frame kind is required")
	// ErrFrameDecode indicates a frame whose payload could not be decoded.
	// The decoder remains usable; callers may skip the frame.
	ErrFrameDecode = errors.New("malformed stream frame")
)

// Decoder reads server-sent event frames and yields decoded events. One frame
// is `event: <kind>` followed by one or more `data:` lines and a blank line.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps a wire reader.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameDataSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next decoded event. io.EOF signals a cleanly closed wire.
func (d *Decoder) Next() (Event, error) {
	var kind string
	var data strings.Builder
	sawFrame := false

	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			if !sawFrame {
				continue
			}
			return DecodeFrame(kind, []byte(data.String()))
		}
		if strings.HasPrefix(line, ":") {
			// comment / keep-alive
			continue
		}

		field, value := splitFrameLine(line)
		switch field {
		case "event":
			kind = value
			sawFrame = true
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			sawFrame = true
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("read stream frame: %w", err)
	}
	if sawFrame {
		return DecodeFrame(kind, []byte(data.String()))
	}
	return Event{}, io.EOF
}

func splitFrameLine(line string) (field, value string) {
	index := strings.IndexByte(line, ':')
	if index < 0 {
		return line, ""
	}
	field = line[:index]
	value = line[index+1:]
	if strings.HasPrefix(value, " ") {
		value = value[1:]
	}
	return field, value
}

// DecodeFrame turns one wire frame into a typed event. Unrecognized kinds are
// preserved as KindUnknown with the raw payload attached so callers can log
// and skip them without breaking the stream. Stored transcript records share
// this shape, so transcript catch-up decodes through the same path.
func DecodeFrame(kind string, data []byte) (Event, error) {
	name := strings.TrimSpace(kind)
	if name == "" {
		return Event{}, ErrFrameKindRequired
	}

	switch Kind(name) {
	case KindSession:
		payload := &SessionPayload{}
		if err := unmarshalFrame(name, data, payload); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindSession, Session: payload}, nil

	case KindModel:
		payload := struct {
			Model string `json:"model"`
		}{}
		if err := unmarshalFrame(name, data, &payload); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindModel, Model: payload.Model}, nil

	case KindPromptMetadata:
		payload := &PromptMetadata{}
		if err := unmarshalFrame(name, data, payload); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindPromptMetadata, PromptMetadata: payload}, nil

	case KindText, KindThinking, KindUserMessage:
		payload := struct {
			Value string `json:"value"`
		}{}
		if err := unmarshalFrame(name, data, &payload); err != nil {
			return Event{}, err
		}
		switch Kind(name) {
		case KindText:
			return Event{Kind: KindText, Text: payload.Value}, nil
		case KindThinking:
			return Event{Kind: KindThinking, Thinking: payload.Value}, nil
		default:
			return Event{Kind: KindUserMessage, UserMessage: payload.Value}, nil
		}

	case KindToolUse:
		payload := &ToolUsePayload{}
		if err := unmarshalFrame(name, data, payload); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindToolUse, ToolUse: payload}, nil

	case KindToolResult:
		payload := &ToolResultPayload{}
		if err := unmarshalFrame(name, data, payload); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindToolResult, ToolResult: payload}, nil

	case KindWarning:
		payload := &WarningPayload{}
		if err := unmarshalFrame(name, data, payload); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindWarning, Warning: payload}, nil

	case KindUserQuestion:
		payload := &UserQuestionPayload{}
		if err := unmarshalFrame(name, data, payload); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindUserQuestion, UserQuestion: payload}, nil

	case KindSessionUnavailable:
		payload := &UnavailablePayload{}
		if err := unmarshalFrame(name, data, payload); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindSessionUnavailable, Unavailable: payload}, nil

	case KindDone:
		payload := &DonePayload{}
		if err := unmarshalFrame(name, data, payload); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindDone, Done: payload}, nil

	case KindAborted:
		return Event{Kind: KindAborted}, nil

	case KindError, KindTypedError:
		payload := &ErrorPayload{}
		if err := unmarshalFrame(name, data, payload); err != nil {
			return Event{}, err
		}
		return Event{Kind: Kind(name), Error: payload}, nil

	case KindInit:
		payload := &InitPayload{}
		if err := unmarshalFrame(name, data, payload); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindInit, Init: payload}, nil

	default:
		return Event{Kind: KindUnknown, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

func unmarshalFrame(name string, data []byte, into any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrFrameDecode, name, err)
	}
	return nil
}
