package chat

import (
	"fmt"
	"time"

	"tether/internal/stream"
)

// FoldTranscript rebuilds transcript messages from a stored event sequence.
// It applies the same assembly rules as live streaming, segmenting turns on
// user messages and terminal events. The final assistant message stays marked
// streaming when the sequence ends without a terminal event, which is exactly
// the state a caller reconciling against an active stream wants.
func FoldTranscript(sessionID string, events []stream.Event) []Message {
	var messages []Message
	var assembler *Assembler
	liveIndex := -1
	sequence := 0

	finishTurn := func() {
		if liveIndex >= 0 {
			messages[liveIndex].Blocks = assembler.Blocks()
			messages[liveIndex].Streaming = false
		}
		assembler = nil
		liveIndex = -1
	}

	for _, ev := range events {
		switch ev.Kind {
		case stream.KindUserMessage:
			finishTurn()
			sequence++
			messages = append(messages, Message{
				ID:        foldMessageID(sessionID, sequence),
				SessionID: sessionID,
				Role:      RoleUser,
				Blocks:    []Block{{Type: BlockText, Text: ev.UserMessage}},
				Timestamp: time.Time{},
			})

		case stream.KindText, stream.KindThinking, stream.KindToolUse,
			stream.KindToolResult, stream.KindWarning:
			if assembler == nil {
				assembler = NewAssembler()
				sequence++
				messages = append(messages, Message{
					ID:        foldMessageID(sessionID, sequence),
					SessionID: sessionID,
					Role:      RoleAssistant,
					Streaming: true,
				})
				liveIndex = len(messages) - 1
			}
			if assembler.Apply(ev) {
				messages[liveIndex].Blocks = assembler.Blocks()
			}

		case stream.KindDone, stream.KindAborted:
			finishTurn()

		case stream.KindError, stream.KindTypedError:
			if assembler == nil {
				assembler = NewAssembler()
				sequence++
				messages = append(messages, Message{
					ID:        foldMessageID(sessionID, sequence),
					SessionID: sessionID,
					Role:      RoleAssistant,
					Streaming: true,
				})
				liveIndex = len(messages) - 1
			}
			if ev.Error != nil {
				assembler.AppendError(ev.Error.Message)
			} else {
				assembler.AppendError("")
			}
			finishTurn()
		}
	}

	return messages
}

func foldMessageID(sessionID string, sequence int) string {
	return fmt.Sprintf("%s/%d", sessionID, sequence)
}
