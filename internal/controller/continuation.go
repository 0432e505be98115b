package controller

import (
	"strings"

	"tether/internal/chat"
)

// continuationCharLimit caps the serialized prior conversation carried into a
// continued session's first turn.
const continuationCharLimit = 50000

type continuationState struct {
	priorConversation string
	continuedFrom     string
	consumed          bool
}

// ContinueFrom primes the controller so the first send of the next session
// carries the prior conversation and its source session id. The serialized
// form keeps the most recent exchanges and drops older ones past the cap.
func (c *Controller) ContinueFrom(sessionID string, messages []chat.Message) {
	c.mu.Lock()
	c.continuation = &continuationState{
		priorConversation: serializeContinuation(messages, continuationCharLimit),
		continuedFrom:     sessionID,
	}
	c.session.ContinuedFrom = sessionID
	c.mu.Unlock()
}

// serializeContinuation renders messages newest-first as labeled turns,
// stopping once adding the next (older) turn would exceed the limit.
func serializeContinuation(messages []chat.Message, limit int) string {
	var b strings.Builder
	for i := len(messages) - 1; i >= 0; i-- {
		text := strings.TrimSpace(messages[i].Text())
		if text == "" {
			continue
		}
		label := "Human: "
		if messages[i].Role == chat.RoleAssistant {
			label = "Assistant: "
		}
		segment := label + text + "\n\n"
		if b.Len()+len(segment) > limit {
			break
		}
		b.WriteString(segment)
	}
	return b.String()
}
