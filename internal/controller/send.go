package controller

import (
	"context"
	"strings"
	"time"

	"tether/internal/api"
	"tether/internal/background"
	"tether/internal/chat"
	"tether/internal/stream"
)

// SendOptions carries the per-send knobs beyond the message text.
type SendOptions struct {
	Message          string
	Attachments      []api.Attachment
	Contexts         []string
	WorkingDirectory string
	AgentType        string
	AgentPath        string
	TrustLevel       string
	Model            string
	WorkspaceID      string
	SystemPrompt     string
}

// sendStreamContext is the per-turn state threaded through event callbacks so
// a turn finishes consistently even if the controller has since moved to a
// different session.
type sendStreamContext struct {
	assembler       *chat.Assembler
	registeredID    string
	originalMessage string
	userMessageID   string
	assistantID     string
	terminal        bool
}

// SendMessage starts a turn. If a turn is already in flight the message is
// queued and sent in order once the current turn completes.
func (c *Controller) SendMessage(ctx context.Context, opts SendOptions) error {
	message := strings.TrimSpace(opts.Message)
	if message == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	// A turn counts as in flight whether this controller opened it, reattached
	// to it, or is only watching it through the polling fallback. Never open a
	// second concurrent stream for the session.
	if c.send != nil || c.reattach != nil || c.streaming {
		c.queued = append(c.queued, message)
		snapshot, ok := c.emitLocked(true)
		c.mu.Unlock()
		c.publishIf(snapshot, ok)
		return nil
	}

	if c.session.ID == "" {
		c.session.ID = chat.PendingSessionID
	}
	if opts.WorkingDirectory != "" {
		c.session.WorkingDirectory = opts.WorkingDirectory
	}
	if opts.Contexts != nil {
		c.contextFolders = append([]string(nil), opts.Contexts...)
		c.foldersChosen = true
	}

	displayID := c.session.ID
	now := c.now()

	userMessage := chat.Message{
		ID:        c.newMessageID(),
		SessionID: displayID,
		Role:      chat.RoleUser,
		Blocks:    []chat.Block{{Type: chat.BlockText, Text: message}},
		Timestamp: now,
	}
	assistantMessage := chat.Message{
		ID:        c.newMessageID(),
		SessionID: displayID,
		Role:      chat.RoleAssistant,
		Timestamp: now,
		Streaming: true,
	}
	c.messages = append(c.messages, userMessage, assistantMessage)

	sc := &sendStreamContext{
		assembler:       chat.NewAssembler(),
		registeredID:    displayID,
		originalMessage: message,
		userMessageID:   userMessage.ID,
		assistantID:     assistantMessage.ID,
	}
	c.send = sc
	c.streaming = true
	c.lastError = ""
	c.errRecoverable = false
	c.unavailable = nil
	c.limiter.Reset()

	req := c.buildStreamRequestLocked(message, opts)
	snapshot, ok := c.emitLocked(true)
	c.mu.Unlock()
	c.publishIf(snapshot, ok)

	events, err := c.service.OpenStream(ctx, req)
	if err != nil {
		c.failTurn(sc, err)
		return err
	}

	handle, err := c.manager.Register(sc.registeredID, events, background.Observer{
		OnEvent: func(ev stream.Event) { c.handleSendEvent(sc, ev) },
		OnError: func(streamErr error) { c.failTurn(sc, streamErr) },
	})
	if err != nil {
		go drainEvents(events)
		c.failTurn(sc, err)
		return err
	}

	c.mu.Lock()
	if c.send == sc {
		c.handle = handle
	}
	c.mu.Unlock()
	return nil
}

// buildStreamRequestLocked assembles the open-stream payload, consuming the
// one-shot continuation and context-injection state.
func (c *Controller) buildStreamRequestLocked(message string, opts SendOptions) api.StreamRequest {
	req := api.StreamRequest{
		Message:          message,
		SystemPrompt:     opts.SystemPrompt,
		WorkingDirectory: c.session.WorkingDirectory,
		Attachments:      opts.Attachments,
		AgentType:        opts.AgentType,
		AgentPath:        opts.AgentPath,
		TrustLevel:       opts.TrustLevel,
		Model:            opts.Model,
		WorkspaceID:      opts.WorkspaceID,
	}
	if c.foldersChosen {
		req.Contexts = append([]string(nil), c.contextFolders...)
	}
	if chat.IsRealSessionID(c.session.ID) {
		id := c.session.ID
		req.SessionID = &id
	}
	if c.continuation != nil && !c.continuation.consumed {
		req.PriorConversation = c.continuation.priorConversation
		req.ContinuedFrom = c.continuation.continuedFrom
		c.continuation.consumed = true
	}
	if c.injectOnNext {
		req.InjectContext = true
		c.injectOnNext = false
	}
	return req
}

// handleSendEvent processes one event for an in-flight send. Content events
// flow through the assembler into the live assistant message; structural
// events force an immediate snapshot; terminal events finish the turn.
func (c *Controller) handleSendEvent(sc *sendStreamContext, ev stream.Event) {
	c.mu.Lock()
	if sc.terminal {
		c.mu.Unlock()
		return
	}

	switch ev.Kind {
	case stream.KindSession:
		if ev.Session != nil {
			c.applySessionMetadataLocked(sc, ev.Session)
		}
		c.emitAndUnlock(true)

	case stream.KindModel:
		c.modelName = ev.Model
		c.emitAndUnlock(false)

	case stream.KindPromptMetadata:
		c.promptMeta = ev.PromptMetadata
		c.emitAndUnlock(false)

	case stream.KindText, stream.KindThinking, stream.KindToolResult:
		sc.assembler.Apply(ev)
		c.syncLiveMessageLocked(sc)
		c.emitAndUnlock(false)

	case stream.KindToolUse, stream.KindWarning:
		sc.assembler.Apply(ev)
		c.syncLiveMessageLocked(sc)
		c.emitAndUnlock(true)

	case stream.KindUserQuestion:
		c.pendingQuestion = ev.UserQuestion
		c.emitAndUnlock(true)

	case stream.KindInit:
		if ev.Init != nil && ev.Init.Model != "" {
			c.modelName = ev.Init.Model
		}
		c.emitAndUnlock(false)

	case stream.KindDone:
		c.finishSendLocked(sc, ev)

	case stream.KindAborted:
		sessionID := c.session.ID
		c.completeTurnLocked(sc)
		c.emitAndUnlock(true)
		go c.reloadSession(sessionID)

	case stream.KindError, stream.KindTypedError:
		message := "stream error"
		if ev.Error != nil && ev.Error.Message != "" {
			message = ev.Error.Message
		}
		sc.assembler.AppendError(message)
		c.syncLiveMessageLocked(sc)
		c.lastError = message
		c.errRecoverable = ev.Error != nil && ev.Error.Recoverable
		c.completeTurnLocked(sc)
		c.emitAndUnlock(true)

	case stream.KindSessionUnavailable:
		c.handleUnavailableLocked(sc, ev.Unavailable)
		c.emitAndUnlock(true)

	default:
		c.logger.Debug("ignoring stream event", "kind", ev.Kind)
		c.mu.Unlock()
	}
}

// applySessionMetadataLocked captures server-assigned identity and rebinds
// the placeholder registration to the durable id.
func (c *Controller) applySessionMetadataLocked(sc *sendStreamContext, payload *stream.SessionPayload) {
	if payload.Title != "" {
		c.session.Title = payload.Title
	}
	if payload.TrustLevel != "" {
		c.session.TrustLevel = payload.TrustLevel
	}
	if payload.ResumeMethod != "" {
		c.resumeMethod = payload.ResumeMethod
	}
	if chat.IsRealSessionID(payload.ID) {
		c.rebindSessionLocked(sc, payload.ID)
	}
}

// rebindSessionLocked moves the turn from its registered id to the durable id
// the server assigned. Renaming an already-renamed registration is a no-op,
// so a done event repeating the id is harmless.
func (c *Controller) rebindSessionLocked(sc *sendStreamContext, newID string) {
	oldID := sc.registeredID
	if oldID == newID {
		if c.session.ID != newID {
			c.session.ID = newID
		}
		return
	}

	if err := c.manager.Rename(oldID, newID); err != nil {
		c.logger.Debug("stream rename failed", "from", oldID, "to", newID, "err", err)
	}
	sc.registeredID = newID
	if c.session.ID == oldID {
		c.session.ID = newID
	}
	for i := range c.messages {
		if c.messages[i].SessionID == oldID {
			c.messages[i].SessionID = newID
		}
	}
}

// syncLiveMessageLocked copies the assembler's blocks into the streaming
// assistant message.
func (c *Controller) syncLiveMessageLocked(sc *sendStreamContext) {
	for i := range c.messages {
		if c.messages[i].ID == sc.assistantID {
			c.messages[i].Blocks = sc.assembler.Blocks()
			return
		}
	}
}

// finishSendLocked handles the done event: final rebind, transcript flush,
// best-effort context-folder persistence, and queued message drain.
func (c *Controller) finishSendLocked(sc *sendStreamContext, ev stream.Event) {
	if ev.Done != nil {
		if chat.IsRealSessionID(ev.Done.SessionID) {
			c.rebindSessionLocked(sc, ev.Done.SessionID)
		}
		if ev.Done.Title != "" {
			c.session.Title = ev.Done.Title
		}
		if ev.Done.ResumeMethod != "" {
			c.resumeMethod = ev.Done.ResumeMethod
		}
	}
	c.syncLiveMessageLocked(sc)
	c.completeTurnLocked(sc)

	sessionID := c.session.ID
	persistFolders := c.foldersChosen && chat.IsRealSessionID(sessionID)
	folders := append([]string(nil), c.contextFolders...)
	queued := c.queued
	c.queued = nil

	c.emitAndUnlock(true)

	if persistFolders {
		go c.persistContextFolders(sessionID, folders)
	}
	if len(queued) > 0 {
		go c.drainQueue(queued)
	}
}

// completeTurnLocked marks the live assistant message finished and clears the
// per-turn state.
func (c *Controller) completeTurnLocked(sc *sendStreamContext) {
	sc.terminal = true
	for i := range c.messages {
		if c.messages[i].ID == sc.assistantID {
			c.messages[i].Streaming = false
			break
		}
	}
	if c.send == sc {
		c.finishTurnLocked()
	}
}

// handleUnavailableLocked surfaces a failed resume. The optimistic turn
// messages are withdrawn so a recovery resend does not duplicate them; the
// original message rides along for the recovery choice.
func (c *Controller) handleUnavailableLocked(sc *sendStreamContext, payload *stream.UnavailablePayload) {
	info := &chat.SessionUnavailableInfo{PendingMessage: sc.originalMessage}
	if payload != nil {
		info.Reason = payload.Reason
		info.HasMarkdownHistory = payload.HasMarkdownHistory
		info.MessageCount = payload.MessageCount
	}
	c.unavailable = info

	kept := c.messages[:0]
	for _, m := range c.messages {
		if m.ID == sc.userMessageID || m.ID == sc.assistantID {
			continue
		}
		kept = append(kept, m)
	}
	c.messages = kept

	sc.terminal = true
	if c.send == sc {
		c.finishTurnLocked()
	}
}

// failTurn handles transport-level failure: open-stream errors, registration
// conflicts, and mid-stream connection loss reported by the manager.
func (c *Controller) failTurn(sc *sendStreamContext, err error) {
	c.mu.Lock()
	if sc.terminal {
		c.mu.Unlock()
		return
	}
	sc.assembler.AppendError(err.Error())
	c.syncLiveMessageLocked(sc)
	c.lastError = err.Error()
	c.errRecoverable = false
	c.completeTurnLocked(sc)
	c.emitAndUnlock(true)
}

// emitAndUnlock publishes a snapshot decision made under the lock, then
// releases it. The callback runs outside the lock so UI code may call back
// into the controller.
func (c *Controller) emitAndUnlock(force bool) {
	snapshot, ok := c.emitLocked(force)
	c.mu.Unlock()
	c.publishIf(snapshot, ok)
}

// drainQueue sends queued messages in order. The first send opens the next
// turn; the rest re-queue behind it.
func (c *Controller) drainQueue(queued []string) {
	for _, message := range queued {
		if err := c.SendMessage(context.Background(), SendOptions{Message: message}); err != nil {
			c.logger.Warn("queued message send failed", "err", err)
			return
		}
	}
}

// persistContextFolders saves the local selection server-side. Failures are
// logged and swallowed; the local selection stays authoritative.
func (c *Controller) persistContextFolders(sessionID string, folders []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.service.SetSessionContextFolders(ctx, sessionID, folders); err != nil {
		c.logger.Debug("context folder persistence failed", "session", sessionID, "err", err)
	}
}

func drainEvents(events <-chan stream.Event) {
	for range events {
	}
}
