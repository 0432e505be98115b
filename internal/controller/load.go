package controller

import (
	"context"
	"time"

	"tether/internal/api"
	"tether/internal/background"
	"tether/internal/chat"
	"tether/internal/stream"
)

// reattachContext is the per-reattachment state for a stream that was already
// running when the view arrived. No replay happens; the fetched transcript is
// the baseline and only post-reattach events build on it.
type reattachContext struct {
	assembler *chat.Assembler
	sessionID string
	liveID    string
	terminal  bool
}

// LoadSession switches the view to an existing session: fetch durable state,
// then either reattach to a live local registration, or fall back to polling
// when the turn is active only server-side.
func (c *Controller) LoadSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.pollGeneration++
	generation := c.pollGeneration
	if c.handle != nil {
		c.handle.Cancel()
		c.handle = nil
	}
	c.reattach = nil
	c.loading = true
	c.streaming = false
	c.pendingQuestion = nil
	c.unavailable = nil
	c.lastError = ""
	c.errRecoverable = false
	c.resumeMethod = ""
	c.queued = nil
	c.limiter.Reset()
	snapshot, ok := c.emitLocked(true)
	c.mu.Unlock()
	c.publishIf(snapshot, ok)

	detail, err := c.service.GetSession(ctx, sessionID)
	if err != nil {
		c.mu.Lock()
		c.loading = false
		c.emitAndUnlock(true)
		return err
	}

	messages := detail.Messages
	transcript, terr := c.service.GetSessionTranscript(ctx, sessionID, api.TranscriptQuery{AfterCompact: true})
	if terr != nil {
		c.logger.Debug("transcript fetch failed, using markdown fallback", "session", sessionID, "err", terr)
	} else if len(transcript.Events) > 0 {
		messages = chat.FoldTranscript(sessionID, transcript.Events)
	}

	folders, ferr := c.service.GetSessionContextFolders(ctx, sessionID)
	if ferr != nil {
		c.logger.Debug("context folder fetch failed", "session", sessionID, "err", ferr)
	}

	c.mu.Lock()
	if c.pollGeneration != generation {
		// a newer load superseded this one
		c.mu.Unlock()
		return nil
	}
	session := detail.Session
	if session.ID == "" {
		session.ID = sessionID
	}
	c.session = session
	c.messages = messages
	c.loading = false
	if ferr == nil {
		c.contextFolders = folders
		c.foldersChosen = len(folders) > 0
	}

	if c.manager.HasActive(sessionID) {
		c.attachToLiveStreamLocked(sessionID)
	} else {
		c.emitAndUnlock(true)
		active, aerr := c.service.HasActiveStream(ctx, sessionID)
		if aerr != nil {
			c.logger.Debug("active stream probe failed", "session", sessionID, "err", aerr)
			return nil
		}
		if active {
			c.mu.Lock()
			if c.pollGeneration == generation {
				c.streaming = true
				c.emitAndUnlock(true)
				go c.pollActiveStream(sessionID, generation)
			} else {
				c.mu.Unlock()
			}
		}
		return nil
	}
	return nil
}

// attachToLiveStreamLocked subscribes to a registration still draining in
// this process. Releases the lock before returning.
func (c *Controller) attachToLiveStreamLocked(sessionID string) {
	rc := &reattachContext{
		assembler: chat.NewAssembler(),
		sessionID: sessionID,
	}
	handle, err := c.manager.Reattach(sessionID, background.Observer{
		OnEvent: func(ev stream.Event) { c.handleReattachEvent(rc, ev) },
		OnError: func(streamErr error) { c.failReattach(rc, streamErr) },
	})
	if err != nil {
		// finished between HasActive and Reattach; transcript is already current
		c.emitAndUnlock(true)
		return
	}
	c.reattach = rc
	c.handle = handle
	c.streaming = true
	c.emitAndUnlock(true)
}

// handleReattachEvent applies post-reattach events on top of the fetched
// baseline. The user message for the in-flight turn is backfilled only when
// the baseline does not already contain it.
func (c *Controller) handleReattachEvent(rc *reattachContext, ev stream.Event) {
	c.mu.Lock()
	if rc.terminal || c.reattach != rc {
		c.mu.Unlock()
		return
	}

	switch ev.Kind {
	case stream.KindUserMessage:
		c.backfillUserMessageLocked(rc.sessionID, ev.UserMessage)
		c.emitAndUnlock(true)

	case stream.KindSession:
		if ev.Session != nil {
			if ev.Session.Title != "" {
				c.session.Title = ev.Session.Title
			}
			if ev.Session.TrustLevel != "" {
				c.session.TrustLevel = ev.Session.TrustLevel
			}
			if ev.Session.ResumeMethod != "" {
				c.resumeMethod = ev.Session.ResumeMethod
			}
		}
		c.emitAndUnlock(false)

	case stream.KindModel:
		c.modelName = ev.Model
		c.emitAndUnlock(false)

	case stream.KindPromptMetadata:
		c.promptMeta = ev.PromptMetadata
		c.emitAndUnlock(false)

	case stream.KindText, stream.KindThinking, stream.KindToolResult:
		rc.assembler.Apply(ev)
		c.syncReattachMessageLocked(rc)
		c.emitAndUnlock(false)

	case stream.KindToolUse, stream.KindWarning:
		rc.assembler.Apply(ev)
		c.syncReattachMessageLocked(rc)
		c.emitAndUnlock(true)

	case stream.KindUserQuestion:
		c.pendingQuestion = ev.UserQuestion
		c.emitAndUnlock(true)

	case stream.KindDone, stream.KindAborted:
		if ev.Kind == stream.KindDone && ev.Done != nil {
			if ev.Done.Title != "" {
				c.session.Title = ev.Done.Title
			}
			if ev.Done.ResumeMethod != "" {
				c.resumeMethod = ev.Done.ResumeMethod
			}
		}
		sessionID := rc.sessionID
		queued := c.takeQueuedLocked()
		c.finishReattachLocked(rc)
		c.emitAndUnlock(true)
		// reconcile with the durable transcript now that the turn is over,
		// then let deferred sends open the next turn
		go func() {
			c.reloadSession(sessionID)
			c.drainQueue(queued)
		}()

	case stream.KindError, stream.KindTypedError:
		message := "stream error"
		if ev.Error != nil && ev.Error.Message != "" {
			message = ev.Error.Message
		}
		rc.assembler.AppendError(message)
		c.syncReattachMessageLocked(rc)
		c.lastError = message
		c.errRecoverable = ev.Error != nil && ev.Error.Recoverable
		queued := c.takeQueuedLocked()
		c.finishReattachLocked(rc)
		c.emitAndUnlock(true)
		if len(queued) > 0 {
			go c.drainQueue(queued)
		}

	default:
		c.mu.Unlock()
	}
}

func (c *Controller) failReattach(rc *reattachContext, err error) {
	c.mu.Lock()
	if rc.terminal || c.reattach != rc {
		c.mu.Unlock()
		return
	}
	c.lastError = err.Error()
	c.errRecoverable = false
	queued := c.takeQueuedLocked()
	c.finishReattachLocked(rc)
	c.emitAndUnlock(true)
	if len(queued) > 0 {
		go c.drainQueue(queued)
	}
}

func (c *Controller) finishReattachLocked(rc *reattachContext) {
	rc.terminal = true
	for i := range c.messages {
		if c.messages[i].ID == rc.liveID {
			c.messages[i].Streaming = false
			break
		}
	}
	c.reattach = nil
	c.handle = nil
	c.streaming = false
	c.limiter.Reset()
}

// backfillUserMessageLocked appends the in-flight turn's user message unless
// any user message with that exact text already exists, which makes
// reattachment idempotent when the transcript fetch already included it.
func (c *Controller) backfillUserMessageLocked(sessionID, text string) {
	for i := range c.messages {
		if c.messages[i].Role != chat.RoleUser {
			continue
		}
		if c.messages[i].Text() == text {
			return
		}
	}
	c.messages = append(c.messages, chat.Message{
		ID:        c.newMessageID(),
		SessionID: sessionID,
		Role:      chat.RoleUser,
		Blocks:    []chat.Block{{Type: chat.BlockText, Text: text}},
		Timestamp: c.now(),
	})
}

// syncReattachMessageLocked lazily creates the streaming assistant message on
// first content and keeps it in sync with the assembler.
func (c *Controller) syncReattachMessageLocked(rc *reattachContext) {
	if rc.liveID == "" {
		live := chat.Message{
			ID:        c.newMessageID(),
			SessionID: rc.sessionID,
			Role:      chat.RoleAssistant,
			Timestamp: c.now(),
			Streaming: true,
		}
		rc.liveID = live.ID
		c.messages = append(c.messages, live)
	}
	for i := range c.messages {
		if c.messages[i].ID == rc.liveID {
			c.messages[i].Blocks = rc.assembler.Blocks()
			return
		}
	}
}

// pollActiveStream periodically refetches the transcript while a turn runs
// server-side with no local registration to observe. The transcript only ever
// grows during a turn, so shorter fetches are ignored. The loop gives up
// after a fixed number of ticks and simply marks the view not-streaming.
func (c *Controller) pollActiveStream(sessionID string, generation int) {
	for tick := 0; tick < c.maxPollTicks; tick++ {
		time.Sleep(c.pollInterval)

		c.mu.Lock()
		stale := c.pollGeneration != generation || c.session.ID != sessionID
		c.mu.Unlock()
		if stale {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.pollInterval)
		active, err := c.service.HasActiveStream(ctx, sessionID)
		if err != nil {
			cancel()
			c.logger.Debug("poll active probe failed", "session", sessionID, "err", err)
			continue
		}
		if !active {
			cancel()
			c.mu.Lock()
			if c.pollGeneration == generation && c.session.ID == sessionID {
				c.streaming = false
				queued := c.takeQueuedLocked()
				c.emitAndUnlock(true)
				c.reloadSession(sessionID)
				c.drainQueue(queued)
			} else {
				c.mu.Unlock()
			}
			return
		}

		transcript, err := c.service.GetSessionTranscript(ctx, sessionID, api.TranscriptQuery{AfterCompact: true})
		cancel()
		if err != nil {
			c.logger.Debug("poll transcript fetch failed", "session", sessionID, "err", err)
			continue
		}
		messages := chat.FoldTranscript(sessionID, transcript.Events)

		c.mu.Lock()
		if c.pollGeneration == generation && c.session.ID == sessionID && len(messages) > len(c.messages) {
			c.messages = messages
			c.emitAndUnlock(true)
		} else {
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	if c.pollGeneration == generation && c.session.ID == sessionID {
		c.streaming = false
		queued := c.takeQueuedLocked()
		c.emitAndUnlock(true)
		c.drainQueue(queued)
		return
	}
	c.mu.Unlock()
}
