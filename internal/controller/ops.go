package controller

import (
	"context"

	"tether/internal/chat"
)

// RecoveryMode selects how to proceed after a failed session resume.
type RecoveryMode string

const (
	// RecoverFreshStart abandons the prior transcript and starts a new
	// session with the pending message.
	RecoverFreshStart RecoveryMode = "fresh_start"
	// RecoverInjectContext resends the pending message with the prior
	// conversation injected server-side.
	RecoverInjectContext RecoveryMode = "inject_context"
)

// AbortStream asks the server to stop the in-flight turn. Returns false with
// no error when nothing is streaming. The registration itself terminates via
// its own aborted event; only this view's turn state is released here.
func (c *Controller) AbortStream(ctx context.Context) (bool, error) {
	c.mu.Lock()
	sc := c.send
	if sc == nil {
		c.mu.Unlock()
		return false, nil
	}
	sessionID := sc.registeredID
	c.mu.Unlock()

	aborted, err := c.service.AbortStream(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !aborted {
		return false, nil
	}

	c.mu.Lock()
	if c.handle != nil {
		c.handle.Cancel()
	}
	if !sc.terminal {
		c.completeTurnLocked(sc)
	}
	c.emitAndUnlock(true)
	return true, nil
}

// RecoverSession resolves a pending session-unavailable condition and resends
// the message that triggered it.
func (c *Controller) RecoverSession(ctx context.Context, mode RecoveryMode) error {
	c.mu.Lock()
	info := c.unavailable
	if info == nil {
		c.mu.Unlock()
		return ErrNoRecoveryPending
	}
	pending := info.PendingMessage
	c.unavailable = nil

	switch mode {
	case RecoverFreshStart:
		workingDirectory := c.session.WorkingDirectory
		c.session = chat.Session{WorkingDirectory: workingDirectory}
		c.messages = nil
		c.continuation = nil
		c.resumeMethod = ""
	case RecoverInjectContext:
		c.injectOnNext = true
	}
	c.emitAndUnlock(true)

	if pending == "" {
		return nil
	}
	return c.SendMessage(ctx, SendOptions{Message: pending})
}

// AnswerQuestion replies to the pending agent question on the active stream.
func (c *Controller) AnswerQuestion(ctx context.Context, answers []string) (bool, error) {
	c.mu.Lock()
	question := c.pendingQuestion
	sessionID := c.session.ID
	c.mu.Unlock()
	if question == nil {
		return false, ErrNoPendingQuestion
	}

	ok, err := c.service.AnswerQuestion(ctx, sessionID, question.RequestID, answers)
	if err != nil {
		return false, err
	}
	if ok {
		c.mu.Lock()
		if c.pendingQuestion == question {
			c.pendingQuestion = nil
		}
		c.emitAndUnlock(true)
	}
	return ok, nil
}

// DismissQuestion clears the pending question locally without answering.
func (c *Controller) DismissQuestion() {
	c.mu.Lock()
	c.pendingQuestion = nil
	c.emitAndUnlock(true)
}

// SetContextFolders updates the local selection. It is persisted server-side
// at the end of the next completed turn.
func (c *Controller) SetContextFolders(folders []string) {
	c.mu.Lock()
	c.contextFolders = append([]string(nil), folders...)
	c.foldersChosen = true
	c.emitAndUnlock(true)
}

// StartNewSession resets the view to a blank session. An in-flight turn keeps
// draining under its registration; this view simply stops observing it.
func (c *Controller) StartNewSession(workingDirectory string) {
	c.mu.Lock()
	c.pollGeneration++
	if c.handle != nil {
		c.handle.Cancel()
		c.handle = nil
	}
	c.send = nil
	c.reattach = nil
	c.session = chat.Session{WorkingDirectory: workingDirectory}
	c.messages = nil
	c.queued = nil
	c.streaming = false
	c.loading = false
	c.pendingQuestion = nil
	c.unavailable = nil
	c.lastError = ""
	c.errRecoverable = false
	c.modelName = ""
	c.promptMeta = nil
	c.resumeMethod = ""
	c.continuation = nil
	c.injectOnNext = false
	c.foldersChosen = false
	c.contextFolders = nil
	c.limiter.Reset()
	c.emitAndUnlock(true)
}
