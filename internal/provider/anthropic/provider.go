// Package anthropicprovider implements the session service against the
// Anthropic Messages API directly, with no relay server. Sessions are minted
// locally and their event history is persisted through the transcript store,
// so resume and catch-up behave like the remote service.
package anthropicprovider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"tether/internal/api"
	"tether/internal/chat"
	"tether/internal/stream"
	"tether/internal/transcript"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
	maxTitleLength   = 60
)

var (
	// ErrAPIKeyRequired indicates a provider without credentials.
	ErrAPIKeyRequired = errors.New("anthropic api key is required")
	// ErrMessageRequired indicates an open-stream call with no message.
	ErrMessageRequired = errors.New("message is required")
)

// Config configures the standalone provider.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
	Store      *transcript.Store
	Logger     *log.Logger
}

// Provider serves session streams straight from the Anthropic API.
type Provider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	store     *transcript.Store
	logger    *log.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// session is one locally minted conversation.
type session struct {
	meta    chat.Session
	history []anthropic.MessageParam
	events  []stream.Event
	folders []string
	active  bool
	cancel  context.CancelFunc
}

// New constructs a standalone provider.
func New(cfg Config) (*Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	clientOptions := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
	}
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		clientOptions = append(clientOptions, option.WithBaseURL(baseURL))
	}

	return &Provider{
		client:    anthropic.NewClient(clientOptions...),
		model:     model,
		maxTokens: int64(maxTokens),
		store:     cfg.Store,
		logger:    logger,
		sessions:  make(map[string]*session),
	}, nil
}

// OpenStream starts one turn. New sessions are minted locally; the assigned
// id rides on the stream's session event exactly as the remote service does.
func (p *Provider) OpenStream(ctx context.Context, req api.StreamRequest) (<-chan stream.Event, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrMessageRequired
	}

	events := make(chan stream.Event, 16)

	p.mu.Lock()
	sess, resumeFailed := p.resolveSessionLocked(req, message)
	if resumeFailed != nil {
		p.mu.Unlock()
		go func() {
			defer close(events)
			events <- stream.Event{Kind: stream.KindSessionUnavailable, Unavailable: resumeFailed}
		}()
		return events, nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sess.active = true
	sess.cancel = cancel

	sess.history = append(sess.history, anthropic.NewUserMessage(anthropic.NewTextBlock(message)))
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  append([]anthropic.MessageParam(nil), sess.history...),
	}
	if system := buildSystemPrompt(req); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	p.recordLocked(sess, stream.Event{Kind: stream.KindUserMessage, UserMessage: message})
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.AppendMeta(context.Background(), sess.meta.ID, sess.meta); err != nil {
			p.logger.Debug("transcript meta append failed", "session", sess.meta.ID, "err", err)
		}
	}

	go p.run(streamCtx, cancel, sess, params, events)
	return events, nil
}

// resolveSessionLocked finds or mints the session for a turn. A requested id
// with no in-memory state is recovered from the transcript store when
// possible; otherwise the caller gets a session-unavailable terminal.
func (p *Provider) resolveSessionLocked(req api.StreamRequest, message string) (*session, *stream.UnavailablePayload) {
	if req.SessionID == nil || !chat.IsRealSessionID(*req.SessionID) {
		id := uuid.NewString()
		sess := &session{
			meta: chat.Session{
				ID:               id,
				Title:            deriveTitle(message),
				WorkingDirectory: req.WorkingDirectory,
				TrustLevel:       req.TrustLevel,
				ContinuedFrom:    req.ContinuedFrom,
			},
		}
		if req.Contexts != nil {
			sess.folders = append([]string(nil), req.Contexts...)
		}
		p.sessions[id] = sess
		return sess, nil
	}

	id := strings.TrimSpace(*req.SessionID)
	if sess, ok := p.sessions[id]; ok {
		return sess, nil
	}

	sess, err := p.restoreFromStore(id)
	if err != nil {
		p.logger.Debug("session restore failed", "session", id, "err", err)
		return nil, &stream.UnavailablePayload{Reason: "session state not found"}
	}
	p.sessions[id] = sess
	return sess, nil
}

// restoreFromStore rebuilds in-memory session state from the persisted log.
func (p *Provider) restoreFromStore(sessionID string) (*session, error) {
	if p.store == nil {
		return nil, transcript.ErrSessionNotFound
	}
	meta, events, err := p.store.Load(context.Background(), sessionID)
	if err != nil {
		return nil, err
	}
	if meta.ID == "" {
		meta.ID = sessionID
	}

	sess := &session{meta: meta, events: events}
	for _, msg := range chat.FoldTranscript(sessionID, events) {
		text := msg.Text()
		if text == "" {
			continue
		}
		switch msg.Role {
		case chat.RoleUser:
			sess.history = append(sess.history, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		case chat.RoleAssistant:
			sess.history = append(sess.history, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		}
	}
	return sess, nil
}

// run drives one SDK stream, translating deltas into the cumulative event
// protocol and finishing the session bookkeeping on any exit path.
func (p *Provider) run(ctx context.Context, cancel context.CancelFunc, sess *session, params anthropic.MessageNewParams, events chan<- stream.Event) {
	defer close(events)
	defer cancel()

	emit := func(ev stream.Event) {
		p.mu.Lock()
		p.recordLocked(sess, ev)
		p.mu.Unlock()
		events <- ev
	}

	emit(stream.Event{Kind: stream.KindSession, Session: &stream.SessionPayload{
		ID:         sess.meta.ID,
		Title:      sess.meta.Title,
		TrustLevel: sess.meta.TrustLevel,
	}})
	emit(stream.Event{Kind: stream.KindInit, Init: &stream.InitPayload{Model: p.model}})

	finalText, err := p.streamOnce(ctx, params, emit)

	p.mu.Lock()
	if finalText != "" {
		sess.history = append(sess.history, anthropic.NewAssistantMessage(anthropic.NewTextBlock(finalText)))
	}
	sess.active = false
	sess.cancel = nil
	p.mu.Unlock()

	switch {
	case err == nil:
		emit(stream.Event{Kind: stream.KindDone, Done: &stream.DonePayload{
			SessionID: sess.meta.ID,
			Title:     sess.meta.Title,
		}})
	case errors.Is(err, context.Canceled):
		emit(stream.Event{Kind: stream.KindAborted})
	default:
		emit(stream.Event{Kind: stream.KindError, Error: &stream.ErrorPayload{
			Message: fmt.Sprintf("anthropic stream: %v", err),
		}})
	}
}

// streamOnce consumes one SDK stream. Text and thinking grow cumulatively so
// every emitted event carries the full content so far, never a delta.
func (p *Provider) streamOnce(ctx context.Context, params anthropic.MessageNewParams, emit func(stream.Event)) (string, error) {
	sdkStream := p.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = sdkStream.Close() }()

	var text, thinking strings.Builder
	messageStopped := false

	for sdkStream.Next() {
		if err := ctx.Err(); err != nil {
			return text.String(), err
		}

		switch variant := sdkStream.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			emit(stream.Event{Kind: stream.KindPromptMetadata, PromptMetadata: &stream.PromptMetadata{
				Tokens:       int(variant.Message.Usage.InputTokens),
				MessageCount: len(params.Messages),
			}})

		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				text.WriteString(delta.Text)
				emit(stream.Event{Kind: stream.KindText, Text: text.String()})
			case anthropic.ThinkingDelta:
				thinking.WriteString(delta.Thinking)
				emit(stream.Event{Kind: stream.KindThinking, Thinking: thinking.String()})
			}

		case anthropic.MessageStopEvent:
			messageStopped = true
		}

		if messageStopped {
			return text.String(), nil
		}
	}

	if err := sdkStream.Err(); err != nil {
		if ctx.Err() != nil {
			return text.String(), ctx.Err()
		}
		return text.String(), err
	}
	if ctx.Err() != nil {
		return text.String(), ctx.Err()
	}
	return text.String(), errors.New("stream ended without message_stop")
}

// recordLocked keeps the in-memory event history and mirrors it to disk.
func (p *Provider) recordLocked(sess *session, ev stream.Event) {
	sess.events = append(sess.events, ev)
	if p.store != nil {
		if err := p.store.AppendEvent(context.Background(), sess.meta.ID, ev); err != nil {
			p.logger.Debug("transcript append failed", "session", sess.meta.ID, "err", err)
		}
	}
}

// HasActiveStream reports whether a turn is currently running for the session.
func (p *Provider) HasActiveStream(_ context.Context, sessionID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[strings.TrimSpace(sessionID)]
	return ok && sess.active, nil
}

// AbortStream cancels the running turn; the stream finishes with its own
// aborted event.
func (p *Provider) AbortStream(_ context.Context, sessionID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[strings.TrimSpace(sessionID)]
	if !ok || !sess.active || sess.cancel == nil {
		return false, nil
	}
	sess.cancel()
	return true, nil
}

// GetSessionTranscript returns the session's event history.
func (p *Provider) GetSessionTranscript(_ context.Context, sessionID string, _ api.TranscriptQuery) (api.Transcript, error) {
	p.mu.Lock()
	if sess, ok := p.sessions[strings.TrimSpace(sessionID)]; ok {
		events := append([]stream.Event(nil), sess.events...)
		p.mu.Unlock()
		return api.Transcript{Events: events, SegmentCount: 1}, nil
	}
	p.mu.Unlock()

	if p.store == nil {
		return api.Transcript{}, transcript.ErrSessionNotFound
	}
	_, events, err := p.store.Load(context.Background(), sessionID)
	if err != nil {
		return api.Transcript{}, err
	}
	return api.Transcript{Events: events, SegmentCount: 1}, nil
}

// GetSession returns session metadata plus messages folded from the history.
func (p *Provider) GetSession(_ context.Context, sessionID string) (api.SessionDetail, error) {
	id := strings.TrimSpace(sessionID)

	p.mu.Lock()
	if sess, ok := p.sessions[id]; ok {
		detail := api.SessionDetail{
			Session:  sess.meta,
			Messages: chat.FoldTranscript(id, sess.events),
		}
		p.mu.Unlock()
		return detail, nil
	}
	p.mu.Unlock()

	if p.store == nil {
		return api.SessionDetail{}, transcript.ErrSessionNotFound
	}
	meta, events, err := p.store.Load(context.Background(), id)
	if err != nil {
		return api.SessionDetail{}, err
	}
	if meta.ID == "" {
		meta.ID = id
	}
	return api.SessionDetail{Session: meta, Messages: chat.FoldTranscript(id, events)}, nil
}

// SetSessionContextFolders stores the selection locally.
func (p *Provider) SetSessionContextFolders(_ context.Context, sessionID string, folders []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[strings.TrimSpace(sessionID)]; ok {
		sess.folders = append([]string(nil), folders...)
	}
	return nil
}

// GetSessionContextFolders returns the stored selection.
func (p *Provider) GetSessionContextFolders(_ context.Context, sessionID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[strings.TrimSpace(sessionID)]; ok {
		return append([]string(nil), sess.folders...), nil
	}
	return nil, nil
}

// AnswerQuestion always reports no pending question; the direct API has no
// interactive tool prompts.
func (p *Provider) AnswerQuestion(_ context.Context, _, _ string, _ []string) (bool, error) {
	return false, nil
}

// ListSessions returns persisted sessions, newest first.
func (p *Provider) ListSessions(ctx context.Context) ([]chat.Session, error) {
	if p.store == nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		out := make([]chat.Session, 0, len(p.sessions))
		for _, sess := range p.sessions {
			out = append(out, sess.meta)
		}
		return out, nil
	}

	infos, err := p.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Session, 0, len(infos))
	for _, info := range infos {
		meta, _, err := p.store.Load(ctx, info.SessionID)
		if err != nil {
			p.logger.Debug("skipping unreadable transcript", "session", info.SessionID, "err", err)
			continue
		}
		if meta.ID == "" {
			meta.ID = info.SessionID
		}
		out = append(out, meta)
	}
	return out, nil
}

// buildSystemPrompt folds the continuation context into the system prompt the
// way the relay does for continued sessions.
func buildSystemPrompt(req api.StreamRequest) string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		parts = append(parts, s)
	}
	if prior := strings.TrimSpace(req.PriorConversation); prior != "" {
		parts = append(parts, "Earlier conversation, newest first:\n\n"+prior)
	}
	return strings.Join(parts, "\n\n")
}

// deriveTitle builds a display title from the first message.
func deriveTitle(message string) string {
	title := message
	if index := strings.IndexByte(title, '\n'); index >= 0 {
		title = title[:index]
	}
	title = strings.TrimSpace(title)
	runes := []rune(title)
	if len(runes) > maxTitleLength {
		title = strings.TrimSpace(string(runes[:maxTitleLength])) + "…"
	}
	return title
}
