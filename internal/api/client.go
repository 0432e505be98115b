// Package api implements the HTTP client for the relay server: one
// server-sent-event stream per turn plus a small REST surface for session
// state, transcript catch-up, aborts, and question answers.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"tether/internal/chat"
	"tether/internal/stream"
)

const defaultRequestTimeout = 15 * time.Second

var (
	// ErrBaseURLRequired indicates a client without a server address.
	ErrBaseURLRequired = errors.New("base url is required")
	// ErrUnexpectedStatus indicates a non-success HTTP response.
	ErrUnexpectedStatus = errors.New("unexpected response status")
)

// StreamRequest is the open-stream call payload. A nil SessionID asks the
// server to create a session; the reply stream carries the assigned id.
type StreamRequest struct {
	SessionID         *string           `json:"sessionId,omitempty"`
	Message           string            `json:"message"`
	SystemPrompt      string            `json:"systemPrompt,omitempty"`
	PriorConversation string            `json:"priorConversation,omitempty"`
	ContinuedFrom     string            `json:"continuedFrom,omitempty"`
	WorkingDirectory  string            `json:"workingDirectory,omitempty"`
	Contexts          []string          `json:"contexts,omitempty"`
	Attachments       []Attachment      `json:"attachments,omitempty"`
	AgentType         string            `json:"agentType,omitempty"`
	AgentPath         string            `json:"agentPath,omitempty"`
	TrustLevel        string            `json:"trustLevel,omitempty"`
	Model             string            `json:"model,omitempty"`
	WorkspaceID       string            `json:"workspaceId,omitempty"`
	InjectContext     bool              `json:"injectContext,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Attachment is one file attached to an outgoing message.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// Transcript is the rich event history of a session.
type Transcript struct {
	Events       []stream.Event `json:"-"`
	Segments     []string       `json:"segments,omitempty"`
	SegmentCount int            `json:"segmentCount"`
}

// TranscriptQuery selects which slice of the transcript to fetch.
type TranscriptQuery struct {
	AfterCompact bool
	Segment      int
}

// SessionDetail is the durable session view: metadata plus messages rebuilt
// server-side (markdown fallback when no rich transcript exists).
type SessionDetail struct {
	Session  chat.Session   `json:"session"`
	Messages []chat.Message `json:"messages"`
}

// Config configures the relay client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client talks to the relay server. The zero value is not usable; construct
// with New.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
}

// New constructs a relay client with sane defaults. The HTTP client must not
// carry a global timeout: open streams outlive any fixed deadline, so
// per-request timeouts are applied to the REST calls only.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		logger:  logger,
	}, nil
}

// OpenStream starts one turn and returns its event channel. The channel is
// closed after the terminal event, or after a transport failure delivered as
// an event with Err set. Canceling ctx tears down the connection.
func (c *Client) OpenStream(ctx context.Context, req StreamRequest) (<-chan stream.Event, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, fmt.Errorf("%w: open stream: %s", ErrUnexpectedStatus, resp.Status)
	}

	events := make(chan stream.Event, 1)
	go c.readStream(resp.Body, events)
	return events, nil
}

// readStream decodes SSE frames until a terminal event, EOF, or transport
// failure. Malformed frames are logged and skipped rather than killing the
// stream.
func (c *Client) readStream(body io.ReadCloser, events chan<- stream.Event) {
	defer close(events)
	defer func() { _ = body.Close() }()

	decoder := stream.NewDecoder(body)
	for {
		ev, err := decoder.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, stream.ErrFrameKindRequired) || errors.Is(err, stream.ErrFrameDecode) {
				c.logger.Debug("skipping malformed stream frame", "err", err)
				continue
			}
			events <- stream.Event{Kind: stream.KindError, Err: fmt.Errorf("read stream: %w", err)}
			return
		}

		events <- ev
		if ev.Kind.Terminal() {
			return
		}
	}
}

// HasActiveStream reports whether the server still holds an open stream for
// the session.
func (c *Client) HasActiveStream(ctx context.Context, sessionID string) (bool, error) {
	var reply struct {
		Active bool `json:"active"`
	}
	if err := c.getJSON(ctx, c.sessionPath(sessionID, "active"), nil, &reply); err != nil {
		return false, err
	}
	return reply.Active, nil
}

// AbortStream asks the server to stop producing for the session. The stream's
// own aborted event follows through the normal channel.
func (c *Client) AbortStream(ctx context.Context, sessionID string) (bool, error) {
	var reply struct {
		Aborted bool `json:"aborted"`
	}
	if err := c.postJSON(ctx, c.sessionPath(sessionID, "abort"), nil, &reply); err != nil {
		return false, err
	}
	return reply.Aborted, nil
}

// GetSessionTranscript fetches the rich event history for the session.
func (c *Client) GetSessionTranscript(ctx context.Context, sessionID string, query TranscriptQuery) (Transcript, error) {
	values := url.Values{}
	if query.AfterCompact {
		values.Set("afterCompact", "true")
	}
	if query.Segment > 0 {
		values.Set("segment", strconv.Itoa(query.Segment))
	}

	var reply struct {
		Events       []json.RawMessage `json:"events"`
		Segments     []string          `json:"segments"`
		SegmentCount int               `json:"segmentCount"`
	}
	if err := c.getJSON(ctx, c.sessionPath(sessionID, "transcript"), values, &reply); err != nil {
		return Transcript{}, err
	}

	transcript := Transcript{
		Segments:     reply.Segments,
		SegmentCount: reply.SegmentCount,
		Events:       make([]stream.Event, 0, len(reply.Events)),
	}
	for _, raw := range reply.Events {
		ev, err := decodeTranscriptEvent(raw)
		if err != nil {
			c.logger.Debug("skipping undecodable transcript event", "err", err)
			continue
		}
		transcript.Events = append(transcript.Events, ev)
	}
	return transcript, nil
}

// GetSession fetches durable session metadata and messages.
func (c *Client) GetSession(ctx context.Context, sessionID string) (SessionDetail, error) {
	var reply SessionDetail
	if err := c.getJSON(ctx, c.sessionPath(sessionID, ""), nil, &reply); err != nil {
		return SessionDetail{}, err
	}
	return reply, nil
}

// SetSessionContextFolders persists the chosen context folders. Callers treat
// failures as best-effort; local state stays authoritative.
func (c *Client) SetSessionContextFolders(ctx context.Context, sessionID string, folders []string) error {
	payload := struct {
		Folders []string `json:"folders"`
	}{Folders: folders}
	return c.putJSON(ctx, c.sessionPath(sessionID, "context-folders"), payload)
}

// GetSessionContextFolders returns the persisted context folder selection.
func (c *Client) GetSessionContextFolders(ctx context.Context, sessionID string) ([]string, error) {
	var reply struct {
		Folders []string `json:"folders"`
	}
	if err := c.getJSON(ctx, c.sessionPath(sessionID, "context-folders"), nil, &reply); err != nil {
		return nil, err
	}
	return reply.Folders, nil
}

// AnswerQuestion resolves a pending user question on the active stream.
func (c *Client) AnswerQuestion(ctx context.Context, sessionID, requestID string, answers []string) (bool, error) {
	payload := struct {
		RequestID string   `json:"requestId"`
		Answers   []string `json:"answers"`
	}{RequestID: requestID, Answers: answers}

	var reply struct {
		OK bool `json:"ok"`
	}
	if err := c.postJSON(ctx, c.sessionPath(sessionID, "answer"), payload, &reply); err != nil {
		return false, err
	}
	return reply.OK, nil
}

func (c *Client) sessionPath(sessionID, suffix string) string {
	path := c.baseURL + "/chat/sessions/" + url.PathEscape(strings.TrimSpace(sessionID))
	if suffix != "" {
		path += "/" + suffix
	}
	return path
}

func (c *Client) getJSON(ctx context.Context, target string, values url.Values, into any) error {
	if len(values) > 0 {
		target += "?" + values.Encode()
	}
	return c.doJSON(ctx, http.MethodGet, target, nil, into)
}

func (c *Client) postJSON(ctx context.Context, target string, payload, into any) error {
	return c.doJSON(ctx, http.MethodPost, target, payload, into)
}

func (c *Client) putJSON(ctx context.Context, target string, payload any) error {
	return c.doJSON(ctx, http.MethodPut, target, payload, nil)
}

func (c *Client) doJSON(ctx context.Context, method, target string, payload, into any) error {
	requestCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(requestCtx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s %s: %s", ErrUnexpectedStatus, method, target, resp.Status)
	}
	if into == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeTranscriptEvent decodes one stored transcript record, which uses the
// same shape as the wire: a kind plus the frame payload.
func decodeTranscriptEvent(raw json.RawMessage) (stream.Event, error) {
	var envelope struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return stream.Event{}, fmt.Errorf("decode transcript envelope: %w", err)
	}
	return stream.DecodeFrame(envelope.Kind, envelope.Data)
}
