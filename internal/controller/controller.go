// Package controller implements the per-view session state machine: it sends
// messages, registers and reattaches to background streams, assembles the
// live transcript, throttles UI snapshots, renegotiates session ids, queues
// messages during an active turn, and falls back to polling when no local
// stream handle exists.
package controller

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"tether/internal/api"
	"tether/internal/background"
	"tether/internal/chat"
	"tether/internal/stream"
	"tether/internal/throttle"
)

const (
	defaultThrottleInterval = 100 * time.Millisecond
	defaultPollInterval     = 2 * time.Second
	defaultMaxPollTicks     = 30
)

var (
	// ErrServiceRequired indicates a controller without a relay service.
	ErrServiceRequired = errors.New("service is required")
	// ErrManagerRequired indicates a controller without a stream manager.
	ErrManagerRequired = errors.New("stream manager is required")
	// ErrEmptyMessage indicates a send with no content.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoRecoveryPending indicates a recovery call without a pending
	// session-unavailable condition.
	ErrNoRecoveryPending = errors.New("no recovery pending")
	// ErrNoPendingQuestion indicates an answer with no question outstanding.
	ErrNoPendingQuestion = errors.New("no pending question")
)

// Service is the relay boundary the controller depends on, satisfied by both
// the HTTP client and the standalone provider.
type Service interface {
	OpenStream(ctx context.Context, req api.StreamRequest) (<-chan stream.Event, error)
	HasActiveStream(ctx context.Context, sessionID string) (bool, error)
	AbortStream(ctx context.Context, sessionID string) (bool, error)
	GetSessionTranscript(ctx context.Context, sessionID string, query api.TranscriptQuery) (api.Transcript, error)
	GetSession(ctx context.Context, sessionID string) (api.SessionDetail, error)
	SetSessionContextFolders(ctx context.Context, sessionID string, folders []string) error
	GetSessionContextFolders(ctx context.Context, sessionID string) ([]string, error)
	AnswerQuestion(ctx context.Context, sessionID, requestID string, answers []string) (bool, error)
}

// State is one published controller snapshot. Slices and pointers are owned
// by the receiver; the controller never mutates a published snapshot.
type State struct {
	Session         chat.Session
	Messages        []chat.Message
	Streaming       bool
	Loading         bool
	QueuedMessages  []string
	PendingQuestion *stream.UserQuestionPayload
	Unavailable     *chat.SessionUnavailableInfo
	ErrorMessage    string
	// ErrorRecoverable is the server's hint that the failed turn may be
	// retried as-is. Meaningful only while ErrorMessage is set.
	ErrorRecoverable bool
	Model            string
	PromptMetadata   *stream.PromptMetadata
	// ResumeMethod is how the server restored agent state for this session
	// ("checkpoint", "transcript", ...), when it said.
	ResumeMethod string
}

// Config configures controller construction.
type Config struct {
	Service Service
	Manager *background.Manager
	Logger  *log.Logger

	// OnState receives throttled state snapshots. May be nil for headless use.
	OnState func(State)

	ThrottleInterval time.Duration
	PollInterval     time.Duration
	MaxPollTicks     int
}

// Controller is the per-view session stream state machine. All exported
// methods are safe for concurrent use; event callbacks from the stream
// manager serialize through the same mutex.
type Controller struct {
	service Service
	manager *background.Manager
	logger  *log.Logger
	onState func(State)

	pollInterval time.Duration
	maxPollTicks int

	now   func() time.Time
	newID func() string

	mu         sync.Mutex
	limiter    *throttle.Limiter
	session    chat.Session
	messages   []chat.Message
	send       *sendStreamContext
	reattach   *reattachContext
	handle     *background.Handle
	queued     []string
	foreground bool
	loading    bool
	streaming  bool

	pendingQuestion *stream.UserQuestionPayload
	unavailable     *chat.SessionUnavailableInfo
	lastError       string
	errRecoverable  bool
	modelName       string
	promptMeta      *stream.PromptMetadata
	resumeMethod    string

	contextFolders []string
	foldersChosen  bool
	continuation   *continuationState
	injectOnNext   bool
	pollGeneration int
}

// New constructs a controller with explicit dependencies.
func New(cfg Config) (*Controller, error) {
	if cfg.Service == nil {
		return nil, ErrServiceRequired
	}
	if cfg.Manager == nil {
		return nil, ErrManagerRequired
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	interval := cfg.ThrottleInterval
	if interval <= 0 {
		interval = defaultThrottleInterval
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	maxTicks := cfg.MaxPollTicks
	if maxTicks <= 0 {
		maxTicks = defaultMaxPollTicks
	}

	return &Controller{
		service:      cfg.Service,
		manager:      cfg.Manager,
		logger:       logger,
		onState:      cfg.OnState,
		pollInterval: pollInterval,
		maxPollTicks: maxTicks,
		now:          time.Now,
		newID:        uuid.NewString,
		limiter:      throttle.New(interval),
		foreground:   true,
	}, nil
}

// Snapshot returns the current state regardless of throttling.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Foreground re-enables UI snapshots and immediately publishes the state the
// view missed while detached.
func (c *Controller) Foreground() {
	c.mu.Lock()
	c.foreground = true
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snapshot)
}

// Background suppresses UI snapshots. Event consumption and terminal
// bookkeeping continue so the server-side turn completes unobserved.
func (c *Controller) Background() {
	c.mu.Lock()
	c.foreground = false
	c.mu.Unlock()
}

// Session returns the current session identity.
func (c *Controller) Session() chat.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Messages returns a copy of the current transcript.
func (c *Controller) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chat.CloneMessages(c.messages)
}

// Streaming reports whether a turn is currently live for this view.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// ContextFolders returns the locally authoritative context selection.
func (c *Controller) ContextFolders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.contextFolders...)
}

func (c *Controller) snapshotLocked() State {
	return State{
		Session:          c.session,
		Messages:         chat.CloneMessages(c.messages),
		Streaming:        c.streaming,
		Loading:          c.loading,
		QueuedMessages:   append([]string(nil), c.queued...),
		PendingQuestion:  c.pendingQuestion,
		Unavailable:      c.unavailable,
		ErrorMessage:     c.lastError,
		ErrorRecoverable: c.errRecoverable,
		Model:            c.modelName,
		PromptMetadata:   c.promptMeta,
		ResumeMethod:     c.resumeMethod,
	}
}

// emitLocked decides whether a snapshot should reach the UI. Forced emission
// bypasses the throttle but never a backgrounded view; terminal bookkeeping
// has already happened by the time this runs.
func (c *Controller) emitLocked(force bool) (State, bool) {
	if c.onState == nil || !c.foreground {
		return State{}, false
	}
	if !force && !c.limiter.Allow() {
		return State{}, false
	}
	return c.snapshotLocked(), true
}

func (c *Controller) publish(snapshot State) {
	if c.onState != nil {
		c.onState(snapshot)
	}
}

func (c *Controller) publishIf(snapshot State, ok bool) {
	if ok {
		c.publish(snapshot)
	}
}

// finishTurnLocked clears per-turn state once a terminal condition has been
// processed. The throttle resets so the next turn's first update is never
// delayed by stale timing.
func (c *Controller) finishTurnLocked() {
	c.send = nil
	c.handle = nil
	c.streaming = false
	c.limiter.Reset()
}

// takeQueuedLocked hands the FIFO queue to the caller for draining once the
// in-flight turn has ended.
func (c *Controller) takeQueuedLocked() []string {
	queued := c.queued
	c.queued = nil
	return queued
}

// reloadSession re-fetches durable state and replaces the local view when the
// session has not changed in the meantime. Failures are logged and swallowed;
// the local transcript stays as-is.
func (c *Controller) reloadSession(sessionID string) {
	detail, err := c.service.GetSession(context.Background(), sessionID)
	if err != nil {
		c.logger.Debug("session reload failed", "session", sessionID, "err", err)
		return
	}

	c.mu.Lock()
	if c.session.ID != sessionID {
		c.mu.Unlock()
		return
	}
	detailSession := detail.Session
	if detailSession.ID == "" {
		detailSession.ID = sessionID
	}
	c.session = detailSession
	c.messages = detail.Messages
	snapshot, ok := c.emitLocked(true)
	c.mu.Unlock()
	c.publishIf(snapshot, ok)
}

func (c *Controller) newMessageID() string {
	return c.newID()
}
