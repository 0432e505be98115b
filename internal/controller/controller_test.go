package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tether/internal/api"
	"tether/internal/background"
	"tether/internal/chat"
	"tether/internal/stream"
)

type fakeService struct {
	mu          sync.Mutex
	streams     []chan stream.Event
	requests    []api.StreamRequest
	active      map[string]bool
	activeCalls int
	abortCalls  int
	abortResult bool
	transcripts map[string]api.Transcript
	details     map[string]api.SessionDetail
	folders     map[string][]string
	answers     [][]string
	openErr     error
}

func newFakeService() *fakeService {
	return &fakeService{
		active:      map[string]bool{},
		abortResult: true,
		transcripts: map[string]api.Transcript{},
		details:     map[string]api.SessionDetail{},
		folders:     map[string][]string{},
	}
}

func (f *fakeService) OpenStream(_ context.Context, req api.StreamRequest) (<-chan stream.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	ch := make(chan stream.Event, 16)
	f.streams = append(f.streams, ch)
	f.requests = append(f.requests, req)
	return ch, nil
}

func (f *fakeService) HasActiveStream(_ context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeCalls++
	return f.active[sessionID], nil
}

func (f *fakeService) AbortStream(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	return f.abortResult, nil
}

func (f *fakeService) GetSessionTranscript(_ context.Context, sessionID string, _ api.TranscriptQuery) (api.Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcripts[sessionID], nil
}

func (f *fakeService) GetSession(_ context.Context, sessionID string) (api.SessionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if detail, ok := f.details[sessionID]; ok {
		return detail, nil
	}
	return api.SessionDetail{Session: chat.Session{ID: sessionID}}, nil
}

func (f *fakeService) SetSessionContextFolders(_ context.Context, sessionID string, folders []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders[sessionID] = append([]string(nil), folders...)
	return nil
}

func (f *fakeService) GetSessionContextFolders(_ context.Context, sessionID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.folders[sessionID], nil
}

func (f *fakeService) AnswerQuestion(_ context.Context, _, _ string, answers []string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answers)
	return true, nil
}

func (f *fakeService) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeService) stream(i int) chan stream.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

func (f *fakeService) request(i int) api.StreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func (f *fakeService) activeProbeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeCalls
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *stateRecorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return State{}
	}
	return r.states[len(r.states)-1]
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func newTestController(t *testing.T, service Service, rec *stateRecorder) (*Controller, *background.Manager) {
	t.Helper()
	manager := background.NewManager(nil)
	var onState func(State)
	if rec != nil {
		onState = rec.record
	}
	ctrl, err := New(Config{
		Service:          service,
		Manager:          manager,
		OnState:          onState,
		ThrottleInterval: time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		MaxPollTicks:     3,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return ctrl, manager
}

func done(sessionID string) stream.Event {
	return stream.Event{Kind: stream.KindDone, Done: &stream.DonePayload{SessionID: sessionID}}
}

func TestSendMessageAssemblesTurnAndRebindsSession(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	ctrl, manager := newTestController(t, service, nil)

	if err := ctrl.SendMessage(context.Background(), SendOptions{Message: "summarize my notes"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	snapshot := ctrl.Snapshot()
	if !snapshot.Streaming {
		t.Fatalf("not streaming after send")
	}
	if len(snapshot.Messages) != 2 {
		t.Fatalf("optimistic messages = %d, want 2", len(snapshot.Messages))
	}
	if snapshot.Session.ID != chat.PendingSessionID {
		t.Fatalf("placeholder session id = %q", snapshot.Session.ID)
	}
	if got := service.request(0); got.SessionID != nil {
		t.Fatalf("brand-new session should not carry a session id, got %q", *got.SessionID)
	}

	ch := service.stream(0)
	ch <- stream.Event{Kind: stream.KindSession, Session: &stream.SessionPayload{ID: "s1", Title: "Notes"}}
	eventually(t, time.Second, func() bool {
		return ctrl.Session().ID == "s1"
	})
	if !manager.HasActive("s1") || manager.HasActive(chat.PendingSessionID) {
		t.Fatalf("registration not rekeyed to durable id")
	}

	ch <- stream.Event{Kind: stream.KindText, Text: "Here's"}
	ch <- stream.Event{Kind: stream.KindText, Text: "Here's a summary"}
	ch <- done("s1")
	close(ch)

	eventually(t, time.Second, func() bool {
		return !ctrl.Streaming()
	})

	messages := ctrl.Messages()
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(messages))
	}
	assistant := messages[1]
	if assistant.Streaming {
		t.Fatalf("assistant message still streaming after done")
	}
	if assistant.SessionID != "s1" {
		t.Fatalf("assistant session id = %q, want s1", assistant.SessionID)
	}
	if assistant.Text() != "Here's a summary" {
		t.Fatalf("assistant text = %q", assistant.Text())
	}
	if manager.HasActive("s1") {
		t.Fatalf("registration still active after done")
	}
}

func TestSendWhileStreamingQueuesAndDrainsInOrder(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	ctrl, _ := newTestController(t, service, nil)
	ctx := context.Background()

	if err := ctrl.SendMessage(ctx, SendOptions{Message: "first"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if err := ctrl.SendMessage(ctx, SendOptions{Message: "second"}); err != nil {
		t.Fatalf("queueing send error = %v", err)
	}
	if err := ctrl.SendMessage(ctx, SendOptions{Message: "third"}); err != nil {
		t.Fatalf("queueing send error = %v", err)
	}

	if queued := ctrl.Snapshot().QueuedMessages; len(queued) != 2 {
		t.Fatalf("queued = %v, want 2 entries", queued)
	}
	if service.streamCount() != 1 {
		t.Fatalf("streams opened = %d, want 1 while first turn runs", service.streamCount())
	}

	for i := 0; i < 3; i++ {
		eventually(t, time.Second, func() bool {
			return service.streamCount() == i+1
		})
		ch := service.stream(i)
		if i == 0 {
			ch <- stream.Event{Kind: stream.KindSession, Session: &stream.SessionPayload{ID: "s1"}}
		}
		ch <- done("s1")
		close(ch)
	}

	eventually(t, time.Second, func() bool {
		return !ctrl.Streaming() && len(ctrl.Snapshot().QueuedMessages) == 0
	})

	wantMessages := []string{"first", "second", "third"}
	for i, want := range wantMessages {
		if got := service.request(i).Message; got != want {
			t.Fatalf("request[%d].Message = %q, want %q", i, got, want)
		}
	}
	// queued turns continue the durable session assigned to the first turn
	second := service.request(1)
	if second.SessionID == nil || *second.SessionID != "s1" {
		t.Fatalf("queued turn did not reuse durable session id: %+v", second.SessionID)
	}
}

func TestToolUseBypassesThrottleAndPromotesThinking(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	manager := background.NewManager(nil)
	rec := &stateRecorder{}
	ctrl, err := New(Config{
		Service:          service,
		Manager:          manager,
		OnState:          rec.record,
		ThrottleInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := ctrl.SendMessage(context.Background(), SendOptions{Message: "plan"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	ch := service.stream(0)

	ch <- stream.Event{Kind: stream.KindText, Text: "Let me check"}
	eventually(t, time.Second, func() bool {
		messages := rec.last().Messages
		return len(messages) == 2 && messages[1].Blocks != nil
	})
	published := rec.count()

	// throttled: assembly continues but no snapshot reaches the UI
	ch <- stream.Event{Kind: stream.KindText, Text: "Let me check the files"}
	time.Sleep(30 * time.Millisecond)
	if rec.count() != published {
		t.Fatalf("throttled text event published a snapshot")
	}

	ch <- stream.Event{Kind: stream.KindToolUse, ToolUse: &stream.ToolUsePayload{ID: "t1", Name: "read_file"}}
	eventually(t, time.Second, func() bool {
		return rec.count() > published
	})

	blocks := rec.last().Messages[1].Blocks
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want thinking + tool", len(blocks))
	}
	if blocks[0].Type != chat.BlockThinking || blocks[0].Text != "Let me check the files" {
		t.Fatalf("trailing text not promoted to thinking: %#v", blocks[0])
	}
	if blocks[1].Type != chat.BlockToolUse || blocks[1].Tool == nil || blocks[1].Tool.Name != "read_file" {
		t.Fatalf("tool block missing: %#v", blocks[1])
	}

	ch <- done("s1")
	close(ch)
	eventually(t, time.Second, func() bool { return !ctrl.Streaming() })
}

func TestSessionUnavailableKeepsPendingMessageForRecovery(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	ctrl, _ := newTestController(t, service, nil)

	if err := ctrl.SendMessage(context.Background(), SendOptions{Message: "hello again"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	ch := service.stream(0)
	ch <- stream.Event{
		Kind: stream.KindSessionUnavailable,
		Unavailable: &stream.UnavailablePayload{
			Reason:             "agent state expired",
			HasMarkdownHistory: true,
			MessageCount:       12,
		},
	}
	close(ch)

	eventually(t, time.Second, func() bool {
		return ctrl.Snapshot().Unavailable != nil
	})
	snapshot := ctrl.Snapshot()
	if snapshot.Streaming {
		t.Fatalf("still streaming after unavailable")
	}
	if snapshot.Unavailable.PendingMessage != "hello again" {
		t.Fatalf("pending message = %q", snapshot.Unavailable.PendingMessage)
	}
	if len(snapshot.Messages) != 0 {
		t.Fatalf("optimistic messages not withdrawn: %d", len(snapshot.Messages))
	}

	if err := ctrl.RecoverSession(context.Background(), RecoverFreshStart); err != nil {
		t.Fatalf("RecoverSession() error = %v", err)
	}
	eventually(t, time.Second, func() bool {
		return service.streamCount() == 2
	})
	retry := service.request(1)
	if retry.Message != "hello again" {
		t.Fatalf("recovery resent %q", retry.Message)
	}
	if retry.SessionID != nil {
		t.Fatalf("fresh start should not reuse the old session id")
	}
	if ctrl.Snapshot().Unavailable != nil {
		t.Fatalf("unavailable info not cleared by recovery")
	}

	ch2 := service.stream(1)
	ch2 <- done("s2")
	close(ch2)
	eventually(t, time.Second, func() bool { return !ctrl.Streaming() })
}

func TestAbortStreamIsNoOpWhenIdle(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	ctrl, _ := newTestController(t, service, nil)

	aborted, err := ctrl.AbortStream(context.Background())
	if err != nil {
		t.Fatalf("AbortStream() error = %v", err)
	}
	if aborted {
		t.Fatalf("abort succeeded with no turn in flight")
	}
	if service.abortCalls != 0 {
		t.Fatalf("abort reached the server with no turn in flight")
	}
}

func TestAbortStreamReleasesTurn(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	ctrl, manager := newTestController(t, service, nil)

	if err := ctrl.SendMessage(context.Background(), SendOptions{Message: "long task"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	aborted, err := ctrl.AbortStream(context.Background())
	if err != nil || !aborted {
		t.Fatalf("AbortStream() = %v, %v", aborted, err)
	}
	if ctrl.Streaming() {
		t.Fatalf("still streaming after abort")
	}

	// the old registration drains alone and tears down on its aborted event
	ch := service.stream(0)
	ch <- stream.Event{Kind: stream.KindAborted}
	close(ch)
	eventually(t, time.Second, func() bool {
		return !manager.HasActive(chat.PendingSessionID)
	})

	if err := ctrl.SendMessage(context.Background(), SendOptions{Message: "next"}); err != nil {
		t.Fatalf("SendMessage() after abort error = %v", err)
	}
	if got := ctrl.Snapshot().QueuedMessages; len(got) != 0 {
		t.Fatalf("send after abort was queued: %v", got)
	}
}

func TestTransportFailureFinishesTurnWithError(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	ctrl, _ := newTestController(t, service, nil)

	if err := ctrl.SendMessage(context.Background(), SendOptions{Message: "hi"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	ch := service.stream(0)
	ch <- stream.Event{Kind: stream.KindError, Err: errors.New("connection reset")}
	close(ch)

	eventually(t, time.Second, func() bool {
		return !ctrl.Streaming()
	})
	snapshot := ctrl.Snapshot()
	if !strings.Contains(snapshot.ErrorMessage, "connection reset") {
		t.Fatalf("error message = %q", snapshot.ErrorMessage)
	}
	assistant := snapshot.Messages[1]
	if assistant.Streaming {
		t.Fatalf("assistant still streaming after transport failure")
	}
	if len(assistant.Blocks) == 0 || assistant.Blocks[len(assistant.Blocks)-1].Type != chat.BlockWarning {
		t.Fatalf("transport failure not surfaced in transcript: %#v", assistant.Blocks)
	}
}

func TestLoadSessionReattachesWithoutDuplicatingUserMessage(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	manager := background.NewManager(nil)
	ctrl, err := New(Config{
		Service:          service,
		Manager:          manager,
		ThrottleInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	service.transcripts["s1"] = api.Transcript{Events: []stream.Event{
		{Kind: stream.KindUserMessage, UserMessage: "run the checks"},
	}}
	service.details["s1"] = api.SessionDetail{
		Session: chat.Session{ID: "s1", Title: "Checks"},
		Messages: []chat.Message{
			{ID: "m1", SessionID: "s1", Role: chat.RoleUser, Blocks: []chat.Block{{Type: chat.BlockText, Text: "run the checks"}}},
			{ID: "m2", SessionID: "s1", Role: chat.RoleAssistant, Blocks: []chat.Block{{Type: chat.BlockText, Text: "all green"}}},
		},
	}

	ch := make(chan stream.Event, 16)
	if _, err := manager.Register("s1", ch, background.Observer{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := ctrl.LoadSession(context.Background(), "s1"); err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if !ctrl.Streaming() {
		t.Fatalf("not streaming after reattach to live registration")
	}
	if got := len(ctrl.Messages()); got != 1 {
		t.Fatalf("baseline messages = %d, want 1 from transcript fold", got)
	}

	// replayed user message matches the baseline: no duplicate
	ch <- stream.Event{Kind: stream.KindUserMessage, UserMessage: "run the checks"}
	ch <- stream.Event{Kind: stream.KindText, Text: "all"}
	eventually(t, time.Second, func() bool {
		messages := ctrl.Messages()
		return len(messages) == 2 && messages[1].Role == chat.RoleAssistant
	})
	messages := ctrl.Messages()
	if messages[0].Role != chat.RoleUser || messages[0].Text() != "run the checks" {
		t.Fatalf("user message duplicated or lost: %#v", messages[0])
	}

	ch <- done("s1")
	close(ch)
	eventually(t, time.Second, func() bool {
		if ctrl.Streaming() {
			return false
		}
		messages := ctrl.Messages()
		return len(messages) == 2 && messages[1].Text() == "all green"
	})
}

func TestSendDuringReattachedTurnQueuesUntilDone(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	manager := background.NewManager(nil)
	ctrl, err := New(Config{
		Service:          service,
		Manager:          manager,
		ThrottleInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	service.details["s1"] = api.SessionDetail{Session: chat.Session{ID: "s1", Title: "Live"}}

	ch := make(chan stream.Event, 16)
	if _, err := manager.Register("s1", ch, background.Observer{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := ctrl.LoadSession(context.Background(), "s1"); err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if !ctrl.Streaming() {
		t.Fatalf("not streaming after reattach")
	}

	// the reattached turn holds the session; a send must wait its turn
	if err := ctrl.SendMessage(context.Background(), SendOptions{Message: "ship it"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if service.streamCount() != 0 {
		t.Fatalf("send opened a second stream alongside the reattached turn")
	}
	if queued := ctrl.Snapshot().QueuedMessages; len(queued) != 1 || queued[0] != "ship it" {
		t.Fatalf("queued = %v, want [ship it]", queued)
	}

	ch <- done("s1")
	close(ch)

	eventually(t, time.Second, func() bool {
		return service.streamCount() == 1
	})
	next := service.request(0)
	if next.Message != "ship it" {
		t.Fatalf("drained message = %q", next.Message)
	}
	if next.SessionID == nil || *next.SessionID != "s1" {
		t.Fatalf("drained turn did not continue the session: %+v", next.SessionID)
	}
	if queued := ctrl.Snapshot().QueuedMessages; len(queued) != 0 {
		t.Fatalf("queue not drained: %v", queued)
	}

	ch2 := service.stream(0)
	ch2 <- done("s1")
	close(ch2)
	eventually(t, time.Second, func() bool { return !ctrl.Streaming() })
}

func TestSendDuringPolledTurnQueuesUntilServerFinishes(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	service.active["s9"] = true
	service.details["s9"] = api.SessionDetail{Session: chat.Session{ID: "s9"}}

	manager := background.NewManager(nil)
	ctrl, err := New(Config{
		Service:          service,
		Manager:          manager,
		ThrottleInterval: time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		MaxPollTicks:     100,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := ctrl.LoadSession(context.Background(), "s9"); err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if !ctrl.Streaming() {
		t.Fatalf("server-side turn not reflected as streaming")
	}

	// the turn is visible only through polling; the send still defers to it
	if err := ctrl.SendMessage(context.Background(), SendOptions{Message: "and then?"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if service.streamCount() != 0 {
		t.Fatalf("send opened a stream while the server-side turn was running")
	}
	if queued := ctrl.Snapshot().QueuedMessages; len(queued) != 1 {
		t.Fatalf("queued = %v, want 1 entry", queued)
	}

	service.mu.Lock()
	service.active["s9"] = false
	service.mu.Unlock()

	eventually(t, time.Second, func() bool {
		return service.streamCount() == 1
	})
	next := service.request(0)
	if next.Message != "and then?" {
		t.Fatalf("drained message = %q", next.Message)
	}
	if next.SessionID == nil || *next.SessionID != "s9" {
		t.Fatalf("drained turn did not continue the session: %+v", next.SessionID)
	}

	ch := service.stream(0)
	ch <- done("s9")
	close(ch)
	eventually(t, time.Second, func() bool { return !ctrl.Streaming() })
}

func TestReattachBackfillMatchesOlderUserMessages(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	manager := background.NewManager(nil)
	ctrl, err := New(Config{
		Service:          service,
		Manager:          manager,
		ThrottleInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// the in-flight turn repeats the text of an older user message; the
	// baseline's newest user message differs
	service.details["s1"] = api.SessionDetail{
		Session: chat.Session{ID: "s1"},
		Messages: []chat.Message{
			{ID: "m1", SessionID: "s1", Role: chat.RoleUser, Blocks: []chat.Block{{Type: chat.BlockText, Text: "status?"}}},
			{ID: "m2", SessionID: "s1", Role: chat.RoleAssistant, Blocks: []chat.Block{{Type: chat.BlockText, Text: "all green"}}},
			{ID: "m3", SessionID: "s1", Role: chat.RoleUser, Blocks: []chat.Block{{Type: chat.BlockText, Text: "deploy"}}},
			{ID: "m4", SessionID: "s1", Role: chat.RoleAssistant, Blocks: []chat.Block{{Type: chat.BlockText, Text: "deployed"}}},
		},
	}

	ch := make(chan stream.Event, 16)
	if _, err := manager.Register("s1", ch, background.Observer{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := ctrl.LoadSession(context.Background(), "s1"); err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if got := len(ctrl.Messages()); got != 4 {
		t.Fatalf("baseline messages = %d, want 4", got)
	}

	ch <- stream.Event{Kind: stream.KindUserMessage, UserMessage: "status?"}
	ch <- stream.Event{Kind: stream.KindText, Text: "still green"}
	eventually(t, time.Second, func() bool {
		messages := ctrl.Messages()
		return len(messages) == 5 && messages[4].Role == chat.RoleAssistant
	})

	users := 0
	for _, m := range ctrl.Messages() {
		if m.Role == chat.RoleUser && m.Text() == "status?" {
			users++
		}
	}
	if users != 1 {
		t.Fatalf("replayed user message duplicated: %d copies", users)
	}

	ch <- done("s1")
	close(ch)
	eventually(t, time.Second, func() bool { return !ctrl.Streaming() })
}

func TestRecoverableErrorFlagSurfacesAndResetsOnNextSend(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	ctrl, _ := newTestController(t, service, nil)

	if err := ctrl.SendMessage(context.Background(), SendOptions{Message: "hi"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	ch := service.stream(0)
	ch <- stream.Event{Kind: stream.KindTypedError, Error: &stream.ErrorPayload{
		Message:     "rate limited",
		Code:        "overloaded",
		Recoverable: true,
	}}
	close(ch)

	eventually(t, time.Second, func() bool {
		return !ctrl.Streaming()
	})
	snapshot := ctrl.Snapshot()
	if snapshot.ErrorMessage != "rate limited" {
		t.Fatalf("error message = %q", snapshot.ErrorMessage)
	}
	if !snapshot.ErrorRecoverable {
		t.Fatalf("recoverable error not flagged")
	}

	if err := ctrl.SendMessage(context.Background(), SendOptions{Message: "retry"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	snapshot = ctrl.Snapshot()
	if snapshot.ErrorMessage != "" || snapshot.ErrorRecoverable {
		t.Fatalf("error state not reset on next send: %q recoverable=%v", snapshot.ErrorMessage, snapshot.ErrorRecoverable)
	}

	ch2 := service.stream(1)
	ch2 <- done("s1")
	close(ch2)
	eventually(t, time.Second, func() bool { return !ctrl.Streaming() })
}

func TestResumeMethodTracksSessionAndDoneEvents(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	ctrl, _ := newTestController(t, service, nil)

	if err := ctrl.SendMessage(context.Background(), SendOptions{Message: "hi"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	ch := service.stream(0)
	ch <- stream.Event{Kind: stream.KindSession, Session: &stream.SessionPayload{ID: "s1", ResumeMethod: "checkpoint"}}
	eventually(t, time.Second, func() bool {
		return ctrl.Snapshot().ResumeMethod == "checkpoint"
	})

	ch <- stream.Event{Kind: stream.KindDone, Done: &stream.DonePayload{SessionID: "s1", ResumeMethod: "transcript"}}
	close(ch)
	eventually(t, time.Second, func() bool {
		return !ctrl.Streaming()
	})
	if got := ctrl.Snapshot().ResumeMethod; got != "transcript" {
		t.Fatalf("resume method after done = %q, want transcript", got)
	}

	ctrl.StartNewSession("")
	if got := ctrl.Snapshot().ResumeMethod; got != "" {
		t.Fatalf("resume method survived a fresh session: %q", got)
	}
}

func TestPollingFallbackGivesUpAfterTickCap(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	service.active["s9"] = true
	service.details["s9"] = api.SessionDetail{Session: chat.Session{ID: "s9", Title: "Remote"}}

	ctrl, _ := newTestController(t, service, nil)

	if err := ctrl.LoadSession(context.Background(), "s9"); err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if !ctrl.Streaming() {
		t.Fatalf("server-side turn not reflected as streaming")
	}

	eventually(t, time.Second, func() bool {
		return !ctrl.Streaming()
	})

	// initial probe plus one per tick, then the loop stops for good
	probes := service.activeProbeCount()
	if probes > 4 {
		t.Fatalf("probes = %d, want at most initial + 3 ticks", probes)
	}
	time.Sleep(30 * time.Millisecond)
	if service.activeProbeCount() != probes {
		t.Fatalf("polling continued after tick cap")
	}
}

func TestPollingAdoptsGrowingTranscript(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	service.active["s9"] = true
	service.details["s9"] = api.SessionDetail{Session: chat.Session{ID: "s9"}}

	manager := background.NewManager(nil)
	ctrl, err := New(Config{
		Service:          service,
		Manager:          manager,
		ThrottleInterval: time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		MaxPollTicks:     100,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := ctrl.LoadSession(context.Background(), "s9"); err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if got := len(ctrl.Messages()); got != 0 {
		t.Fatalf("baseline messages = %d, want 0", got)
	}

	// turn produces content server-side; the next poll picks it up
	service.mu.Lock()
	service.transcripts["s9"] = api.Transcript{Events: []stream.Event{
		{Kind: stream.KindUserMessage, UserMessage: "deploy"},
		{Kind: stream.KindText, Text: "deploying now"},
	}}
	service.mu.Unlock()

	eventually(t, time.Second, func() bool {
		messages := ctrl.Messages()
		return len(messages) == 2 && messages[1].Text() == "deploying now"
	})
}

func TestContinuationRidesOnlyFirstSend(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	ctrl, _ := newTestController(t, service, nil)

	prior := []chat.Message{
		{Role: chat.RoleUser, Blocks: []chat.Block{{Type: chat.BlockText, Text: "what changed?"}}},
		{Role: chat.RoleAssistant, Blocks: []chat.Block{{Type: chat.BlockText, Text: "two files"}}},
	}
	ctrl.ContinueFrom("old-session", prior)

	ctx := context.Background()
	if err := ctrl.SendMessage(ctx, SendOptions{Message: "continue from there"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	first := service.request(0)
	if first.ContinuedFrom != "old-session" {
		t.Fatalf("continuedFrom = %q", first.ContinuedFrom)
	}
	if !strings.HasPrefix(first.PriorConversation, "Assistant: two files\n\n") {
		t.Fatalf("prior conversation not newest-first: %q", first.PriorConversation)
	}
	if !strings.Contains(first.PriorConversation, "Human: what changed?") {
		t.Fatalf("prior conversation missing user turn: %q", first.PriorConversation)
	}

	ch := service.stream(0)
	ch <- done("s1")
	close(ch)
	eventually(t, time.Second, func() bool { return !ctrl.Streaming() })

	if err := ctrl.SendMessage(ctx, SendOptions{Message: "and now?"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if second := service.request(1); second.PriorConversation != "" || second.ContinuedFrom != "" {
		t.Fatalf("continuation repeated on second send: %+v", second)
	}
}

func TestSerializeContinuationDropsOldestPastCap(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 60)
	messages := []chat.Message{
		{Role: chat.RoleUser, Blocks: []chat.Block{{Type: chat.BlockText, Text: "oldest " + long}}},
		{Role: chat.RoleAssistant, Blocks: []chat.Block{{Type: chat.BlockText, Text: "middle"}}},
		{Role: chat.RoleUser, Blocks: []chat.Block{{Type: chat.BlockText, Text: "newest"}}},
	}

	serialized := serializeContinuation(messages, 40)
	if !strings.HasPrefix(serialized, "Human: newest\n\n") {
		t.Fatalf("newest turn missing: %q", serialized)
	}
	if !strings.Contains(serialized, "Assistant: middle") {
		t.Fatalf("middle turn dropped too early: %q", serialized)
	}
	if strings.Contains(serialized, "oldest") {
		t.Fatalf("oldest turn should be dropped past the cap: %q", serialized)
	}
}

func TestContextFoldersPersistAfterDone(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	ctrl, _ := newTestController(t, service, nil)

	ctx := context.Background()
	if err := ctrl.SendMessage(ctx, SendOptions{Message: "hi", Contexts: []string{"notes", "journal"}}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if got := service.request(0).Contexts; len(got) != 2 {
		t.Fatalf("contexts not sent with the turn: %v", got)
	}

	ch := service.stream(0)
	ch <- stream.Event{Kind: stream.KindSession, Session: &stream.SessionPayload{ID: "s1"}}
	ch <- done("s1")
	close(ch)

	eventually(t, time.Second, func() bool {
		service.mu.Lock()
		defer service.mu.Unlock()
		saved := service.folders["s1"]
		return len(saved) == 2 && saved[0] == "notes"
	})
}

func TestPendingQuestionAnswerRoundTrip(t *testing.T) {
	t.Parallel()

	service := newFakeService()
	ctrl, _ := newTestController(t, service, nil)

	if err := ctrl.SendMessage(context.Background(), SendOptions{Message: "hi"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	ch := service.stream(0)
	ch <- stream.Event{Kind: stream.KindSession, Session: &stream.SessionPayload{ID: "s1"}}
	ch <- stream.Event{Kind: stream.KindUserQuestion, UserQuestion: &stream.UserQuestionPayload{
		RequestID: "q1",
		Question:  "overwrite the file?",
		Options:   []string{"yes", "no"},
	}}

	eventually(t, time.Second, func() bool {
		return ctrl.Snapshot().PendingQuestion != nil
	})

	ok, err := ctrl.AnswerQuestion(context.Background(), []string{"yes"})
	if err != nil || !ok {
		t.Fatalf("AnswerQuestion() = %v, %v", ok, err)
	}
	if ctrl.Snapshot().PendingQuestion != nil {
		t.Fatalf("question not cleared after answer")
	}

	ch <- done("s1")
	close(ch)
	eventually(t, time.Second, func() bool { return !ctrl.Streaming() })
}
