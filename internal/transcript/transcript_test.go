package transcript

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tether/internal/chat"
	"tether/internal/stream"
)

func TestStoreAppendAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewStore(filepath.Join(t.TempDir(), ".tether", "transcripts"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	ctx := context.Background()

	if err := store.AppendMeta(ctx, "s1", chat.Session{ID: "s1", Title: "Notes"}); err != nil {
		t.Fatalf("AppendMeta() error = %v", err)
	}
	if err := store.AppendEvent(ctx, "s1", stream.Event{Kind: stream.KindUserMessage, UserMessage: "summarize"}); err != nil {
		t.Fatalf("AppendEvent(user) error = %v", err)
	}
	if err := store.AppendEvent(ctx, "s1", stream.Event{Kind: stream.KindText, Text: "Here's a summary"}); err != nil {
		t.Fatalf("AppendEvent(text) error = %v", err)
	}
	if err := store.AppendEvent(ctx, "s1", stream.Event{Kind: stream.KindDone, Done: &stream.DonePayload{SessionID: "s1"}}); err != nil {
		t.Fatalf("AppendEvent(done) error = %v", err)
	}

	session, events, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if session.ID != "s1" || session.Title != "Notes" {
		t.Fatalf("session meta = %#v", session)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Kind != stream.KindUserMessage || events[0].UserMessage != "summarize" {
		t.Fatalf("first event = %#v", events[0])
	}
	if events[1].Kind != stream.KindText || events[1].Text != "Here's a summary" {
		t.Fatalf("second event = %#v", events[1])
	}
	if events[2].Kind != stream.KindDone || events[2].Done == nil || events[2].Done.SessionID != "s1" {
		t.Fatalf("third event = %#v", events[2])
	}
}

func TestStoreNewestMetaWins(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	ctx := context.Background()

	if err := store.AppendMeta(ctx, "s1", chat.Session{ID: "s1"}); err != nil {
		t.Fatalf("AppendMeta() error = %v", err)
	}
	if err := store.AppendMeta(ctx, "s1", chat.Session{ID: "s1", Title: "Renamed"}); err != nil {
		t.Fatalf("AppendMeta() error = %v", err)
	}

	session, _, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if session.Title != "Renamed" {
		t.Fatalf("title = %q, want latest meta", session.Title)
	}
}

func TestStoreLoadNotFound(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	if _, _, err := store.Load(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Load() error = %v, want ErrSessionNotFound", err)
	}
}

func TestStoreRejectsPathTraversalIDs(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if err := store.AppendEvent(context.Background(), id, stream.Event{Kind: stream.KindText}); err == nil {
			t.Fatalf("AppendEvent(%q) accepted an unsafe id", id)
		}
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	ctx := context.Background()

	if err := store.AppendMeta(ctx, "s1", chat.Session{ID: "s1"}); err != nil {
		t.Fatalf("AppendMeta(s1) error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := store.AppendMeta(ctx, "s2", chat.Session{ID: "s2"}); err != nil {
		t.Fatalf("AppendMeta(s2) error = %v", err)
	}

	got, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List() count = %d, want 2", len(got))
	}
	if got[0].SessionID != "s2" || got[1].SessionID != "s1" {
		t.Fatalf("List() order = [%s %s], want [s2 s1]", got[0].SessionID, got[1].SessionID)
	}
	if _, err := os.Stat(got[0].Path); err != nil {
		t.Fatalf("transcript path missing: %v", err)
	}
}
