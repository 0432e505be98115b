// Package transcript persists session event history as append-only JSONL
// files, one file per session. Records reuse the wire frame shape so replay
// goes through the same decode path as the live stream.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tether/internal/chat"
	"tether/internal/stream"
)

const (
	defaultDirName   = ".tether/transcripts"
	logFileExt       = ".jsonl"
	maxJSONLLineSize = 1024 * 1024

	metaRecordKind = "session_meta"
)

var (
	ErrDirRequired       = errors.New("transcript directory is required")
	ErrSessionIDRequired = errors.New("session id is required")
	ErrInvalidSessionID  = errors.New("invalid session id")
	ErrSessionNotFound   = errors.New("session transcript not found")
)

// record is one JSONL line: the wire envelope plus a timestamp.
type record struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
	TS   int64           `json:"ts"`
}

// LogInfo describes one transcript file on disk.
type LogInfo struct {
	SessionID string
	Path      string
	UpdatedAt time.Time
	SizeBytes int64
}

// Store persists per-session event logs as append-only JSONL files.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore constructs a transcript store rooted at dir.
func NewStore(dir string) (*Store, error) {
	root := strings.TrimSpace(dir)
	if root == "" {
		return nil, ErrDirRequired
	}
	return &Store{dir: root}, nil
}

// DefaultDir returns the canonical transcript directory under a home root.
func DefaultDir(home string) string {
	return filepath.Join(home, defaultDirName)
}

// AppendMeta records the session identity. The newest meta record wins on
// load, so renames and title updates append rather than rewrite.
func (s *Store) AppendMeta(ctx context.Context, sessionID string, session chat.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	return s.appendRecord(ctx, sessionID, record{Kind: metaRecordKind, Data: data})
}

// AppendEvent appends one stream event to the session's log. Events with no
// wire representation are skipped silently.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, ev stream.Event) error {
	kind, data, err := stream.EncodeFrame(ev)
	if err != nil {
		if errors.Is(err, stream.ErrFrameKindUnknown) {
			return nil
		}
		return err
	}
	return s.appendRecord(ctx, sessionID, record{Kind: kind, Data: data})
}

func (s *Store) appendRecord(ctx context.Context, sessionID string, rec record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.logPath(sessionID)
	if err != nil {
		return err
	}
	if rec.TS <= 0 {
		rec.TS = time.Now().Unix()
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal transcript record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create transcript dir %s: %w", s.dir, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript file %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append transcript record: %w", err)
	}
	return nil
}

// Load reads one session's log: the latest session metadata plus the event
// history in append order. Records whose payload no longer decodes are
// skipped so old logs survive protocol growth.
func (s *Store) Load(ctx context.Context, sessionID string) (chat.Session, []stream.Event, error) {
	if err := ctx.Err(); err != nil {
		return chat.Session{}, nil, err
	}

	path, err := s.logPath(sessionID)
	if err != nil {
		return chat.Session{}, nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return chat.Session{}, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, strings.TrimSpace(sessionID))
		}
		return chat.Session{}, nil, fmt.Errorf("open transcript file %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxJSONLLineSize)

	var session chat.Session
	events := make([]stream.Event, 0, 64)
	lineNum := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return chat.Session{}, nil, err
		}

		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return chat.Session{}, nil, fmt.Errorf("decode transcript line %d: %w", lineNum, err)
		}

		if rec.Kind == metaRecordKind {
			if err := json.Unmarshal(rec.Data, &session); err != nil {
				return chat.Session{}, nil, fmt.Errorf("decode transcript meta line %d: %w", lineNum, err)
			}
			continue
		}

		ev, err := stream.DecodeFrame(rec.Kind, rec.Data)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return chat.Session{}, nil, fmt.Errorf("transcript line too large (> %d bytes): %w", maxJSONLLineSize, err)
		}
		if errors.Is(err, io.EOF) {
			return session, events, nil
		}
		return chat.Session{}, nil, fmt.Errorf("scan transcript file: %w", err)
	}

	return session, events, nil
}

// List returns known transcript files sorted by newest first.
func (s *Store) List(ctx context.Context) ([]LogInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transcript dir %s: %w", s.dir, err)
	}

	out := make([]LogInfo, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if item.IsDir() || filepath.Ext(item.Name()) != logFileExt {
			continue
		}

		info, err := item.Info()
		if err != nil {
			return nil, fmt.Errorf("read transcript file info %s: %w", item.Name(), err)
		}

		out = append(out, LogInfo{
			SessionID: strings.TrimSuffix(item.Name(), logFileExt),
			Path:      filepath.Join(s.dir, item.Name()),
			UpdatedAt: info.ModTime(),
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionID > out[j].SessionID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *Store) logPath(sessionID string) (string, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return "", ErrSessionIDRequired
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %s", ErrInvalidSessionID, id)
	}
	return filepath.Join(s.dir, id+logFileExt), nil
}
