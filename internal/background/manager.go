// Package background decouples the lifetime of a network stream from the
// lifetime of any UI observer. A registered stream is drained to completion
// whether or not anyone is watching; observers attach and detach freely.
package background

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"tether/internal/stream"
)

var (
	// ErrSessionIDRequired indicates a registration without a session id.
	ErrSessionIDRequired = errors.New("session id is required")
	// ErrStreamRequired indicates a registration without an event channel.
	ErrStreamRequired = errors.New("event stream is required")
	// ErrAlreadyRegistered indicates a second registration for an active session id.
	ErrAlreadyRegistered = errors.New("stream already registered for session")
	// ErrNoActiveStream indicates a reattach or rename against an unknown session id.
	ErrNoActiveStream = errors.New("no active stream for session")
	// ErrStreamInterrupted indicates the transport closed without a terminal event.
	ErrStreamInterrupted = errors.New("stream closed without terminal event")
)

// Observer receives events from a registered stream. OnDone fires once after
// the terminal event has been delivered through OnEvent; OnError fires exactly
// once on transport failure, after which no further callbacks arrive.
type Observer struct {
	OnEvent func(stream.Event)
	OnDone  func(stream.Event)
	OnError func(error)
}

// Handle detaches one observer. Cancel never tears down the underlying
// stream; the registration keeps draining until its own terminal event.
type Handle struct {
	once   sync.Once
	detach func()
}

// Cancel removes the observer from the registration. Safe to call repeatedly.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(h.detach)
}

// Manager owns one registration per session id.
type Manager struct {
	logger *log.Logger

	mu            sync.Mutex
	registrations map[string]*registration
}

// NewManager constructs an empty registry. A nil logger disables logging.
func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Manager{
		logger:        logger,
		registrations: make(map[string]*registration),
	}
}

// Register begins consuming events under sessionID and attaches obs as the
// first observer. At most one registration may exist per session id; the
// previous one must finish before a new one is accepted.
func (m *Manager) Register(sessionID string, events <-chan stream.Event, obs Observer) (*Handle, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return nil, ErrSessionIDRequired
	}
	if events == nil {
		return nil, ErrStreamRequired
	}

	m.mu.Lock()
	if _, exists := m.registrations[id]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyRegistered
	}
	reg := newRegistration(m, id)
	m.registrations[id] = reg
	m.mu.Unlock()

	handle := reg.attach(obs)
	go reg.consume(events)

	m.logger.Debug("registered stream", "session", id)
	return handle, nil
}

// HasActive reports whether a registration exists for sessionID and has not
// reached a terminal event.
func (m *Manager) HasActive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registrations[strings.TrimSpace(sessionID)]
	return ok
}

// Reattach adds a new observer to an already-registered, still-active stream.
// Events delivered before the reattachment are not replayed; the caller
// reconciles prior state independently.
func (m *Manager) Reattach(sessionID string, obs Observer) (*Handle, error) {
	m.mu.Lock()
	reg, ok := m.registrations[strings.TrimSpace(sessionID)]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoActiveStream
	}
	handle, ok := reg.tryAttach(obs)
	if !ok {
		return nil, ErrNoActiveStream
	}
	return handle, nil
}

// Rename rekeys a registration, used when a session that started under a
// placeholder id learns its durable id mid-stream.
func (m *Manager) Rename(oldID, newID string) error {
	from := strings.TrimSpace(oldID)
	to := strings.TrimSpace(newID)
	if from == "" || to == "" {
		return ErrSessionIDRequired
	}
	if from == to {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registrations[from]
	if !ok {
		return ErrNoActiveStream
	}
	if _, taken := m.registrations[to]; taken {
		return ErrAlreadyRegistered
	}
	delete(m.registrations, from)
	m.registrations[to] = reg
	reg.setID(to)

	m.logger.Debug("renamed stream registration", "from", from, "to", to)
	return nil
}

func (m *Manager) remove(reg *registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := reg.currentID()
	if m.registrations[id] == reg {
		delete(m.registrations, id)
	}
}

type registration struct {
	manager *Manager

	mu        sync.Mutex
	id        string
	observers map[int]Observer
	nextKey   int
	finished  bool
}

func newRegistration(manager *Manager, id string) *registration {
	return &registration{
		manager:   manager,
		id:        id,
		observers: make(map[int]Observer),
	}
}

// consume drains the event channel to completion. Detached observers never
// stop consumption; the server-side turn finishes regardless of UI lifecycle.
func (r *registration) consume(events <-chan stream.Event) {
	for ev := range events {
		if ev.Err != nil {
			r.fail(ev.Err)
			drain(events)
			return
		}
		if ev.Kind.Terminal() {
			r.finish(ev)
			drain(events)
			return
		}
		for _, obs := range r.snapshot() {
			if obs.OnEvent != nil {
				obs.OnEvent(ev)
			}
		}
	}
	r.fail(ErrStreamInterrupted)
}

func (r *registration) finish(terminal stream.Event) {
	observers := r.close()
	r.manager.remove(r)
	for _, obs := range observers {
		if obs.OnEvent != nil {
			obs.OnEvent(terminal)
		}
		if obs.OnDone != nil {
			obs.OnDone(terminal)
		}
	}
	r.manager.logger.Debug("stream finished", "session", r.currentID(), "kind", terminal.Kind)
}

func (r *registration) fail(err error) {
	observers := r.close()
	r.manager.remove(r)
	for _, obs := range observers {
		if obs.OnError != nil {
			obs.OnError(err)
		}
	}
	r.manager.logger.Debug("stream failed", "session", r.currentID(), "err", err)
}

// close marks the registration finished and returns the observers in
// attachment order, exactly once.
func (r *registration) close() []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil
	}
	r.finished = true
	return r.orderedObserversLocked()
}

func (r *registration) snapshot() []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil
	}
	return r.orderedObserversLocked()
}

func (r *registration) orderedObserversLocked() []Observer {
	ordered := make([]Observer, 0, len(r.observers))
	for key := 0; key < r.nextKey; key++ {
		if obs, ok := r.observers[key]; ok {
			ordered = append(ordered, obs)
		}
	}
	return ordered
}

func (r *registration) attach(obs Observer) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attachLocked(obs)
}

func (r *registration) attachLocked(obs Observer) *Handle {
	key := r.nextKey
	r.nextKey++
	r.observers[key] = obs

	return &Handle{detach: func() {
		r.mu.Lock()
		delete(r.observers, key)
		r.mu.Unlock()
	}}
}

func (r *registration) tryAttach(obs Observer) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil, false
	}
	return r.attachLocked(obs), true
}

func (r *registration) setID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = id
}

func (r *registration) currentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func drain(events <-chan stream.Event) {
	for range events {
	}
}
