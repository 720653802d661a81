package notifier

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/punchcard-io/punchcard/pkg/messaging"
)

// Hub is the in-process fanout for settlement events. Sessions subscribe by
// identity (a customer or merchant id); publishing to an identity delivers to
// every live session for it and silently drops when nobody listens. This is a
// live channel, not a queue: nothing is buffered beyond the per-session
// channel and nothing is persisted.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[uuid.UUID]*Session
	buffer   int
	logger   *slog.Logger
}

// Session is one live subscriber, typically one connected device.
type Session struct {
	ID       uuid.UUID
	Identity string
	Events   chan *messaging.Event

	hub  *Hub
	done chan struct{}
	once sync.Once
}

// NewHub creates a hub. buffer is the per-session channel depth; a slow
// consumer loses events rather than blocking publishers.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]map[uuid.UUID]*Session),
		buffer:   buffer,
		logger:   logger,
	}
}

// Subscribe registers a new session for an identity. Multiple concurrent
// sessions per identity are supported (multiple devices).
func (h *Hub) Subscribe(identity string) *Session {
	s := &Session{
		ID:       uuid.New(),
		Identity: identity,
		Events:   make(chan *messaging.Event, h.buffer),
		hub:      h,
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if h.sessions[identity] == nil {
		h.sessions[identity] = make(map[uuid.UUID]*Session)
	}
	h.sessions[identity][s.ID] = s
	h.mu.Unlock()

	return s
}

// Close unsubscribes the session. Safe to call more than once and never
// affects other sessions for the same identity.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
}

// Done is closed when the session is unsubscribed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs := h.sessions[s.Identity]; subs != nil {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(h.sessions, s.Identity)
		}
	}
}

// Publish fans out an event to every session subscribed to the identity.
// Non-blocking: a full session channel drops the event for that session.
func (h *Hub) Publish(identity string, event *messaging.Event) {
	h.mu.RLock()
	subs := h.sessions[identity]
	targets := make([]*Session, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.Events <- event:
		case <-s.done:
		default:
			h.logger.Warn("dropping event for slow subscriber",
				"identity", identity, "session_id", s.ID, "event_type", event.Type)
		}
	}
}

// SessionCount returns the number of live sessions for an identity.
func (h *Hub) SessionCount(identity string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[identity])
}
