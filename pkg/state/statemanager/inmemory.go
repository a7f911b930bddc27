package statemanager

import (
	"log/slog"
	"sync"

	"github.com/jorgeolive/peregrinapp-backend/pkg/state"
)

// InMemoryRegistry keeps the user-to-connection mapping for this process.
// All operations are O(1) map operations behind a single RWMutex.
type InMemoryRegistry struct {
	conns map[string]*state.Connection
	mu    sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryRegistry(logger *slog.Logger) *InMemoryRegistry {
	return &InMemoryRegistry{
		conns:  make(map[string]*state.Connection),
		logger: logger.With(slog.String("component", "connection_registry")),
	}
}

// compile-time check to ensure InMemoryRegistry implements Registry.
var _ state.Registry = (*InMemoryRegistry)(nil)

// Register records the connection as the user's current one. If the identity
// was already registered the prior entry is removed and returned; the caller
// decides whether to close its transport.
func (r *InMemoryRegistry) Register(conn *state.Connection) *state.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.conns[conn.UserID]
	r.conns[conn.UserID] = conn
	if prev != nil {
		r.logger.Debug("Connection superseded", slog.String("userID", conn.UserID))
	}
	r.logger.Debug("Connection registered", slog.String("userID", conn.UserID))
	return prev
}

func (r *InMemoryRegistry) Unregister(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[userID]; !ok {
		// already unregistered
		return
	}
	delete(r.conns, userID)
	r.logger.Debug("Connection unregistered", slog.String("userID", userID))
}

func (r *InMemoryRegistry) Get(userID string) (*state.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

func (r *InMemoryRegistry) UserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

func (r *InMemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SessionTable is a symmetric adjacency over user identities: each endpoint's
// set contains the other. Entries die only through End or Cleanup; there is
// no idle timeout.
type SessionTable struct {
	partners map[string]map[string]struct{}
	mu       sync.RWMutex

	logger *slog.Logger
}

func NewSessionTable(logger *slog.Logger) *SessionTable {
	return &SessionTable{
		partners: make(map[string]map[string]struct{}),
		logger:   logger.With(slog.String("component", "chat_sessions")),
	}
}

var _ state.SessionTracker = (*SessionTable)(nil)

func (t *SessionTable) Track(a, b string) {
	if a == b || a == "" || b == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.link(a, b)
	t.link(b, a)
}

// link must be called with the lock held.
func (t *SessionTable) link(from, to string) {
	set, ok := t.partners[from]
	if !ok {
		set = make(map[string]struct{})
		t.partners[from] = set
	}
	set[to] = struct{}{}
}

func (t *SessionTable) PartnersOf(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set := t.partners[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (t *SessionTable) HasSession(a, b string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set, ok := t.partners[a]
	if !ok {
		return false
	}
	_, ok = set[b]
	return ok
}

func (t *SessionTable) End(a, b string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.unlink(a, b)
	t.unlink(b, a)
}

// unlink must be called with the lock held.
func (t *SessionTable) unlink(from, to string) {
	set, ok := t.partners[from]
	if !ok {
		return
	}
	delete(set, to)
	if len(set) == 0 {
		delete(t.partners, from)
	}
}

func (t *SessionTable) Cleanup(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for partner := range t.partners[userID] {
		t.unlink(partner, userID)
	}
	delete(t.partners, userID)
	t.logger.Debug("Chat sessions cleared", slog.String("userID", userID))
}
