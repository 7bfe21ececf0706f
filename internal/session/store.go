// Package session provides the per-session conversational state store.
//
// A session outlives any particular connection: it is created on first
// reference to an unknown id and never deleted automatically, so a
// client that reconnects resumes with full history. All mutation goes
// through the Store's narrow per-id operations; no lock is ever held
// across an I/O suspension point.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oakandowl/gamemaster/internal/llm"
)

// ErrNotFound is returned when an operation references an unknown
// session id. With no eviction this is a latent case, but it is
// guarded so a future eviction policy cannot corrupt a turn.
var ErrNotFound = errors.New("session not found")

// Message is one entry in a session's history. Immutable once appended.
type Message struct {
	Role       string         `json:"role"` // user, assistant, tool
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// session is the internal mutable state for one session id.
type session struct {
	id        string
	history   []Message
	entities  map[string]struct{}
	createdAt time.Time
	updatedAt time.Time
	turnBusy  bool
}

// Snapshot is a copy-safe view of one session's state.
type Snapshot struct {
	ID        string    `json:"id"`
	History   []Message `json:"history"`
	Entities  []string  `json:"entities"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store holds all sessions. Safe for concurrent use across different
// ids; operations within one id are serialized by the store mutex.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*session)}
}

// GetOrCreate ensures a session exists for id and returns a snapshot.
// Creation is atomic per id: concurrent calls for the same unseen id
// observe exactly one session.
func (s *Store) GetOrCreate(id string) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrCreateLocked(id)
	return sess.snapshot()
}

func (s *Store) getOrCreateLocked(id string) *session {
	sess, ok := s.sessions[id]
	if !ok {
		now := time.Now().UTC()
		sess = &session{
			id:        id,
			entities:  make(map[string]struct{}),
			createdAt: now,
			updatedAt: now,
		}
		s.sessions[id] = sess
	}
	return sess
}

// AppendMessage appends to the session's history, preserving order.
// Returns ErrNotFound for an unknown id.
func (s *Store) AppendMessage(id string, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	sess.history = append(sess.history, m)
	sess.updatedAt = m.Timestamp
	return nil
}

// AddEntity adds a name to the session's active-entity set. Returns
// false if the name was already a member (idempotent, no error).
func (s *Store) AddEntity(id, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if _, exists := sess.entities[name]; exists {
		return false, nil
	}
	sess.entities[name] = struct{}{}
	sess.updatedAt = time.Now().UTC()
	return true, nil
}

// RemoveEntity removes a name from the active-entity set. Removing a
// non-member is a no-op, not an error; returns false in that case.
func (s *Store) RemoveEntity(id, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if _, exists := sess.entities[name]; !exists {
		return false, nil
	}
	delete(sess.entities, name)
	sess.updatedAt = time.Now().UTC()
	return true, nil
}

// Snapshot returns a copy-safe view of the session, or ErrNotFound.
func (s *Store) Snapshot(id string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.snapshot(), nil
}

// TryBeginTurn marks the session as having an in-flight turn. Returns
// false if a turn is already running; a session processes at most one
// turn at a time. Callers that get true must call EndTurn.
func (s *Store) TryBeginTurn(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.turnBusy {
		return false
	}
	sess.turnBusy = true
	return true
}

// EndTurn clears the in-flight turn marker. Safe to call for an
// unknown id (no-op).
func (s *Store) EndTurn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.turnBusy = false
	}
}

// IDs returns all known session ids, sorted.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns store-level counters for the stats endpoint.
func (s *Store) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := 0
	for _, sess := range s.sessions {
		messages += len(sess.history)
	}
	return map[string]any{
		"sessions": len(s.sessions),
		"messages": messages,
	}
}

func (sess *session) snapshot() *Snapshot {
	history := make([]Message, len(sess.history))
	copy(history, sess.history)

	entities := make([]string, 0, len(sess.entities))
	for name := range sess.entities {
		entities = append(entities, name)
	}
	sort.Strings(entities)

	return &Snapshot{
		ID:        sess.id,
		History:   history,
		Entities:  entities,
		CreatedAt: sess.createdAt,
		UpdatedAt: sess.updatedAt,
	}
}
