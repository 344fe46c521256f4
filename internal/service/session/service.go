// Package session owns the in-memory session store: the only shared mutable
// state in the server. Sessions live for the process lifetime unless the
// sweeper removes them.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatbridge/internal/model/chat"
)

var ErrNotFound = errors.New("session not found")

// DefaultTitle is used until the first user message names the session.
const DefaultTitle = "New conversation"

const titleLimit = 50

// Store encapsulates conversation state management.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*chat.Session
}

// NewStore bootstraps the in-memory session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*chat.Session)}
}

// Create provisions a fresh session.
func (s *Store) Create(_ context.Context) chat.Session {
	now := time.Now().UTC()
	session := &chat.Session{
		ID:             uuid.NewString(),
		Title:          DefaultTitle,
		CreatedAt:      now,
		LastActivityAt: now,
		Messages:       make([]chat.Message, 0, 16),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return copySession(session)
}

// Resolve returns the session for id, creating one when id is empty or
// unknown. The second result reports whether a session was created.
func (s *Store) Resolve(ctx context.Context, id string) (chat.Session, bool) {
	if id != "" {
		s.mu.RLock()
		session, ok := s.sessions[id]
		if ok {
			copied := copySession(session)
			s.mu.RUnlock()
			return copied, false
		}
		s.mu.RUnlock()
	}
	return s.Create(ctx), true
}

// Append stores one message on the session and returns it with its assigned
// identity. LastActivityAt never moves backwards.
func (s *Store) Append(_ context.Context, sessionID string, message chat.Message) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Message{}, ErrNotFound
	}

	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}

	session.Messages = append(session.Messages, message)
	if message.Timestamp.After(session.LastActivityAt) {
		session.LastActivityAt = message.Timestamp
	}
	if session.Title == DefaultTitle && message.Role == chat.RoleUser {
		session.Title = deriveTitle(message.Content)
	}

	return message, nil
}

// Get retrieves a session with its full transcript.
func (s *Store) Get(_ context.Context, id string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return chat.Session{}, ErrNotFound
	}
	return copySession(session), nil
}

// List returns session summaries ordered by most recent activity first.
func (s *Store) List(_ context.Context) []chat.Summary {
	s.mu.RLock()
	summaries := make([]chat.Summary, 0, len(s.sessions))
	for _, session := range s.sessions {
		summaries = append(summaries, chat.Summary{
			ID:             session.ID,
			Title:          session.Title,
			CreatedAt:      session.CreatedAt,
			LastActivityAt: session.LastActivityAt,
			MessageCount:   len(session.Messages),
		})
	}
	s.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivityAt.After(summaries[j].LastActivityAt)
	})
	return summaries
}

// Remove drops a session. Retention policy lives with the caller; the store
// only executes the removal.
func (s *Store) Remove(_ context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Count reports the number of live sessions.
func (s *Store) Count(_ context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func copySession(session *chat.Session) chat.Session {
	copied := *session
	copied.Messages = make([]chat.Message, len(session.Messages))
	copy(copied.Messages, session.Messages)
	return copied
}

func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleLimit {
		return content
	}
	return string(runes[:titleLimit]) + "..."
}
