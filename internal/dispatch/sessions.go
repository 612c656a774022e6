package dispatch

import (
	"fmt"
	"strings"
	"sync"
)

// SessionStore tracks the agent sessions that exist per issue.
// Sessions are keyed by repository and issue number, repeated work items for
// the same issue reuse the same session so the agent keeps its conversation
// state.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]struct{}
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: map[string]struct{}{}}
}

// Ensure returns the session id for the issue, creating the session if it
// does not exist yet.
// created is false when the session already existed.
func (s *SessionStore) Ensure(repository string, issueNumber int) (sessionID string, created bool) {
	sessionID = SessionID(repository, issueNumber)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exist := s.sessions[sessionID]; exist {
		return sessionID, false
	}

	s.sessions[sessionID] = struct{}{}

	return sessionID, true
}

// SessionID derives the session id of an issue.
func SessionID(repository string, issueNumber int) string {
	return fmt.Sprintf("%s_%d", strings.ReplaceAll(repository, "/", "_"), issueNumber)
}
