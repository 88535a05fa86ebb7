package subscription

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when no session exists for a channel.
var ErrSessionNotFound = errors.New("session not found")

// Manager indexes the sessions of one connection by channel id.
// It is safe for concurrent use.
type Manager struct {
	mu sync.RWMutex

	// Active sessions by channel
	sessions map[uuid.UUID]*Session
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Add registers s for its channel and returns the session it replaced, if
// any. The replaced session is not closed; that is up to the caller.
func (m *Manager) Add(s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.sessions[s.ChannelID()]
	m.sessions[s.ChannelID()] = s
	return prev
}

// Get returns the session for a channel.
func (m *Manager) Get(channelID uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[channelID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove unregisters s if it is still the session for its channel.
func (m *Manager) Remove(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, exists := m.sessions[s.ChannelID()]; exists && cur == s {
		delete(m.sessions, s.ChannelID())
		return true
	}
	return false
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of the registered sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll unregisters and closes every session (e.g., on disconnect).
func (m *Manager) CloseAll() []*Session {
	sessions := m.clear()
	for _, s := range sessions {
		s.Close()
	}
	return sessions
}

// FailAll unregisters every session and fails it with err (e.g., on
// connection loss).
func (m *Manager) FailAll(err error) []*Session {
	sessions := m.clear()
	for _, s := range sessions {
		s.Fail(err)
	}
	return sessions
}

func (m *Manager) clear() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.sessions = make(map[uuid.UUID]*Session)
	return out
}
