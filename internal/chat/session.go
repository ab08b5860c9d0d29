// Package chat orchestrates a conversation turn: validation, session state,
// routing, retrieval or SQL execution, and answer composition.
package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxHistoryTurns = 20
	sessionTTL      = 2 * time.Hour
)

// Turn is one utterance in a session's bounded history.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Session is per-conversation state, in-process only.
type Session struct {
	ID           string    `json:"id"`
	ActiveSchema string    `json:"active_schema,omitempty"`
	History      []Turn    `json:"history"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionManager owns the session map.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for id, creating one (and minting an id
// when empty).
func (m *SessionManager) GetOrCreate(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != "" {
		if s, ok := m.sessions[id]; ok {
			return s
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	s := &Session{ID: id, CreatedAt: now, UpdatedAt: now}
	m.sessions[id] = s
	return s
}

// SetActiveSchema records the schema the session is working against.
func (m *SessionManager) SetActiveSchema(id, schemaName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.ActiveSchema = schemaName
		s.UpdatedAt = time.Now()
	}
}

// Append adds a turn, trimming history to the bounded window.
func (m *SessionManager) Append(id, role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.History = append(s.History, Turn{Role: role, Content: content, At: time.Now()})
	if len(s.History) > maxHistoryTurns {
		s.History = s.History[len(s.History)-maxHistoryTurns:]
	}
	s.UpdatedAt = time.Now()
}

// History returns a copy of the session's turns, or nil for unknown ids.
func (m *SessionManager) History(id string) []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	out := make([]Turn, len(s.History))
	copy(out, s.History)
	return out
}

// Delete drops a session.
func (m *SessionManager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// StartSweeper evicts idle sessions until ctx ends.
func (m *SessionManager) StartSweeper(done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-sessionTTL)
				m.mu.Lock()
				for id, s := range m.sessions {
					if s.UpdatedAt.Before(cutoff) {
						delete(m.sessions, id)
					}
				}
				m.mu.Unlock()
			}
		}
	}()
}
