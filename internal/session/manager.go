package session

import (
	"errors"
	"sync"
)

// ErrSessionExists is returned when a host tries to create a second session
// while one is still live on the same connection.
var ErrSessionExists = errors.New("session: a live session already exists")

// Manager owns the active sessions, one per host connection. It replaces
// the original's process-wide "adapter already created" flag with per
// session state: a new session may be created only when no live one exists
// for that connection.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create builds a session for the host connection id. The supplied config's
// OnTerminated is wrapped so a finished session unregisters itself.
func (m *Manager) Create(connID string, cfg Config) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[connID]; ok && existing.Alive() {
		m.mu.Unlock()
		return nil, ErrSessionExists
	}
	m.mu.Unlock()

	userDone := cfg.OnTerminated
	cfg.OnTerminated = func() {
		m.remove(connID)
		if userDone != nil {
			userDone()
		}
	}

	sess := New(cfg)

	m.mu.Lock()
	m.sessions[connID] = sess
	m.mu.Unlock()

	log.Infof("session created for connection %s", connID)
	return sess, nil
}

// Get returns the session for a host connection, if any.
func (m *Manager) Get(connID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[connID]
	return s, ok
}

func (m *Manager) remove(connID string) {
	m.mu.Lock()
	delete(m.sessions, connID)
	m.mu.Unlock()
}

// Close hangs up every active session. Used on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Hangup()
	}
}
