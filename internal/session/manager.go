package session

import (
	"context"
	"strings"
	"sync"

	"fieldops-patrol/internal/apperror"
)

// Manager keeps at most one live session per namespace.
type Manager struct {
	dialer Dialer
	opts   Options

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(dialer Dialer, opts Options) *Manager {
	return &Manager{
		dialer:   dialer,
		opts:     opts,
		sessions: map[string]*Session{},
	}
}

// Open returns the session for namespace, connecting it eagerly. A call with a
// different token tears the previous session down before the new one dials.
func (m *Manager) Open(ctx context.Context, namespace, token string) (*Session, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, apperror.New(apperror.KindInvalidInput, "namespace required")
	}
	if strings.TrimSpace(token) == "" {
		return nil, apperror.New(apperror.KindInvalidInput, "auth token required")
	}

	m.mu.Lock()
	prev := m.sessions[namespace]
	if prev != nil && prev.token == token && !prev.Closed() {
		m.mu.Unlock()
		return prev, nil
	}
	s := New(namespace, token, m.dialer, m.opts)
	m.sessions[namespace] = s
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	s.Connect(ctx)
	return s, nil
}

func (m *Manager) Get(namespace string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[namespace]
}

// Close tears down the session for namespace, if any.
func (m *Manager) Close(namespace string) {
	m.mu.Lock()
	s := m.sessions[namespace]
	delete(m.sessions, namespace)
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Foreground forwards the app-foreground signal to every session.
func (m *Manager) Foreground(ctx context.Context) {
	for _, s := range m.snapshot() {
		s.Foreground(ctx)
	}
}

// SetReachable forwards the reachability signal to every session.
func (m *Manager) SetReachable(ctx context.Context, reachable bool) {
	for _, s := range m.snapshot() {
		s.SetReachable(ctx, reachable)
	}
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
