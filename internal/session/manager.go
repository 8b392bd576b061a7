package session

import (
	"context"
	"sync"

	"hydrocontrol/internal/metrics"
)

// Manager owns one Session per selected device.
type Manager struct {
	ctx    context.Context
	cfg    Config
	store  Store
	meas   Measurements
	issuer Issuer
	opts   []Option

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a manager whose sessions live at most as long as ctx.
func NewManager(ctx context.Context, cfg Config, store Store, meas Measurements, issuer Issuer, opts ...Option) *Manager {
	return &Manager{
		ctx:      ctx,
		cfg:      cfg,
		store:    store,
		meas:     meas,
		issuer:   issuer,
		opts:     opts,
		sessions: map[string]*Session{},
	}
}

// Open returns the running session for deviceID, starting one if needed.
func (m *Manager) Open(deviceID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[deviceID]; ok {
		return s
	}
	s := New(m.ctx, deviceID, m.cfg, m.store, m.meas, m.issuer, m.opts...)
	m.sessions[deviceID] = s
	s.Start()
	metrics.ActiveSessions.Inc()
	return s
}

// Get returns the session for deviceID if one is open.
func (m *Manager) Get(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceID]
	return s, ok
}

// Close stops and forgets the session for deviceID.
func (m *Manager) Close(deviceID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[deviceID]
	delete(m.sessions, deviceID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.Stop()
	metrics.ActiveSessions.Dec()
	return true
}

// CloseAll stops every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range all {
		s.Stop()
		metrics.ActiveSessions.Dec()
	}
}

// Devices lists the devices with an open session.
func (m *Manager) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}
