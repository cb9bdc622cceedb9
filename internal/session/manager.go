package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/asr-ws-bridge/internal/config"
	"github.com/skypro1111/asr-ws-bridge/internal/metrics"
)

// Manager tracks active sessions and reaps idle ones. It enforces the
// connection limit at admission time.
type Manager struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager and starts its idle cleanup loop
func NewManager(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}

	mgr.wg.Add(1)
	go mgr.cleanupLoop()

	return mgr
}

// Admit creates and registers a session for an upgraded connection. It
// returns nil when the connection limit is reached; the caller rejects the
// connection.
func (m *Manager) Admit(conn *websocket.Conn) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.Server.MaxConnections {
		m.metrics.RecordConnectionDenied()
		m.logger.Warn("Connection rejected, limit reached",
			slog.Int("max_connections", m.cfg.Server.MaxConnections),
		)
		return nil
	}

	s := New(conn, m.cfg, m.logger, m.metrics, m.remove)
	m.sessions[s.ID] = s
	m.metrics.RecordConnection()

	return s
}

// remove drops a closed session from the registry
func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Get returns the session with the given ID, or nil
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Count returns the number of active sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns snapshots of all active sessions
func (m *Manager) List() []Info {
	m.mu.RLock()
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(active))
	for _, s := range active {
		infos = append(infos, s.Snapshot())
	}
	return infos
}

// cleanupLoop closes sessions whose client has been silent past the idle
// timeout. The check runs at half the timeout interval.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	idleTimeout := m.cfg.Audio.GetSessionIdleTimeout()
	ticker := time.NewTicker(idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle(idleTimeout)
		}
	}
}

func (m *Manager) reapIdle(idleTimeout time.Duration) {
	m.mu.RLock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.IdleFor() > idleTimeout {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		m.logger.Info("Closing idle session",
			slog.String("connection_id", s.ID),
			slog.Duration("idle", s.IdleFor()),
		)
		s.Close()
	}
}

// Shutdown closes all active sessions and stops the cleanup loop
func (m *Manager) Shutdown() {
	m.cancel()

	m.mu.RLock()
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.RUnlock()

	for _, s := range active {
		s.Close()
	}

	m.wg.Wait()
	m.logger.Info("Session manager stopped")
}
