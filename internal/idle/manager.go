package idle

import (
	"context"
	"sync"
	"time"

	"github.com/mailzen/ingest-api/internal/config"
	"github.com/mailzen/ingest-api/pkg/backoff"
	"github.com/mailzen/ingest-api/pkg/logger"
	"github.com/mailzen/ingest-api/pkg/metrics"
)

// Manager owns the set of running idle sessions, one per user with a
// connected IMAP account.
type Manager struct {
	transport Transport
	sink      Sink
	notifier  Notifier
	policy    *backoff.Policy
	threshold int
	store     StateStore
	metrics   *metrics.Metrics
	logger    *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewManager(cfg config.IdleConfig, transport Transport, sink Sink, notifier Notifier, store StateStore, m *metrics.Metrics, log *logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: transport,
		sink:      sink,
		notifier:  notifier,
		policy:    backoff.New(cfg.BackoffBase, 2, cfg.BackoffMax, 0.2),
		threshold: cfg.FailureThreshold,
		store:     store,
		metrics:   m,
		logger:    log.With("idle_manager"),
		sessions:  make(map[string]*Session),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// StartSession begins (or restarts) the idle session for a user. Restarting
// an existing session resets its failure budget, which is how a disabled
// channel comes back after credentials are refreshed.
func (m *Manager) StartSession(userID string) {
	m.mu.Lock()
	if existing, ok := m.sessions[userID]; ok {
		delete(m.sessions, userID)
		m.mu.Unlock()
		existing.stop()
		m.mu.Lock()
	}
	session := newSession(userID, m.transport, m.sink, m.notifier, m.policy, m.threshold, m.store, m.metrics, m.logger)
	m.sessions[userID] = session
	m.mu.Unlock()

	session.start(m.ctx)
	m.logger.Info("started idle session", "user_id", userID)
}

func (m *Manager) StopSession(userID string) {
	m.mu.Lock()
	session, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()

	if ok {
		session.stop()
		m.logger.Info("stopped idle session", "user_id", userID)
	}
}

// SessionState reports the connection state for a user's idle channel, or
// StateDisconnected when no session exists. The poller uses this to decide
// whether the real-time channel can be trusted.
func (m *Manager) SessionState(userID string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if session, ok := m.sessions[userID]; ok {
		return session.State()
	}
	return StateDisconnected
}

// StopAll shuts down every session and waits for their loops to exit.
func (m *Manager) StopAll(timeout time.Duration) {
	m.cancel()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, s := range sessions {
			s.stop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		m.logger.Warn("timed out waiting for idle sessions to stop")
	}
}
