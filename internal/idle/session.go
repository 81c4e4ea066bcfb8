// Package idle maintains persistent IMAP IDLE sessions, one per connected
// IMAP account, and feeds their notifications into the dispatcher.
package idle

import (
	"context"
	"sync"
	"time"

	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/pkg/backoff"
	"github.com/mailzen/ingest-api/pkg/logger"
	"github.com/mailzen/ingest-api/pkg/metrics"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateIdle         State = "idle"
	StateReconnecting State = "reconnecting"
	StateDisabled     State = "disabled"
)

// Transport is one connection lifetime of a listening channel. Listen
// blocks until the connection drops or ctx is canceled; onReady fires once
// the session is established and listening, onMessage once per new message.
type Transport interface {
	Listen(ctx context.Context, userID string, onReady func(), onMessage func(messageID string)) error
}

// Sink receives the raw events a session produces.
type Sink interface {
	Enqueue(event model.RawMailEvent) error
}

// Notifier is informed when a channel is disabled and operator attention
// is needed.
type Notifier interface {
	ChannelDisabled(ctx context.Context, userID string, provider model.Provider, reason error)
}

// StateStore mirrors session states somewhere other processes can read
// them. The API process reports channel health from this mirror.
type StateStore interface {
	Set(ctx context.Context, userID string, state State)
	Get(ctx context.Context, userID string) State
}

// Session drives the connection state machine for one user's IMAP account.
type Session struct {
	userID    string
	transport Transport
	sink      Sink
	notifier  Notifier
	policy    *backoff.Policy
	threshold int
	store     StateStore
	metrics   *metrics.Metrics
	logger    *logger.Logger

	mu       sync.RWMutex
	state    State
	failures int

	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(userID string, transport Transport, sink Sink, notifier Notifier, policy *backoff.Policy, threshold int, store StateStore, m *metrics.Metrics, log *logger.Logger) *Session {
	return &Session{
		userID:    userID,
		transport: transport,
		sink:      sink,
		notifier:  notifier,
		policy:    policy,
		threshold: threshold,
		store:     store,
		metrics:   m,
		logger:    log.WithFields(map[string]interface{}{"user_id": userID}),
		state:     StateDisconnected,
		done:      make(chan struct{}),
	}
}

// State returns the session's current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()

	if s.metrics != nil && prev != state {
		s.metrics.IdleSessionState.WithLabelValues(string(model.ProviderIMAP), string(prev)).Dec()
		s.metrics.IdleSessionState.WithLabelValues(string(model.ProviderIMAP), string(state)).Inc()
	}
	if s.store != nil && prev != state {
		s.store.Set(context.Background(), s.userID, state)
	}
}

func (s *Session) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.metrics != nil {
		s.metrics.IdleSessionState.WithLabelValues(string(model.ProviderIMAP), string(StateDisconnected)).Inc()
	}
	go s.run(ctx)
}

func (s *Session) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		s.setState(StateConnecting)
		err := s.transport.Listen(ctx, s.userID, s.onReady, s.onMessage)

		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		if model.IsCredentialError(err) {
			s.logger.Error(err, "credentials rejected, disabling idle channel")
			s.disable(ctx, err)
			return
		}

		s.mu.Lock()
		s.failures++
		failures := s.failures
		s.mu.Unlock()

		if failures >= s.threshold {
			s.logger.Error(err, "idle session failed too many times, disabling", "failures", failures)
			s.disable(ctx, err)
			return
		}

		delay := s.policy.Delay(failures - 1)
		s.logger.Warn("idle session dropped, reconnecting",
			"failures", failures, "delay", delay.String())
		if s.metrics != nil {
			s.metrics.IdleReconnects.WithLabelValues(string(model.ProviderIMAP)).Inc()
		}
		s.setState(StateReconnecting)

		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

func (s *Session) onReady() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
	s.setState(StateIdle)
	s.logger.Info("idle session established")
}

func (s *Session) onMessage(messageID string) {
	event := model.RawMailEvent{
		UserID:      s.userID,
		Provider:    model.ProviderIMAP,
		ChannelKind: model.ChannelIdle,
		MessageID:   messageID,
		ReceivedAt:  time.Now(),
	}
	if err := s.sink.Enqueue(event); err != nil && !model.IsDuplicate(err) {
		s.logger.Error(err, "failed to enqueue idle event", "message_id", messageID)
	}
}

func (s *Session) disable(ctx context.Context, reason error) {
	s.setState(StateDisabled)
	if s.notifier != nil {
		s.notifier.ChannelDisabled(ctx, s.userID, model.ProviderIMAP, reason)
	}
}
