// Package scheduler keeps push subscriptions alive by renewing them before
// their provider-side expiry.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/mailzen/ingest-api/internal/config"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/provider"
	"github.com/mailzen/ingest-api/internal/repository"
	"github.com/mailzen/ingest-api/pkg/logger"
	"github.com/mailzen/ingest-api/pkg/metrics"
)

// Alerter is informed when a subscription crosses the failure threshold.
type Alerter interface {
	SubscriptionFailed(ctx context.Context, sub *model.Subscription, reason error)
}

type RenewalScheduler struct {
	interval  time.Duration
	buffer    time.Duration
	threshold int

	subs      repository.SubscriptionRepository
	providers *provider.Registry
	alerts    Alerter
	metrics   *metrics.Metrics
	logger    *logger.Logger

	// in-flight guard so overlapping cycles never renew the same
	// subscription twice concurrently
	inFlight sync.Map
}

func NewRenewalScheduler(cfg config.RenewalConfig, subs repository.SubscriptionRepository, providers *provider.Registry, alerts Alerter, m *metrics.Metrics, log *logger.Logger) *RenewalScheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 24 * time.Hour
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	return &RenewalScheduler{
		interval:  interval,
		buffer:    buffer,
		threshold: threshold,
		subs:      subs,
		providers: providers,
		alerts:    alerts,
		metrics:   m,
		logger:    log.With("renewal_scheduler"),
	}
}

func (s *RenewalScheduler) Start(ctx context.Context) {
	s.logger.Info("renewal scheduler started",
		"interval", s.interval.String(), "buffer", s.buffer.String())

	// Run once immediately so a restart does not wait a full interval
	// with subscriptions already inside the buffer.
	s.RunCycle(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle renews every subscription expiring inside the buffer window.
// Renewals run concurrently; the cycle waits for all of them.
func (s *RenewalScheduler) RunCycle(ctx context.Context) {
	subs, err := s.subs.ListExpiringWithin(ctx, s.buffer)
	if err != nil {
		s.logger.Error(err, "failed to list expiring subscriptions")
		return
	}
	if len(subs) == 0 {
		return
	}

	s.logger.Info("renewing subscriptions", "count", len(subs))

	var wg sync.WaitGroup
	for _, sub := range subs {
		if _, loaded := s.inFlight.LoadOrStore(sub.ID, struct{}{}); loaded {
			continue
		}
		wg.Add(1)
		go func(sub *model.Subscription) {
			defer wg.Done()
			defer s.inFlight.Delete(sub.ID)
			if err := s.Renew(ctx, sub); err != nil {
				s.logger.Error(err, "subscription renewal failed",
					"subscription_id", sub.ID.String(),
					"user_id", sub.UserID)
			}
		}(sub)
	}
	wg.Wait()
}

// Renew re-registers the provider watch and records the new expiry. The
// account service uses the same path for the initial watch at connect time.
func (s *RenewalScheduler) Renew(ctx context.Context, sub *model.Subscription) error {
	prov, ok := s.providers.Get(sub.Provider)
	if !ok {
		return &model.RenewalError{SubscriptionID: sub.ID.String(), Err: errNoProvider(sub.Provider)}
	}

	result, err := prov.Watch(ctx, sub.UserID)
	if err != nil {
		s.recordFailure(ctx, sub, err)
		return &model.RenewalError{SubscriptionID: sub.ID.String(), Err: err}
	}

	if err := s.subs.MarkRenewed(ctx, sub.ID, result.RemoteID, result.ExpiresAt); err != nil {
		s.recordFailure(ctx, sub, err)
		return &model.RenewalError{SubscriptionID: sub.ID.String(), Err: err}
	}

	s.metrics.SubscriptionRenewals.WithLabelValues(string(sub.Provider), "ok").Inc()
	s.logger.Info("subscription renewed",
		"subscription_id", sub.ID.String(),
		"user_id", sub.UserID,
		"expires_at", result.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (s *RenewalScheduler) recordFailure(ctx context.Context, sub *model.Subscription, reason error) {
	s.metrics.SubscriptionRenewals.WithLabelValues(string(sub.Provider), "error").Inc()

	updated, err := s.subs.RecordFailure(ctx, sub.ID, s.threshold)
	if err != nil {
		s.logger.Error(err, "failed to record renewal failure", "subscription_id", sub.ID.String())
		return
	}

	if updated.Status == model.SubscriptionStatusFailed && sub.Status != model.SubscriptionStatusFailed {
		s.metrics.SubscriptionRenewals.WithLabelValues(string(sub.Provider), "failed").Inc()
		s.logger.Warn("subscription crossed failure threshold, poller takes over",
			"subscription_id", sub.ID.String(),
			"user_id", sub.UserID,
			"failures", updated.ConsecutiveFailures)
		if s.alerts != nil {
			s.alerts.SubscriptionFailed(ctx, updated, reason)
		}
	}
}

type errNoProvider model.Provider

func (e errNoProvider) Error() string {
	return "no provider registered for " + string(e)
}
