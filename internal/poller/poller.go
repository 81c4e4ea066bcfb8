// Package poller implements the fallback sweep that guarantees delivery
// when a real-time channel is down. Accounts with a healthy channel are
// skipped as an optimization; correctness never depends on the skip.
package poller

import (
	"context"
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/mailzen/ingest-api/internal/config"
	"github.com/mailzen/ingest-api/internal/idle"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/provider"
	"github.com/mailzen/ingest-api/internal/repository"
	"github.com/mailzen/ingest-api/pkg/logger"
	"github.com/mailzen/ingest-api/pkg/metrics"
)

// Dispatching is the poller's view of the dispatcher: the synchronous path
// only, so a failed message halts the batch and the marker stays put.
type Dispatching interface {
	Dispatch(ctx context.Context, event model.RawMailEvent) error
}

// IdleHealth reports the connection state of a user's idle session.
type IdleHealth interface {
	SessionState(userID string) idle.State
}

type HybridPoller struct {
	interval     time.Duration
	batchSize    int
	healthBuffer time.Duration
	limiter      *rate.Limiter

	accounts   repository.AccountRepository
	subs       repository.SubscriptionRepository
	markers    repository.MarkerRepository
	providers  *provider.Registry
	dispatcher Dispatching
	idleHealth IdleHealth

	// health answers are memoized within a single cycle so the sweep does
	// not hammer the subscriptions table; the cache is flushed at the top
	// of every cycle so a channel that failed since the last sweep is
	// covered by the very next one
	health  *cache.Cache
	metrics *metrics.Metrics
	logger  *logger.Logger
}

func NewHybridPoller(
	cfg config.PollerConfig,
	accounts repository.AccountRepository,
	subs repository.SubscriptionRepository,
	markers repository.MarkerRepository,
	providers *provider.Registry,
	dispatcher Dispatching,
	idleHealth IdleHealth,
	m *metrics.Metrics,
	log *logger.Logger,
) *HybridPoller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	buffer := cfg.HealthBuffer
	if buffer <= 0 {
		buffer = time.Hour
	}
	return &HybridPoller{
		interval:     interval,
		batchSize:    batch,
		healthBuffer: buffer,
		limiter:      rate.NewLimiter(limit, burst),
		accounts:     accounts,
		subs:         subs,
		markers:      markers,
		providers:    providers,
		dispatcher:   dispatcher,
		idleHealth:   idleHealth,
		health:       cache.New(interval, 2*interval),
		metrics:      m,
		logger:       log.With("hybrid_poller"),
	}
}

func (p *HybridPoller) Start(ctx context.Context) {
	p.logger.Info("hybrid poller started", "interval", p.interval.String())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunCycle(ctx)
		}
	}
}

// RunCycle sweeps every connected account once. Per-account failures are
// isolated: one broken mailbox never stops the sweep.
func (p *HybridPoller) RunCycle(ctx context.Context) {
	p.metrics.PollCycles.Inc()
	p.health.Flush()

	accounts, err := p.accounts.ListConnected(ctx)
	if err != nil {
		p.logger.Error(err, "failed to list accounts for poll cycle")
		return
	}

	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		if p.channelHealthy(ctx, account) {
			p.metrics.PollUsersSkipped.Inc()
			continue
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		if err := p.pollAccount(ctx, account); err != nil {
			p.logger.Error(err, "poll failed for account",
				"user_id", account.UserID,
				"provider", string(account.Provider))
		}
	}
}

// channelHealthy reports whether the account's real-time channel can be
// trusted right now. Push channels need a live subscription clear of the
// expiry buffer; idle channels need an established session.
func (p *HybridPoller) channelHealthy(ctx context.Context, account *model.MailAccount) bool {
	key := account.UserID + "|" + string(account.Provider)
	if cached, ok := p.health.Get(key); ok {
		return cached.(bool)
	}

	healthy := p.checkHealth(ctx, account)
	p.health.Set(key, healthy, cache.DefaultExpiration)
	return healthy
}

func (p *HybridPoller) checkHealth(ctx context.Context, account *model.MailAccount) bool {
	sub, err := p.subs.GetForUser(ctx, account.UserID, account.Provider)
	if err != nil {
		p.logger.Error(err, "failed to check subscription health", "user_id", account.UserID)
		return false
	}
	if sub == nil || !sub.Live() {
		return false
	}

	switch sub.ChannelKind {
	case model.ChannelPush:
		return sub.ExpiresAt != nil && sub.ExpiresAt.After(time.Now().Add(p.healthBuffer))
	case model.ChannelIdle:
		return p.idleHealth != nil && p.idleHealth.SessionState(account.UserID) == idle.StateIdle
	default:
		return false
	}
}

func (p *HybridPoller) pollAccount(ctx context.Context, account *model.MailAccount) error {
	prov, ok := p.providers.Get(account.Provider)
	if !ok {
		return fmt.Errorf("no provider registered for %q", account.Provider)
	}

	var sinceID string
	marker, err := p.markers.Get(ctx, account.UserID, account.Provider)
	if err != nil {
		return err
	}
	if marker != nil {
		sinceID = marker.LastMessageID
	}

	ids, err := prov.ListMessagesSince(ctx, account.UserID, sinceID, p.batchSize)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	p.metrics.PollMessagesFetched.Add(float64(len(ids)))
	p.logger.Info("polling missed messages",
		"user_id", account.UserID,
		"provider", string(account.Provider),
		"count", len(ids))

	for _, id := range ids {
		event := model.RawMailEvent{
			UserID:      account.UserID,
			Provider:    account.Provider,
			ChannelKind: model.ChannelPoll,
			MessageID:   id,
			ReceivedAt:  time.Now(),
		}
		err := p.dispatcher.Dispatch(ctx, event)
		if err == nil || model.IsDuplicate(err) {
			continue
		}
		// The marker did not advance past this message; the next cycle
		// retries from here. Later messages must wait so ordering and
		// the marker's forward-only rule hold.
		return fmt.Errorf("dispatch of %s halted batch: %w", id, err)
	}
	return nil
}
