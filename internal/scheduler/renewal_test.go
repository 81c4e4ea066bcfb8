package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailzen/ingest-api/internal/config"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/provider"
	"github.com/mailzen/ingest-api/pkg/logger"
	"github.com/mailzen/ingest-api/pkg/metrics"
)

type fakeSubs struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*model.Subscription
}

func newFakeSubs(subs ...*model.Subscription) *fakeSubs {
	f := &fakeSubs{rows: make(map[uuid.UUID]*model.Subscription)}
	for _, sub := range subs {
		f.rows[sub.ID] = sub
	}
	return f
}

func (f *fakeSubs) Create(ctx context.Context, sub *model.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[sub.ID] = sub
	return nil
}

func (f *fakeSubs) Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id], nil
}

func (f *fakeSubs) GetForUser(ctx context.Context, userID string, prov model.Provider) (*model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.rows {
		if sub.UserID == userID && sub.Provider == prov {
			return sub, nil
		}
	}
	return nil, nil
}

func (f *fakeSubs) ListByStatus(ctx context.Context, statuses ...model.SubscriptionStatus) ([]*model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Subscription
	for _, sub := range f.rows {
		for _, status := range statuses {
			if sub.Status == status {
				out = append(out, sub)
			}
		}
	}
	return out, nil
}

func (f *fakeSubs) ListExpiringWithin(ctx context.Context, window time.Duration) ([]*model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(window)
	var out []*model.Subscription
	for _, sub := range f.rows {
		if !sub.Live() || sub.ExpiresAt == nil {
			continue
		}
		if sub.ExpiresAt.Before(cutoff) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeSubs) MarkRenewed(ctx context.Context, id uuid.UUID, remoteID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.rows[id]
	if !ok {
		return fmt.Errorf("subscription not found")
	}
	sub.RemoteID = remoteID
	if sub.ExpiresAt == nil || sub.ExpiresAt.Before(expiresAt) {
		sub.ExpiresAt = &expiresAt
	}
	sub.Status = model.SubscriptionStatusActive
	sub.ConsecutiveFailures = 0
	now := time.Now()
	sub.LastRenewedAt = &now
	return nil
}

func (f *fakeSubs) RecordFailure(ctx context.Context, id uuid.UUID, threshold int) (*model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("subscription not found")
	}
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= threshold {
		sub.Status = model.SubscriptionStatusFailed
	}
	copied := *sub
	return &copied, nil
}

func (f *fakeSubs) UpdateRemoteID(ctx context.Context, id uuid.UUID, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.rows[id]; ok {
		sub.RemoteID = remoteID
	}
	return nil
}

func (f *fakeSubs) UpdateStatus(ctx context.Context, id uuid.UUID, status model.SubscriptionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.rows[id]; ok {
		sub.Status = status
	}
	return nil
}

func (f *fakeSubs) Delete(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

type fakeWatcher struct {
	mu      sync.Mutex
	name    model.Provider
	calls   int
	err     error
	expires time.Duration
}

func (p *fakeWatcher) Name() model.Provider { return p.name }

func (p *fakeWatcher) Watch(ctx context.Context, userID string) (*provider.WatchResult, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &provider.WatchResult{
		RemoteID:  "hist-123",
		ExpiresAt: time.Now().Add(p.expires),
	}, nil
}

func (p *fakeWatcher) StopWatch(ctx context.Context, userID string) error { return nil }

func (p *fakeWatcher) ResolveDelta(ctx context.Context, userID, deltaRef string) ([]string, string, error) {
	return nil, deltaRef, nil
}

func (p *fakeWatcher) ListMessagesSince(ctx context.Context, userID, sinceID string, max int) ([]string, error) {
	return nil, nil
}

func (p *fakeWatcher) GetMessage(ctx context.Context, userID, messageID string) (*model.EmailMessage, error) {
	return nil, nil
}

func (p *fakeWatcher) watchCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingAlerter struct {
	mu   sync.Mutex
	subs []*model.Subscription
}

func (a *recordingAlerter) SubscriptionFailed(ctx context.Context, sub *model.Subscription, reason error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = append(a.subs, sub)
}

func (a *recordingAlerter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

func expiringSub(in time.Duration) *model.Subscription {
	expires := time.Now().Add(in)
	return &model.Subscription{
		ID:          uuid.New(),
		UserID:      "u1",
		Provider:    model.ProviderGmail,
		ChannelKind: model.ChannelPush,
		Status:      model.SubscriptionStatusActive,
		Address:     "u1@example.com",
		ExpiresAt:   &expires,
	}
}

func newScheduler(subs *fakeSubs, watcher *fakeWatcher, alerts Alerter) *RenewalScheduler {
	cfg := config.RenewalConfig{
		Interval:         time.Hour,
		Buffer:           24 * time.Hour,
		FailureThreshold: 3,
	}
	return NewRenewalScheduler(cfg, subs, provider.NewRegistry(watcher), alerts,
		metrics.NewTestMetrics(), logger.Nop())
}

func TestRenewExtendsExpiry(t *testing.T) {
	// Expires in 6 hours, inside the 24 hour buffer.
	sub := expiringSub(6 * time.Hour)
	subs := newFakeSubs(sub)
	watcher := &fakeWatcher{name: model.ProviderGmail, expires: 7 * 24 * time.Hour}

	s := newScheduler(subs, watcher, &recordingAlerter{})
	s.RunCycle(context.Background())

	assert.Equal(t, 1, watcher.watchCalls())
	renewed, err := subs.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "hist-123", renewed.RemoteID)
	assert.Equal(t, model.SubscriptionStatusActive, renewed.Status)
	assert.Equal(t, 0, renewed.ConsecutiveFailures)
	require.NotNil(t, renewed.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), *renewed.ExpiresAt, time.Minute)
	assert.NotNil(t, renewed.LastRenewedAt)
}

func TestRunCycleSkipsSubscriptionsOutsideBuffer(t *testing.T) {
	sub := expiringSub(48 * time.Hour)
	subs := newFakeSubs(sub)
	watcher := &fakeWatcher{name: model.ProviderGmail, expires: 7 * 24 * time.Hour}

	s := newScheduler(subs, watcher, &recordingAlerter{})
	s.RunCycle(context.Background())

	assert.Equal(t, 0, watcher.watchCalls())
}

func TestRenewalFailureCountsTowardThreshold(t *testing.T) {
	sub := expiringSub(time.Hour)
	subs := newFakeSubs(sub)
	watcher := &fakeWatcher{
		name: model.ProviderGmail,
		err:  &model.ConnectionError{Provider: model.ProviderGmail, Op: "watch", Err: fmt.Errorf("503")},
	}
	alerts := &recordingAlerter{}

	s := newScheduler(subs, watcher, alerts)

	s.RunCycle(context.Background())
	s.RunCycle(context.Background())
	got, _ := subs.Get(context.Background(), sub.ID)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.Equal(t, model.SubscriptionStatusActive, got.Status)
	assert.Equal(t, 0, alerts.calls())

	// Third consecutive failure crosses the threshold.
	s.RunCycle(context.Background())
	got, _ = subs.Get(context.Background(), sub.ID)
	assert.Equal(t, model.SubscriptionStatusFailed, got.Status)
	assert.Equal(t, 1, alerts.calls())

	// Failed subscriptions are no longer renewal candidates; the poller
	// owns the user now.
	s.RunCycle(context.Background())
	assert.Equal(t, 3, watcher.watchCalls())
}

func TestRenewalSuccessResetsFailures(t *testing.T) {
	sub := expiringSub(time.Hour)
	sub.ConsecutiveFailures = 2
	subs := newFakeSubs(sub)
	watcher := &fakeWatcher{name: model.ProviderGmail, expires: 7 * 24 * time.Hour}

	s := newScheduler(subs, watcher, &recordingAlerter{})
	s.RunCycle(context.Background())

	got, _ := subs.Get(context.Background(), sub.ID)
	assert.Equal(t, 0, got.ConsecutiveFailures)
}

func TestRenewUnknownProvider(t *testing.T) {
	sub := expiringSub(time.Hour)
	sub.Provider = model.Provider("unknown")
	subs := newFakeSubs(sub)
	watcher := &fakeWatcher{name: model.ProviderGmail}

	s := newScheduler(subs, watcher, &recordingAlerter{})
	err := s.Renew(context.Background(), sub)

	require.Error(t, err)
	var renewalErr *model.RenewalError
	assert.ErrorAs(t, err, &renewalErr)
}
