package poller

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
	"github.com/mailzen/ingest-api/internal/idle"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/provider"
	"github.com/mailzen/ingest-api/pkg/logger"
	"github.com/mailzen/ingest-api/pkg/metrics"
)

type fakeAccounts struct {
	connected []*model.MailAccount
}

func (f *fakeAccounts) Upsert(ctx context.Context, account *model.MailAccount) error { return nil }

func (f *fakeAccounts) Get(ctx context.Context, userID string, prov model.Provider) (*model.MailAccount, error) {
	return nil, nil
}

func (f *fakeAccounts) GetByAddress(ctx context.Context, prov model.Provider, address string) (*model.MailAccount, error) {
	return nil, nil
}

func (f *fakeAccounts) ListConnected(ctx context.Context) ([]*model.MailAccount, error) {
	return f.connected, nil
}

func (f *fakeAccounts) UpdateStatus(ctx context.Context, userID string, prov model.Provider, status model.AccountStatus) error {
	return nil
}

type fakeSubs struct {
	byUser map[string]*model.Subscription
}

func (f *fakeSubs) Create(ctx context.Context, sub *model.Subscription) error { return nil }
func (f *fakeSubs) Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	return nil, nil
}

func (f *fakeSubs) GetForUser(ctx context.Context, userID string, prov model.Provider) (*model.Subscription, error) {
	return f.byUser[userID+"|"+string(prov)], nil
}

func (f *fakeSubs) ListByStatus(ctx context.Context, statuses ...model.SubscriptionStatus) ([]*model.Subscription, error) {
	return nil, nil
}

func (f *fakeSubs) ListExpiringWithin(ctx context.Context, window time.Duration) ([]*model.Subscription, error) {
	return nil, nil
}

func (f *fakeSubs) MarkRenewed(ctx context.Context, id uuid.UUID, remoteID string, expiresAt time.Time) error {
	return nil
}

func (f *fakeSubs) RecordFailure(ctx context.Context, id uuid.UUID, threshold int) (*model.Subscription, error) {
	return nil, nil
}

func (f *fakeSubs) UpdateRemoteID(ctx context.Context, id uuid.UUID, remoteID string) error {
	return nil
}

func (f *fakeSubs) UpdateStatus(ctx context.Context, id uuid.UUID, status model.SubscriptionStatus) error {
	return nil
}

func (f *fakeSubs) Delete(ctx context.Context, id uuid.UUID) error { return nil }

type fakeMarkers struct {
	mu      sync.Mutex
	markers map[string]string
}

func (f *fakeMarkers) Get(ctx context.Context, userID string, prov model.Provider) (*model.ProcessedMarker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last, ok := f.markers[userID+"|"+string(prov)]
	if !ok {
		return nil, nil
	}
	return &model.ProcessedMarker{UserID: userID, Provider: prov, LastMessageID: last}, nil
}

func (f *fakeMarkers) Advance(ctx context.Context, userID string, prov model.Provider, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers[userID+"|"+string(prov)] = messageID
	return nil
}

type fakeMailbox struct {
	name     model.Provider
	messages map[string][]string
}

func (p *fakeMailbox) Name() model.Provider { return p.name }

func (p *fakeMailbox) Watch(ctx context.Context, userID string) (*provider.WatchResult, error) {
	return nil, fmt.Errorf("not supported")
}

func (p *fakeMailbox) StopWatch(ctx context.Context, userID string) error { return nil }

func (p *fakeMailbox) ResolveDelta(ctx context.Context, userID, deltaRef string) ([]string, string, error) {
	return nil, deltaRef, nil
}

func (p *fakeMailbox) ListMessagesSince(ctx context.Context, userID, sinceID string, max int) ([]string, error) {
	var out []string
	for _, id := range p.messages[userID] {
		if model.MessageIDNewer(id, sinceID) {
			out = append(out, id)
		}
		if len(out) == max {
			break
		}
	}
	return out, nil
}

func (p *fakeMailbox) GetMessage(ctx context.Context, userID, messageID string) (*model.EmailMessage, error) {
	return &model.EmailMessage{MessageID: messageID, Provider: p.name}, nil
}

// markerDispatcher mimics the real dispatcher's contract: it advances the
// marker on success and fails the ids it is told to fail.
type markerDispatcher struct {
	mu      sync.Mutex
	markers *fakeMarkers
	failIDs map[string]bool
	events  []model.RawMailEvent
}

func (d *markerDispatcher) Dispatch(ctx context.Context, event model.RawMailEvent) error {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
	if d.failIDs[event.MessageID] {
		return &model.AnalysisError{MessageID: event.MessageID, Err: fmt.Errorf("analyzer down")}
	}
	return d.markers.Advance(ctx, event.UserID, event.Provider, event.MessageID)
}

func (d *markerDispatcher) dispatched() []model.RawMailEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.RawMailEvent(nil), d.events...)
}

type staticHealth struct {
	state idle.State
}

func (h *staticHealth) SessionState(userID string) idle.State { return h.state }

type pollerFixture struct {
	poller     *HybridPoller
	accounts   *fakeAccounts
	subs       *fakeSubs
	markers    *fakeMarkers
	mailbox    *fakeMailbox
	dispatcher *markerDispatcher
	health     *staticHealth
}

func newPollerFixture(t *testing.T) *pollerFixture {
	t.Helper()
	accounts := &fakeAccounts{}
	subs := &fakeSubs{byUser: make(map[string]*model.Subscription)}
	markers := &fakeMarkers{markers: make(map[string]string)}
	mailbox := &fakeMailbox{name: model.ProviderGmail, messages: make(map[string][]string)}
	dispatcher := &markerDispatcher{markers: markers, failIDs: make(map[string]bool)}
	health := &staticHealth{state: idle.StateDisconnected}

	cfg := config.PollerConfig{
		Interval:     time.Minute,
		BatchSize:    10,
		HealthBuffer: time.Millisecond,
	}
	p := NewHybridPoller(cfg, accounts, subs, markers, provider.NewRegistry(mailbox),
		dispatcher, health, metrics.NewTestMetrics(), logger.Nop())
	return &pollerFixture{
		poller:     p,
		accounts:   accounts,
		subs:       subs,
		markers:    markers,
		mailbox:    mailbox,
		dispatcher: dispatcher,
		health:     health,
	}
}

func gmailAccount(userID string) *model.MailAccount {
	return &model.MailAccount{
		UserID:   userID,
		Provider: model.ProviderGmail,
		Address:  userID + "@example.com",
		Status:   model.AccountStatusConnected,
	}
}

func TestPollerDispatchesMissedMessages(t *testing.T) {
	f := newPollerFixture(t)
	f.accounts.connected = []*model.MailAccount{gmailAccount("u1")}
	f.mailbox.messages["u1"] = []string{"101", "102", "103"}
	f.markers.markers["u1|gmail"] = "100"

	f.poller.RunCycle(context.Background())

	events := f.dispatcher.dispatched()
	require.Len(t, events, 3)
	assert.Equal(t, "101", events[0].MessageID)
	assert.Equal(t, model.ChannelPoll, events[0].ChannelKind)
	assert.Equal(t, "103", f.markers.markers["u1|gmail"])
}

func TestPollerSkipsHealthyPushChannel(t *testing.T) {
	f := newPollerFixture(t)
	f.accounts.connected = []*model.MailAccount{gmailAccount("u1")}
	f.mailbox.messages["u1"] = []string{"101"}

	expires := time.Now().Add(3 * 24 * time.Hour)
	f.subs.byUser["u1|gmail"] = &model.Subscription{
		ID:          uuid.New(),
		UserID:      "u1",
		Provider:    model.ProviderGmail,
		ChannelKind: model.ChannelPush,
		Status:      model.SubscriptionStatusActive,
		ExpiresAt:   &expires,
	}

	f.poller.RunCycle(context.Background())
	assert.Empty(t, f.dispatcher.dispatched())
}

func TestPollerCoversChannelThatFailsBetweenCycles(t *testing.T) {
	f := newPollerFixture(t)
	f.accounts.connected = []*model.MailAccount{gmailAccount("u1")}

	expires := time.Now().Add(3 * 24 * time.Hour)
	f.subs.byUser["u1|gmail"] = &model.Subscription{
		ID:          uuid.New(),
		UserID:      "u1",
		Provider:    model.ProviderGmail,
		ChannelKind: model.ChannelPush,
		Status:      model.SubscriptionStatusActive,
		ExpiresAt:   &expires,
	}

	// First cycle sees a healthy push channel and skips the user.
	f.poller.RunCycle(context.Background())
	assert.Empty(t, f.dispatcher.dispatched())

	// The channel fails between cycles and a message arrives. The stale
	// "healthy" answer from the last cycle must not mask the outage.
	f.subs.byUser["u1|gmail"].Status = model.SubscriptionStatusFailed
	f.mailbox.messages["u1"] = []string{"101"}

	f.poller.RunCycle(context.Background())
	events := f.dispatcher.dispatched()
	require.Len(t, events, 1)
	assert.Equal(t, "101", events[0].MessageID)
}

func TestPollerCoversPushChannelInsideExpiryBuffer(t *testing.T) {
	f := newPollerFixture(t)
	f.accounts.connected = []*model.MailAccount{gmailAccount("u1")}
	f.mailbox.messages["u1"] = []string{"101"}

	cfg := config.PollerConfig{Interval: time.Minute, BatchSize: 10, HealthBuffer: time.Hour}
	p := NewHybridPoller(cfg, f.accounts, f.subs, f.markers, provider.NewRegistry(f.mailbox),
		f.dispatcher, f.health, metrics.NewTestMetrics(), logger.Nop())

	// Live but expiring in 30 minutes, inside the one hour buffer: the
	// subscription may lapse before the next sweep, so poll now.
	expires := time.Now().Add(30 * time.Minute)
	f.subs.byUser["u1|gmail"] = &model.Subscription{
		ID:          uuid.New(),
		UserID:      "u1",
		Provider:    model.ProviderGmail,
		ChannelKind: model.ChannelPush,
		Status:      model.SubscriptionStatusActive,
		ExpiresAt:   &expires,
	}

	p.RunCycle(context.Background())
	assert.Len(t, f.dispatcher.dispatched(), 1)
}

func TestPollerCoversFailedSubscription(t *testing.T) {
	f := newPollerFixture(t)
	f.accounts.connected = []*model.MailAccount{gmailAccount("u1")}
	f.mailbox.messages["u1"] = []string{"101"}

	f.subs.byUser["u1|gmail"] = &model.Subscription{
		ID:          uuid.New(),
		UserID:      "u1",
		Provider:    model.ProviderGmail,
		ChannelKind: model.ChannelPush,
		Status:      model.SubscriptionStatusFailed,
	}

	f.poller.RunCycle(context.Background())

	events := f.dispatcher.dispatched()
	require.Len(t, events, 1)
	assert.Equal(t, "101", events[0].MessageID)
}

func TestPollerCoversExpiredPushChannel(t *testing.T) {
	f := newPollerFixture(t)
	f.accounts.connected = []*model.MailAccount{gmailAccount("u1")}
	f.mailbox.messages["u1"] = []string{"101"}

	expired := time.Now().Add(-time.Hour)
	f.subs.byUser["u1|gmail"] = &model.Subscription{
		ID:          uuid.New(),
		UserID:      "u1",
		Provider:    model.ProviderGmail,
		ChannelKind: model.ChannelPush,
		Status:      model.SubscriptionStatusActive,
		ExpiresAt:   &expired,
	}

	f.poller.RunCycle(context.Background())
	assert.Len(t, f.dispatcher.dispatched(), 1)
}

func TestPollerHaltsBatchOnDispatchFailure(t *testing.T) {
	f := newPollerFixture(t)
	f.accounts.connected = []*model.MailAccount{gmailAccount("u1")}
	f.mailbox.messages["u1"] = []string{"101", "102", "103"}
	f.dispatcher.failIDs["102"] = true

	f.poller.RunCycle(context.Background())

	// 101 succeeded, 102 failed, 103 never attempted.
	events := f.dispatcher.dispatched()
	require.Len(t, events, 2)
	assert.Equal(t, "101", f.markers.markers["u1|gmail"])

	// The next cycle resumes from the marker and retries 102.
	f.dispatcher.failIDs["102"] = false
	f.poller.RunCycle(context.Background())
	assert.Equal(t, "103", f.markers.markers["u1|gmail"])
}

func TestPollerRespectsBatchSize(t *testing.T) {
	f := newPollerFixture(t)
	f.accounts.connected = []*model.MailAccount{gmailAccount("u1")}
	for i := 1; i <= 25; i++ {
		f.mailbox.messages["u1"] = append(f.mailbox.messages["u1"], fmt.Sprintf("%d", 100+i))
	}

	f.poller.RunCycle(context.Background())
	assert.Len(t, f.dispatcher.dispatched(), 10)
}

func TestPollerIdleChannelHealth(t *testing.T) {
	f := newPollerFixture(t)
	account := gmailAccount("u1")
	account.Provider = model.ProviderIMAP
	f.accounts.connected = []*model.MailAccount{account}

	imapBox := &fakeMailbox{name: model.ProviderIMAP, messages: map[string][]string{"u1": {"11"}}}
	cfg := config.PollerConfig{Interval: time.Minute, BatchSize: 10, HealthBuffer: time.Millisecond}
	f.subs.byUser["u1|imap"] = &model.Subscription{
		ID:          uuid.New(),
		UserID:      "u1",
		Provider:    model.ProviderIMAP,
		ChannelKind: model.ChannelIdle,
		Status:      model.SubscriptionStatusActive,
	}

	// Established session: skipped.
	f.health.state = idle.StateIdle
	p := NewHybridPoller(cfg, f.accounts, f.subs, f.markers, provider.NewRegistry(imapBox),
		f.dispatcher, f.health, metrics.NewTestMetrics(), logger.Nop())
	p.RunCycle(context.Background())
	assert.Empty(t, f.dispatcher.dispatched())

	// Reconnecting session: polled.
	f.health.state = idle.StateReconnecting
	p = NewHybridPoller(cfg, f.accounts, f.subs, f.markers, provider.NewRegistry(imapBox),
		f.dispatcher, f.health, metrics.NewTestMetrics(), logger.Nop())
	p.RunCycle(context.Background())
	assert.Len(t, f.dispatcher.dispatched(), 1)
}
