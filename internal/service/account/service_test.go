package account

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailzen/ingest-api/internal/idle"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/provider"
	"github.com/mailzen/ingest-api/pkg/logger"
)

type fakeAccounts struct {
	rows map[string]*model.MailAccount
}

func accountKey(userID string, prov model.Provider) string {
	return userID + "|" + string(prov)
}

func (f *fakeAccounts) Upsert(ctx context.Context, account *model.MailAccount) error {
	f.rows[accountKey(account.UserID, account.Provider)] = account
	return nil
}

func (f *fakeAccounts) Get(ctx context.Context, userID string, prov model.Provider) (*model.MailAccount, error) {
	return f.rows[accountKey(userID, prov)], nil
}

func (f *fakeAccounts) GetByAddress(ctx context.Context, prov model.Provider, address string) (*model.MailAccount, error) {
	for _, account := range f.rows {
		if account.Provider == prov && account.Address == address {
			return account, nil
		}
	}
	return nil, nil
}

func (f *fakeAccounts) ListConnected(ctx context.Context) ([]*model.MailAccount, error) {
	var out []*model.MailAccount
	for _, account := range f.rows {
		if account.Status == model.AccountStatusConnected {
			out = append(out, account)
		}
	}
	return out, nil
}

func (f *fakeAccounts) UpdateStatus(ctx context.Context, userID string, prov model.Provider, status model.AccountStatus) error {
	if account, ok := f.rows[accountKey(userID, prov)]; ok {
		account.Status = status
	}
	return nil
}

type fakeSubs struct {
	rows map[uuid.UUID]*model.Subscription
}

func (f *fakeSubs) Create(ctx context.Context, sub *model.Subscription) error {
	f.rows[sub.ID] = sub
	return nil
}

func (f *fakeSubs) Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	return f.rows[id], nil
}

func (f *fakeSubs) GetForUser(ctx context.Context, userID string, prov model.Provider) (*model.Subscription, error) {
	for _, sub := range f.rows {
		if sub.UserID == userID && sub.Provider == prov {
			return sub, nil
		}
	}
	return nil, nil
}

func (f *fakeSubs) ListByStatus(ctx context.Context, statuses ...model.SubscriptionStatus) ([]*model.Subscription, error) {
	return nil, nil
}

func (f *fakeSubs) ListExpiringWithin(ctx context.Context, window time.Duration) ([]*model.Subscription, error) {
	return nil, nil
}

func (f *fakeSubs) MarkRenewed(ctx context.Context, id uuid.UUID, remoteID string, expiresAt time.Time) error {
	if sub, ok := f.rows[id]; ok {
		sub.RemoteID = remoteID
		sub.ExpiresAt = &expiresAt
		sub.Status = model.SubscriptionStatusActive
	}
	return nil
}

func (f *fakeSubs) RecordFailure(ctx context.Context, id uuid.UUID, threshold int) (*model.Subscription, error) {
	return f.rows[id], nil
}

func (f *fakeSubs) UpdateRemoteID(ctx context.Context, id uuid.UUID, remoteID string) error {
	return nil
}

func (f *fakeSubs) UpdateStatus(ctx context.Context, id uuid.UUID, status model.SubscriptionStatus) error {
	return nil
}

func (f *fakeSubs) Delete(ctx context.Context, id uuid.UUID) error {
	delete(f.rows, id)
	return nil
}

type fakeCreds struct {
	rows map[string]*model.Credential
}

func (f *fakeCreds) Upsert(ctx context.Context, cred *model.Credential) error {
	f.rows[accountKey(cred.UserID, cred.Provider)] = cred
	return nil
}

func (f *fakeCreds) Get(ctx context.Context, userID string, prov model.Provider) (*model.Credential, error) {
	return f.rows[accountKey(userID, prov)], nil
}

func (f *fakeCreds) Delete(ctx context.Context, userID string, prov model.Provider) error {
	delete(f.rows, accountKey(userID, prov))
	return nil
}

type fakeRenewer struct {
	renewed []*model.Subscription
	err     error
}

func (r *fakeRenewer) Renew(ctx context.Context, sub *model.Subscription) error {
	if r.err != nil {
		return r.err
	}
	r.renewed = append(r.renewed, sub)
	return nil
}

type fakeSessions struct {
	started []string
	stopped []string
	state   idle.State
}

func (s *fakeSessions) StartSession(userID string)       { s.started = append(s.started, userID) }
func (s *fakeSessions) StopSession(userID string)        { s.stopped = append(s.stopped, userID) }
func (s *fakeSessions) SessionState(userID string) idle.State {
	if s.state == "" {
		return idle.StateDisconnected
	}
	return s.state
}

type stubProvider struct {
	name model.Provider
}

func (p *stubProvider) Name() model.Provider { return p.name }

func (p *stubProvider) Watch(ctx context.Context, userID string) (*provider.WatchResult, error) {
	return &provider.WatchResult{RemoteID: "ref", ExpiresAt: time.Now().Add(7 * 24 * time.Hour)}, nil
}

func (p *stubProvider) StopWatch(ctx context.Context, userID string) error { return nil }

func (p *stubProvider) ResolveDelta(ctx context.Context, userID, deltaRef string) ([]string, string, error) {
	return nil, deltaRef, nil
}

func (p *stubProvider) ListMessagesSince(ctx context.Context, userID, sinceID string, max int) ([]string, error) {
	return nil, nil
}

func (p *stubProvider) GetMessage(ctx context.Context, userID, messageID string) (*model.EmailMessage, error) {
	return nil, nil
}

type serviceFixture struct {
	service  *Service
	accounts *fakeAccounts
	subs     *fakeSubs
	creds    *fakeCreds
	renewer  *fakeRenewer
	sessions *fakeSessions
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	accounts := &fakeAccounts{rows: make(map[string]*model.MailAccount)}
	subs := &fakeSubs{rows: make(map[uuid.UUID]*model.Subscription)}
	creds := &fakeCreds{rows: make(map[string]*model.Credential)}
	renewer := &fakeRenewer{}
	sessions := &fakeSessions{}
	providers := provider.NewRegistry(
		&stubProvider{name: model.ProviderGmail},
		&stubProvider{name: model.ProviderIMAP},
	)

	svc := NewService(accounts, subs, creds, providers, renewer, sessions,
		"projects/p/topics/mail", logger.Nop())
	return &serviceFixture{
		service:  svc,
		accounts: accounts,
		subs:     subs,
		creds:    creds,
		renewer:  renewer,
		sessions: sessions,
	}
}

func TestConnectGmailRegistersWatch(t *testing.T) {
	f := newServiceFixture(t)

	account, err := f.service.Connect(context.Background(), &ConnectRequest{
		UserID:       "u1",
		Provider:     model.ProviderGmail,
		Address:      "u1@example.com",
		AccessToken:  "at",
		RefreshToken: "rt",
	})
	require.NoError(t, err)
	assert.Equal(t, model.AccountStatusConnected, account.Status)

	sub, err := f.subs.GetForUser(context.Background(), "u1", model.ProviderGmail)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, model.ChannelPush, sub.ChannelKind)
	assert.Equal(t, "projects/p/topics/mail", sub.TopicName)

	require.Len(t, f.renewer.renewed, 1)
	assert.Empty(t, f.sessions.started)
}

func TestConnectIMAPStartsIdleSession(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.Connect(context.Background(), &ConnectRequest{
		UserID:       "u2",
		Provider:     model.ProviderIMAP,
		Address:      "u2@mail.example.com",
		IMAPHost:     "mail.example.com",
		IMAPPort:     993,
		IMAPUsername: "u2",
		IMAPPassword: "pw",
	})
	require.NoError(t, err)

	sub, err := f.subs.GetForUser(context.Background(), "u2", model.ProviderIMAP)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, model.ChannelIdle, sub.ChannelKind)

	assert.Equal(t, []string{"u2"}, f.sessions.started)
	assert.Empty(t, f.renewer.renewed)
}

func TestConnectRejectsUnknownProvider(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.Connect(context.Background(), &ConnectRequest{
		UserID:   "u1",
		Provider: model.Provider("exchange"),
		Address:  "u1@example.com",
	})
	assert.Error(t, err)
}

func TestConnectSurfacesWatchFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.renewer.err = fmt.Errorf("watch registration refused")

	_, err := f.service.Connect(context.Background(), &ConnectRequest{
		UserID:   "u1",
		Provider: model.ProviderGmail,
		Address:  "u1@example.com",
	})
	assert.Error(t, err)
}

func TestDisconnectTearsDownIMAP(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.Connect(context.Background(), &ConnectRequest{
		UserID:   "u2",
		Provider: model.ProviderIMAP,
		Address:  "u2@mail.example.com",
		IMAPHost: "mail.example.com",
	})
	require.NoError(t, err)

	require.NoError(t, f.service.Disconnect(context.Background(), "u2", model.ProviderIMAP))

	assert.Equal(t, []string{"u2"}, f.sessions.stopped)
	sub, _ := f.subs.GetForUser(context.Background(), "u2", model.ProviderIMAP)
	assert.Nil(t, sub)
	cred, _ := f.creds.Get(context.Background(), "u2", model.ProviderIMAP)
	assert.Nil(t, cred)
	account, _ := f.accounts.Get(context.Background(), "u2", model.ProviderIMAP)
	require.NotNil(t, account)
	assert.Equal(t, model.AccountStatusDisconnected, account.Status)
}

func TestListReportsChannelState(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.Connect(context.Background(), &ConnectRequest{
		UserID:   "u2",
		Provider: model.ProviderIMAP,
		Address:  "u2@mail.example.com",
		IMAPHost: "mail.example.com",
	})
	require.NoError(t, err)
	f.sessions.state = idle.StateIdle

	statuses, err := f.service.List(context.Background(), "u2")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, string(idle.StateIdle), statuses[0].ChannelState)
}
