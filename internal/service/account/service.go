// Package account orchestrates mailbox connect and disconnect: credentials,
// account records, real-time channel registration and teardown.
package account

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailzen/ingest-api/internal/idle"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/provider"
	"github.com/mailzen/ingest-api/internal/repository"
	"github.com/mailzen/ingest-api/pkg/logger"
)

// Renewer establishes and refreshes push watches. The renewal scheduler
// implements it; connect reuses the same path as scheduled renewal.
type Renewer interface {
	Renew(ctx context.Context, sub *model.Subscription) error
}

// IdleSessions is the account service's handle on the idle manager.
type IdleSessions interface {
	StartSession(userID string)
	StopSession(userID string)
	SessionState(userID string) idle.State
}

// ConnectRequest carries everything needed to wire up one mailbox.
type ConnectRequest struct {
	UserID       string         `json:"user_id" binding:"required"`
	Provider     model.Provider `json:"provider" binding:"required"`
	Address      string         `json:"address" binding:"required,email"`
	AccessToken  string         `json:"access_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenExpiry  time.Time      `json:"token_expiry,omitempty"`
	IMAPHost     string         `json:"imap_host,omitempty"`
	IMAPPort     int            `json:"imap_port,omitempty"`
	IMAPUsername string         `json:"imap_username,omitempty"`
	IMAPPassword string         `json:"imap_password,omitempty"`
}

// AccountStatus is the list view: the stored account plus live channel
// health.
type AccountStatus struct {
	Account      *model.MailAccount  `json:"account"`
	Subscription *model.Subscription `json:"subscription,omitempty"`
	ChannelState string              `json:"channel_state"`
}

type Service struct {
	accounts  repository.AccountRepository
	subs      repository.SubscriptionRepository
	creds     repository.CredentialRepository
	providers *provider.Registry
	renewer   Renewer
	sessions  IdleSessions
	topicName string
	logger    *logger.Logger
}

func NewService(
	accounts repository.AccountRepository,
	subs repository.SubscriptionRepository,
	creds repository.CredentialRepository,
	providers *provider.Registry,
	renewer Renewer,
	sessions IdleSessions,
	topicName string,
	log *logger.Logger,
) *Service {
	return &Service{
		accounts:  accounts,
		subs:      subs,
		creds:     creds,
		providers: providers,
		renewer:   renewer,
		sessions:  sessions,
		topicName: topicName,
		logger:    log.With("account_service"),
	}
}

// Connect stores credentials, records the account, and brings up the
// real-time channel: a push watch for Gmail, an idle session for IMAP.
func (s *Service) Connect(ctx context.Context, req *ConnectRequest) (*model.MailAccount, error) {
	if !req.Provider.Valid() {
		return nil, fmt.Errorf("unsupported provider %q", req.Provider)
	}

	cred := &model.Credential{
		UserID:       req.UserID,
		Provider:     req.Provider,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenExpiry:  req.TokenExpiry,
		IMAPHost:     req.IMAPHost,
		IMAPPort:     req.IMAPPort,
		IMAPUsername: req.IMAPUsername,
		IMAPPassword: req.IMAPPassword,
	}
	if err := s.creds.Upsert(ctx, cred); err != nil {
		return nil, err
	}

	account := &model.MailAccount{
		UserID:   req.UserID,
		Provider: req.Provider,
		Address:  req.Address,
		Status:   model.AccountStatusConnected,
	}
	if err := s.accounts.Upsert(ctx, account); err != nil {
		return nil, err
	}

	sub := &model.Subscription{
		ID:       uuid.New(),
		UserID:   req.UserID,
		Provider: req.Provider,
		Address:  req.Address,
		Status:   model.SubscriptionStatusActive,
	}

	switch req.Provider {
	case model.ProviderGmail:
		sub.ChannelKind = model.ChannelPush
		sub.TopicName = s.topicName
		if err := s.subs.Create(ctx, sub); err != nil {
			return nil, err
		}
		// The initial watch rides the renewal path: same provider call,
		// same failure accounting.
		stored, err := s.subs.GetForUser(ctx, req.UserID, req.Provider)
		if err != nil {
			return nil, err
		}
		if err := s.renewer.Renew(ctx, stored); err != nil {
			s.logger.Error(err, "initial watch registration failed",
				"user_id", req.UserID)
			return nil, err
		}
	case model.ProviderIMAP:
		sub.ChannelKind = model.ChannelIdle
		if err := s.subs.Create(ctx, sub); err != nil {
			return nil, err
		}
		s.sessions.StartSession(req.UserID)
	}

	s.logger.Info("mailbox connected",
		"user_id", req.UserID,
		"provider", string(req.Provider),
		"address", req.Address)
	return account, nil
}

// Disconnect tears the channel down and forgets the account's credentials.
func (s *Service) Disconnect(ctx context.Context, userID string, prov model.Provider) error {
	sub, err := s.subs.GetForUser(ctx, userID, prov)
	if err != nil {
		return err
	}

	switch prov {
	case model.ProviderGmail:
		if p, ok := s.providers.Get(prov); ok {
			if err := p.StopWatch(ctx, userID); err != nil {
				// Best effort: the watch dies on its own at expiry.
				s.logger.Warn("failed to stop watch during disconnect",
					"user_id", userID, "error", err.Error())
			}
		}
	case model.ProviderIMAP:
		s.sessions.StopSession(userID)
	}

	if sub != nil {
		if err := s.subs.Delete(ctx, sub.ID); err != nil {
			return err
		}
	}
	if err := s.creds.Delete(ctx, userID, prov); err != nil {
		return err
	}
	if err := s.accounts.UpdateStatus(ctx, userID, prov, model.AccountStatusDisconnected); err != nil {
		return err
	}

	s.logger.Info("mailbox disconnected", "user_id", userID, "provider", string(prov))
	return nil
}

// List returns the user's accounts with their channel health attached.
func (s *Service) List(ctx context.Context, userID string) ([]*AccountStatus, error) {
	var statuses []*AccountStatus
	for _, prov := range []model.Provider{model.ProviderGmail, model.ProviderIMAP} {
		account, err := s.accounts.Get(ctx, userID, prov)
		if err != nil {
			return nil, err
		}
		if account == nil {
			continue
		}

		status := &AccountStatus{Account: account, ChannelState: "none"}
		sub, err := s.subs.GetForUser(ctx, userID, prov)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			status.Subscription = sub
			status.ChannelState = string(sub.Status)
			if sub.ChannelKind == model.ChannelIdle {
				status.ChannelState = string(s.sessions.SessionState(userID))
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
