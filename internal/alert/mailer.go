// Package alert sends operator notifications for conditions that need a
// human: disabled channels and subscriptions past the failure threshold.
package alert

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/mailzen/ingest-api/internal/config"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/pkg/logger"
)

type Mailer struct {
	cfg    config.AlertsConfig
	dialer *gomail.Dialer
	logger *logger.Logger
}

func NewMailer(cfg config.AlertsConfig, log *logger.Logger) *Mailer {
	m := &Mailer{cfg: cfg, logger: log.With("alerts")}
	if cfg.Enabled {
		m.dialer = gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.Username, cfg.Password)
	}
	return m
}

func (m *Mailer) ChannelDisabled(ctx context.Context, userID string, provider model.Provider, reason error) {
	subject := fmt.Sprintf("[mailzen] %s channel disabled for user %s", provider, userID)
	body := fmt.Sprintf(
		"The real-time %s channel for user %s has been disabled.\n\nReason: %v\n\n"+
			"The hybrid poller is covering this account until the channel is restored.",
		provider, userID, reason,
	)
	m.send(subject, body)
}

func (m *Mailer) SubscriptionFailed(ctx context.Context, sub *model.Subscription, reason error) {
	subject := fmt.Sprintf("[mailzen] subscription %s marked failed", sub.ID)
	body := fmt.Sprintf(
		"Renewal of the %s subscription for user %s (%s) failed %d times and the "+
			"subscription is now marked failed.\n\nLast error: %v",
		sub.Provider, sub.UserID, sub.Address, sub.ConsecutiveFailures, reason,
	)
	m.send(subject, body)
}

func (m *Mailer) send(subject, body string) {
	if m.dialer == nil {
		m.logger.Warn("operator alert suppressed, alerting disabled", "subject", subject)
		return
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", m.cfg.To)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if err := m.dialer.DialAndSend(msg); err != nil {
		m.logger.Error(err, "failed to send operator alert", "subject", subject)
		return
	}
	m.logger.Info("operator alert sent", "subject", subject)
}
