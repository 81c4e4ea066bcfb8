// Package webhook receives provider push callbacks. The Gmail endpoint
// accepts Pub/Sub push deliveries; acknowledging fast matters more than
// draining every message here, since the poller covers anything dropped.
package webhook

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mailzen/ingest-api/internal/config"
	"github.com/mailzen/ingest-api/internal/handler"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/provider"
	"github.com/mailzen/ingest-api/internal/repository"
	"github.com/mailzen/ingest-api/pkg/logger"
)

// Enqueuer hands raw events to the dispatch queue.
type Enqueuer interface {
	Enqueue(event model.RawMailEvent) error
}

type Handler struct {
	cfg        config.GmailConfig
	accounts   repository.AccountRepository
	subs       repository.SubscriptionRepository
	providers  *provider.Registry
	dispatcher Enqueuer
	logger     *logger.Logger
}

func NewHandler(
	cfg config.GmailConfig,
	accounts repository.AccountRepository,
	subs repository.SubscriptionRepository,
	providers *provider.Registry,
	dispatcher Enqueuer,
	log *logger.Logger,
) *Handler {
	return &Handler{
		cfg:        cfg,
		accounts:   accounts,
		subs:       subs,
		providers:  providers,
		dispatcher: dispatcher,
		logger:     log.With("webhook_handler"),
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/gmail", h.GmailPush)
		webhooks.POST("/imap/:userID", h.IMAPTrigger)
	}
}

// pushEnvelope is the Pub/Sub push delivery wrapper.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pushNotification is the Gmail payload carried inside the envelope data.
type pushNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

func (h *Handler) GmailPush(c *gin.Context) {
	if !h.authorized(c) {
		return
	}

	var envelope pushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid push envelope"))
		return
	}

	payload, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid message data"))
		return
	}
	var notification pushNotification
	if err := json.Unmarshal(payload, &notification); err != nil || notification.EmailAddress == "" {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid notification payload"))
		return
	}

	ctx := c.Request.Context()
	account, err := h.accounts.GetByAddress(ctx, model.ProviderGmail, notification.EmailAddress)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}
	if account == nil {
		// Unknown mailbox: ack so Pub/Sub stops redelivering.
		h.logger.Warn("push for unknown mailbox", "address", notification.EmailAddress)
		c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
		return
	}

	sub, err := h.subs.GetForUser(ctx, account.UserID, model.ProviderGmail)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}
	if sub == nil {
		// No subscription means nothing to resume from; ack rather than
		// send Pub/Sub into a redelivery loop it cannot win.
		h.logger.Warn("push without subscription", "user_id", account.UserID)
		c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
		return
	}

	deltaRef := sub.RemoteID
	if deltaRef == "" && notification.HistoryID > 0 {
		// No stored resume point yet: seed from the notification itself.
		// History before this moment is the poller's job.
		deltaRef = strconv.FormatUint(notification.HistoryID, 10)
	}
	if deltaRef == "" {
		h.logger.Warn("push without usable history reference", "user_id", account.UserID)
		c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
		return
	}

	p, ok := h.providers.Get(model.ProviderGmail)
	if !ok {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse("gmail provider not configured"))
		return
	}
	ids, newRef, err := p.ResolveDelta(ctx, account.UserID, deltaRef)
	if err != nil {
		h.logger.Error(err, "failed to resolve push delta", "user_id", account.UserID)
		// Non-2xx makes Pub/Sub redeliver, which retries the resolve.
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse("delta resolution failed"))
		return
	}

	enqueued := 0
	for _, id := range ids {
		event := model.RawMailEvent{
			UserID:      account.UserID,
			Provider:    model.ProviderGmail,
			ChannelKind: model.ChannelPush,
			MessageID:   id,
			ReceivedAt:  time.Now(),
		}
		if err := h.dispatcher.Enqueue(event); err != nil {
			// Queue saturation: the poller picks these up later.
			h.logger.Warn("dropping push event",
				"user_id", account.UserID, "message_id", id, "error", err.Error())
			continue
		}
		enqueued++
	}

	if newRef != "" && newRef != sub.RemoteID {
		if err := h.subs.UpdateRemoteID(ctx, sub.ID, newRef); err != nil {
			h.logger.Error(err, "failed to advance subscription delta ref",
				"subscription_id", sub.ID.String())
		}
	}

	h.logger.Debug("push processed",
		"user_id", account.UserID,
		"messages", len(ids),
		"enqueued", enqueued)
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"enqueued": enqueued}))
}

type imapTriggerRequest struct {
	MessageID string `json:"message_id" binding:"required"`
}

// IMAPTrigger injects a single idle-style event for a user. It exists for
// integration harnesses; production IMAP traffic arrives over idle sessions.
func (h *Handler) IMAPTrigger(c *gin.Context) {
	if !h.authorized(c) {
		return
	}

	var req imapTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	event := model.RawMailEvent{
		UserID:      c.Param("userID"),
		Provider:    model.ProviderIMAP,
		ChannelKind: model.ChannelIdle,
		MessageID:   req.MessageID,
		ReceivedAt:  time.Now(),
	}
	if err := h.dispatcher.Enqueue(event); err != nil {
		c.JSON(http.StatusServiceUnavailable, handler.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusAccepted, handler.NewSuccessResponse(nil))
}

// authorized checks the shared verification token and, when configured, the
// OIDC audience claim Pub/Sub attaches to push requests. Signature
// verification is delegated to the platform in front of this service.
func (h *Handler) authorized(c *gin.Context) bool {
	if h.cfg.VerificationToken != "" && c.Query("token") != h.cfg.VerificationToken {
		c.JSON(http.StatusForbidden, handler.NewErrorResponse("invalid verification token"))
		return false
	}

	if h.cfg.PushAudience != "" {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.JSON(http.StatusForbidden, handler.NewErrorResponse("missing bearer token"))
			return false
		}
		token, _, err := jwt.NewParser().ParseUnverified(strings.TrimPrefix(auth, "Bearer "), jwt.MapClaims{})
		if err != nil {
			c.JSON(http.StatusForbidden, handler.NewErrorResponse("invalid bearer token"))
			return false
		}
		audiences, err := token.Claims.GetAudience()
		if err != nil || !containsAudience(audiences, h.cfg.PushAudience) {
			c.JSON(http.StatusForbidden, handler.NewErrorResponse("invalid token audience"))
			return false
		}
	}

	return true
}

func containsAudience(audiences jwt.ClaimStrings, want string) bool {
	for _, aud := range audiences {
		if aud == want {
			return true
		}
	}
	return false
}
