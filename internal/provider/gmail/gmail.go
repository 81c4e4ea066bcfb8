// Package gmail implements the Gmail push and poll adapter.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailzen/ingest-api/internal/config"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/provider"
	"github.com/mailzen/ingest-api/internal/repository"
	"github.com/mailzen/ingest-api/pkg/logger"
)

type Client struct {
	oauth     *oauth2.Config
	topicName string
	creds     repository.CredentialRepository
	cb        *gobreaker.CircuitBreaker
	logger    *logger.Logger
}

func NewClient(cfg config.GmailConfig, creds repository.CredentialRepository, log *logger.Logger) *Client {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{gmailapi.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
	}

	cbSettings := gobreaker.Settings{
		Name:     "gmail-api",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn(fmt.Sprintf("circuit breaker %s: %s -> %s", name, from, to))
		},
	}

	return &Client{
		oauth:     oauthCfg,
		topicName: cfg.PubSubTopic,
		creds:     creds,
		cb:        gobreaker.NewCircuitBreaker(cbSettings),
		logger:    log.With("gmail"),
	}
}

func (c *Client) Name() model.Provider {
	return model.ProviderGmail
}

func (c *Client) Watch(ctx context.Context, userID string) (*provider.WatchResult, error) {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	req := &gmailapi.WatchRequest{
		TopicName: c.topicName,
		LabelIds:  []string{"INBOX"},
	}

	var resp *gmailapi.WatchResponse
	err = c.execute(userID, "watch", func() error {
		var apiErr error
		resp, apiErr = svc.Users.Watch("me", req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}

	return &provider.WatchResult{
		RemoteID:  strconv.FormatUint(resp.HistoryId, 10),
		ExpiresAt: time.Unix(0, resp.Expiration*int64(time.Millisecond)),
	}, nil
}

func (c *Client) StopWatch(ctx context.Context, userID string) error {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return err
	}

	return c.execute(userID, "stop_watch", func() error {
		return svc.Users.Stop("me").Context(ctx).Do()
	})
}

func (c *Client) ResolveDelta(ctx context.Context, userID, deltaRef string) ([]string, string, error) {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	historyID, err := strconv.ParseUint(deltaRef, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("invalid delta reference %q: %w", deltaRef, err)
	}

	var resp *gmailapi.ListHistoryResponse
	err = c.execute(userID, "history_list", func() error {
		var apiErr error
		resp, apiErr = svc.Users.History.List("me").
			StartHistoryId(historyID).
			HistoryTypes("messageAdded").
			Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		// A 404 means the stored history id aged out. Reset the
		// reference so the next notification starts clean; the poller
		// picks up anything missed in between.
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			profile, perr := svc.Users.GetProfile("me").Context(ctx).Do()
			if perr != nil {
				return nil, "", c.wrapError(userID, "get_profile", perr)
			}
			return nil, strconv.FormatUint(profile.HistoryId, 10), nil
		}
		return nil, "", err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added.Message == nil || seen[added.Message.Id] {
				continue
			}
			seen[added.Message.Id] = true
			ids = append(ids, added.Message.Id)
		}
	}

	newRef := deltaRef
	if resp.HistoryId > 0 {
		newRef = strconv.FormatUint(resp.HistoryId, 10)
	}
	return ids, newRef, nil
}

// listPageSize is the per-page size used when walking the INBOX listing.
const listPageSize = int64(100)

func (c *Client) ListMessagesSince(ctx context.Context, userID, sinceID string, max int) ([]string, error) {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 10
	}

	return collectSince(sinceID, max, func(pageToken string) ([]string, string, error) {
		var resp *gmailapi.ListMessagesResponse
		err := c.execute(userID, "messages_list", func() error {
			call := svc.Users.Messages.List("me").
				LabelIds("INBOX").
				MaxResults(listPageSize).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var apiErr error
			resp, apiErr = call.Do()
			return apiErr
		})
		if err != nil {
			return nil, "", err
		}
		ids := make([]string, 0, len(resp.Messages))
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		return ids, resp.NextPageToken, nil
	})
}

// collectSince walks a newest-first listing page by page until it crosses
// the caller's resume point, then returns the oldest max ids above it. Ids
// beyond max stay unreturned for the next cycle, keeping the processed
// marker behind any backlog that was never fetched.
func collectSince(sinceID string, max int, page func(pageToken string) ([]string, string, error)) ([]string, error) {
	var newer []string
	token := ""
	for {
		ids, nextToken, err := page(token)
		if err != nil {
			return nil, err
		}
		crossed := false
		for _, id := range ids {
			if sinceID != "" && !model.MessageIDNewer(id, sinceID) {
				crossed = true
				break
			}
			newer = append(newer, id)
		}
		// Without a resume point there is no boundary to chase; one page
		// of the newest mail is enough for a first sweep.
		if crossed || nextToken == "" || sinceID == "" {
			break
		}
		token = nextToken
	}

	for i, j := 0, len(newer)-1; i < j; i, j = i+1, j-1 {
		newer[i], newer[j] = newer[j], newer[i]
	}
	if len(newer) > max {
		newer = newer[:max]
	}
	return newer, nil
}

func (c *Client) GetMessage(ctx context.Context, userID, messageID string) (*model.EmailMessage, error) {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	var msg *gmailapi.Message
	err = c.execute(userID, "messages_get", func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}

	result := &model.EmailMessage{
		MessageID: msg.Id,
		Provider:  model.ProviderGmail,
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "From":
				result.From = h.Value
			case "Subject":
				result.Subject = h.Value
			}
		}
		result.Body = extractBody(msg.Payload)
	}
	if result.Body == "" {
		result.Body = msg.Snippet
	}
	return result, nil
}

func (c *Client) service(ctx context.Context, userID string) (*gmailapi.Service, error) {
	cred, err := c.creds.Get(ctx, userID, model.ProviderGmail)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, &model.CredentialError{
			Provider: model.ProviderGmail,
			UserID:   userID,
			Err:      fmt.Errorf("no credentials stored"),
		}
	}

	token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.TokenExpiry,
	}

	src := c.oauth.TokenSource(ctx, token)
	fresh, err := src.Token()
	if err != nil {
		return nil, c.wrapError(userID, "refresh_token", err)
	}

	if fresh.AccessToken != cred.AccessToken {
		cred.AccessToken = fresh.AccessToken
		cred.TokenExpiry = fresh.Expiry
		if fresh.RefreshToken != "" {
			cred.RefreshToken = fresh.RefreshToken
		}
		if err := c.creds.Upsert(ctx, cred); err != nil {
			c.logger.Error(err, "failed to persist refreshed token")
		}
	}

	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(fresh)))
	if err != nil {
		return nil, c.wrapError(userID, "new_service", err)
	}
	return svc, nil
}

// execute runs an API call behind the circuit breaker. Client errors never
// trip the breaker; only server-side failures and rate limiting do.
func (c *Client) execute(userID, op string, fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if apiErr, ok := err.(*googleapi.Error); ok {
				switch apiErr.Code {
				case 429, 500, 502, 503:
					return nil, err
				default:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})
	if err == nil {
		return nil
	}
	if nce, ok := err.(*nonCircuitError); ok {
		err = nce.err
	}
	return c.wrapError(userID, op, err)
}

func (c *Client) wrapError(userID, op string, err error) error {
	if isAuthError(err) {
		return &model.CredentialError{Provider: model.ProviderGmail, UserID: userID, Err: err}
	}
	return &model.ConnectionError{Provider: model.ProviderGmail, Op: op, Err: err}
}

func isAuthError(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 401 || apiErr.Code == 403
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return rerr.ErrorCode == "invalid_grant" ||
			(rerr.Response != nil && rerr.Response.StatusCode == 400)
	}
	return false
}

func extractBody(part *gmailapi.MessagePart) string {
	if part == nil {
		return ""
	}
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			return string(data)
		}
	}
	for _, p := range part.Parts {
		if body := extractBody(p); body != "" {
			return body
		}
	}
	// Fall back to html when no plain part exists.
	if strings.HasPrefix(part.MimeType, "text/") && part.Body != nil && part.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			return string(data)
		}
	}
	return ""
}

type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string { return e.err.Error() }
