// Package imap implements the IMAP poll adapter. Real-time delivery for
// IMAP accounts runs over the idle package; this client covers the poll
// fallback path.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailzen/ingest-api/internal/config"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/provider"
	"github.com/mailzen/ingest-api/internal/repository"
	"github.com/mailzen/ingest-api/pkg/logger"
)

type Client struct {
	cfg    config.IMAPConfig
	creds  repository.CredentialRepository
	logger *logger.Logger
}

func NewClient(cfg config.IMAPConfig, creds repository.CredentialRepository, log *logger.Logger) *Client {
	return &Client{
		cfg:    cfg,
		creds:  creds,
		logger: log.With("imap"),
	}
}

func (c *Client) Name() model.Provider {
	return model.ProviderIMAP
}

// Watch is unsupported: IMAP has no push channel registration. Real-time
// delivery uses a persistent IDLE session instead.
func (c *Client) Watch(ctx context.Context, userID string) (*provider.WatchResult, error) {
	return nil, fmt.Errorf("imap does not support watch registration")
}

func (c *Client) StopWatch(ctx context.Context, userID string) error {
	return fmt.Errorf("imap does not support watch registration")
}

func (c *Client) ResolveDelta(ctx context.Context, userID, deltaRef string) ([]string, string, error) {
	return nil, "", fmt.Errorf("imap does not support delta resolution")
}

func (c *Client) ListMessagesSince(ctx context.Context, userID, sinceID string, max int) ([]string, error) {
	if max <= 0 {
		max = 10
	}

	cli, err := c.connect(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer cli.close()

	var sinceUID imap.UID
	if sinceID != "" {
		n, err := strconv.ParseUint(sinceID, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid imap message id %q: %w", sinceID, err)
		}
		sinceUID = imap.UID(n)
	}

	uidSet := imap.UIDSet{}
	uidSet.AddRange(sinceUID+1, 0)
	criteria := imap.SearchCriteria{UID: []imap.UIDSet{uidSet}}

	data, err := cli.client.UIDSearch(&criteria, nil).Wait()
	if err != nil {
		return nil, &model.ConnectionError{Provider: model.ProviderIMAP, Op: "uid_search", Err: err}
	}

	uids := data.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	var ids []string
	for _, uid := range uids {
		if uid <= sinceUID {
			continue
		}
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
		if len(ids) >= max {
			break
		}
	}
	return ids, nil
}

func (c *Client) GetMessage(ctx context.Context, userID, messageID string) (*model.EmailMessage, error) {
	n, err := strconv.ParseUint(messageID, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid imap message id %q: %w", messageID, err)
	}

	cli, err := c.connect(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer cli.close()

	fetchOptions := &imap.FetchOptions{
		Envelope: true,
		UID:      true,
		BodySection: []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierText},
		},
	}

	fetchCmd := cli.client.Fetch(imap.UIDSetNum(imap.UID(n)), fetchOptions)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, &model.ConnectionError{
			Provider: model.ProviderIMAP,
			Op:       "fetch",
			Err:      fmt.Errorf("message %s not found", messageID),
		}
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, &model.ConnectionError{Provider: model.ProviderIMAP, Op: "fetch", Err: err}
	}

	result := &model.EmailMessage{
		MessageID: messageID,
		Provider:  model.ProviderIMAP,
	}
	if buf.Envelope != nil {
		result.Subject = buf.Envelope.Subject
		if len(buf.Envelope.From) > 0 {
			result.From = buf.Envelope.From[0].Addr()
		}
	}
	for _, section := range buf.BodySection {
		if len(section.Bytes) > 0 {
			result.Body = string(section.Bytes)
			break
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, &model.ConnectionError{Provider: model.ProviderIMAP, Op: "fetch", Err: err}
	}
	return result, nil
}

type session struct {
	client *imapclient.Client
}

func (s *session) close() {
	if s.client != nil {
		s.client.Close()
	}
}

func (c *Client) connect(ctx context.Context, userID string) (*session, error) {
	cred, err := c.creds.Get(ctx, userID, model.ProviderIMAP)
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.IMAPHost == "" {
		return nil, &model.CredentialError{
			Provider: model.ProviderIMAP,
			UserID:   userID,
			Err:      fmt.Errorf("no imap credentials stored"),
		}
	}

	addr := net.JoinHostPort(cred.IMAPHost, strconv.Itoa(cred.IMAPPort))
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cred.IMAPHost})
	if err != nil {
		return nil, &model.ConnectionError{Provider: model.ProviderIMAP, Op: "dial", Err: err}
	}

	cli := imapclient.New(conn, &imapclient.Options{})
	if err := cli.Login(cred.IMAPUsername, cred.IMAPPassword).Wait(); err != nil {
		cli.Close()
		return nil, &model.CredentialError{Provider: model.ProviderIMAP, UserID: userID, Err: err}
	}
	if _, err := cli.Select("INBOX", nil).Wait(); err != nil {
		cli.Close()
		return nil, &model.ConnectionError{Provider: model.ProviderIMAP, Op: "select", Err: err}
	}
	return &session{client: cli}, nil
}
