package idle

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailzen/ingest-api/internal/config"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/repository"
	"github.com/mailzen/ingest-api/pkg/logger"
)

// IMAPTransport implements Transport over a real IMAP connection using the
// IDLE extension. Each Listen call is one connection lifetime: dial, login,
// select INBOX, then alternate IDLE cycles with UID searches for anything
// that arrived during the cycle.
type IMAPTransport struct {
	cfg    config.IMAPConfig
	creds  repository.CredentialRepository
	logger *logger.Logger
}

func NewIMAPTransport(cfg config.IMAPConfig, creds repository.CredentialRepository, log *logger.Logger) *IMAPTransport {
	return &IMAPTransport{
		cfg:    cfg,
		creds:  creds,
		logger: log.With("idle_transport"),
	}
}

func (t *IMAPTransport) Listen(ctx context.Context, userID string, onReady func(), onMessage func(messageID string)) error {
	cred, err := t.creds.Get(ctx, userID, model.ProviderIMAP)
	if err != nil {
		return err
	}
	if cred == nil || cred.IMAPHost == "" {
		return &model.CredentialError{
			Provider: model.ProviderIMAP,
			UserID:   userID,
			Err:      fmt.Errorf("no imap credentials stored"),
		}
	}

	// The server signals new mail as unilateral EXISTS updates while the
	// connection idles. The handler only nudges the loop; the UID search
	// decides what is actually new.
	notify := make(chan struct{}, 1)
	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					select {
					case notify <- struct{}{}:
					default:
					}
				}
			},
		},
	}

	addr := net.JoinHostPort(cred.IMAPHost, strconv.Itoa(cred.IMAPPort))
	dialer := &net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cred.IMAPHost})
	if err != nil {
		return &model.ConnectionError{Provider: model.ProviderIMAP, Op: "dial", Err: err}
	}

	cli := imapclient.New(conn, options)
	defer cli.Close()

	if err := cli.Login(cred.IMAPUsername, cred.IMAPPassword).Wait(); err != nil {
		return &model.CredentialError{Provider: model.ProviderIMAP, UserID: userID, Err: err}
	}
	if _, err := cli.Select("INBOX", nil).Wait(); err != nil {
		return &model.ConnectionError{Provider: model.ProviderIMAP, Op: "select", Err: err}
	}

	// Baseline at UIDNEXT-1 so only messages arriving after the session
	// starts are delivered. Anything older is the poller's problem.
	status, err := cli.Status("INBOX", &imap.StatusOptions{UIDNext: true}).Wait()
	if err != nil {
		return &model.ConnectionError{Provider: model.ProviderIMAP, Op: "status", Err: err}
	}
	lastUID := status.UIDNext - 1

	onReady()

	for {
		if ctx.Err() != nil {
			return nil
		}

		idleCmd, err := cli.Idle()
		if err != nil {
			return &model.ConnectionError{Provider: model.ProviderIMAP, Op: "idle", Err: err}
		}

		timer := time.NewTimer(t.cfg.IdleTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			idleCmd.Close()
			return nil
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}

		if err := idleCmd.Close(); err != nil {
			return &model.ConnectionError{Provider: model.ProviderIMAP, Op: "idle_close", Err: err}
		}

		lastUID, err = t.deliverNew(cli, lastUID, onMessage)
		if err != nil {
			return err
		}
	}
}

func (t *IMAPTransport) deliverNew(cli *imapclient.Client, lastUID imap.UID, onMessage func(messageID string)) (imap.UID, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddRange(lastUID+1, 0)
	criteria := imap.SearchCriteria{UID: []imap.UIDSet{uidSet}}

	data, err := cli.UIDSearch(&criteria, nil).Wait()
	if err != nil {
		return lastUID, &model.ConnectionError{Provider: model.ProviderIMAP, Op: "uid_search", Err: err}
	}

	uids := data.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	for _, uid := range uids {
		if uid <= lastUID {
			continue
		}
		onMessage(strconv.FormatUint(uint64(uid), 10))
		lastUID = uid
	}
	return lastUID, nil
}
