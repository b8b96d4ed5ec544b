// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/CrawX/go-mail-triage/domain"
	"github.com/CrawX/go-mail-triage/log"
	"github.com/CrawX/go-mail-triage/mail"

	"github.com/cenkalti/backoff/v4"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

const (
	DefaultFolder = "INBOX"
	fetchBatch    = 50

	dialTimeout    = 30 * time.Second
	commandTimeout = 2 * time.Minute
	maxRedials     = 3
)

type ImapConnection struct {
	dial       func() (imapClient, error)
	connection imapClient
	folder     string
	retry      func() backoff.BackOff

	l *logrus.Logger
}

// NewImapConnection logs in to server. When the server drops the connection
// later on, the next Fetch dials and logs in again.
func NewImapConnection(server, user, password, folder string, insecure bool) (*ImapConnection, error) {
	dial := func() (imapClient, error) {
		dialer := &net.Dialer{Timeout: dialTimeout}
		var c *client.Client
		var err error
		if insecure {
			c, err = client.DialWithDialer(dialer, server)
		} else {
			c, err = client.DialWithDialerTLS(dialer, server, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("could not dial to imap: %w", err)
		}
		c.Timeout = commandTimeout

		err = c.Login(user, password)
		if err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("could not login to imap: %w", err)
		}
		return c, nil
	}

	conn := newImapConnection(dial, folder, time.Second)
	c, err := dial()
	if err != nil {
		return nil, err
	}
	conn.connection = c
	conn.l.WithFields(logrus.Fields{"server": server, "folder": conn.folder}).Debug("Logged in to server")
	return conn, nil
}

func newImapConnection(dial func() (imapClient, error), folder string, initialInterval time.Duration) *ImapConnection {
	if folder == "" {
		folder = DefaultFolder
	}
	return &ImapConnection{
		dial:   dial,
		folder: folder,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initialInterval
			return backoff.WithMaxRetries(b, maxRedials)
		},
		l: log.Logger(log.LOG_IMAP),
	}
}

// Fetch returns every message in the folder that arrived on or after the day of
// since. IMAP SINCE has day granularity, callers filter by exact time. The folder
// is opened read-only and bodies are fetched with PEEK so no flags change.
// A dropped connection is redialed with backoff, errors reported by the server
// are returned as they are.
func (ic *ImapConnection) Fetch(ctx context.Context, since time.Time, unreadOnly bool) ([]*domain.FetchedMail, error) {
	var mails []*domain.FetchedMail
	operation := func() error {
		if ic.connection == nil {
			c, err := ic.dial()
			if err != nil {
				ic.l.WithError(err).Warn("Could not reconnect to server")
				return err
			}
			ic.connection = c
			ic.l.WithField("folder", ic.folder).Info("Reconnected to server")
		}

		var err error
		mails, err = ic.fetch(ctx, since, unreadOnly)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !ic.disconnected(err) {
			return backoff.Permanent(err)
		}
		ic.l.WithError(err).Warn("Lost connection to server")
		_ = ic.connection.Logout()
		ic.connection = nil
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(ic.retry(), ctx)); err != nil {
		return nil, err
	}
	return mails, nil
}

// disconnected reports whether err left the session unusable.
func (ic *ImapConnection) disconnected(err error) bool {
	if ic.connection.State() == imap.LogoutState {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (ic *ImapConnection) fetch(ctx context.Context, since time.Time, unreadOnly bool) ([]*domain.FetchedMail, error) {
	_, err := ic.connection.Select(ic.folder, true)
	if err != nil {
		return nil, fmt.Errorf("could not select folder: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	if unreadOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	uids, err := ic.connection.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("could not search folder: %w", err)
	}

	mails := []*domain.FetchedMail{}
	for start := 0; start < len(uids); start += fetchBatch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + fetchBatch
		if end > len(uids) {
			end = len(uids)
		}
		batch, err := ic.fetchMails(uids[start:end])
		if err != nil {
			return nil, err
		}
		mails = append(mails, batch...)
	}

	ic.l.WithFields(logrus.Fields{"found": len(uids), "parsed": len(mails)}).Debug("Fetched mails")
	return mails, nil
}

func (ic *ImapConnection) fetchMails(uids []uint32) ([]*domain.FetchedMail, error) {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uids...)

	messages := make(chan *imap.Message, 10)
	fullBodySection := &imap.BodySectionName{
		Peek: true,
	}

	fetchItems := []imap.FetchItem{fullBodySection.FetchItem(), imap.FetchInternalDate}
	done := make(chan error, 1)
	go func() {
		done <- ic.connection.UidFetch(seqset, fetchItems, messages)
	}()

	mails := []*domain.FetchedMail{}
	for msg := range messages {
		logger := ic.l.WithField("uid", msg.Uid)
		r := msg.GetBody(fullBodySection)
		if r == nil {
			logger.Warn("Server returned no body")
			continue
		}
		rawBody, err := io.ReadAll(r)
		if err != nil {
			logger.WithError(err).Warn("Could not read mail body")
			continue
		}

		parsed, err := mail.Parse(rawBody, msg.InternalDate)
		if err != nil {
			logger.WithError(err).Warn("Could not parse mail, skipping")
			continue
		}
		mails = append(mails, parsed)
	}

	err := <-done
	if err != nil {
		return nil, fmt.Errorf("could not fetch mails: %w", err)
	}

	return mails, nil
}

func (ic *ImapConnection) Close() error {
	if ic.connection == nil {
		return nil
	}
	return ic.connection.Logout()
}
