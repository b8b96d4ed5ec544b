// SPDX-License-Identifier: GPL-3.0-or-later

// Package gmailsource reads new messages through the Gmail API.
package gmailsource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	stdmail "net/mail"
	"os"
	"time"

	"github.com/CrawX/go-mail-triage/domain"
	"github.com/CrawX/go-mail-triage/log"
	"github.com/CrawX/go-mail-triage/mail"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	user        = "me"
	maxRetries  = 4
	callTimeout = 30 * time.Second
)

var metadataHeaders = []string{"From", "Subject", "Date"}

// messageService is the part of the Gmail API used here.
type messageService interface {
	List(ctx context.Context, query, pageToken string) (*gmail.ListMessagesResponse, error)
	Get(ctx context.Context, id string) (*gmail.Message, error)
}

type apiService struct {
	svc *gmail.Service
}

func (a *apiService) List(ctx context.Context, query, pageToken string) (*gmail.ListMessagesResponse, error) {
	call := a.svc.Users.Messages.List(user).Q(query).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (a *apiService) Get(ctx context.Context, id string) (*gmail.Message, error) {
	return a.svc.Users.Messages.Get(user, id).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Context(ctx).
		Do()
}

type GmailSource struct {
	api   messageService
	retry func() backoff.BackOff
	cb    *gobreaker.CircuitBreaker
	now   func() time.Time
	l     *logrus.Logger
}

// NewGmailSource authorizes with the oauth client in credentialsFile and the
// token previously stored in tokenFile. Expired access tokens are refreshed
// transparently.
func NewGmailSource(ctx context.Context, credentialsFile, tokenFile string) (*GmailSource, error) {
	credentials, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("could not read gmail credentials: %w", err)
	}
	config, err := google.ConfigFromJSON(credentials, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("could not parse gmail credentials: %w", err)
	}

	rawToken, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not read gmail token: %w", err)
	}
	token := &oauth2.Token{}
	err = json.Unmarshal(rawToken, token)
	if err != nil {
		return nil, fmt.Errorf("could not parse gmail token: %w", err)
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(config.TokenSource(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("could not create gmail service: %w", err)
	}

	return newGmailSource(&apiService{svc}, 500*time.Millisecond), nil
}

func newGmailSource(api messageService, initialInterval time.Duration) *GmailSource {
	l := log.Logger(log.LOG_GMAIL)

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("Circuit breaker changed state")
		},
	}

	return &GmailSource{
		api: api,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initialInterval
			return backoff.WithMaxRetries(b, maxRetries)
		},
		cb:  gobreaker.NewCircuitBreaker(cbSettings),
		now: time.Now,
		l:   l,
	}
}

// Query builds the Gmail search query for messages received after since.
func Query(since time.Time, unreadOnly bool) string {
	query := fmt.Sprintf("after:%d", since.Unix())
	if unreadOnly {
		query += " is:unread"
	}
	return query
}

func (g *GmailSource) Fetch(ctx context.Context, since time.Time, unreadOnly bool) ([]*domain.FetchedMail, error) {
	query := Query(since, unreadOnly)

	ids := []string{}
	pageToken := ""
	for {
		var page *gmail.ListMessagesResponse
		err := g.call(ctx, func(ctx context.Context) error {
			var err error
			page, err = g.api.List(ctx, query, pageToken)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("could not list messages: %w", err)
		}
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	mails := make([]*domain.FetchedMail, 0, len(ids))
	for _, id := range ids {
		var msg *gmail.Message
		err := g.call(ctx, func(ctx context.Context) error {
			var err error
			msg, err = g.api.Get(ctx, id)
			return err
		})
		if isNotFound(err) {
			g.l.WithField("id", id).Debug("Message disappeared before it could be fetched")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("could not get message %s: %w", id, err)
		}
		mails = append(mails, g.convert(msg))
	}

	g.l.WithFields(logrus.Fields{"query": query, "fetched": len(mails)}).Debug("Fetched mails")
	return mails, nil
}

func (g *GmailSource) Close() error {
	return nil
}

func (g *GmailSource) convert(msg *gmail.Message) *domain.FetchedMail {
	fetched := &domain.FetchedMail{
		ID:   msg.Id,
		Body: mail.Truncate(msg.Snippet, mail.SnippetLength),
	}

	date := ""
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "From":
				fetched.SenderName, fetched.SenderAddress = mail.ParseSender(h.Value)
			case "Subject":
				fetched.Subject = h.Value
			case "Date":
				date = h.Value
			}
		}
	}

	switch {
	case msg.InternalDate > 0:
		fetched.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	default:
		parsed, err := stdmail.ParseDate(date)
		if err != nil {
			parsed = g.now()
		}
		fetched.ReceivedAt = parsed.UTC()
	}
	return fetched
}

// call runs one API request with retries behind the circuit breaker.
func (g *GmailSource) call(ctx context.Context, request func(ctx context.Context) error) error {
	operation := func() error {
		_, err := g.cb.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, callTimeout)
			defer cancel()
			return nil, request(callCtx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || !retryable(err) {
			return backoff.Permanent(err)
		}
		g.l.WithError(err).Debug("Gmail request failed, retrying")
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(g.retry(), ctx))
}

func retryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
