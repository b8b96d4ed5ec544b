// SPDX-License-Identifier: GPL-3.0-or-later
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/CrawX/go-mail-triage/domain"
	"github.com/CrawX/go-mail-triage/log"
	"github.com/CrawX/go-mail-triage/metrics"

	"github.com/sirupsen/logrus"
)

// DefaultWindow is how far back each run looks for new mail.
const DefaultWindow = time.Hour

type IngestResult struct {
	Fetched  int
	Inserted int
	// Skipped counts fetched mails outside the window or without an id.
	// Mails that were already stored are neither inserted nor skipped.
	Skipped int
}

type Ingester struct {
	source domain.MailSource
	sink   domain.MessageSink
	window time.Duration
	now    func() time.Time
	l      *logrus.Logger
}

func NewIngester(source domain.MailSource, sink domain.MessageSink, window time.Duration) *Ingester {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Ingester{
		source: source,
		sink:   sink,
		window: window,
		now:    time.Now,
		l:      log.Logger(log.LOG_INGEST),
	}
}

// Run stores every mail received within the window that is not stored yet.
// Running it repeatedly over the same window is harmless.
func (i *Ingester) Run(ctx context.Context) (IngestResult, error) {
	since := i.now().Add(-i.window)
	result := IngestResult{}

	mails, err := i.source.Fetch(ctx, since, false)
	if err != nil {
		return result, fmt.Errorf("could not fetch mails: %w", err)
	}
	result.Fetched = len(mails)

	fresh := make([]*domain.FetchedMail, 0, len(mails))
	for _, m := range mails {
		if m.ID == "" || m.ReceivedAt.Before(since) {
			result.Skipped++
			continue
		}
		fresh = append(fresh, m)
	}

	if len(fresh) > 0 {
		result.Inserted, err = i.sink.InsertMessages(ctx, fresh)
		if err != nil {
			return result, fmt.Errorf("could not store mails: %w", err)
		}
		metrics.IngestedMessagesTotal.Add(float64(result.Inserted))
	}

	i.l.WithFields(logrus.Fields{
		"since":    since.UTC().Format(time.RFC3339),
		"fetched":  result.Fetched,
		"inserted": result.Inserted,
		"skipped":  result.Skipped,
	}).Info("Ingested mails")
	return result, nil
}
