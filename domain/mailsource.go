// SPDX-License-Identifier: GPL-3.0-or-later

//go:generate mockgen -destination=mocks/mailsource.go -package=mocks . MailSource,MessageSink
package domain

import (
	"context"
	"time"
)

// MailSource returns an empty slice, not an error, when there is nothing new.
type MailSource interface {
	Fetch(ctx context.Context, since time.Time, unreadOnly bool) ([]*FetchedMail, error)
	Close() error
}

// MessageSink stores fetched mails without touching rows that already exist.
type MessageSink interface {
	InsertMessages(ctx context.Context, mails []*FetchedMail) (int, error)
}
