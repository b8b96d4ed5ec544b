// SPDX-License-Identifier: GPL-3.0-or-later

//go:generate mockgen -destination=mocks/triage.go -package=mocks . TriageStore,Blocklist,LocalClassifier,RemoteClassifier
package domain

import (
	"context"
	"time"
)

type Blocklist interface {
	IsListed(ctx context.Context, address string) bool
}

type Prediction struct {
	Category     Category
	Confidence   int
	ModelVersion string
}

// LocalClassifier returns a nil prediction without error when no model has been trained.
type LocalClassifier interface {
	Predict(ctx context.Context, senderName, senderAddress, subject string) (*Prediction, error)
}

type RemoteItem struct {
	ID            string `json:"id"`
	SenderName    string `json:"sender_name"`
	SenderAddress string `json:"sender_email"`
	Subject       string `json:"subject"`
}

// RemoteLabel carries the raw, unvalidated category the remote classifier answered with.
type RemoteLabel struct {
	ID       string `json:"id"`
	Category string `json:"category"`
}

type RemoteClassifier interface {
	Classify(ctx context.Context, batch []RemoteItem) ([]RemoteLabel, error)
}

type TriageStore interface {
	UnclassifiedMessages(ctx context.Context, limit int) ([]*Message, error)
	RecordClassifications(ctx context.Context, classifications []Classification) ([]Classification, error)
	OverrideMessage(ctx context.Context, id string, category Category, at time.Time) error
}
