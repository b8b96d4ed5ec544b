// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMessageNotFound    = errors.New("message not found")
	ErrTrainingInProgress = errors.New("training already in progress")
)

// Provenance records which stage decided the current category of a message.
type Provenance string

const (
	ProvenanceNone      = Provenance("none")
	ProvenanceLocal     = Provenance("local")
	ProvenanceRemote    = Provenance("remote")
	ProvenanceBlocklist = Provenance("blocklist")
	ProvenanceManual    = Provenance("manual")
)

func ParseProvenance(s string) (Provenance, error) {
	switch p := Provenance(s); p {
	case ProvenanceNone, ProvenanceLocal, ProvenanceRemote, ProvenanceBlocklist, ProvenanceManual:
		return p, nil
	}
	return ProvenanceNone, fmt.Errorf("unknown provenance %q", s)
}

type Message struct {
	ID            string
	SenderName    string
	SenderAddress string
	Subject       string
	Body          string
	ReceivedAt    time.Time

	Category       Category
	PredictedBy    Provenance
	Confidence     *int
	ManualOverride bool
	OverrideAt     *time.Time
	ModelVersion   *string
}

// FetchedMail is a message as delivered by a MailSource, before it is stored.
type FetchedMail struct {
	ID            string
	SenderName    string
	SenderAddress string
	Subject       string
	Body          string
	ReceivedAt    time.Time
}

// Classification is one decided category for one message.
type Classification struct {
	MessageID     string
	SenderName    string
	SenderAddress string
	Category      Category
	PredictedBy   Provenance
	Confidence    *int
	ModelVersion  *string
}

type ReviewTab string

const (
	ReviewFlagged   = ReviewTab("flagged")
	ReviewSuspected = ReviewTab("suspected")
	ReviewReviewed  = ReviewTab("reviewed")
	ReviewAll       = ReviewTab("all")
)

type Stats struct {
	Total        int
	Unclassified int
	ByCategory   map[Category]int
}
