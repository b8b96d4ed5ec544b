// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "time"

type ReputationState string

const (
	StateTrusted   = ReputationState("trusted")
	StateNeutral   = ReputationState("neutral")
	StateFlagged   = ReputationState("flagged")
	StateDangerous = ReputationState("dangerous")
)

type SenderReputation struct {
	Address        string
	Name           string
	Counts         map[Category]int
	Score          float64
	State          ReputationState
	ManualOverride bool
	UpdatedAt      time.Time
}

type RecomputeResult struct {
	Senders int
	Changed int
	Removed int
}
