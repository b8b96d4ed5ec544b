// SPDX-License-Identifier: GPL-3.0-or-later

// Package reputation turns the classification history of a sender into a bounded
// trust score and a discrete reputation state.
package reputation

import (
	"math"

	"github.com/CrawX/go-mail-triage/domain"
)

const (
	TrustedThreshold = 0.8
	NeutralThreshold = 0.5
	FlaggedThreshold = 0.2

	manualOverrideFactor = 1.5
)

// Weights of the categories that move a score. Categories not listed only add to the total.
var (
	positiveWeights = map[domain.Category]float64{
		domain.CategoryImportant: 2,
		domain.CategoryWork:      1,
		domain.CategoryPersonal:  1,
		domain.CategoryReceipts:  1,
	}
	negativeWeights = map[domain.Category]float64{
		domain.CategoryPhishing:      1,
		domain.CategorySuspectedSpam: 1,
		domain.CategoryConfirmedSpam: 3,
		domain.CategoryBlacklisted:   3,
	}
)

func IsPositive(c domain.Category) bool {
	_, ok := positiveWeights[c]
	return ok
}

func IsNegative(c domain.Category) bool {
	_, ok := negativeWeights[c]
	return ok
}

// Score maps category counts to [0,1], rounded to two decimals. An empty history scores 0.
func Score(counts map[domain.Category]int, manualOverride bool) float64 {
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return 0.0
	}

	positive, negative := 0.0, 0.0
	for c, n := range counts {
		positive += positiveWeights[c] * float64(n)
		negative += negativeWeights[c] * float64(n)
	}

	if manualOverride {
		positive *= manualOverrideFactor
		negative *= manualOverrideFactor
	}

	raw := (positive - negative) / float64(total)
	normalized := math.Max(0, math.Min(1, (raw+1)/2))
	return math.Round(normalized*100) / 100
}

func StateFor(score float64) domain.ReputationState {
	switch {
	case score >= TrustedThreshold:
		return domain.StateTrusted
	case score >= NeutralThreshold:
		return domain.StateNeutral
	case score >= FlaggedThreshold:
		return domain.StateFlagged
	default:
		return domain.StateDangerous
	}
}

// Evaluate fills score and state of rep from its counts and override flag.
func Evaluate(rep *domain.SenderReputation) {
	rep.Score = Score(rep.Counts, rep.ManualOverride)
	rep.State = StateFor(rep.Score)
}
