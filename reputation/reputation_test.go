// SPDX-License-Identifier: GPL-3.0-or-later
package reputation

import (
	"math/rand"
	"testing"

	"github.com/CrawX/go-mail-triage/domain"
	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		counts   map[domain.Category]int
		override bool
		score    float64
		state    domain.ReputationState
	}{
		{"empty", map[domain.Category]int{}, false, 0.0, domain.StateDangerous},
		{"nil", nil, true, 0.0, domain.StateDangerous},
		{"important_outweighs_spam", map[domain.Category]int{domain.CategoryImportant: 2, domain.CategorySuspectedSpam: 1}, false, 1.0, domain.StateTrusted},
		{"blacklisted", map[domain.Category]int{domain.CategoryBlacklisted: 1}, false, 0.0, domain.StateDangerous},
		{"only_neutral", map[domain.Category]int{domain.CategoryNewsletters: 4}, false, 0.5, domain.StateNeutral},
		{"mixed", map[domain.Category]int{domain.CategoryWork: 1, domain.CategoryRegular: 2, domain.CategorySuspectedSpam: 1}, false, 0.5, domain.StateNeutral},
		{"mostly_spam", map[domain.Category]int{domain.CategorySuspectedSpam: 3, domain.CategoryRegular: 2}, false, 0.2, domain.StateFlagged},
		{"override_amplifies", map[domain.Category]int{domain.CategoryWork: 1, domain.CategoryRegular: 3}, true, 0.69, domain.StateNeutral},
		{"no_override", map[domain.Category]int{domain.CategoryWork: 1, domain.CategoryRegular: 3}, false, 0.63, domain.StateNeutral},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			score := Score(tc.counts, tc.override)
			assert.Equal(t, tc.score, score)
			assert.Equal(t, tc.state, StateFor(score))
		})
	}
}

func TestStateForBoundaries(t *testing.T) {
	tests := []struct {
		score    float64
		expected domain.ReputationState
	}{
		{1.0, domain.StateTrusted},
		{0.8, domain.StateTrusted},
		{0.79, domain.StateNeutral},
		{0.5, domain.StateNeutral},
		{0.49, domain.StateFlagged},
		{0.2, domain.StateFlagged},
		{0.19, domain.StateDangerous},
		{0.0, domain.StateDangerous},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, StateFor(tc.score), "score %v", tc.score)
	}
}

func randomCounts(r *rand.Rand) map[domain.Category]int {
	counts := map[domain.Category]int{}
	for _, c := range domain.Categories() {
		if r.Intn(3) == 0 {
			counts[c] = r.Intn(10)
		}
	}
	return counts
}

func copyCounts(counts map[domain.Category]int) map[domain.Category]int {
	c := make(map[domain.Category]int, len(counts))
	for k, v := range counts {
		c[k] = v
	}
	return c
}

func TestScoreBounded(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		counts := randomCounts(r)
		for _, override := range []bool{false, true} {
			s := Score(counts, override)
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		}
	}
}

func TestScoreMonotonic(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 1000; i++ {
		counts := randomCounts(r)
		override := r.Intn(2) == 0
		base := Score(counts, override)

		for _, c := range domain.Categories() {
			more := copyCounts(counts)
			more[c]++
			s := Score(more, override)
			if IsPositive(c) {
				assert.GreaterOrEqual(t, s, base, "adding %s to %v", c, counts)
			}
			if IsNegative(c) {
				assert.LessOrEqual(t, s, base, "adding %s to %v", c, counts)
			}
		}
	}
}

func TestEvaluate(t *testing.T) {
	rep := &domain.SenderReputation{
		Counts: map[domain.Category]int{domain.CategoryPhishing: 2},
	}
	Evaluate(rep)
	assert.Equal(t, 0.0, rep.Score)
	assert.Equal(t, domain.StateDangerous, rep.State)
}
