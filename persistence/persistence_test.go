// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CrawX/go-mail-triage/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPersistence(t *testing.T) *Persistence {
	p, err := NewPersistence(filepath.Join(t.TempDir(), "triage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fetched(id, name, address, subject string, age time.Duration) *domain.FetchedMail {
	return &domain.FetchedMail{
		ID:            id,
		SenderName:    name,
		SenderAddress: address,
		Subject:       subject,
		Body:          "body of " + id,
		ReceivedAt:    baseTime.Add(-age),
	}
}

func classification(id string, category domain.Category, by domain.Provenance) domain.Classification {
	return domain.Classification{MessageID: id, Category: category, PredictedBy: by}
}

func TestWithTxLock(t *testing.T) {
	assert.Equal(t, "a.db?_txlock=immediate&_busy_timeout=5000", withTxLock("a.db"))
	assert.Equal(t, "a.db?mode=rwc&_txlock=immediate&_busy_timeout=5000", withTxLock("a.db?mode=rwc"))
	assert.Equal(t, "a.db?_txlock=exclusive", withTxLock("a.db?_txlock=exclusive"))
}

func TestInsertMessagesIdempotent(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	mails := []*domain.FetchedMail{
		fetched("1", "Alice", "alice@example.com", "hello", time.Hour),
		fetched("2", "Bob", "bob@example.com", "invoice", 2*time.Hour),
	}

	inserted, err := p.InsertMessages(ctx, mails)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = p.InsertMessages(ctx, mails)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	msg, err := p.GetMessage(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.Equal(t, domain.CategoryUncategorized, msg.Category)
	assert.Equal(t, domain.ProvenanceNone, msg.PredictedBy)
	assert.True(t, baseTime.Add(-time.Hour).Equal(msg.ReceivedAt))

	missing, err := p.GetMessage(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUnclassifiedOldestFirst(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	_, err := p.InsertMessages(ctx, []*domain.FetchedMail{
		fetched("new", "A", "a@example.com", "s", time.Minute),
		fetched("old", "A", "a@example.com", "s", time.Hour),
		fetched("done", "A", "a@example.com", "s", 2*time.Hour),
	})
	require.NoError(t, err)
	_, err = p.RecordClassifications(ctx, []domain.Classification{classification("done", domain.CategoryWork, domain.ProvenanceRemote)})
	require.NoError(t, err)

	messages, err := p.UnclassifiedMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "old", messages[0].ID)
	assert.Equal(t, "new", messages[1].ID)

	messages, err = p.UnclassifiedMessages(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestRecordClassificationsNeverReclassifies(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	_, err := p.InsertMessages(ctx, []*domain.FetchedMail{
		fetched("1", "Alice", "alice@example.com", "hello", time.Hour),
	})
	require.NoError(t, err)

	confidence := 93
	version := "v1"
	first := domain.Classification{
		MessageID:    "1",
		Category:     domain.CategoryWork,
		PredictedBy:  domain.ProvenanceLocal,
		Confidence:   &confidence,
		ModelVersion: &version,
	}
	applied, err := p.RecordClassifications(ctx, []domain.Classification{first})
	require.NoError(t, err)
	assert.Len(t, applied, 1)

	applied, err = p.RecordClassifications(ctx, []domain.Classification{classification("1", domain.CategoryPhishing, domain.ProvenanceRemote)})
	require.NoError(t, err)
	assert.Empty(t, applied)

	msg, err := p.GetMessage(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryWork, msg.Category)
	assert.Equal(t, domain.ProvenanceLocal, msg.PredictedBy)
	require.NotNil(t, msg.Confidence)
	assert.Equal(t, 93, *msg.Confidence)
	require.NotNil(t, msg.ModelVersion)
	assert.Equal(t, "v1", *msg.ModelVersion)

	rep, err := p.GetReputation(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, map[domain.Category]int{domain.CategoryWork: 1}, rep.Counts)
	assert.Equal(t, "Alice", rep.Name)
	assert.Equal(t, 1.0, rep.Score)
	assert.Equal(t, domain.StateTrusted, rep.State)
}

func TestRecordClassificationsWithoutSender(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	_, err := p.InsertMessages(ctx, []*domain.FetchedMail{fetched("1", "", "", "no sender", time.Hour)})
	require.NoError(t, err)

	applied, err := p.RecordClassifications(ctx, []domain.Classification{classification("1", domain.CategoryRegular, domain.ProvenanceRemote)})
	require.NoError(t, err)
	assert.Len(t, applied, 1)

	reps, err := p.ListReputations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, reps)
}

func TestOverrideMessage(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	_, err := p.InsertMessages(ctx, []*domain.FetchedMail{fetched("1", "Bob", "bob@example.com", "win", time.Hour)})
	require.NoError(t, err)
	_, err = p.RecordClassifications(ctx, []domain.Classification{classification("1", domain.CategorySuspectedSpam, domain.ProvenanceBlocklist)})
	require.NoError(t, err)

	at := baseTime.Add(time.Minute)
	err = p.OverrideMessage(ctx, "1", domain.CategoryWork, at)
	require.NoError(t, err)

	msg, err := p.GetMessage(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryWork, msg.Category)
	assert.Equal(t, domain.ProvenanceManual, msg.PredictedBy)
	assert.True(t, msg.ManualOverride)
	require.NotNil(t, msg.OverrideAt)
	assert.True(t, at.Equal(*msg.OverrideAt))

	rep, err := p.GetReputation(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.True(t, rep.ManualOverride)
	assert.Equal(t, map[domain.Category]int{domain.CategorySuspectedSpam: 1, domain.CategoryWork: 1}, rep.Counts)

	err = p.OverrideMessage(ctx, "missing", domain.CategoryWork, at)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	count, err := p.CountOverriddenBetween(ctx, baseTime, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = p.CountOverriddenBetween(ctx, baseTime.Add(time.Hour), baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestManualUncategorizedIsFinal(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	_, err := p.InsertMessages(ctx, []*domain.FetchedMail{fetched("1", "Bob", "bob@example.com", "?", time.Hour)})
	require.NoError(t, err)
	require.NoError(t, p.OverrideMessage(ctx, "1", domain.CategoryUncategorized, baseTime))

	messages, err := p.UnclassifiedMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestApplyEventConcurrent(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			category := domain.CategoryWork
			if i%2 == 0 {
				category = domain.CategoryNewsletters
			}
			assert.NoError(t, p.ApplyEvent(ctx, "news@example.com", "News", category, false))
		}(i)
	}
	wg.Wait()

	rep, err := p.GetReputation(ctx, "news@example.com")
	require.NoError(t, err)
	assert.Equal(t, 10, rep.Counts[domain.CategoryWork])
	assert.Equal(t, 10, rep.Counts[domain.CategoryNewsletters])
	assert.Equal(t, 0.75, rep.Score)
	assert.Equal(t, domain.StateNeutral, rep.State)
}

func TestApplyEventOverrideNeverClears(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.ApplyEvent(ctx, "a@example.com", "A", domain.CategoryWork, true))
	require.NoError(t, p.ApplyEvent(ctx, "a@example.com", "", domain.CategoryRegular, false))

	rep, err := p.GetReputation(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, rep.ManualOverride)
	assert.Equal(t, "A", rep.Name)
}

func TestRecomputeAllFixedPoint(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	_, err := p.InsertMessages(ctx, []*domain.FetchedMail{
		fetched("1", "Alice", "alice@example.com", "a", 3*time.Hour),
		fetched("2", "Alice Smith", "alice@example.com", "b", 2*time.Hour),
		fetched("3", "Spammer", "spam@example.com", "c", time.Hour),
		fetched("4", "Carol", "carol@example.com", "d", time.Hour),
	})
	require.NoError(t, err)
	_, err = p.RecordClassifications(ctx, []domain.Classification{
		classification("2", domain.CategoryRegular, domain.ProvenanceRemote),
		classification("1", domain.CategoryWork, domain.ProvenanceRemote),
		classification("3", domain.CategoryConfirmedSpam, domain.ProvenanceRemote),
	})
	require.NoError(t, err)
	require.NoError(t, p.OverrideMessage(ctx, "3", domain.CategoryPersonal, baseTime))

	// alice carries the name of the older message, the override left a stale spam count,
	// carol only has a pending message and ghost has no message at all
	require.NoError(t, p.ApplyEvent(ctx, "ghost@example.com", "Ghost", domain.CategoryPhishing, false))

	pauses := []int{}
	result, err := p.RecomputeAll(ctx, 1, func(ctx context.Context, done int) error {
		pauses = append(pauses, done)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Senders)
	assert.Equal(t, 3, result.Changed)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, []int{1, 2}, pauses)

	alice, err := p.GetReputation(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Alice Smith", alice.Name)
	assert.Equal(t, map[domain.Category]int{domain.CategoryWork: 1, domain.CategoryRegular: 1}, alice.Counts)
	assert.Equal(t, 0.75, alice.Score)

	spammer, err := p.GetReputation(ctx, "spam@example.com")
	require.NoError(t, err)
	assert.Equal(t, map[domain.Category]int{domain.CategoryPersonal: 1}, spammer.Counts)
	assert.True(t, spammer.ManualOverride)
	assert.Equal(t, 1.0, spammer.Score)

	carol, err := p.GetReputation(ctx, "carol@example.com")
	require.NoError(t, err)
	assert.Equal(t, map[domain.Category]int{domain.CategoryUncategorized: 1}, carol.Counts)
	assert.Equal(t, 0.5, carol.Score)
	assert.Equal(t, domain.StateNeutral, carol.State)

	ghost, err := p.GetReputation(ctx, "ghost@example.com")
	require.NoError(t, err)
	assert.Nil(t, ghost)

	before, err := p.ListReputations(ctx, 10)
	require.NoError(t, err)

	result, err = p.RecomputeAll(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RecomputeResult{Senders: 3}, result)

	after, err := p.ListReputations(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRecomputeAllKeepsManualUncategorized(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	_, err := p.InsertMessages(ctx, []*domain.FetchedMail{
		fetched("1", "Dave", "dave@example.com", "a", 2*time.Hour),
		fetched("2", "Dave", "dave@example.com", "b", time.Hour),
	})
	require.NoError(t, err)
	_, err = p.RecordClassifications(ctx, []domain.Classification{
		classification("1", domain.CategoryImportant, domain.ProvenanceRemote),
	})
	require.NoError(t, err)
	require.NoError(t, p.OverrideMessage(ctx, "2", domain.CategoryUncategorized, baseTime))

	incremental, err := p.GetReputation(ctx, "dave@example.com")
	require.NoError(t, err)
	expected := map[domain.Category]int{domain.CategoryImportant: 1, domain.CategoryUncategorized: 1}
	assert.Equal(t, expected, incremental.Counts)

	_, err = p.RecomputeAll(ctx, 0, nil)
	require.NoError(t, err)

	recomputed, err := p.GetReputation(ctx, "dave@example.com")
	require.NoError(t, err)
	assert.Equal(t, expected, recomputed.Counts)
	assert.Equal(t, incremental.Score, recomputed.Score)
	assert.True(t, recomputed.ManualOverride)
}

func TestDeleteOlderThanAndClear(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	_, err := p.InsertMessages(ctx, []*domain.FetchedMail{
		fetched("old", "A", "a@example.com", "s", 400*24*time.Hour),
		fetched("new", "A", "a@example.com", "s", time.Hour),
	})
	require.NoError(t, err)

	deleted, err := p.DeleteOlderThan(ctx, baseTime.Add(-365*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Unclassified)

	require.NoError(t, p.ApplyEvent(ctx, "a@example.com", "A", domain.CategoryWork, false))
	require.NoError(t, p.ClearAll(ctx))

	stats, err = p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	reps, err := p.ListReputations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, reps)
}

func TestTrainingRowsAndReview(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	_, err := p.InsertMessages(ctx, []*domain.FetchedMail{
		fetched("1", "A", "a@example.com", "flag me", 4*time.Hour),
		fetched("2", "B", "b@example.com", "spam", 3*time.Hour),
		fetched("3", "C", "c@example.com", "work", 2*time.Hour),
		fetched("4", "D", "d@example.com", "pending", time.Hour),
		fetched("5", "E", "e@example.com", "unsure", 30*time.Minute),
	})
	require.NoError(t, err)
	_, err = p.RecordClassifications(ctx, []domain.Classification{
		classification("1", domain.CategoryFlaggedForReview, domain.ProvenanceRemote),
		classification("2", domain.CategorySuspectedSpam, domain.ProvenanceBlocklist),
		classification("3", domain.CategoryWork, domain.ProvenanceRemote),
		classification("5", domain.CategoryUncategorized, domain.ProvenanceLocal),
	})
	require.NoError(t, err)
	require.NoError(t, p.OverrideMessage(ctx, "3", domain.CategoryImportant, baseTime))

	rows, err := p.TrainingRows(ctx, string(domain.ProvenanceRemote))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.CategoryFlaggedForReview, rows[0].Category)

	// every provenance counts, Uncategorized never does
	rows, err = p.TrainingRows(ctx, domain.TrainingSourceAll)
	require.NoError(t, err)
	categories := []domain.Category{}
	for _, row := range rows {
		categories = append(categories, row.Category)
	}
	assert.Equal(t, []domain.Category{domain.CategoryFlaggedForReview, domain.CategorySuspectedSpam, domain.CategoryImportant}, categories)

	tests := []struct {
		tab      domain.ReviewTab
		expected []string
	}{
		{domain.ReviewFlagged, []string{"1"}},
		{domain.ReviewSuspected, []string{"2"}},
		{domain.ReviewReviewed, []string{"3"}},
		{domain.ReviewAll, []string{"5", "4", "3", "2", "1"}},
	}
	for _, tc := range tests {
		t.Run(string(tc.tab), func(t *testing.T) {
			messages, err := p.ListForReview(ctx, tc.tab, 100)
			require.NoError(t, err)
			ids := []string{}
			for _, m := range messages {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tc.expected, ids)
		})
	}

	_, err = p.ListForReview(ctx, domain.ReviewTab("inbox"), 100)
	assert.EqualError(t, err, `unknown review tab "inbox"`)
}

func TestModelArtifact(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	artifact, err := p.LoadArtifact(ctx)
	require.NoError(t, err)
	assert.Nil(t, artifact)
	version, err := p.ArtifactVersion(ctx)
	require.NoError(t, err)
	assert.Empty(t, version)

	for _, v := range []string{"v1", "v2"} {
		err = p.SaveModel(ctx, &domain.ModelArtifact{
			Evaluation: domain.Evaluation{
				Version:   v,
				Source:    "remote",
				TrainSize: 9,
				TestSize:  1,
				Accuracy:  1,
				Report:    map[domain.Category]domain.CategoryMetrics{domain.CategoryWork: {Precision: 1, Recall: 1, F1: 1, Support: 1}},
				TrainedAt: baseTime,
			},
			Blob: []byte(`{"model":"` + v + `"}`),
		})
		require.NoError(t, err)
	}

	artifact, err = p.LoadArtifact(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", artifact.Version)
	assert.Equal(t, []byte(`{"model":"v2"}`), artifact.Blob)
	assert.Equal(t, 1, artifact.Report[domain.CategoryWork].Support)

	version, err = p.ArtifactVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", version)

	evaluation, err := p.LatestEvaluation(ctx, "remote")
	require.NoError(t, err)
	assert.Equal(t, "v2", evaluation.Version)

	evaluation, err = p.LatestEvaluation(ctx, "manual")
	require.NoError(t, err)
	assert.Nil(t, evaluation)
}

func TestSystemValue(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	_, ok, err := p.SystemValue(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.SetSystemValue(ctx, "k", "1"))
	require.NoError(t, p.SetSystemValue(ctx, "k", "2"))

	value, ok, err := p.SystemValue(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", value)
}
