// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CrawX/go-mail-triage/domain"
	"github.com/CrawX/go-mail-triage/reputation"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

type dbReputation struct {
	SenderEmail    string         `db:"sender_email"`
	SenderName     sql.NullString `db:"sender_name"`
	Counts         string         `db:"classification_counts"`
	Score          float64        `db:"reputation_score"`
	State          string         `db:"reputation_state"`
	ManualOverride bool           `db:"manual_override"`
	LastUpdated    time.Time      `db:"last_updated"`
}

func (r *dbReputation) toDomain() (*domain.SenderReputation, error) {
	counts, err := decodeCounts(r.Counts)
	if err != nil {
		return nil, fmt.Errorf("could not decode counts of %s: %w", r.SenderEmail, err)
	}
	return &domain.SenderReputation{
		Address:        r.SenderEmail,
		Name:           r.SenderName.String,
		Counts:         counts,
		Score:          r.Score,
		State:          domain.ReputationState(r.State),
		ManualOverride: r.ManualOverride,
		UpdatedAt:      r.LastUpdated,
	}, nil
}

func decodeCounts(raw string) (map[domain.Category]int, error) {
	counts := map[domain.Category]int{}
	if raw == "" {
		return counts, nil
	}
	err := json.Unmarshal([]byte(raw), &counts)
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func encodeCounts(counts map[domain.Category]int) (string, error) {
	raw, err := json.Marshal(counts)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

const reputationColumns = `sender_email, sender_name, classification_counts, reputation_score,
	reputation_state, manual_override, last_updated`

// ApplyEvent counts one classification for a sender and rescores it. The
// read-modify-write runs in one immediate transaction.
func (p *Persistence) ApplyEvent(ctx context.Context, address, name string, category domain.Category, markOverride bool) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not start transaction: %w", err)
	}
	err = p.applyEvent(ctx, tx, address, name, category, markOverride, time.Now().UTC())
	return txEnd(tx, err)
}

func (p *Persistence) applyEvent(ctx context.Context, tx *sqlx.Tx, address, name string, category domain.Category, markOverride bool, now time.Time) error {
	rep, err := getReputation(ctx, tx, address)
	if err != nil {
		return err
	}
	if rep == nil {
		rep = &domain.SenderReputation{
			Address: address,
			Counts:  map[domain.Category]int{},
		}
	}

	rep.Counts[category]++
	if name != "" {
		rep.Name = name
	}
	rep.ManualOverride = rep.ManualOverride || markOverride
	rep.UpdatedAt = now
	reputation.Evaluate(rep)

	err = upsertReputation(ctx, tx, rep)
	if err != nil {
		return err
	}

	p.l.WithFields(logrus.Fields{
		"sender":   address,
		"category": category,
		"score":    rep.Score,
		"state":    rep.State,
	}).Debug("Updated reputation")
	return nil
}

func getReputation(ctx context.Context, q sqlx.QueryerContext, address string) (*domain.SenderReputation, error) {
	row := dbReputation{}
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+reputationColumns+` FROM sender_reputation WHERE sender_email = ?`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query reputation: %w", err)
	}
	return row.toDomain()
}

func upsertReputation(ctx context.Context, tx *sqlx.Tx, rep *domain.SenderReputation) error {
	counts, err := encodeCounts(rep.Counts)
	if err != nil {
		return fmt.Errorf("could not encode counts of %s: %w", rep.Address, err)
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO sender_reputation(sender_email, sender_name, classification_counts, reputation_score,
			reputation_state, manual_override, last_updated)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sender_email) DO UPDATE SET
			sender_name = excluded.sender_name,
			classification_counts = excluded.classification_counts,
			reputation_score = excluded.reputation_score,
			reputation_state = excluded.reputation_state,
			manual_override = excluded.manual_override,
			last_updated = excluded.last_updated`,
		rep.Address, rep.Name, counts, rep.Score, string(rep.State), rep.ManualOverride, rep.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("could not save reputation of %s: %w", rep.Address, err)
	}
	return nil
}

// GetReputation returns nil for unknown senders.
func (p *Persistence) GetReputation(ctx context.Context, address string) (*domain.SenderReputation, error) {
	return getReputation(ctx, p.db, address)
}

// ListReputations returns senders ordered by score, best first.
func (p *Persistence) ListReputations(ctx context.Context, limit int) ([]*domain.SenderReputation, error) {
	rows := []dbReputation{}
	err := p.db.SelectContext(
		ctx,
		&rows,
		`SELECT `+reputationColumns+` FROM sender_reputation ORDER BY reputation_score DESC, sender_email ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	reputations := make([]*domain.SenderReputation, 0, len(rows))
	for i := range rows {
		rep, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		reputations = append(reputations, rep)
	}
	return reputations, nil
}

// RecomputeAll rebuilds every sender reputation from the stored messages that
// have a sender address and a category, Uncategorized included. With
// chunk <= 0 all senders are rewritten in a single transaction, otherwise each chunk
// of senders gets its own transaction and afterChunk runs between chunks. Rows are
// only written when the recomputed values differ from the stored ones.
func (p *Persistence) RecomputeAll(ctx context.Context, chunk int, afterChunk func(ctx context.Context, done int) error) (domain.RecomputeResult, error) {
	result := domain.RecomputeResult{}

	addresses := []string{}
	err := p.db.SelectContext(
		ctx,
		&addresses,
		`SELECT DISTINCT sender_email FROM messages
		WHERE sender_email IS NOT NULL AND sender_email != '' AND category IS NOT NULL
		ORDER BY sender_email`,
	)
	if err != nil {
		return result, fmt.Errorf("could not query senders: %w", err)
	}
	result.Senders = len(addresses)

	if chunk <= 0 || chunk > len(addresses) {
		chunk = len(addresses)
	}

	for start := 0; start < len(addresses); start += chunk {
		end := start + chunk
		if end > len(addresses) {
			end = len(addresses)
		}

		changed, err := p.recomputeChunk(ctx, addresses[start:end])
		if err != nil {
			return result, err
		}
		result.Changed += changed

		if afterChunk != nil && end < len(addresses) {
			err = afterChunk(ctx, end)
			if err != nil {
				return result, err
			}
		}
	}

	removed, err := p.db.ExecContext(
		ctx,
		`DELETE FROM sender_reputation WHERE sender_email NOT IN (
			SELECT sender_email FROM messages
			WHERE sender_email IS NOT NULL AND category IS NOT NULL
		)`,
	)
	if err != nil {
		return result, fmt.Errorf("could not delete stale reputations: %w", err)
	}
	affected, err := removed.RowsAffected()
	if err != nil {
		return result, fmt.Errorf("could not get num of affected rows: %w", err)
	}
	result.Removed = int(affected)

	p.l.WithFields(logrus.Fields{
		"senders": result.Senders,
		"changed": result.Changed,
		"removed": result.Removed,
	}).Info("Recomputed reputations")
	return result, nil
}

func (p *Persistence) recomputeChunk(ctx context.Context, addresses []string) (int, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("could not start transaction: %w", err)
	}

	qry, args, err := sqlx.In(
		`SELECT sender_email, sender, category, manual_override FROM messages
		WHERE sender_email IN (?) AND category IS NOT NULL
		ORDER BY received_at ASC, id ASC`,
		addresses,
	)
	if err != nil {
		return 0, txEnd(tx, fmt.Errorf("could not replace IN in query: %w", err))
	}

	rows := []struct {
		SenderEmail    string         `db:"sender_email"`
		Sender         sql.NullString `db:"sender"`
		Category       string         `db:"category"`
		ManualOverride bool           `db:"manual_override"`
	}{}
	err = tx.SelectContext(ctx, &rows, tx.Rebind(qry), args...)
	if err != nil {
		return 0, txEnd(tx, fmt.Errorf("could not query messages: %w", err))
	}

	arena := map[string]*domain.SenderReputation{}
	for _, r := range rows {
		rep, ok := arena[r.SenderEmail]
		if !ok {
			rep = &domain.SenderReputation{Address: r.SenderEmail, Counts: map[domain.Category]int{}}
			arena[r.SenderEmail] = rep
		}
		rep.Counts[domain.Category(r.Category)]++
		if r.Sender.String != "" {
			rep.Name = r.Sender.String
		}
		rep.ManualOverride = rep.ManualOverride || r.ManualOverride
	}

	now := time.Now().UTC()
	changed := 0
	for _, address := range addresses {
		rep, ok := arena[address]
		if !ok {
			// messages of this sender were deleted meanwhile
			continue
		}
		reputation.Evaluate(rep)

		stored, err := getReputation(ctx, tx, address)
		if err != nil {
			return 0, txEnd(tx, err)
		}
		if stored != nil && sameReputation(stored, rep) {
			continue
		}

		rep.UpdatedAt = now
		err = upsertReputation(ctx, tx, rep)
		if err != nil {
			return 0, txEnd(tx, err)
		}
		changed++
	}

	return changed, txEnd(tx, nil)
}

func sameReputation(a, b *domain.SenderReputation) bool {
	if a.Name != b.Name || a.Score != b.Score || a.State != b.State || a.ManualOverride != b.ManualOverride {
		return false
	}
	if len(a.Counts) != len(b.Counts) {
		return false
	}
	for c, n := range a.Counts {
		if b.Counts[c] != n {
			return false
		}
	}
	return true
}
