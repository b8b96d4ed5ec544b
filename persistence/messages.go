// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CrawX/go-mail-triage/domain"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

const messageColumns = `id, sender, sender_email, subject, body, received_at, category, predicted_by,
	confidence, manual_override, override_timestamp, model_version`

// unclassifiedCondition matches rows nobody has decided on yet. A manual decision is
// final even when it is Uncategorized.
const unclassifiedCondition = `(category IS NULL OR category = 'Uncategorized') AND manual_override = 0`

type dbMessage struct {
	Id                string         `db:"id"`
	Sender            sql.NullString `db:"sender"`
	SenderEmail       sql.NullString `db:"sender_email"`
	Subject           sql.NullString `db:"subject"`
	Body              sql.NullString `db:"body"`
	ReceivedAt        sql.NullTime   `db:"received_at"`
	Category          sql.NullString `db:"category"`
	PredictedBy       sql.NullString `db:"predicted_by"`
	Confidence        sql.NullInt64  `db:"confidence"`
	ManualOverride    bool           `db:"manual_override"`
	OverrideTimestamp sql.NullTime   `db:"override_timestamp"`
	ModelVersion      sql.NullString `db:"model_version"`
}

func (m *dbMessage) toDomain() *domain.Message {
	msg := &domain.Message{
		ID:             m.Id,
		SenderName:     m.Sender.String,
		SenderAddress:  m.SenderEmail.String,
		Subject:        m.Subject.String,
		Body:           m.Body.String,
		Category:       categoryOrDefault(m.Category),
		PredictedBy:    domain.ProvenanceNone,
		ManualOverride: m.ManualOverride,
	}
	if m.ReceivedAt.Valid {
		msg.ReceivedAt = m.ReceivedAt.Time
	}
	if m.PredictedBy.Valid {
		if p, err := domain.ParseProvenance(m.PredictedBy.String); err == nil {
			msg.PredictedBy = p
		}
	}
	if m.Confidence.Valid {
		c := int(m.Confidence.Int64)
		msg.Confidence = &c
	}
	if m.OverrideTimestamp.Valid {
		t := m.OverrideTimestamp.Time
		msg.OverrideAt = &t
	}
	if m.ModelVersion.Valid {
		v := m.ModelVersion.String
		msg.ModelVersion = &v
	}
	return msg
}

func categoryOrDefault(c sql.NullString) domain.Category {
	if !c.Valid || c.String == "" {
		return domain.CategoryUncategorized
	}
	return domain.Category(c.String)
}

func toDomainMessages(rows []dbMessage) []*domain.Message {
	messages := make([]*domain.Message, 0, len(rows))
	for i := range rows {
		messages = append(messages, rows[i].toDomain())
	}
	return messages
}

// InsertMessages stores fetched mails, ignoring ids that already exist. Returns the
// number of new rows.
func (p *Persistence) InsertMessages(ctx context.Context, mails []*domain.FetchedMail) (int, error) {
	if len(mails) == 0 {
		return 0, nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("could not start transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(
		ctx,
		`INSERT OR IGNORE INTO messages(id, sender, sender_email, subject, body, received_at, category, predicted_by)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, txEnd(tx, fmt.Errorf("could not prepare statement: %w", err))
	}
	defer stmt.Close()

	inserted := 0
	for _, mail := range mails {
		result, err := stmt.ExecContext(
			ctx,
			mail.ID, mail.SenderName, mail.SenderAddress, mail.Subject, mail.Body, mail.ReceivedAt.UTC(),
			string(domain.CategoryUncategorized), string(domain.ProvenanceNone),
		)
		if err != nil {
			return 0, txEnd(tx, fmt.Errorf("could not save message: %w", err))
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, txEnd(tx, fmt.Errorf("could not get num of affected rows: %w", err))
		}
		inserted += int(affected)
	}

	err = txEnd(tx, nil)
	if err != nil {
		return 0, err
	}

	p.l.WithFields(logrus.Fields{"Fetched": len(mails), "Inserted": inserted}).Debug("Persisted messages")
	return inserted, nil
}

// GetMessage returns nil if no message with the id exists.
func (p *Persistence) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := dbMessage{}
	err := p.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}
	return row.toDomain(), nil
}

// UnclassifiedMessages returns up to limit messages without a category, oldest first.
func (p *Persistence) UnclassifiedMessages(ctx context.Context, limit int) ([]*domain.Message, error) {
	rows := []dbMessage{}
	err := p.db.SelectContext(
		ctx,
		&rows,
		`SELECT `+messageColumns+` FROM messages WHERE `+unclassifiedCondition+` ORDER BY received_at ASC, id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}
	return toDomainMessages(rows), nil
}

// RecordClassifications writes the given decisions in one transaction. A message
// that has already been classified is left untouched. Every row that was updated
// also counts towards the reputation of its sender. Returns the applied subset.
func (p *Persistence) RecordClassifications(ctx context.Context, classifications []domain.Classification) ([]domain.Classification, error) {
	if len(classifications) == 0 {
		return nil, nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not start transaction: %w", err)
	}

	now := time.Now().UTC()
	applied := []domain.Classification{}
	for _, c := range classifications {
		result, err := tx.ExecContext(
			ctx,
			`UPDATE messages SET category = ?, predicted_by = ?, confidence = ?, model_version = ?
			WHERE id = ? AND `+unclassifiedCondition,
			string(c.Category), string(c.PredictedBy), nullInt(c.Confidence), nullString(c.ModelVersion), c.MessageID,
		)
		if err != nil {
			return nil, txEnd(tx, fmt.Errorf("could not update message %s: %w", c.MessageID, err))
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, txEnd(tx, fmt.Errorf("could not get num of affected rows: %w", err))
		}
		if affected == 0 {
			p.l.WithField("id", c.MessageID).Debug("Message already classified, skipping")
			continue
		}

		err = p.applyMessageEvent(ctx, tx, c.MessageID, c.Category, false, now)
		if err != nil {
			return nil, txEnd(tx, err)
		}
		applied = append(applied, c)
	}

	err = txEnd(tx, nil)
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// OverrideMessage sets a human decided category and marks the sender as manually
// reviewed. Returns domain.ErrMessageNotFound for unknown ids.
func (p *Persistence) OverrideMessage(ctx context.Context, id string, category domain.Category, at time.Time) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not start transaction: %w", err)
	}

	result, err := tx.ExecContext(
		ctx,
		`UPDATE messages SET category = ?, predicted_by = ?, confidence = NULL, model_version = NULL,
		manual_override = 1, override_timestamp = ? WHERE id = ?`,
		string(category), string(domain.ProvenanceManual), at.UTC(), id,
	)
	if err != nil {
		return txEnd(tx, fmt.Errorf("could not update message: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return txEnd(tx, fmt.Errorf("could not get num of affected rows: %w", err))
	}
	if affected == 0 {
		return txEnd(tx, fmt.Errorf("could not override %s: %w", id, domain.ErrMessageNotFound))
	}

	err = p.applyMessageEvent(ctx, tx, id, category, true, at.UTC())
	if err != nil {
		return txEnd(tx, err)
	}

	err = txEnd(tx, nil)
	if err != nil {
		return err
	}

	p.l.WithFields(logrus.Fields{"id": id, "category": category}).Info("Manual override")
	return nil
}

// applyMessageEvent looks up the sender of a message and records one event for it.
// Messages without a sender address do not affect any reputation.
func (p *Persistence) applyMessageEvent(ctx context.Context, tx *sqlx.Tx, id string, category domain.Category, markOverride bool, now time.Time) error {
	sender := struct {
		Name    sql.NullString `db:"sender"`
		Address sql.NullString `db:"sender_email"`
	}{}
	err := tx.GetContext(ctx, &sender, `SELECT sender, sender_email FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not read sender of %s: %w", id, err)
	}
	if sender.Address.String == "" {
		return nil
	}
	return p.applyEvent(ctx, tx, sender.Address.String, sender.Name.String, category, markOverride, now)
}

// CountOverriddenBetween counts manual overrides with from <= timestamp < to.
func (p *Persistence) CountOverriddenBetween(ctx context.Context, from, to time.Time) (int, error) {
	count := 0
	err := p.db.GetContext(
		ctx,
		&count,
		`SELECT COUNT(*) FROM messages WHERE manual_override = 1 AND override_timestamp >= ? AND override_timestamp < ?`,
		from.UTC(), to.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("could not query db: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes messages received before cutoff.
func (p *Persistence) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM messages WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("could not delete messages: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("could not get num of affected rows: %w", err)
	}

	p.l.WithFields(logrus.Fields{"cutoff": cutoff, "deleted": affected}).Info("Deleted old messages")
	return affected, nil
}

// ClearAll empties messages and sender reputations. Model artifacts are kept.
func (p *Persistence) ClearAll(ctx context.Context) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not start transaction: %w", err)
	}
	for _, table := range []string{"messages", "sender_reputation"} {
		_, err = tx.ExecContext(ctx, `DELETE FROM `+table)
		if err != nil {
			return txEnd(tx, fmt.Errorf("could not clear %s: %w", table, err))
		}
	}
	err = txEnd(tx, nil)
	if err != nil {
		return err
	}
	p.l.Warn("Cleared all messages and reputations")
	return nil
}

// TrainingRows returns labeled examples whose category was decided by source, or by
// anyone for domain.TrainingSourceAll.
func (p *Persistence) TrainingRows(ctx context.Context, source string) ([]domain.TrainingRow, error) {
	qry := sq.Select("sender", "sender_email", "subject", "category").
		From("messages").
		Where("category IS NOT NULL").
		OrderBy("received_at ASC", "id ASC")
	if source == domain.TrainingSourceAll {
		qry = qry.Where(sq.NotEq{"category": string(domain.CategoryUncategorized)})
	} else {
		qry = qry.Where(sq.Eq{"predicted_by": source})
	}

	query, args, err := qry.ToSql()
	if err != nil {
		return nil, fmt.Errorf("could not create query: %w", err)
	}

	rows := []struct {
		Sender      sql.NullString `db:"sender"`
		SenderEmail sql.NullString `db:"sender_email"`
		Subject     sql.NullString `db:"subject"`
		Category    string         `db:"category"`
	}{}
	err = p.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	result := make([]domain.TrainingRow, 0, len(rows))
	for _, r := range rows {
		result = append(result, domain.TrainingRow{
			SenderName:    r.Sender.String,
			SenderAddress: r.SenderEmail.String,
			Subject:       r.Subject.String,
			Category:      domain.Category(r.Category),
		})
	}
	return result, nil
}

// ListForReview returns the newest messages of a review tab.
func (p *Persistence) ListForReview(ctx context.Context, tab domain.ReviewTab, limit int) ([]*domain.Message, error) {
	qry := sq.Select(messageColumns).From("messages").OrderBy("received_at DESC").Limit(uint64(limit))
	switch tab {
	case domain.ReviewFlagged:
		qry = qry.Where(sq.Eq{"category": string(domain.CategoryFlaggedForReview)})
	case domain.ReviewSuspected:
		qry = qry.Where(sq.Eq{"category": []string{
			string(domain.CategorySuspectedSpam),
			string(domain.CategoryPhishing),
			string(domain.CategoryBlacklisted),
		}})
	case domain.ReviewReviewed:
		qry = qry.Where(sq.Eq{"manual_override": 1})
	case domain.ReviewAll:
	default:
		return nil, fmt.Errorf("unknown review tab %q", tab)
	}

	query, args, err := qry.ToSql()
	if err != nil {
		return nil, fmt.Errorf("could not create query: %w", err)
	}

	rows := []dbMessage{}
	err = p.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}
	return toDomainMessages(rows), nil
}

func (p *Persistence) Stats(ctx context.Context) (*domain.Stats, error) {
	query, args, err := sq.Select("COALESCE(category, 'Uncategorized') AS category", "COUNT(*) AS count").
		From("messages").
		GroupBy("COALESCE(category, 'Uncategorized')").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("could not create query: %w", err)
	}

	rows := []struct {
		Category string `db:"category"`
		Count    int    `db:"count"`
	}{}
	err = p.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	stats := &domain.Stats{ByCategory: map[domain.Category]int{}}
	for _, r := range rows {
		stats.ByCategory[domain.Category(r.Category)] = r.Count
		stats.Total += r.Count
	}
	stats.Unclassified = stats.ByCategory[domain.CategoryUncategorized]
	return stats, nil
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
