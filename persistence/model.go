// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CrawX/go-mail-triage/domain"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

type dbEvaluation struct {
	Version   string    `db:"version"`
	Source    string    `db:"source"`
	TrainSize int       `db:"train_size"`
	TestSize  int       `db:"test_size"`
	Accuracy  float64   `db:"accuracy"`
	Report    string    `db:"report"`
	TrainedAt time.Time `db:"trained_at"`
}

func (e *dbEvaluation) toDomain() (domain.Evaluation, error) {
	report := map[domain.Category]domain.CategoryMetrics{}
	err := json.Unmarshal([]byte(e.Report), &report)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("could not decode report of %s: %w", e.Version, err)
	}
	return domain.Evaluation{
		Version:   e.Version,
		Source:    e.Source,
		TrainSize: e.TrainSize,
		TestSize:  e.TestSize,
		Accuracy:  e.Accuracy,
		Report:    report,
		TrainedAt: e.TrainedAt,
	}, nil
}

// SaveModel replaces the current artifact and appends its evaluation in one
// transaction.
func (p *Persistence) SaveModel(ctx context.Context, artifact *domain.ModelArtifact) error {
	report, err := json.Marshal(artifact.Report)
	if err != nil {
		return fmt.Errorf("could not encode report: %w", err)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not start transaction: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO model_artifact(id, version, source, train_size, test_size, accuracy, report, trained_at, blob)
		VALUES(1, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.Version, artifact.Source, artifact.TrainSize, artifact.TestSize, artifact.Accuracy,
		string(report), artifact.TrainedAt.UTC(), artifact.Blob,
	)
	if err != nil {
		return txEnd(tx, fmt.Errorf("could not save artifact: %w", err))
	}

	err = appendEvaluation(ctx, tx, artifact.Evaluation, string(report))
	if err != nil {
		return txEnd(tx, err)
	}

	err = txEnd(tx, nil)
	if err != nil {
		return err
	}

	p.l.WithFields(logrus.Fields{
		"version":  artifact.Version,
		"source":   artifact.Source,
		"accuracy": artifact.Accuracy,
		"bytes":    len(artifact.Blob),
	}).Info("Saved model")
	return nil
}

func appendEvaluation(ctx context.Context, e sqlx.ExecerContext, evaluation domain.Evaluation, report string) error {
	_, err := e.ExecContext(
		ctx,
		`INSERT INTO model_evaluations(version, source, train_size, test_size, accuracy, report, trained_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evaluation.Version, evaluation.Source, evaluation.TrainSize, evaluation.TestSize, evaluation.Accuracy,
		report, evaluation.TrainedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("could not save evaluation: %w", err)
	}
	return nil
}

// LoadArtifact returns nil if no model has been trained yet.
func (p *Persistence) LoadArtifact(ctx context.Context) (*domain.ModelArtifact, error) {
	row := struct {
		dbEvaluation
		Blob []byte `db:"blob"`
	}{}
	err := p.db.GetContext(
		ctx,
		&row,
		`SELECT version, source, train_size, test_size, accuracy, report, trained_at, blob FROM model_artifact WHERE id = 1`,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	evaluation, err := row.dbEvaluation.toDomain()
	if err != nil {
		return nil, err
	}
	return &domain.ModelArtifact{Evaluation: evaluation, Blob: row.Blob}, nil
}

// ArtifactVersion returns the version of the current artifact, "" if there is none.
func (p *Persistence) ArtifactVersion(ctx context.Context) (string, error) {
	version := ""
	err := p.db.GetContext(ctx, &version, `SELECT version FROM model_artifact WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("could not query db: %w", err)
	}
	return version, nil
}

// LatestEvaluation returns the newest evaluation for source, or of any source if
// source is empty. Returns nil if none exists.
func (p *Persistence) LatestEvaluation(ctx context.Context, source string) (*domain.Evaluation, error) {
	row := dbEvaluation{}
	query := `SELECT version, source, train_size, test_size, accuracy, report, trained_at FROM model_evaluations`
	args := []interface{}{}
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY id DESC LIMIT 1`

	err := p.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	evaluation, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &evaluation, nil
}
