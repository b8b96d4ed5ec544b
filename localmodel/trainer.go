// SPDX-License-Identifier: GPL-3.0-or-later
package localmodel

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/CrawX/go-mail-triage/domain"
	"github.com/CrawX/go-mail-triage/log"
	"github.com/CrawX/go-mail-triage/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	splitSeed     = 42
	testFraction  = 0.1
	resultNoData  = "no_data"
	resultTrained = "trained"
)

type TrainerStore interface {
	TrainingRows(ctx context.Context, source string) ([]domain.TrainingRow, error)
	SaveModel(ctx context.Context, artifact *domain.ModelArtifact) error
}

type Trainer struct {
	store      TrainerStore
	running    *semaphore.Weighted
	now        func() time.Time
	newVersion func() string
	l          *logrus.Logger
}

func NewTrainer(store TrainerStore) *Trainer {
	return &Trainer{
		store:      store,
		running:    semaphore.NewWeighted(1),
		now:        time.Now,
		newVersion: func() string { return uuid.NewString() },
		l:          log.Logger(log.LOG_LOCALMODEL),
	}
}

// Train fits a new model on every message labeled by source and makes it the
// current one. Returns false without touching the current model if there is no
// data. Only one training runs at a time, a concurrent call fails with
// domain.ErrTrainingInProgress.
func (t *Trainer) Train(ctx context.Context, source string) (bool, error) {
	if !t.running.TryAcquire(1) {
		metrics.TrainingRunsTotal.WithLabelValues(metrics.ResultSkipped).Inc()
		return false, domain.ErrTrainingInProgress
	}
	defer t.running.Release(1)

	trained, err := t.train(ctx, source)
	switch {
	case err != nil:
		metrics.TrainingRunsTotal.WithLabelValues(metrics.ResultError).Inc()
	case trained:
		metrics.TrainingRunsTotal.WithLabelValues(resultTrained).Inc()
	default:
		metrics.TrainingRunsTotal.WithLabelValues(resultNoData).Inc()
	}
	return trained, err
}

// TrainAll trains on every labeled message regardless of who labeled it.
func (t *Trainer) TrainAll(ctx context.Context) (bool, error) {
	return t.Train(ctx, domain.TrainingSourceAll)
}

func (t *Trainer) train(ctx context.Context, source string) (bool, error) {
	rows, err := t.store.TrainingRows(ctx, source)
	if err != nil {
		return false, fmt.Errorf("could not load training data: %w", err)
	}
	if len(rows) == 0 {
		t.l.WithField("source", source).Info("No training data")
		return false, nil
	}

	train, test := split(rows)

	trainDocs, trainLabels := documents(train)
	pipeline, err := Fit(trainDocs, trainLabels)
	if err != nil {
		return false, fmt.Errorf("could not fit model: %w", err)
	}
	blob, err := pipeline.Marshal()
	if err != nil {
		return false, fmt.Errorf("could not serialize model: %w", err)
	}

	testDocs, testLabels := documents(test)
	accuracy, report := Evaluate(pipeline, testDocs, testLabels)

	artifact := &domain.ModelArtifact{
		Evaluation: domain.Evaluation{
			Version:   t.newVersion(),
			Source:    source,
			TrainSize: len(train),
			TestSize:  len(test),
			Accuracy:  accuracy,
			Report:    report,
			TrainedAt: t.now(),
		},
		Blob: blob,
	}
	err = t.store.SaveModel(ctx, artifact)
	if err != nil {
		return false, fmt.Errorf("could not save model: %w", err)
	}

	t.l.WithFields(logrus.Fields{
		"source":   source,
		"version":  artifact.Version,
		"train":    len(train),
		"test":     len(test),
		"accuracy": accuracy,
	}).Info("Trained local model")
	return true, nil
}

// split shuffles rows deterministically and holds out a tenth, rounded up, for
// evaluation. The training part is never empty.
func split(rows []domain.TrainingRow) ([]domain.TrainingRow, []domain.TrainingRow) {
	shuffled := make([]domain.TrainingRow, len(rows))
	copy(shuffled, rows)
	r := rand.New(rand.NewSource(splitSeed))
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	testSize := int(math.Ceil(float64(len(shuffled)) * testFraction))
	if testSize >= len(shuffled) {
		testSize = len(shuffled) - 1
	}
	return shuffled[testSize:], shuffled[:testSize]
}

func documents(rows []domain.TrainingRow) ([]string, []domain.Category) {
	docs := make([]string, len(rows))
	labels := make([]domain.Category, len(rows))
	for i, r := range rows {
		docs[i] = CombineFeatures(r.SenderName, r.SenderAddress, r.Subject)
		labels[i] = r.Category
	}
	return docs, labels
}
