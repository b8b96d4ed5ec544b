// SPDX-License-Identifier: GPL-3.0-or-later

// Package localmodel trains and runs the on-premise message classifier.
package localmodel

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/CrawX/go-mail-triage/domain"
	"github.com/CrawX/go-mail-triage/log"

	"github.com/sirupsen/logrus"
)

// LastPredictionKey is the system value holding the time of the latest prediction.
const LastPredictionKey = "local_model_last_prediction"

type ClassifierStore interface {
	ArtifactVersion(ctx context.Context) (string, error)
	LoadArtifact(ctx context.Context) (*domain.ModelArtifact, error)
	SetSystemValue(ctx context.Context, key, value string) error
}

// Classifier predicts with the current artifact. The decoded pipeline is cached
// until a newer artifact is stored.
type Classifier struct {
	store ClassifierStore
	now   func() time.Time
	l     *logrus.Logger

	mu       sync.Mutex
	version  string
	pipeline *Pipeline
}

func NewClassifier(store ClassifierStore) *Classifier {
	return &Classifier{
		store: store,
		now:   time.Now,
		l:     log.Logger(log.LOG_LOCALMODEL),
	}
}

// Predict returns nil if no model has been trained yet.
func (c *Classifier) Predict(ctx context.Context, senderName, senderAddress, subject string) (*domain.Prediction, error) {
	pipeline, version, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	if pipeline == nil {
		return nil, nil
	}

	category, probability := pipeline.Predict(CombineFeatures(senderName, senderAddress, subject))
	prediction := &domain.Prediction{
		Category:     category,
		Confidence:   int(math.Round(probability * 100)),
		ModelVersion: version,
	}

	err = c.store.SetSystemValue(ctx, LastPredictionKey, c.now().UTC().Format(time.RFC3339))
	if err != nil {
		c.l.WithError(err).Warn("Could not record prediction time")
	}

	c.l.WithFields(logrus.Fields{
		"sender":     senderAddress,
		"category":   prediction.Category,
		"confidence": prediction.Confidence,
	}).Debug("Predicted")
	return prediction, nil
}

func (c *Classifier) current(ctx context.Context) (*Pipeline, string, error) {
	version, err := c.store.ArtifactVersion(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("could not get model version: %w", err)
	}
	if version == "" {
		return nil, "", nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipeline != nil && c.version == version {
		return c.pipeline, c.version, nil
	}

	artifact, err := c.store.LoadArtifact(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("could not load model: %w", err)
	}
	if artifact == nil {
		return nil, "", nil
	}
	pipeline, err := UnmarshalPipeline(artifact.Blob)
	if err != nil {
		return nil, "", err
	}

	c.pipeline = pipeline
	c.version = artifact.Version
	c.l.WithField("version", artifact.Version).Info("Loaded local model")
	return c.pipeline, c.version, nil
}
