// SPDX-License-Identifier: GPL-3.0-or-later

// Package triage runs the classification cascade: blocklist, then the local
// model, then the remote classifier for whatever is left.
package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/CrawX/go-mail-triage/domain"
	"github.com/CrawX/go-mail-triage/log"
	"github.com/CrawX/go-mail-triage/mail"
	"github.com/CrawX/go-mail-triage/metrics"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BlocklistedCategory is assigned to mail from senders on the blocklist.
const BlocklistedCategory = domain.CategorySuspectedSpam

type DecisionKind int

const (
	PendingRemote DecisionKind = iota
	Blocklisted
	LocallyClassified
)

func (k DecisionKind) String() string {
	switch k {
	case Blocklisted:
		return "blocklisted"
	case LocallyClassified:
		return "local"
	default:
		return "pending"
	}
}

// Decision is the outcome of the storage-free part of the cascade. Category,
// Confidence and ModelVersion are only set for LocallyClassified.
type Decision struct {
	Kind         DecisionKind
	Category     domain.Category
	Confidence   int
	ModelVersion string
}

func (d Decision) classification(msg *domain.Message) (domain.Classification, bool) {
	c := domain.Classification{
		MessageID:     msg.ID,
		SenderName:    msg.SenderName,
		SenderAddress: msg.SenderAddress,
	}
	switch d.Kind {
	case Blocklisted:
		c.Category = BlocklistedCategory
		c.PredictedBy = domain.ProvenanceBlocklist
	case LocallyClassified:
		confidence, version := d.Confidence, d.ModelVersion
		c.Category = d.Category
		c.PredictedBy = domain.ProvenanceLocal
		c.Confidence = &confidence
		c.ModelVersion = &version
	default:
		return c, false
	}
	return c, true
}

// BatchResult counts the messages each stage classified. Pending messages stay
// unclassified and are picked up again by the next batch.
type BatchResult struct {
	Pulled      int
	Blocklisted int
	Local       int
	Remote      int
	Pending     int
}

func (r BatchResult) Classified() int {
	return r.Blocklisted + r.Local + r.Remote
}

func (r *BatchResult) add(o BatchResult) {
	r.Pulled += o.Pulled
	r.Blocklisted += o.Blocklisted
	r.Local += o.Local
	r.Remote += o.Remote
	r.Pending += o.Pending
}

type Orchestrator struct {
	store     domain.TriageStore
	blocklist domain.Blocklist
	local     domain.LocalClassifier
	remote    domain.RemoteClassifier

	configuration *configuration
	now           func() time.Time

	l *logrus.Logger
}

func NewOrchestrator(store domain.TriageStore, blocklist domain.Blocklist, local domain.LocalClassifier, remote domain.RemoteClassifier, configFunc ...ConfigFunc) (*Orchestrator, error) {
	config := defaultConfiguration()
	for _, f := range configFunc {
		err := f(config)
		if err != nil {
			return nil, fmt.Errorf("error applying configuration: %w", err)
		}
	}

	return &Orchestrator{
		store:         store,
		blocklist:     blocklist,
		local:         local,
		remote:        remote,
		configuration: config,
		now:           time.Now,
		l:             log.Logger(log.LOG_TRIAGE),
	}, nil
}

// Decide runs the blocklist and the local model for one message. It never
// writes to the store; a failing local model defers the message to the remote
// classifier.
func (o *Orchestrator) Decide(ctx context.Context, msg *domain.Message) Decision {
	if msg.SenderAddress != "" && o.blocklist.IsListed(ctx, msg.SenderAddress) {
		return Decision{Kind: Blocklisted}
	}

	prediction, err := o.local.Predict(ctx, msg.SenderName, msg.SenderAddress, msg.Subject)
	if err != nil {
		o.l.WithError(err).WithField("id", msg.ID).Warn("Local prediction failed, deferring to remote")
		return Decision{Kind: PendingRemote}
	}
	if prediction == nil || prediction.Confidence < o.configuration.ConfidenceThreshold {
		return Decision{Kind: PendingRemote}
	}

	return Decision{
		Kind:         LocallyClassified,
		Category:     prediction.Category,
		Confidence:   prediction.Confidence,
		ModelVersion: prediction.ModelVersion,
	}
}

// ClassifyBatch classifies up to BatchSize unclassified messages. A failing
// remote classifier is not an error: the affected messages stay unclassified.
func (o *Orchestrator) ClassifyBatch(ctx context.Context) (BatchResult, error) {
	result := BatchResult{}

	messages, err := o.store.UnclassifiedMessages(ctx, o.configuration.BatchSize)
	if err != nil {
		return result, fmt.Errorf("could not load unclassified messages: %w", err)
	}
	result.Pulled = len(messages)
	if len(messages) == 0 {
		return result, nil
	}

	decisions := o.decideAll(ctx, messages)

	decided := []domain.Classification{}
	pending := []*domain.Message{}
	for i, msg := range messages {
		c, ok := decisions[i].classification(msg)
		if !ok {
			pending = append(pending, msg)
			continue
		}
		decided = append(decided, c)
	}

	if len(decided) > 0 {
		applied, err := o.store.RecordClassifications(ctx, decided)
		if err != nil {
			return result, fmt.Errorf("could not record classifications: %w", err)
		}
		result.count(applied)
	}

	if len(pending) < o.configuration.MinRemoteBatch {
		result.Pending = len(pending)
		o.l.WithFields(logrus.Fields{"pending": len(pending), "min": o.configuration.MinRemoteBatch}).Debug("Too few messages for a remote call")
		o.logResult(result)
		return result, nil
	}

	remoteApplied := 0
	for _, chunk := range partition(pending, o.configuration.RemoteBatchSize) {
		applied, err := o.classifyRemotely(ctx, chunk)
		if err != nil {
			return result, err
		}
		result.count(applied)
		remoteApplied += len(applied)
	}
	result.Pending = len(pending) - remoteApplied

	o.logResult(result)
	return result, nil
}

// Drain classifies batches until one classifies nothing.
func (o *Orchestrator) Drain(ctx context.Context) (BatchResult, error) {
	total := BatchResult{}
	for {
		result, err := o.ClassifyBatch(ctx)
		total.add(result)
		if err != nil {
			return total, err
		}
		if result.Classified() == 0 {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// Override records a human decision for a message. The label is normalized like
// a remote answer. Returns domain.ErrMessageNotFound for unknown ids.
func (o *Orchestrator) Override(ctx context.Context, id string, label string) (domain.Category, error) {
	category := domain.Normalize(label)
	err := o.store.OverrideMessage(ctx, id, category, o.now())
	if err != nil {
		return "", err
	}

	metrics.ClassifiedTotal.WithLabelValues(string(domain.ProvenanceManual)).Inc()
	o.l.WithFields(logrus.Fields{"id": id, "category": category}).Info("Message overridden")
	return category, nil
}

func (o *Orchestrator) decideAll(ctx context.Context, messages []*domain.Message) []Decision {
	decisions := make([]Decision, len(messages))
	g := errgroup.Group{}
	g.SetLimit(o.configuration.LookupConcurrency)
	for i := range messages {
		index := i
		g.Go(func() error {
			decisions[index] = o.Decide(ctx, messages[index])
			return nil
		})
	}
	_ = g.Wait()
	return decisions
}

func (o *Orchestrator) classifyRemotely(ctx context.Context, chunk []*domain.Message) ([]domain.Classification, error) {
	items := make([]domain.RemoteItem, len(chunk))
	byID := make(map[string]*domain.Message, len(chunk))
	for i, msg := range chunk {
		items[i] = domain.RemoteItem{
			ID:            msg.ID,
			SenderName:    msg.SenderName,
			SenderAddress: msg.SenderAddress,
			Subject:       msg.Subject,
		}
		byID[msg.ID] = msg
	}

	labels, err := o.remote.Classify(ctx, items)
	if err != nil {
		o.l.WithError(err).WithField("messages", len(chunk)).Warn("Remote classification failed, messages stay unclassified")
		return nil, nil
	}

	classifications := []domain.Classification{}
	for _, label := range labels {
		msg, ok := byID[label.ID]
		if !ok {
			o.l.WithField("id", label.ID).Debug("Remote answered for an unknown message, ignoring")
			continue
		}
		// First answer per message wins.
		delete(byID, label.ID)

		category := domain.Normalize(label.Category)
		if string(category) != label.Category {
			o.l.WithFields(logrus.Fields{"id": msg.ID, "raw": label.Category, "category": category}).Debug("Normalized remote label")
		}
		classifications = append(classifications, domain.Classification{
			MessageID:     msg.ID,
			SenderName:    msg.SenderName,
			SenderAddress: msg.SenderAddress,
			Category:      category,
			PredictedBy:   domain.ProvenanceRemote,
		})
	}
	for _, msg := range byID {
		o.l.WithFields(logrus.Fields{"id": msg.ID, "subject": mail.ShortSubject(msg.Subject)}).Debug("Remote gave no answer")
	}

	if len(classifications) == 0 {
		return nil, nil
	}
	applied, err := o.store.RecordClassifications(ctx, classifications)
	if err != nil {
		return nil, fmt.Errorf("could not record remote classifications: %w", err)
	}
	return applied, nil
}

func (r *BatchResult) count(applied []domain.Classification) {
	for _, c := range applied {
		switch c.PredictedBy {
		case domain.ProvenanceBlocklist:
			r.Blocklisted++
		case domain.ProvenanceLocal:
			r.Local++
		case domain.ProvenanceRemote:
			r.Remote++
		}
		metrics.ClassifiedTotal.WithLabelValues(string(c.PredictedBy)).Inc()
	}
}

func (o *Orchestrator) logResult(result BatchResult) {
	o.l.WithFields(logrus.Fields{
		"pulled":      result.Pulled,
		"blocklisted": result.Blocklisted,
		"local":       result.Local,
		"remote":      result.Remote,
		"pending":     result.Pending,
	}).Info("Classified batch")
}

func partition(messages []*domain.Message, size int) [][]*domain.Message {
	batches := [][]*domain.Message{}
	for start := 0; start < len(messages); start += size {
		end := start + size
		if end > len(messages) {
			end = len(messages)
		}
		batches = append(batches, messages[start:end])
	}
	return batches
}
