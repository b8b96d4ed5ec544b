// SPDX-License-Identifier: GPL-3.0-or-later

// Package scheduler drives ingestion, classification, retention, retraining and
// reputation reconciliation unattended.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CrawX/go-mail-triage/domain"
	"github.com/CrawX/go-mail-triage/ingest"
	"github.com/CrawX/go-mail-triage/log"
	"github.com/CrawX/go-mail-triage/metrics"
	"github.com/CrawX/go-mail-triage/triage"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	JobIngest      = "ingest"
	JobClassify    = "classify"
	JobMaintenance = "maintenance"
	JobReconcile   = "reconcile"

	resultPanic = "panic"
)

type Ingester interface {
	Run(ctx context.Context) (ingest.IngestResult, error)
}

type Classifier interface {
	Drain(ctx context.Context) (triage.BatchResult, error)
}

type Trainer interface {
	TrainAll(ctx context.Context) (bool, error)
}

type Store interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	CountOverriddenBetween(ctx context.Context, from, to time.Time) (int, error)
	RecomputeAll(ctx context.Context, chunk int, afterChunk func(ctx context.Context, done int) error) (domain.RecomputeResult, error)
}

type Config struct {
	RetentionDays    int
	RetrainWeekday   time.Weekday
	ReconcileWeekday time.Weekday
	ReconcileHour    int
	ReconcileChunk   int
	ReconcilePause   time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetentionDays:    365,
		RetrainWeekday:   time.Friday,
		ReconcileWeekday: time.Sunday,
		ReconcileHour:    3,
		ReconcileChunk:   100,
		ReconcilePause:   time.Second,
	}
}

type Scheduler struct {
	ingester   Ingester
	classifier Classifier
	trainer    Trainer
	store      Store
	cfg        Config

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	draining *semaphore.Weighted
	drains   sync.WaitGroup

	l *logrus.Logger
}

func NewScheduler(ingester Ingester, classifier Classifier, trainer Trainer, store Store, cfg Config) *Scheduler {
	return &Scheduler{
		ingester:   ingester,
		classifier: classifier,
		trainer:    trainer,
		store:      store,
		cfg:        cfg,
		now:        time.Now,
		after:      time.After,
		draining:   semaphore.NewWeighted(1),
		l:          log.Logger(log.LOG_SCHEDULER),
	}
}

// Run blocks until ctx is done. Jobs do not see the cancellation: a job that is
// running when ctx is cancelled runs to completion and Run returns after it,
// including background classification.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(ctx, JobIngest, NextHour, s.Hourly)
	})
	g.Go(func() error {
		return s.loop(ctx, JobMaintenance, NextMidnight, s.Daily)
	})
	g.Go(func() error {
		next := func(now time.Time) time.Time {
			return NextWeekly(now, s.cfg.ReconcileWeekday, s.cfg.ReconcileHour)
		}
		return s.loop(ctx, JobReconcile, next, s.Reconcile)
	})

	err := g.Wait()
	s.drains.Wait()
	return err
}

func (s *Scheduler) loop(ctx context.Context, name string, next func(time.Time) time.Time, job func(context.Context) error) error {
	for {
		now := s.now()
		at := next(now)
		s.l.WithFields(logrus.Fields{"job": name, "at": at.Format(time.RFC3339)}).Debug("Scheduled next run")

		select {
		case <-ctx.Done():
			return nil
		case <-s.after(at.Sub(now)):
		}
		if ctx.Err() != nil {
			return nil
		}

		s.runJob(context.WithoutCancel(ctx), name, job)
	}
}

// runJob executes one job. Errors and panics are logged and never escape.
func (s *Scheduler) runJob(ctx context.Context, name string, job func(context.Context) error) {
	start := s.now()
	logger := s.l.WithField("job", name)

	defer func() {
		metrics.JobDuration.WithLabelValues(name).Observe(s.now().Sub(start).Seconds())
		if r := recover(); r != nil {
			metrics.JobRunsTotal.WithLabelValues(name, resultPanic).Inc()
			logger.WithField("panic", r).Error("Job panicked")
		}
	}()

	err := job(ctx)
	if err != nil {
		metrics.JobRunsTotal.WithLabelValues(name, metrics.ResultError).Inc()
		logger.WithError(err).Error("Job failed")
		return
	}
	metrics.JobRunsTotal.WithLabelValues(name, metrics.ResultSuccess).Inc()
	logger.WithField("duration", s.now().Sub(start)).Debug("Job finished")
}

// Hourly ingests the last hour of mail and starts classifying it in the background.
func (s *Scheduler) Hourly(ctx context.Context) error {
	_, err := s.ingester.Run(ctx)
	if err != nil {
		return err
	}
	s.TriggerDrain(ctx)
	return nil
}

// TriggerDrain starts draining the classification backlog in the background.
// The drain outlives cancellation of ctx. Returns false if a drain is still
// running.
func (s *Scheduler) TriggerDrain(ctx context.Context) bool {
	if !s.draining.TryAcquire(1) {
		metrics.JobRunsTotal.WithLabelValues(JobClassify, metrics.ResultSkipped).Inc()
		s.l.Info("Classification still running, not starting another one")
		return false
	}

	ctx = context.WithoutCancel(ctx)
	s.drains.Add(1)
	go func() {
		defer s.drains.Done()
		defer s.draining.Release(1)
		s.runJob(ctx, JobClassify, func(ctx context.Context) error {
			result, err := s.classifier.Drain(ctx)
			s.l.WithFields(logrus.Fields{"classified": result.Classified(), "pending": result.Pending}).Info("Drained backlog")
			return err
		})
	}()
	return true
}

// Daily removes messages past retention, ingests and retrains the local model on
// the retrain weekday or when messages were overridden the day before. Every
// step runs even if an earlier one failed.
func (s *Scheduler) Daily(ctx context.Context) error {
	now := s.now()
	errs := []error{}

	cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("could not apply retention: %w", err))
	} else {
		s.l.WithFields(logrus.Fields{"deleted": deleted, "cutoff": cutoff.Format(time.RFC3339)}).Info("Applied retention")
	}

	if err := s.Hourly(ctx); err != nil {
		errs = append(errs, fmt.Errorf("could not ingest: %w", err))
	}

	retrain, err := s.shouldRetrain(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	if retrain {
		trained, err := s.trainer.TrainAll(ctx)
		switch {
		case errors.Is(err, domain.ErrTrainingInProgress):
			s.l.Info("Training already running, skipping retrain")
		case err != nil:
			errs = append(errs, fmt.Errorf("could not retrain: %w", err))
		default:
			s.l.WithField("trained", trained).Info("Retrained local model")
		}
	}

	return errors.Join(errs...)
}

func (s *Scheduler) shouldRetrain(ctx context.Context, now time.Time) (bool, error) {
	if now.Weekday() == s.cfg.RetrainWeekday {
		return true, nil
	}

	today := StartOfDay(now)
	yesterday := today.AddDate(0, 0, -1)
	overrides, err := s.store.CountOverriddenBetween(ctx, yesterday, today)
	if err != nil {
		return false, fmt.Errorf("could not count overrides: %w", err)
	}
	s.l.WithField("overrides", overrides).Debug("Counted overrides of the previous day")
	return overrides > 0, nil
}

// Reconcile recomputes every sender reputation from the stored messages,
// pausing between chunks to let classification writes through.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	afterChunk := func(ctx context.Context, done int) error {
		s.l.WithField("senders", done).Debug("Reconciled chunk")
		if s.cfg.ReconcilePause <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(s.cfg.ReconcilePause):
			return nil
		}
	}

	result, err := s.store.RecomputeAll(ctx, s.cfg.ReconcileChunk, afterChunk)
	if err != nil {
		return fmt.Errorf("could not recompute reputations: %w", err)
	}

	metrics.ReconciledSenders.Set(float64(result.Senders))
	s.l.WithFields(logrus.Fields{
		"senders": result.Senders,
		"changed": result.Changed,
		"removed": result.Removed,
	}).Info("Reconciled sender reputations")
	return nil
}

func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// NextHour returns the next full hour strictly after now.
func NextHour(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour()+1, 0, 0, 0, now.Location())
}

// NextMidnight returns the start of the day after now.
func NextMidnight(now time.Time) time.Time {
	return StartOfDay(now).AddDate(0, 0, 1)
}

// NextWeekly returns the next time strictly after now that falls on weekday at
// hour:00.
func NextWeekly(now time.Time, weekday time.Weekday, hour int) time.Time {
	days := (int(weekday) - int(now.Weekday()) + 7) % 7
	next := time.Date(now.Year(), now.Month(), now.Day()+days, hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}
