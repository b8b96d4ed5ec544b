// SPDX-License-Identifier: GPL-3.0-or-later
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Classification metrics
var (
	ClassifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtriage_classified_messages_total",
			Help: "Total number of messages classified, by deciding stage",
		},
		[]string{"provenance"},
	)

	RemoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtriage_remote_calls_total",
			Help: "Total number of remote classifier calls",
		},
		[]string{"result"},
	)

	BlocklistLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtriage_blocklist_lookups_total",
			Help: "Total number of blocklist lookups",
		},
		[]string{"result"},
	)
)

// Model and maintenance metrics
var (
	TrainingRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtriage_training_runs_total",
			Help: "Total number of local model training attempts",
		},
		[]string{"result"},
	)

	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailtriage_job_runs_total",
			Help: "Total number of scheduled job runs",
		},
		[]string{"job", "result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailtriage_job_duration_seconds",
			Help:    "Duration of scheduled jobs in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	ReconciledSenders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailtriage_reconciled_senders",
			Help: "Number of senders covered by the last reputation reconciliation",
		},
	)

	IngestedMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailtriage_ingested_messages_total",
			Help: "Total number of new messages stored by ingestion",
		},
	)
)

// Result label values
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
	ResultListed  = "listed"
	ResultClean   = "clean"
)

// Serve exposes the default registry on addr until ctx is done.
func Serve(ctx context.Context, addr string, l *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			l.WithError(err).Warn("Could not shut down metrics server")
		}
	}()

	l.WithField("addr", addr).Info("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
