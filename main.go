// SPDX-License-Identifier: GPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/CrawX/go-mail-triage/blocklist"
	"github.com/CrawX/go-mail-triage/config"
	"github.com/CrawX/go-mail-triage/domain"
	"github.com/CrawX/go-mail-triage/gmailsource"
	"github.com/CrawX/go-mail-triage/imapconnection"
	"github.com/CrawX/go-mail-triage/ingest"
	"github.com/CrawX/go-mail-triage/localmodel"
	"github.com/CrawX/go-mail-triage/log"
	"github.com/CrawX/go-mail-triage/mail"
	"github.com/CrawX/go-mail-triage/metrics"
	"github.com/CrawX/go-mail-triage/persistence"
	"github.com/CrawX/go-mail-triage/remote"
	"github.com/CrawX/go-mail-triage/scheduler"
	"github.com/CrawX/go-mail-triage/triage"

	"github.com/sirupsen/logrus"
)

const usage = `usage: go-mail-triage [-config config.toml] <command> [arguments]

commands:
  run                       ingest and classify on a schedule until interrupted
  ingest                    store the mail of the last hour
  classify                  classify every unclassified message
  train [-source s]         train the local model on manual, remote, local or all labels
  recompute                 rebuild every sender reputation from the stored messages
  override <id> <label>     set the category of a message by hand
  review [-tab t] [-n n]    list flagged, suspected, reviewed or all messages
  senders [-n n]            list sender reputations, best first
  stats                     show message counts and the current model
  clear                     delete every message and reputation
`

type app struct {
	conf   *config.Config
	store  *persistence.Persistence
	source domain.MailSource
	l      *logrus.Logger
}

func main() {
	log.InitLogging("info")
	logger := log.Logger(log.LOG_MAIN)

	flags := flag.NewFlagSet("go-mail-triage", flag.ExitOnError)
	configFile := flags.String("config", "config.toml", "path of the config file")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = flags.Parse(os.Args[1:])
	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}

	conf, err := config.ReadConfig(*configFile)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not load config")
	}

	if conf.Loglevel != nil {
		log.SetLogLevel(*conf.Loglevel)
	}

	p, err := persistence.NewPersistence(conf.Database)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not connect to database")
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{conf: conf, store: p, l: logger}
	defer a.closeSource()

	command, args := flags.Arg(0), flags.Args()[1:]
	err = a.dispatch(ctx, command, args)
	if err != nil {
		// Fatal skips deferred calls.
		a.closeSource()
		p.Close()
		logger.WithFields(logrus.Fields{"command": command, "error": err}).Fatal("Command failed")
	}
}

func (a *app) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "run":
		return a.run(ctx)
	case "ingest":
		return a.ingest(ctx)
	case "classify":
		return a.classify(ctx)
	case "train":
		return a.train(ctx, args)
	case "recompute":
		return a.recompute(ctx)
	case "override":
		return a.override(ctx, args)
	case "review":
		return a.review(ctx, args)
	case "senders":
		return a.senders(ctx, args)
	case "stats":
		return a.stats(ctx)
	case "clear":
		return a.clear(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) mailSource(ctx context.Context) (domain.MailSource, error) {
	if a.source != nil {
		return a.source, nil
	}

	var err error
	switch a.conf.MailSource {
	case config.MailSourceGmail:
		a.source, err = gmailsource.NewGmailSource(ctx, a.conf.GmailCredentials, a.conf.GmailToken)
		if err != nil {
			return nil, fmt.Errorf("could not start gmail connector: %w", err)
		}
	default:
		a.source, err = imapconnection.NewImapConnection(a.conf.ImapHost, a.conf.User, a.conf.Password, a.conf.ImapFolder, a.conf.ImapInsecure)
		if err != nil {
			return nil, fmt.Errorf("could not start imap connector: %w", err)
		}
	}
	return a.source, nil
}

func (a *app) closeSource() {
	if a.source == nil {
		return
	}
	if err := a.source.Close(); err != nil {
		a.l.WithError(err).Warn("Could not close mail source")
	}
	a.source = nil
}

func (a *app) ingester(ctx context.Context) (*ingest.Ingester, error) {
	source, err := a.mailSource(ctx)
	if err != nil {
		return nil, err
	}
	return ingest.NewIngester(source, a.store, ingest.DefaultWindow), nil
}

func (a *app) orchestrator() (*triage.Orchestrator, error) {
	bl := blocklist.NewBlocklist(a.conf.BlocklistZone, blocklist.DefaultTimeout, nil)
	local := localmodel.NewClassifier(a.store)
	rc := remote.NewClassifier(remote.Config{
		APIKey:  a.conf.OpenAIKey,
		Model:   a.conf.OpenAIModel,
		BaseURL: a.conf.OpenAIBaseURL,
		Timeout: a.conf.RemoteTimeout.Duration,
	})

	configs := []triage.ConfigFunc{
		triage.ConfidenceThreshold(a.conf.ConfidenceThreshold),
		triage.BatchSize(a.conf.BatchSize),
		triage.RemoteBatchSize(a.conf.RemoteBatchSize),
		triage.MinRemoteBatch(a.conf.MinRemoteBatch),
		triage.LookupConcurrency(a.conf.LookupConcurrency),
	}
	o, err := triage.NewOrchestrator(a.store, bl, local, rc, configs...)
	if err != nil {
		return nil, fmt.Errorf("could not start classification: %w", err)
	}
	return o, nil
}

func (a *app) schedulerConfig() (scheduler.Config, error) {
	retrain, err := config.ParseWeekday(a.conf.RetrainWeekday)
	if err != nil {
		return scheduler.Config{}, err
	}
	reconcile, err := config.ParseWeekday(a.conf.ReconcileWeekday)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		RetentionDays:    a.conf.RetentionDays,
		RetrainWeekday:   retrain,
		ReconcileWeekday: reconcile,
		ReconcileHour:    a.conf.ReconcileHour,
		ReconcileChunk:   a.conf.ReconcileChunk,
		ReconcilePause:   a.conf.ReconcilePause.Duration,
	}, nil
}

func (a *app) run(ctx context.Context) error {
	in, err := a.ingester(ctx)
	if err != nil {
		return err
	}
	o, err := a.orchestrator()
	if err != nil {
		return err
	}
	cfg, err := a.schedulerConfig()
	if err != nil {
		return err
	}

	if a.conf.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, a.conf.MetricsAddr, a.l); err != nil {
				a.l.WithError(err).Error("Metrics server stopped")
			}
		}()
	}

	s := scheduler.NewScheduler(in, o, localmodel.NewTrainer(a.store), a.store, cfg)
	a.l.WithFields(logrus.Fields{
		"source":    a.conf.MailSource,
		"retrain":   cfg.RetrainWeekday,
		"reconcile": fmt.Sprintf("%s %02d:00", cfg.ReconcileWeekday, cfg.ReconcileHour),
	}).Info("Scheduler started")

	// Catch up on what arrived while we were not running.
	if err := s.Hourly(ctx); err != nil {
		a.l.WithError(err).Warn("Initial ingestion failed")
	}

	err = s.Run(ctx)
	a.l.Info("Scheduler stopped")
	return err
}

func (a *app) ingest(ctx context.Context) error {
	in, err := a.ingester(ctx)
	if err != nil {
		return err
	}
	result, err := in.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("fetched %d, stored %d new, skipped %d\n", result.Fetched, result.Inserted, result.Skipped)
	return nil
}

func (a *app) classify(ctx context.Context) error {
	o, err := a.orchestrator()
	if err != nil {
		return err
	}
	result, err := o.Drain(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("classified %d (blocklist %d, local %d, remote %d), %d left unclassified\n",
		result.Classified(), result.Blocklisted, result.Local, result.Remote, result.Pending)
	return nil
}

func (a *app) train(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("train", flag.ContinueOnError)
	source := flags.String("source", domain.TrainingSourceAll, "labels to train on: manual, remote, local or all")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *source != domain.TrainingSourceAll {
		if _, err := domain.ParseProvenance(*source); err != nil {
			return err
		}
	}

	trained, err := localmodel.NewTrainer(a.store).Train(ctx, *source)
	if err != nil {
		return err
	}
	if !trained {
		fmt.Printf("no messages labeled by %s, model unchanged\n", *source)
		return nil
	}

	evaluation, err := a.store.LatestEvaluation(ctx, *source)
	if err != nil {
		return err
	}
	if evaluation != nil {
		fmt.Printf("trained model %s on %d messages, accuracy %.2f on %d held out\n",
			evaluation.Version, evaluation.TrainSize, evaluation.Accuracy, evaluation.TestSize)
	}
	return nil
}

func (a *app) recompute(ctx context.Context) error {
	cfg, err := a.schedulerConfig()
	if err != nil {
		return err
	}
	result, err := a.store.RecomputeAll(ctx, cfg.ReconcileChunk, nil)
	if err != nil {
		return err
	}
	fmt.Printf("recomputed %d senders, %d changed, %d removed\n", result.Senders, result.Changed, result.Removed)
	return nil
}

func (a *app) override(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("override needs a message id and a label")
	}
	o, err := a.orchestrator()
	if err != nil {
		return err
	}
	category, err := o.Override(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("%s is now %s\n", args[0], category)
	return nil
}

func (a *app) review(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("review", flag.ContinueOnError)
	tab := flags.String("tab", string(domain.ReviewFlagged), "flagged, suspected, reviewed or all")
	limit := flags.Int("n", 50, "number of messages to list")
	if err := flags.Parse(args); err != nil {
		return err
	}

	messages, err := a.store.ListForReview(ctx, domain.ReviewTab(*tab), *limit)
	if err != nil {
		return err
	}
	for _, m := range messages {
		fmt.Printf("%s  %s  %-22s %-10s %s <%s>  %s\n",
			m.ID, m.ReceivedAt.Format("2006-01-02 15:04"), m.Category, m.PredictedBy,
			m.SenderName, m.SenderAddress, mail.ShortSubject(m.Subject))
	}
	return nil
}

func (a *app) senders(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("senders", flag.ContinueOnError)
	limit := flags.Int("n", 50, "number of senders to list")
	if err := flags.Parse(args); err != nil {
		return err
	}

	reputations, err := a.store.ListReputations(ctx, *limit)
	if err != nil {
		return err
	}
	for _, r := range reputations {
		manual := ""
		if r.ManualOverride {
			manual = " (manual)"
		}
		fmt.Printf("%6.2f  %-9s %s <%s>%s\n", r.Score, r.State, r.Name, r.Address, manual)
	}
	return nil
}

func (a *app) stats(ctx context.Context) error {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("messages: %d, unclassified: %d\n", stats.Total, stats.Unclassified)
	for _, c := range domain.Categories() {
		if n := stats.ByCategory[c]; n > 0 {
			fmt.Printf("  %-22s %d\n", c, n)
		}
	}

	evaluation, err := a.store.LatestEvaluation(ctx, "")
	if err != nil {
		return err
	}
	if evaluation == nil {
		fmt.Println("no local model trained yet")
		return nil
	}
	fmt.Printf("model %s trained %s on %s labels, accuracy %.2f\n",
		evaluation.Version, evaluation.TrainedAt.Format("2006-01-02 15:04"), evaluation.Source, evaluation.Accuracy)

	last, ok, err := a.store.SystemValue(ctx, localmodel.LastPredictionKey)
	if err != nil {
		return err
	}
	if ok {
		fmt.Printf("last local prediction %s\n", last)
	}
	return nil
}

func (a *app) clear(ctx context.Context) error {
	err := a.store.ClearAll(ctx)
	if err != nil {
		return err
	}
	a.l.Warn("Deleted every message and sender reputation")
	return nil
}
