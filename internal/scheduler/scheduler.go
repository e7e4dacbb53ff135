// Package scheduler runs the periodic polling, subscription renewal and
// audit jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"gitea.jw6.us/james/busysync/internal/audit"
	"gitea.jw6.us/james/busysync/internal/metrics"
	"gitea.jw6.us/james/busysync/internal/syncer"
)

const (
	DefaultPoll  = "@every 15m"
	DefaultRenew = "@every 6h"
	DefaultAudit = "0 3 * * *"

	defaultJobTimeout = 30 * time.Minute
)

// Poller syncs calendars that are due.
type Poller interface {
	PollDue(ctx context.Context) ([]syncer.RunResult, error)
}

// Renewer keeps push subscriptions alive.
type Renewer interface {
	RenewSubscriptions(ctx context.Context) (renewed, failed int, err error)
}

// Auditor checks and repairs every user.
type Auditor interface {
	AuditAll(ctx context.Context, repair bool) (audit.Summary, error)
}

// Config holds cron expressions for each job. Empty values use defaults; "-"
// disables a job.
type Config struct {
	Poll       string
	Renew      string
	Audit      string
	JobTimeout time.Duration
}

// Scheduler wraps a cron runner. Overlapping runs of the same job are
// skipped.
type Scheduler struct {
	cron    *cron.Cron
	poller  Poller
	renewer Renewer
	auditor Auditor
	timeout time.Duration
	log     *slog.Logger
	base    context.Context
}

// New registers the jobs without starting them.
func New(cfg Config, p Poller, r Renewer, a Auditor, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	cl := cronLogger{log: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		poller:  p,
		renewer: r,
		auditor: a,
		timeout: cfg.JobTimeout,
		log:     logger,
		base:    context.Background(),
	}

	jobs := []struct {
		name string
		expr string
		def  string
		run  func(context.Context) error
	}{
		{"poll", cfg.Poll, DefaultPoll, s.poll},
		{"renew", cfg.Renew, DefaultRenew, s.renew},
		{"audit", cfg.Audit, DefaultAudit, s.audit},
	}
	for _, j := range jobs {
		expr := j.expr
		if expr == "" {
			expr = j.def
		}
		if expr == "-" {
			logger.Info("job disabled", "job", j.name)
			continue
		}
		name, run := j.name, j.run
		if _, err := s.cron.AddFunc(expr, func() { s.runJob(name, run) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, expr, err)
		}
	}
	return s, nil
}

// Start runs the jobs until Stop. ctx is the parent of every job context.
func (s *Scheduler) Start(ctx context.Context) {
	s.base = ctx
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) runJob(name string, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(metrics.WithRoute(s.base, "job:"+name), s.timeout)
	defer cancel()
	start := time.Now()
	if err := run(ctx); err != nil {
		s.log.Error("job failed", "job", name, "duration", time.Since(start), "error", err)
		return
	}
	s.log.Info("job finished", "job", name, "duration", time.Since(start))
}

func (s *Scheduler) poll(ctx context.Context) error {
	results, err := s.poller.PollDue(ctx)
	t := syncer.Aggregate(results...)
	s.log.Info("poll summary", "runs", t.Runs, "skipped", t.Skipped, "failed", t.Failed, "blocks_created", t.BlocksCreated, "blocks_deleted", t.BlocksDeleted)
	return err
}

func (s *Scheduler) renew(ctx context.Context) error {
	renewed, failed, err := s.renewer.RenewSubscriptions(ctx)
	s.log.Info("renew summary", "renewed", renewed, "failed", failed)
	return err
}

func (s *Scheduler) audit(ctx context.Context) error {
	_, err := s.auditor.AuditAll(ctx, true)
	return err
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
