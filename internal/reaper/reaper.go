// Package reaper fails audits abandoned in processing and exposes the
// operator reset.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/backoff"
	"github.com/JakeFAU/site-audit/internal/clock/system"
	"github.com/JakeFAU/site-audit/internal/metrics"
)

// ResetMessage is stored on records moved back to pending by an operator.
const ResetMessage = "Manually reset to pending by operator"

// Config controls the sweep schedule.
type Config struct {
	// Schedule is a standard cron expression or descriptor such as "@every 10m".
	Schedule string
	Jitter   time.Duration
	Timeout  time.Duration
}

// Reaper reconciles records whose worker died mid-job.
type Reaper struct {
	store  audit.Store
	clock  audit.Clock
	cfg    Config
	logger *zap.Logger
	sched  cron.Schedule

	mu   sync.Mutex
	cron *cron.Cron
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates the schedule and returns a stopped Reaper.
func New(store audit.Store, clock audit.Clock, cfg Config, logger *zap.Logger) (*Reaper, error) {
	if store == nil {
		return nil, errors.New("reaper requires an audit store")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10m"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse reaper schedule %q: %w", cfg.Schedule, err)
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		store:  store,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("reaper"),
		sched:  sched,
	}, nil
}

// Sweep fails processing records idle for longer than the configured timeout.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	return r.FailStale(ctx, r.cfg.Timeout)
}

// FailStale fails processing records not updated within olderThan.
func (r *Reaper) FailStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("stale threshold must be positive, got %s", olderThan)
	}
	cutoff := r.clock.Now().Add(-olderThan)
	message := fmt.Sprintf("Job timed out after %s in processing", describeAge(olderThan))
	ids, err := r.store.FailStale(ctx, cutoff, message)
	if err != nil {
		return 0, fmt.Errorf("fail stale audits: %w", err)
	}
	for _, id := range ids {
		r.logger.Warn("stale audit marked failed", zap.String("audit_id", id), zap.Duration("older_than", olderThan))
	}
	metrics.ObserveReaped("failed_stale", len(ids))
	return len(ids), nil
}

// describeAge renders whole minutes as "N minutes" and anything else as a
// duration string.
func describeAge(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}

// ResetProcessing moves every processing record back to pending.
func (r *Reaper) ResetProcessing(ctx context.Context) (int, error) {
	ids, err := r.store.ResetProcessing(ctx, ResetMessage)
	if err != nil {
		return 0, fmt.Errorf("reset processing audits: %w", err)
	}
	for _, id := range ids {
		r.logger.Info("audit reset to pending", zap.String("audit_id", id))
	}
	metrics.ObserveReaped("reset", len(ids))
	return len(ids), nil
}

// Start schedules Sweep. Each run waits a random share of Jitter first and
// overlapping runs are skipped.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}
	logger := cronLogger{s: r.logger.Sugar()}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(r.sched, cron.FuncJob(func() { r.tick(ctx) }))
	c.Start()
	r.cron = c
	r.logger.Info("reaper scheduled",
		zap.String("schedule", r.cfg.Schedule),
		zap.Duration("timeout", r.cfg.Timeout),
		zap.Duration("jitter", r.cfg.Jitter),
	)
	return nil
}

// Stop halts the schedule and waits for a running sweep or ctx.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop reaper: %w", ctx.Err())
	}
}

func (r *Reaper) tick(ctx context.Context) {
	if wait := backoff.Jitter(r.cfg.Jitter); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	if ctx.Err() != nil {
		return
	}
	n, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("stale sweep failed", zap.Error(err))
		return
	}
	r.logger.Debug("stale sweep finished", zap.Int("failed", n))
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
