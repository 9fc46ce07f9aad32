// Package worker drives audit records through the processing pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/evaluation"
	"github.com/JakeFAU/site-audit/internal/jobqueue"
	"github.com/JakeFAU/site-audit/internal/metrics"
)

// ErrNoEvaluations is returned when every evaluator fell back.
var ErrNoEvaluations = errors.New("all evaluations failed")

// Evaluator scores a subject. *evaluation.Manager satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, subject audit.Subject) evaluation.Summary
}

// Config controls worker behavior.
type Config struct {
	QueueName string
	Topic     string
	Weights   map[string]float64
	// SelfFeed makes the worker enqueue the oldest pending record after each
	// job. Used with the memory backend, which loses its queue on restart.
	SelfFeed bool
}

// Worker processes audit jobs one at a time, including when a push backend
// delivers them on concurrent request goroutines.
type Worker struct {
	mu sync.Mutex


	store         audit.Store
	backend       jobqueue.Backend
	analyzer      audit.SiteAnalyzer
	screenshotter audit.Screenshotter
	evaluator     Evaluator
	exporter      audit.ReportExporter
	publisher     audit.Publisher
	clock         audit.Clock
	cfg           Config
	logger        *zap.Logger
	tracer        trace.Tracer
}

// New wires a worker. The screenshotter, exporter and publisher may be nil.
func New(
	store audit.Store,
	backend jobqueue.Backend,
	analyzer audit.SiteAnalyzer,
	screenshotter audit.Screenshotter,
	evaluator Evaluator,
	exporter audit.ReportExporter,
	publisher audit.Publisher,
	clock audit.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.QueueName == "" {
		cfg.QueueName = "audits"
	}
	if len(cfg.Weights) == 0 {
		cfg.Weights = evaluation.DefaultWeights()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:         store,
		backend:       backend,
		analyzer:      analyzer,
		screenshotter: screenshotter,
		evaluator:     evaluator,
		exporter:      exporter,
		publisher:     publisher,
		clock:         clock,
		cfg:           cfg,
		logger:        logger.Named("worker"),
		tracer:        otel.Tracer("github.com/JakeFAU/site-audit/internal/worker"),
	}
}

// Run registers the worker with the backend and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.backend.Process(ctx, w.cfg.QueueName, w.handle); err != nil {
		return fmt.Errorf("register worker on %q: %w", w.cfg.QueueName, err)
	}
	w.logger.Info("worker started",
		zap.String("queue", w.cfg.QueueName),
		zap.String("backend", string(w.backend.Kind())),
	)
	if w.cfg.SelfFeed {
		w.mu.Lock()
		w.feedNext(ctx)
		w.mu.Unlock()
	}
	<-ctx.Done()
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) handle(ctx context.Context, job jobqueue.Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var payload audit.JobPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil || payload.AuditID == "" {
		// Redelivery cannot fix a malformed payload.
		w.logger.Error("discarding malformed job", zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}
	attempt := job.Attempt
	if attempt < 1 {
		attempt = 1
	}
	err := w.Process(ctx, audit.JobDescriptor{
		AuditID:      payload.AuditID,
		Params:       payload.Params.Normalize(),
		AttemptCount: attempt,
	})
	if w.cfg.SelfFeed && ctx.Err() == nil {
		w.feedNext(ctx)
	}
	return err
}

// Process runs one audit to a terminal status. A nil return acknowledges
// the job; errors are returned for the backend's retry policy. When ctx ends
// mid-pipeline the record stays processing so a redelivery can reclaim it.
func (w *Worker) Process(ctx context.Context, desc audit.JobDescriptor) error {
	ctx, span := w.tracer.Start(ctx, "worker.Process", trace.WithAttributes(
		attribute.String("audit.id", desc.AuditID),
		attribute.Int("audit.attempt", desc.AttemptCount),
	))
	defer span.End()

	logger := w.logger.With(zap.String("audit_id", desc.AuditID), zap.Int("attempt", desc.AttemptCount))

	record, err := w.store.Claim(ctx, desc.AuditID, desc.AttemptCount > 1)
	switch {
	case errors.Is(err, audit.ErrNotFound):
		logger.Warn("audit record missing, acknowledging job")
		return nil
	case errors.Is(err, audit.ErrInvalidTransition):
		logger.Info("audit not claimable, acknowledging job")
		return nil
	case err != nil:
		span.RecordError(err)
		return fmt.Errorf("claim audit %s: %w", desc.AuditID, err)
	}
	logger.Info("audit claimed", zap.String("url", record.Params.URL))

	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()
	start := w.clock.Now()

	result, err := w.pipeline(ctx, record)
	elapsed := w.clock.Now().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			// Left in processing: a redelivery reclaims it, otherwise the reaper fails it.
			logger.Warn("audit interrupted, leaving it for redelivery", zap.Error(err))
			return fmt.Errorf("audit %s interrupted: %w", record.ID, ctx.Err())
		}
		metrics.ObserveAuditJob(string(audit.StatusFailed), elapsed)
		logger.Error("audit failed", zap.Error(err))
		w.fail(ctx, record, err)
		return fmt.Errorf("audit %s: %w", record.ID, err)
	}

	metrics.ObserveAuditJob(string(audit.StatusCompleted), elapsed)
	span.SetAttributes(attribute.Int("audit.overall_score", result.OverallScore))
	logger.Info("audit completed",
		zap.Int("overall_score", result.OverallScore),
		zap.Int("failed_evaluations", result.FailureCount),
		zap.Duration("duration", elapsed),
	)
	w.notify(ctx, audit.Notification{
		AuditID:      record.ID,
		Status:       audit.StatusCompleted,
		URL:          record.Params.URL,
		OverallScore: result.OverallScore,
		ArtifactURI:  result.ArtifactURI,
	})
	return nil
}

func (w *Worker) pipeline(ctx context.Context, record audit.Record) (audit.Result, error) {
	params := record.Params

	subject, err := w.analyzer.Analyze(ctx, params.URL)
	if err != nil {
		return audit.Result{}, fmt.Errorf("analyze site: %w", err)
	}
	screenshotTaken := false
	if params.IncludeScreenshot && w.screenshotter != nil {
		shot, err := w.screenshotter.Capture(ctx, params.URL)
		if err != nil {
			w.logger.Warn("screenshot failed, continuing without it",
				zap.String("audit_id", record.ID), zap.Error(err))
		} else {
			subject.Screenshot = shot
			screenshotTaken = len(shot) > 0
		}
	}
	if err := w.checkpoint(ctx, record.ID, audit.ProgressAnalyzed); err != nil {
		return audit.Result{}, err
	}

	summary := w.evaluator.Evaluate(ctx, subject)
	if summary.SuccessCount == 0 {
		return audit.Result{}, ErrNoEvaluations
	}
	result := audit.Result{
		URL:             params.URL,
		OverallScore:    evaluation.OverallScore(summary.Results, w.cfg.Weights),
		Evaluations:     summary.Results,
		SuccessCount:    summary.SuccessCount,
		FailureCount:    summary.FailureCount,
		EvaluationMs:    summary.TotalDurationMs,
		Site:            subject.Summary(),
		ScreenshotTaken: screenshotTaken,
	}
	if err := w.checkpoint(ctx, record.ID, audit.ProgressEvaluated); err != nil {
		return audit.Result{}, err
	}

	if params.Format == audit.FormatCSV {
		if w.exporter == nil {
			return audit.Result{}, errors.New("csv export is not configured")
		}
		uri, err := w.exporter.Export(ctx, record.ID, result)
		if err != nil {
			return audit.Result{}, fmt.Errorf("export report: %w", err)
		}
		if err := w.store.SetArtifact(ctx, record.ID, uri); err != nil {
			return audit.Result{}, fmt.Errorf("set artifact: %w", err)
		}
		result.ArtifactURI = uri
		if err := w.checkpoint(ctx, record.ID, audit.ProgressExported); err != nil {
			return audit.Result{}, err
		}
	}

	if err := w.checkpoint(ctx, record.ID, audit.ProgressPersisted); err != nil {
		return audit.Result{}, err
	}
	result.CompletedAt = w.clock.Now()
	if err := w.store.Complete(ctx, record.ID, result); err != nil {
		return audit.Result{}, fmt.Errorf("complete audit: %w", err)
	}
	return result, nil
}

func (w *Worker) checkpoint(ctx context.Context, id string, progress int) error {
	if err := w.store.UpdateProgress(ctx, id, progress); err != nil {
		return fmt.Errorf("update progress to %d: %w", progress, err)
	}
	return nil
}

// fail records the terminal failure and notifies subscribers.
func (w *Worker) fail(ctx context.Context, record audit.Record, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := w.store.Fail(ctx, record.ID, cause.Error()); err != nil {
		w.logger.Error("persist failed status", zap.String("audit_id", record.ID), zap.Error(err))
	}
	w.notify(ctx, audit.Notification{
		AuditID:      record.ID,
		Status:       audit.StatusFailed,
		URL:          record.Params.URL,
		ErrorMessage: cause.Error(),
	})
}

func (w *Worker) notify(ctx context.Context, n audit.Notification) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	n.Timestamp = w.clock.Now().UTC().Format(time.RFC3339)
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, n); err != nil {
		w.logger.Warn("publish notification failed",
			zap.String("audit_id", n.AuditID),
			zap.String("topic", w.cfg.Topic),
			zap.Error(err),
		)
	}
}

func (w *Worker) feedNext(ctx context.Context) {
	record, ok, err := w.store.NextPending(ctx)
	if err != nil {
		w.logger.Warn("look up pending audit failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	payload := audit.JobPayload{AuditID: record.ID, Params: record.Params}
	if _, err := w.backend.Add(ctx, w.cfg.QueueName, payload, jobqueue.AddOptions{JobID: record.ID}); err != nil {
		w.logger.Warn("enqueue pending audit failed", zap.String("audit_id", record.ID), zap.Error(err))
	}
}
