// Package submission creates audit records and hands them to the queue.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/jobqueue"
)

// ErrInvalidRequest wraps validation failures of submitted parameters.
var ErrInvalidRequest = errors.New("invalid audit request")

const enqueueTimeout = 5 * time.Second

// Service accepts audit submissions.
type Service struct {
	store     audit.Store
	backend   jobqueue.Backend
	ids       audit.IDGenerator
	clock     audit.Clock
	queueName string
	logger    *zap.Logger
}

// New wires a Service.
func New(
	store audit.Store,
	backend jobqueue.Backend,
	ids audit.IDGenerator,
	clock audit.Clock,
	queueName string,
	logger *zap.Logger,
) *Service {
	if queueName == "" {
		queueName = "audits"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		backend:   backend,
		ids:       ids,
		clock:     clock,
		queueName: queueName,
		logger:    logger.Named("submission"),
	}
}

// Submit validates params, stores a pending record and enqueues its job.
func (s *Service) Submit(ctx context.Context, params audit.Params) (audit.Record, error) {
	params = params.Normalize()
	if err := params.Validate(); err != nil {
		return audit.Record{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return audit.Record{}, fmt.Errorf("generate audit id: %w", err)
	}
	now := s.clock.Now()
	record := audit.Record{
		ID:        id,
		Status:    audit.StatusPending,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, record); err != nil {
		return audit.Record{}, fmt.Errorf("create audit: %w", err)
	}

	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	payload := audit.JobPayload{AuditID: id, Params: params}
	if _, err := s.backend.Add(queueCtx, s.queueName, payload, jobqueue.AddOptions{JobID: id}); err != nil {
		if failErr := s.store.Fail(context.WithoutCancel(ctx), id, "enqueue failed: "+err.Error()); failErr != nil {
			s.logger.Error("mark unqueued audit failed", zap.String("audit_id", id), zap.Error(failErr))
		}
		return audit.Record{}, fmt.Errorf("enqueue audit: %w", err)
	}
	s.logger.Info("audit submitted",
		zap.String("audit_id", id),
		zap.String("url", params.URL),
		zap.String("format", string(params.Format)),
		zap.String("backend", string(s.backend.Kind())),
	)
	return record, nil
}

// Get returns the current record for id.
func (s *Service) Get(ctx context.Context, id string) (audit.Record, error) {
	record, err := s.store.Get(ctx, id)
	if err != nil {
		return audit.Record{}, fmt.Errorf("get audit %s: %w", id, err)
	}
	return record, nil
}
