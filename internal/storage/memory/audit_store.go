package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/site-audit/internal/audit"
)

// AuditStore provides an in-memory audit.Store for development/testing.
type AuditStore struct {
	mu      sync.RWMutex
	records map[string]audit.Record
	now     func() time.Time
}

// NewAuditStore constructs an AuditStore. A nil clock uses the wall clock.
func NewAuditStore(clock audit.Clock) *AuditStore {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &AuditStore{
		records: make(map[string]audit.Record),
		now:     now,
	}
}

// Create stores a new record.
func (s *AuditStore) Create(_ context.Context, record audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return audit.ErrAlreadyExists
	}
	now := s.now()
	if record.Status == "" {
		record.Status = audit.StatusPending
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	s.records[record.ID] = record
	return nil
}

// Get fetches a record by ID.
func (s *AuditStore) Get(_ context.Context, id string) (audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return audit.Record{}, audit.ErrNotFound
	}
	return cloneRecord(record), nil
}

// Claim moves the record into processing.
func (s *AuditStore) Claim(_ context.Context, id string, allowReclaim bool) (audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return audit.Record{}, audit.ErrNotFound
	}
	switch {
	case record.Status == audit.StatusPending:
	case record.Status == audit.StatusProcessing && allowReclaim:
	default:
		return audit.Record{}, fmt.Errorf("claim %s from %s: %w", id, record.Status, audit.ErrInvalidTransition)
	}
	record.Status = audit.StatusProcessing
	record.Progress = audit.ProgressClaimed
	record.StatusMessage = ""
	record.ErrorMessage = ""
	record.UpdatedAt = s.now()
	s.records[id] = record
	return cloneRecord(record), nil
}

// UpdateProgress records a checkpoint for a processing record.
func (s *AuditStore) UpdateProgress(_ context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.processing(id)
	if err != nil {
		return err
	}
	progress = clampProgress(progress)
	if progress < record.Progress {
		return fmt.Errorf("progress %d below %d: %w", progress, record.Progress, audit.ErrInvalidTransition)
	}
	record.Progress = progress
	record.UpdatedAt = s.now()
	s.records[id] = record
	return nil
}

// SetArtifact stores the exported report location.
func (s *AuditStore) SetArtifact(_ context.Context, id string, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.processing(id)
	if err != nil {
		return err
	}
	record.ArtifactURI = uri
	record.UpdatedAt = s.now()
	s.records[id] = record
	return nil
}

// Complete persists the result and marks the record completed.
func (s *AuditStore) Complete(_ context.Context, id string, result audit.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.processing(id)
	if err != nil {
		return err
	}
	now := s.now()
	record.Status = audit.StatusCompleted
	record.Progress = audit.ProgressDone
	record.Result = cloneResult(result)
	record.UpdatedAt = now
	record.CompletedAt = pointerTime(now)
	s.records[id] = record
	return nil
}

// Fail marks a pending or processing record failed.
func (s *AuditStore) Fail(_ context.Context, id string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return audit.ErrNotFound
	}
	if record.Status.Terminal() {
		return fmt.Errorf("fail %s from %s: %w", id, record.Status, audit.ErrInvalidTransition)
	}
	now := s.now()
	record.Status = audit.StatusFailed
	record.ErrorMessage = message
	record.UpdatedAt = now
	record.CompletedAt = pointerTime(now)
	s.records[id] = record
	return nil
}

// NextPending returns the oldest pending record.
func (s *AuditStore) NextPending(_ context.Context) (audit.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		oldest audit.Record
		found  bool
	)
	for _, record := range s.records {
		if record.Status != audit.StatusPending {
			continue
		}
		if !found || olderThan(record, oldest) {
			oldest = record
			found = true
		}
	}
	if !found {
		return audit.Record{}, false, nil
	}
	return cloneRecord(oldest), true, nil
}

// FailStale fails processing records whose last update precedes cutoff.
func (s *AuditStore) FailStale(_ context.Context, cutoff time.Time, message string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var ids []string
	for id, record := range s.records {
		if record.Status != audit.StatusProcessing || !record.UpdatedAt.Before(cutoff) {
			continue
		}
		record.Status = audit.StatusFailed
		record.ErrorMessage = message
		record.UpdatedAt = now
		record.CompletedAt = pointerTime(now)
		s.records[id] = record
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ResetProcessing moves every processing record back to pending.
func (s *AuditStore) ResetProcessing(_ context.Context, message string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var ids []string
	for id, record := range s.records {
		if record.Status != audit.StatusProcessing {
			continue
		}
		record.Status = audit.StatusPending
		record.Progress = 0
		record.StatusMessage = message
		record.ErrorMessage = ""
		record.UpdatedAt = now
		s.records[id] = record
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *AuditStore) processing(id string) (audit.Record, error) {
	record, ok := s.records[id]
	if !ok {
		return audit.Record{}, audit.ErrNotFound
	}
	if record.Status != audit.StatusProcessing {
		return audit.Record{}, fmt.Errorf("audit %s is %s: %w", id, record.Status, audit.ErrInvalidTransition)
	}
	return record, nil
}

func olderThan(a, b audit.Record) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > audit.ProgressDone:
		return audit.ProgressDone
	default:
		return p
	}
}

func cloneRecord(r audit.Record) audit.Record {
	if r.Result != nil {
		r.Result = cloneResult(*r.Result)
	}
	if r.CompletedAt != nil {
		r.CompletedAt = pointerTime(*r.CompletedAt)
	}
	return r
}

// cloneResult copies the evaluations map and its slices so stored results
// never alias caller memory.
func cloneResult(res audit.Result) *audit.Result {
	if res.Evaluations != nil {
		evals := make(map[string]audit.Outcome, len(res.Evaluations))
		for name, outcome := range res.Evaluations {
			outcome.Insights = slices.Clone(outcome.Insights)
			outcome.Recommendations = slices.Clone(outcome.Recommendations)
			evals[name] = outcome
		}
		res.Evaluations = evals
	}
	return &res
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
