// Package postgres provides the Postgres-backed audit store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-audit/internal/audit"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool used by the store.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// AuditStore implements audit.Store. Every transition is a single
// conditional UPDATE.
type AuditStore struct {
	pool    Pool
	table   string
	now     func() time.Time
	columns string
}

// NewAuditStore connects a pool using cfg.
func NewAuditStore(ctx context.Context, cfg Config, clock audit.Clock) (*AuditStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewAuditStoreWithPool(pool, cfg.Table, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewAuditStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewAuditStoreWithPool(pool Pool, table string, clock audit.Clock) (*AuditStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "audits"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &AuditStore{
		pool:    pool,
		table:   table,
		now:     now,
		columns: "id, status, request_parameters, progress, result_payload, error_message, status_message, artifact_uri, created_at, updated_at, completed_at",
	}, nil
}

// Close releases the underlying pool resources.
func (s *AuditStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *AuditStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the table and its status index when missing.
func (s *AuditStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id                 TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	request_parameters JSONB NOT NULL,
	progress           INTEGER NOT NULL DEFAULT 0,
	result_payload     JSONB,
	error_message      TEXT,
	status_message     TEXT,
	artifact_uri       TEXT,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %[1]s_status_updated_idx ON %[1]s (status, updated_at);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// Create inserts a new pending record.
func (s *AuditStore) Create(ctx context.Context, record audit.Record) error {
	params, err := json.Marshal(record.Params)
	if err != nil {
		return fmt.Errorf("marshal request parameters: %w", err)
	}
	if record.Status == "" {
		record.Status = audit.StatusPending
	}
	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, status, request_parameters, progress, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		record.ID, string(record.Status), params, record.Progress, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return audit.ErrAlreadyExists
	}
	return nil
}

// Get fetches a record by ID.
func (s *AuditStore) Get(ctx context.Context, id string) (audit.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, s.columns, s.table)
	record, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Record{}, audit.ErrNotFound
	}
	if err != nil {
		return audit.Record{}, fmt.Errorf("select audit: %w", err)
	}
	return record, nil
}

// Claim moves a pending record (or, with allowReclaim, a processing one)
// into processing.
func (s *AuditStore) Claim(ctx context.Context, id string, allowReclaim bool) (audit.Record, error) {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, progress = $3, status_message = NULL, error_message = NULL, updated_at = $4
WHERE id = $1 AND (status = $5 OR (status = $2 AND $6))
RETURNING %s`, s.table, s.columns)
	record, err := scanRecord(s.pool.QueryRow(ctx, query,
		id, string(audit.StatusProcessing), audit.ProgressClaimed, s.now(), string(audit.StatusPending), allowReclaim))
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Record{}, s.explain(ctx, id, "claim")
	}
	if err != nil {
		return audit.Record{}, fmt.Errorf("claim audit: %w", err)
	}
	return record, nil
}

// UpdateProgress records a checkpoint. Progress never moves backwards.
func (s *AuditStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	progress = min(max(progress, 0), audit.ProgressDone)
	query := fmt.Sprintf(`
UPDATE %s SET progress = $2, updated_at = $3
WHERE id = $1 AND status = $4 AND progress <= $2`, s.table)
	return s.transition(ctx, id, "update progress", query,
		id, progress, s.now(), string(audit.StatusProcessing))
}

// SetArtifact stores the exported report location.
func (s *AuditStore) SetArtifact(ctx context.Context, id string, uri string) error {
	query := fmt.Sprintf(`
UPDATE %s SET artifact_uri = $2, updated_at = $3
WHERE id = $1 AND status = $4`, s.table)
	return s.transition(ctx, id, "set artifact", query,
		id, uri, s.now(), string(audit.StatusProcessing))
}

// Complete persists the result and marks the record completed.
func (s *AuditStore) Complete(ctx context.Context, id string, result audit.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, progress = $3, result_payload = $4, updated_at = $5, completed_at = $5
WHERE id = $1 AND status = $6`, s.table)
	return s.transition(ctx, id, "complete", query,
		id, string(audit.StatusCompleted), audit.ProgressDone, payload, s.now(), string(audit.StatusProcessing))
}

// Fail marks a pending or processing record failed.
func (s *AuditStore) Fail(ctx context.Context, id string, message string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, error_message = $3, updated_at = $4, completed_at = $4
WHERE id = $1 AND status IN ($5, $6)`, s.table)
	return s.transition(ctx, id, "fail", query,
		id, string(audit.StatusFailed), message, s.now(), string(audit.StatusPending), string(audit.StatusProcessing))
}

// NextPending returns the oldest pending record.
func (s *AuditStore) NextPending(ctx context.Context) (audit.Record, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = $1 ORDER BY created_at, id LIMIT 1`, s.columns, s.table)
	record, err := scanRecord(s.pool.QueryRow(ctx, query, string(audit.StatusPending)))
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Record{}, false, nil
	}
	if err != nil {
		return audit.Record{}, false, fmt.Errorf("select pending audit: %w", err)
	}
	return record, true, nil
}

// FailStale fails processing records whose last update precedes cutoff.
func (s *AuditStore) FailStale(ctx context.Context, cutoff time.Time, message string) ([]string, error) {
	now := s.now()
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, error_message = $2, updated_at = $3, completed_at = $3
WHERE status = $4 AND updated_at < $5
RETURNING id`, s.table)
	return s.collectIDs(ctx, "fail stale audits", query,
		string(audit.StatusFailed), message, now, string(audit.StatusProcessing), cutoff)
}

// ResetProcessing moves every processing record back to pending.
func (s *AuditStore) ResetProcessing(ctx context.Context, message string) ([]string, error) {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, progress = 0, status_message = $2, error_message = NULL, updated_at = $3
WHERE status = $4
RETURNING id`, s.table)
	return s.collectIDs(ctx, "reset processing audits", query,
		string(audit.StatusPending), message, s.now(), string(audit.StatusProcessing))
}

func (s *AuditStore) transition(ctx context.Context, id, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s audit: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return s.explain(ctx, id, op)
	}
	return nil
}

// explain turns a conditional update that matched nothing into a sentinel.
func (s *AuditStore) explain(ctx context.Context, id, op string) error {
	var status string
	query := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table)
	err := s.pool.QueryRow(ctx, query, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s audit: %w", op, err)
	}
	return fmt.Errorf("%s %s from %s: %w", op, id, status, audit.ErrInvalidTransition)
}

func (s *AuditStore) collectIDs(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sort.Strings(ids)
	return ids, nil
}

func scanRecord(row pgx.Row) (audit.Record, error) {
	var (
		record        audit.Record
		status        string
		params        []byte
		result        []byte
		errorMessage  *string
		statusMessage *string
		artifactURI   *string
	)
	if err := row.Scan(
		&record.ID,
		&status,
		&params,
		&record.Progress,
		&result,
		&errorMessage,
		&statusMessage,
		&artifactURI,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.CompletedAt,
	); err != nil {
		return audit.Record{}, err
	}
	record.Status = audit.Status(status)
	if err := json.Unmarshal(params, &record.Params); err != nil {
		return audit.Record{}, fmt.Errorf("decode request parameters: %w", err)
	}
	if len(result) > 0 {
		var res audit.Result
		if err := json.Unmarshal(result, &res); err != nil {
			return audit.Record{}, fmt.Errorf("decode result payload: %w", err)
		}
		record.Result = &res
	}
	record.ErrorMessage = deref(errorMessage)
	record.StatusMessage = deref(statusMessage)
	record.ArtifactURI = deref(artifactURI)
	return record, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
