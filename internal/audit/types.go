// Package audit defines the audit job domain model shared by the worker,
// the queue backends, the stores and the HTTP layer.
package audit

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status enumerates the lifecycle states of an audit record.
type Status string

const (
	// StatusPending marks a record that was submitted but not yet claimed.
	StatusPending Status = "pending"
	// StatusProcessing marks a record claimed by a worker.
	StatusProcessing Status = "processing"
	// StatusCompleted marks a record whose result was persisted.
	StatusCompleted Status = "completed"
	// StatusFailed marks a record that ended with an error.
	StatusFailed Status = "failed"
)

// Terminal reports whether no worker transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the persisted status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Format selects the output representation of a finished audit.
type Format string

const (
	// FormatJSON keeps the result inline in the record.
	FormatJSON Format = "json"
	// FormatCSV additionally exports a CSV report artifact.
	FormatCSV Format = "csv"
)

// Progress checkpoints written while a record is processed.
const (
	ProgressClaimed   = 10
	ProgressAnalyzed  = 40
	ProgressEvaluated = 70
	ProgressExported  = 85
	ProgressPersisted = 95
	ProgressDone      = 100
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("audit not found")
	// ErrAlreadyExists is returned when creating a record with a used id.
	ErrAlreadyExists = errors.New("audit already exists")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the record's current state.
	ErrInvalidTransition = errors.New("invalid audit status transition")
)

// Params is the immutable input captured at submission.
type Params struct {
	URL               string `json:"url"`
	Format            Format `json:"format"`
	IncludeScreenshot bool   `json:"includeScreenshot"`
}

// Normalize fills defaults and trims user input.
func (p Params) Normalize() Params {
	p.URL = strings.TrimSpace(p.URL)
	p.Format = Format(strings.ToLower(strings.TrimSpace(string(p.Format))))
	if p.Format == "" {
		p.Format = FormatJSON
	}
	return p
}

// Validate checks that the parameters describe an auditable request.
func (p Params) Validate() error {
	if p.URL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme %q is not supported", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url host is required")
	}
	switch p.Format {
	case FormatJSON, FormatCSV:
	default:
		return fmt.Errorf("format %q is not supported", p.Format)
	}
	return nil
}

// Record is the durable lifecycle entry for one audit.
type Record struct {
	ID            string     `json:"id"`
	Status        Status     `json:"status"`
	Params        Params     `json:"requestParameters"`
	Progress      int        `json:"progress"`
	Result        *Result    `json:"resultPayload,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	ArtifactURI   string     `json:"artifactUri,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Outcome is the result of one evaluator against one subject.
type Outcome struct {
	TaskName        string   `json:"taskName"`
	Score           int      `json:"score"`
	Insights        []string `json:"insights"`
	Recommendations []string `json:"recommendations"`
	Succeeded       bool     `json:"succeeded"`
	Error           string   `json:"error,omitempty"`
}

// Result is the aggregated payload stored on a completed record.
type Result struct {
	URL             string             `json:"url"`
	OverallScore    int                `json:"overallScore"`
	Evaluations     map[string]Outcome `json:"evaluations"`
	SuccessCount    int                `json:"successCount"`
	FailureCount    int                `json:"failureCount"`
	EvaluationMs    int64              `json:"evaluationDurationMs"`
	Site            SiteSummary        `json:"site"`
	ArtifactURI     string             `json:"artifactUri,omitempty"`
	ScreenshotTaken bool               `json:"screenshotTaken"`
	CompletedAt     time.Time          `json:"completedAt"`
}

// SiteSummary is the subset of site data kept in the result payload.
type SiteSummary struct {
	FinalURL   string `json:"finalUrl"`
	StatusCode int    `json:"statusCode"`
	Title      string `json:"title"`
	WordCount  int    `json:"wordCount"`
	LoadTimeMs int64  `json:"loadTimeMs"`
}

// Subject is the site data the evaluators score.
type Subject struct {
	URL              string
	FinalURL         string
	StatusCode       int
	Title            string
	MetaDescription  string
	Lang             string
	Headings         []string
	WordCount        int
	InternalLinks    int
	ExternalLinks    int
	Images           int
	ImagesMissingAlt int
	TextSample       string
	Headers          map[string]string
	LoadTime         time.Duration
	Screenshot       []byte
}

// Summary projects the subject into the persisted site summary.
func (s Subject) Summary() SiteSummary {
	return SiteSummary{
		FinalURL:   s.FinalURL,
		StatusCode: s.StatusCode,
		Title:      s.Title,
		WordCount:  s.WordCount,
		LoadTimeMs: s.LoadTime.Milliseconds(),
	}
}

// JobPayload is the body handed from submission to the queue backend.
type JobPayload struct {
	AuditID string `json:"auditId"`
	Params  Params `json:"requestParameters"`
}

// JobDescriptor is what the worker needs to resume work on a record.
type JobDescriptor struct {
	AuditID      string
	Params       Params
	AttemptCount int
}

// Notification is published after a record reaches a terminal status.
type Notification struct {
	AuditID      string `json:"auditId"`
	Status       Status `json:"status"`
	URL          string `json:"url"`
	OverallScore int    `json:"overallScore,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ArtifactURI  string `json:"artifactUri,omitempty"`
	Timestamp    string `json:"timestamp"`
}
