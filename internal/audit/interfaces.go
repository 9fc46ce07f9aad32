package audit

import (
	"context"
	"io"
	"time"
)

// Store persists audit records and enforces the status transition table.
type Store interface {
	Create(ctx context.Context, record Record) error
	Get(ctx context.Context, id string) (Record, error)
	// Claim moves a pending record to processing. With allowReclaim a record
	// already in processing is claimed again, which covers crash redelivery.
	Claim(ctx context.Context, id string, allowReclaim bool) (Record, error)
	UpdateProgress(ctx context.Context, id string, progress int) error
	SetArtifact(ctx context.Context, id string, uri string) error
	Complete(ctx context.Context, id string, result Result) error
	Fail(ctx context.Context, id string, message string) error
	// NextPending returns the oldest pending record, if any.
	NextPending(ctx context.Context) (Record, bool, error)
	// FailStale fails processing records last updated before cutoff.
	FailStale(ctx context.Context, cutoff time.Time, message string) ([]string, error)
	// ResetProcessing moves every processing record back to pending.
	ResetProcessing(ctx context.Context, message string) ([]string, error)
}

// SiteAnalyzer fetches a page and extracts the subject data.
type SiteAnalyzer interface {
	Analyze(ctx context.Context, url string) (Subject, error)
}

// Screenshotter renders a page and returns a PNG image.
type Screenshotter interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

// ReportExporter renders a result into a stored artifact and returns its URI.
type ReportExporter interface {
	Export(ctx context.Context, auditID string, result Result) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes lifecycle notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used to name artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
