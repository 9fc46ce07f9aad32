// Package jobqueue defines the queue backend contract shared by the redis,
// webhook and in-memory backends.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind names a backend implementation.
type Kind string

const (
	// KindRedis is the durable broker backend.
	KindRedis Kind = "redis"
	// KindWebhook is the push backend driven by an external dispatch service.
	KindWebhook Kind = "webhook"
	// KindMemory is the in-process FIFO backend.
	KindMemory Kind = "memory"
)

var (
	// ErrUnknownQueue is returned when a job targets a name with no handler.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrClosed is returned by a backend after Close.
	ErrClosed = errors.New("queue backend closed")
)

// Job is one delivery handed to a Handler.
type Job struct {
	ID          string
	Name        string
	Data        []byte
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time
}

// Handler processes a job. A returned error marks the delivery failed.
type Handler func(ctx context.Context, job Job) error

// AddOptions tunes a single Add call.
type AddOptions struct {
	// JobID deduplicates jobs while one with the same id is queued or active.
	JobID string
	// Delay postpones the first delivery.
	Delay time.Duration
	// MaxAttempts overrides the backend default when positive.
	MaxAttempts int
}

// JobHandle identifies an accepted job.
type JobHandle struct {
	ID      string
	Name    string
	Backend Kind
}

// Backend stores jobs and delivers them to registered handlers.
type Backend interface {
	Kind() Kind
	// Add enqueues payload, which is JSON-encoded unless it is already []byte.
	Add(ctx context.Context, name string, payload any, opts AddOptions) (JobHandle, error)
	// Process registers handler for name and starts consuming.
	Process(ctx context.Context, name string, handler Handler) error
	Close(ctx context.Context) error
}

// SelectKind picks the backend in priority order: redis, webhook, memory.
func SelectKind(redisAddr, dispatchURL, signingKey string) Kind {
	switch {
	case redisAddr != "":
		return KindRedis
	case dispatchURL != "" && signingKey != "":
		return KindWebhook
	default:
		return KindMemory
	}
}

// Run invokes handler for job, reporting lifecycle events to obs. Panics are
// converted into failures. willRetry tells observers whether a failure will
// be delivered again.
func Run(ctx context.Context, obs Observer, handler Handler, job Job, willRetry bool) (err error) {
	if obs == nil {
		obs = NopObserver{}
	}
	start := time.Now()
	obs.OnActive(job)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
		if err != nil {
			obs.OnFailed(job, err, willRetry)
			return
		}
		obs.OnCompleted(job, time.Since(start))
	}()
	return handler(ctx, job)
}
