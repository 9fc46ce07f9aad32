// Package memory provides an in-process queue backend for local development.
// Jobs are lost on restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/jobqueue"
)

// Backend is a FIFO drained by a single consumer goroutine.
type Backend struct {
	logger *zap.Logger
	obs    jobqueue.Observer

	mu       sync.Mutex
	queue    []jobqueue.Job
	known    map[string]struct{}
	timers   map[string]*time.Timer
	handlers map[string]jobqueue.Handler
	closed   bool
	started  bool
	cancel   context.CancelFunc

	wake chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Backend. A nil observer discards events.
func New(logger *zap.Logger, obs jobqueue.Observer) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if obs == nil {
		obs = jobqueue.NopObserver{}
	}
	return &Backend{
		logger:   logger.Named("jobqueue.memory"),
		obs:      obs,
		known:    make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
		handlers: make(map[string]jobqueue.Handler),
		wake:     make(chan struct{}, 1),
	}
}

// Kind implements jobqueue.Backend.
func (b *Backend) Kind() jobqueue.Kind { return jobqueue.KindMemory }

// Add enqueues a job. A job id already queued or active is accepted without
// creating a second delivery.
func (b *Backend) Add(_ context.Context, name string, payload any, opts jobqueue.AddOptions) (jobqueue.JobHandle, error) {
	data, err := jobqueue.Encode(payload)
	if err != nil {
		return jobqueue.JobHandle{}, err
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	handle := jobqueue.JobHandle{ID: id, Name: name, Backend: jobqueue.KindMemory}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return jobqueue.JobHandle{}, jobqueue.ErrClosed
	}
	if _, dup := b.known[id]; dup {
		b.logger.Debug("duplicate job ignored", zap.String("job_id", id))
		return handle, nil
	}
	b.known[id] = struct{}{}

	job := jobqueue.Job{
		ID:          id,
		Name:        name,
		Data:        data,
		Attempt:     1,
		MaxAttempts: 1,
		EnqueuedAt:  time.Now().UTC(),
	}
	if opts.Delay > 0 {
		b.timers[id] = time.AfterFunc(opts.Delay, func() { b.release(job) })
		return handle, nil
	}
	b.queue = append(b.queue, job)
	b.signal()
	return handle, nil
}

func (b *Backend) release(job jobqueue.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.timers, job.ID)
	if b.closed {
		return
	}
	b.queue = append(b.queue, job)
	b.signal()
}

// Process registers handler and starts the consumer on first use.
func (b *Backend) Process(ctx context.Context, name string, handler jobqueue.Handler) error {
	if handler == nil {
		return fmt.Errorf("handler for %q is required", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return jobqueue.ErrClosed
	}
	b.handlers[name] = handler
	if !b.started {
		b.started = true
		runCtx, cancel := context.WithCancel(ctx)
		b.cancel = cancel
		b.wg.Add(1)
		go b.consume(runCtx)
	}
	b.signal()
	return nil
}

// Len returns the number of jobs waiting for delivery.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops the consumer and drops queued jobs.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, timer := range b.timers {
		timer.Stop()
		delete(b.timers, id)
	}
	dropped := len(b.queue)
	b.queue = nil
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("close memory backend: %w", ctx.Err())
	}
	if dropped > 0 {
		b.logger.Warn("memory backend closed with queued jobs", zap.Int("dropped", dropped))
	}
	return nil
}

func (b *Backend) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Backend) consume(ctx context.Context) {
	defer b.wg.Done()
	for {
		job, handler, ok := b.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-b.wake:
				continue
			}
		}
		_ = jobqueue.Run(ctx, b.obs, handler, job, false)

		b.mu.Lock()
		delete(b.known, job.ID)
		b.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
	}
}

// next removes the oldest job that has a registered handler.
func (b *Backend) next() (jobqueue.Job, jobqueue.Handler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return jobqueue.Job{}, nil, false
	}
	for i, job := range b.queue {
		handler, ok := b.handlers[job.Name]
		if !ok {
			continue
		}
		b.queue = append(b.queue[:i:i], b.queue[i+1:]...)
		return job, handler, true
	}
	return jobqueue.Job{}, nil, false
}
