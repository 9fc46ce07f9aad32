// Package aiqueue serializes AI provider calls behind a token bucket and
// retries transient failures with exponential backoff.
package aiqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/ai"
	"github.com/JakeFAU/site-audit/internal/backoff"
	"github.com/JakeFAU/site-audit/internal/clock/system"
	"github.com/JakeFAU/site-audit/internal/metrics"
)

// ErrQueueClosed is returned for requests pending or submitted after Close.
var ErrQueueClosed = errors.New("ai request queue closed")

// Clock supplies time and sleeping to the queue.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Config tunes the bucket, the retry budget and call timeouts.
type Config struct {
	Requests             int
	Window               time.Duration
	RefillInterval       time.Duration
	MaxRetries           int
	RateLimitBackoffBase time.Duration
	TransientBackoffBase time.Duration
	MaxBackoff           time.Duration
	RequestTimeout       time.Duration
	MultimodalTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Requests <= 0 {
		c.Requests = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RateLimitBackoffBase <= 0 {
		c.RateLimitBackoffBase = 10 * time.Second
	}
	if c.TransientBackoffBase <= 0 {
		c.TransientBackoffBase = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = time.Minute
	}
	if c.MultimodalTimeout <= 0 {
		c.MultimodalTimeout = 2 * time.Minute
	}
	return c
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock swaps the time source, mainly for tests.
func WithClock(c Clock) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

type result struct {
	resp ai.Response
	err  error
}

type queuedRequest struct {
	id         uint64
	ctx        context.Context
	payload    ai.Request
	enqueuedAt time.Time
	retryCount int
	done       chan result
}

func (r *queuedRequest) resolve(res result) {
	select {
	case r.done <- res:
	default:
	}
}

// Queue is a FIFO of AI requests drained by a single processor goroutine.
type Queue struct {
	provider ai.Provider
	cfg      Config
	logger   *zap.Logger
	clock    Clock

	mu      sync.Mutex
	pending []*queuedRequest
	bucket  *bucket
	closed  bool
	started bool
	cancel  context.CancelFunc

	seq  atomic.Uint64
	wake chan struct{}
	wg   sync.WaitGroup
}

// New builds a Queue for provider. Start must be called before requests drain.
func New(provider ai.Provider, cfg Config, logger *zap.Logger, opts ...Option) (*Queue, error) {
	if provider == nil {
		return nil, errors.New("ai provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("aiqueue"),
		clock:    system.New(),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.bucket = newBucket(q.cfg.Requests, q.cfg.Window, q.cfg.RefillInterval, q.clock.Now())
	return q, nil
}

// Start launches the processor and the refill ticker. Calling it twice is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(2)
	go q.run(runCtx)
	go q.refillLoop(runCtx)
	q.logger.Info("ai request queue started",
		zap.String("provider", q.provider.Name()),
		zap.Int("requests", q.cfg.Requests),
		zap.Duration("window", q.cfg.Window),
	)
}

// Close rejects every pending request and stops the processor.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	cancel := q.cancel
	q.mu.Unlock()

	for _, r := range pending {
		r.resolve(result{err: ErrQueueClosed})
	}
	metrics.SetAIQueueDepth(0)
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	q.logger.Info("ai request queue closed", zap.Int("rejected", len(pending)))
}

// Enqueue submits req and blocks until it resolves or ctx ends.
func (q *Queue) Enqueue(ctx context.Context, req ai.Request) (ai.Response, error) {
	if err := ctx.Err(); err != nil {
		return ai.Response{}, err
	}
	r := &queuedRequest{
		id:         q.seq.Add(1),
		ctx:        ctx,
		payload:    req,
		enqueuedAt: q.clock.Now(),
		done:       make(chan result, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ai.Response{}, ErrQueueClosed
	}
	q.pending = append(q.pending, r)
	depth := len(q.pending)
	q.mu.Unlock()

	metrics.SetAIQueueDepth(depth)
	q.signal()

	select {
	case res := <-r.done:
		return res.resp, res.err
	case <-ctx.Done():
		return ai.Response{}, ctx.Err()
	}
}

// Len returns the number of requests waiting for dispatch.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		r, wait, ok := q.admit()
		if !ok {
			select {
			case <-q.wake:
			case <-ctx.Done():
				return
			}
			continue
		}
		if r == nil {
			metrics.ObserveTokenWait(wait)
			q.logger.Debug("waiting for ai token", zap.Duration("wait", wait))
			if err := q.clock.Sleep(ctx, wait); err != nil {
				return
			}
			continue
		}
		q.dispatch(ctx, r)
	}
}

// admit pops the head of the FIFO when a token is available. It returns
// ok=false when nothing is pending, and a nil request with the refill wait
// when the bucket is empty. Heads whose caller already gave up are dropped
// without spending a token.
func (q *Queue) admit() (*queuedRequest, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		head := q.pending[0]
		if err := head.ctx.Err(); err != nil {
			q.pending = q.pending[1:]
			head.resolve(result{err: err})
			metrics.ObserveAIRequest(q.provider.Name(), "canceled")
			continue
		}
		q.bucket.refill(q.clock.Now())
		if !q.bucket.take() {
			return nil, q.bucket.wait(), true
		}
		q.pending = q.pending[1:]
		metrics.SetAIQueueDepth(len(q.pending))
		metrics.SetAIBucketTokens(q.bucket.tokens())
		return head, 0, true
	}
	metrics.SetAIQueueDepth(0)
	return nil, 0, false
}

func (q *Queue) refillLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.RefillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			q.bucket.refill(q.clock.Now())
			tokens := q.bucket.tokens()
			q.mu.Unlock()
			metrics.SetAIBucketTokens(tokens)
		}
	}
}

func (q *Queue) dispatch(runCtx context.Context, r *queuedRequest) {
	name := q.provider.Name()
	timeout := q.cfg.RequestTimeout
	if r.payload.Multimodal() {
		timeout = q.cfg.MultimodalTimeout
	}

	callCtx, cancel := context.WithTimeout(r.ctx, timeout)
	stop := context.AfterFunc(runCtx, cancel)
	start := time.Now()
	resp, err := ai.Do(callCtx, q.provider, r.payload)
	stop()
	cancel()
	metrics.ObserveAICall(name, time.Since(start))

	logger := q.logger.With(zap.Uint64("request_id", r.id), zap.Int("retry_count", r.retryCount))
	if err == nil {
		metrics.ObserveAIRequest(name, "success")
		logger.Debug("ai request succeeded", zap.Duration("queued_for", q.clock.Now().Sub(r.enqueuedAt)))
		r.resolve(result{resp: resp})
		return
	}
	if runCtx.Err() != nil {
		r.resolve(result{err: ErrQueueClosed})
		return
	}
	if callerErr := r.ctx.Err(); callerErr != nil {
		metrics.ObserveAIRequest(name, "canceled")
		r.resolve(result{err: callerErr})
		return
	}

	class := Classify(err)
	if class.Retryable() && r.retryCount < q.cfg.MaxRetries {
		delay := q.retryDelay(class, r.retryCount, err)
		r.retryCount++
		metrics.ObserveAIRetry(class.String())
		logger.Warn("ai request failed, retrying",
			zap.String("class", class.String()),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if sleepErr := q.clock.Sleep(runCtx, delay); sleepErr != nil {
			r.resolve(result{err: ErrQueueClosed})
			return
		}
		q.requeueFront(r)
		return
	}

	metrics.ObserveAIRequest(name, "failed")
	logger.Error("ai request failed permanently", zap.String("class", class.String()), zap.Error(err))
	r.resolve(result{err: &PermanentError{Class: class, Attempts: r.retryCount + 1, Err: err}})
}

func (q *Queue) requeueFront(r *queuedRequest) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		r.resolve(result{err: ErrQueueClosed})
		return
	}
	q.pending = append([]*queuedRequest{r}, q.pending...)
	depth := len(q.pending)
	q.mu.Unlock()
	metrics.SetAIQueueDepth(depth)
}

func (q *Queue) retryDelay(class Class, retryCount int, err error) time.Duration {
	base := q.cfg.TransientBackoffBase
	if class == ClassRateLimit {
		base = q.cfg.RateLimitBackoffBase
	}
	delay := backoff.Exponential{Base: base, Max: q.cfg.MaxBackoff}.Delay(retryCount)

	var pe *ai.ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > delay {
		delay = min(pe.RetryAfter, q.cfg.MaxBackoff)
	}
	return delay
}
