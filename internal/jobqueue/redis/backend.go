// Package redis implements a durable queue backend on Redis lists and sorted
// sets: delayed delivery, leased redelivery after crashes, exponential
// backoff between attempts and a dead-letter list.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/backoff"
	"github.com/JakeFAU/site-audit/internal/jobqueue"
)

// Config describes the connection and retry policy.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	MaxAttempts  int
	BackoffBase  time.Duration
	MaxBackoff   time.Duration
	Lease        time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "siteaudit"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = 15 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Option customizes a Backend.
type Option func(*Backend)

// WithNow overrides the clock used for lease and delay scores.
func WithNow(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// Stats counts jobs per state for one queue.
type Stats struct {
	Waiting int64
	Delayed int64
	Active  int64
	Dead    int64
}

type envelope struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Data        []byte    `json:"data"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

type deadRecord struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Data     []byte    `json:"data"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

type keys struct {
	wait, delayed, active, leases, jobs, attempts, dead string
}

// Backend is a redis-backed jobqueue.Backend.
type Backend struct {
	client     *goredis.Client
	ownsClient bool
	cfg        Config
	logger     *zap.Logger
	obs        jobqueue.Observer
	now        func() time.Time

	mu       sync.Mutex
	handlers map[string]struct{}
	closed   bool
	cancels  []context.CancelFunc
	wg       sync.WaitGroup
}

// New dials cfg.Addr and verifies the connection.
func New(ctx context.Context, cfg Config, logger *zap.Logger, obs jobqueue.Observer, opts ...Option) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	b := NewWithClient(client, cfg, logger, obs, opts...)
	b.ownsClient = true
	return b, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client *goredis.Client, cfg Config, logger *zap.Logger, obs jobqueue.Observer, opts ...Option) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if obs == nil {
		obs = jobqueue.NopObserver{}
	}
	b := &Backend{
		client:   client,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("jobqueue.redis"),
		obs:      obs,
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Kind implements jobqueue.Backend.
func (b *Backend) Kind() jobqueue.Kind { return jobqueue.KindRedis }

func (b *Backend) keys(name string) keys {
	base := b.cfg.Prefix + ":" + name + ":"
	return keys{
		wait:     base + "wait",
		delayed:  base + "delayed",
		active:   base + "active",
		leases:   base + "leases",
		jobs:     base + "jobs",
		attempts: base + "attempts",
		dead:     base + "dead",
	}
}

// Add stores the job. An id that is still known to the queue is not added again.
func (b *Backend) Add(ctx context.Context, name string, payload any, opts jobqueue.AddOptions) (jobqueue.JobHandle, error) {
	if b.isClosed() {
		return jobqueue.JobHandle{}, jobqueue.ErrClosed
	}
	data, err := jobqueue.Encode(payload)
	if err != nil {
		return jobqueue.JobHandle{}, err
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := b.cfg.MaxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}
	now := b.now()
	env, err := json.Marshal(envelope{ID: id, Name: name, Data: data, MaxAttempts: maxAttempts, EnqueuedAt: now})
	if err != nil {
		return jobqueue.JobHandle{}, fmt.Errorf("encode job envelope: %w", err)
	}
	var runAt int64
	if opts.Delay > 0 {
		runAt = now.Add(opts.Delay).UnixMilli()
	}

	k := b.keys(name)
	added, err := addScript.Run(ctx, b.client, []string{k.jobs, k.wait, k.delayed}, id, string(env), runAt).Int()
	if err != nil {
		return jobqueue.JobHandle{}, fmt.Errorf("add job %s: %w", id, err)
	}
	if added == 0 {
		b.logger.Debug("duplicate job ignored", zap.String("job_id", id), zap.String("queue", name))
	}
	return jobqueue.JobHandle{ID: id, Name: name, Backend: jobqueue.KindRedis}, nil
}

// Process starts a polling consumer for name.
func (b *Backend) Process(ctx context.Context, name string, handler jobqueue.Handler) error {
	if handler == nil {
		return fmt.Errorf("handler for %q is required", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return jobqueue.ErrClosed
	}
	if _, exists := b.handlers[name]; exists {
		return fmt.Errorf("queue %q already has a consumer", name)
	}
	b.handlers[name] = struct{}{}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancels = append(b.cancels, cancel)
	b.wg.Add(1)
	go b.consume(runCtx, name, handler)
	return nil
}

func (b *Backend) consume(ctx context.Context, name string, handler jobqueue.Handler) {
	defer b.wg.Done()
	b.logger.Info("redis consumer started", zap.String("queue", name))
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := b.claim(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.obs.OnError(err)
		}
		if !ok {
			if !b.pause(ctx) {
				return
			}
			continue
		}
		b.handle(ctx, name, job, handler)
	}
}

func (b *Backend) pause(ctx context.Context) bool {
	timer := time.NewTimer(b.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (b *Backend) claim(ctx context.Context, name string) (jobqueue.Job, bool, error) {
	k := b.keys(name)
	res, err := claimScript.Run(ctx, b.client,
		[]string{k.wait, k.active, k.leases, k.jobs, k.attempts, k.delayed},
		b.now().UnixMilli(), b.cfg.Lease.Milliseconds(),
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return jobqueue.Job{}, false, nil
	}
	if err != nil {
		return jobqueue.Job{}, false, fmt.Errorf("claim from %s: %w", name, err)
	}
	if len(res) != 3 {
		return jobqueue.Job{}, false, fmt.Errorf("claim from %s: unexpected reply %v", name, res)
	}
	id, _ := res[0].(string)
	raw, _ := res[1].(string)
	attempt, _ := res[2].(int64)

	if raw == "" {
		_ = b.finish(context.WithoutCancel(ctx), name, id)
		return jobqueue.Job{}, false, fmt.Errorf("job %s in %s has no stored payload", id, name)
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		_ = b.bury(context.WithoutCancel(ctx), name, jobqueue.Job{ID: id, Name: name, Attempt: int(attempt)}, err)
		return jobqueue.Job{}, false, fmt.Errorf("decode job %s: %w", id, err)
	}
	return jobqueue.Job{
		ID:          env.ID,
		Name:        env.Name,
		Data:        env.Data,
		Attempt:     int(attempt),
		MaxAttempts: env.MaxAttempts,
		EnqueuedAt:  env.EnqueuedAt,
	}, true, nil
}

func (b *Backend) handle(ctx context.Context, name string, job jobqueue.Job, handler jobqueue.Handler) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	beat := make(chan struct{})
	go func() {
		defer close(beat)
		b.heartbeat(hbCtx, name, job.ID)
	}()

	willRetry := job.Attempt < job.MaxAttempts
	err := jobqueue.Run(ctx, b.obs, handler, job, willRetry)
	stopHeartbeat()
	<-beat

	settle := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		err = b.finish(settle, name, job.ID)
	case ctx.Err() != nil:
		err = b.release(settle, name, job.ID)
	case willRetry:
		delay := backoff.Exponential{Base: b.cfg.BackoffBase, Max: b.cfg.MaxBackoff}.Delay(job.Attempt - 1)
		err = b.retry(settle, name, job.ID, b.now().Add(delay))
	default:
		err = b.bury(settle, name, job, err)
	}
	if err != nil {
		b.obs.OnError(err)
	}
}

func (b *Backend) heartbeat(ctx context.Context, name, id string) {
	interval := b.cfg.Lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	k := b.keys(name)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := float64(b.now().Add(b.cfg.Lease).UnixMilli())
			err := b.client.ZAddArgs(ctx, k.leases, goredis.ZAddArgs{
				XX:      true,
				Members: []goredis.Z{{Score: deadline, Member: id}},
			}).Err()
			if err != nil && ctx.Err() == nil {
				b.obs.OnError(fmt.Errorf("renew lease for %s: %w", id, err))
			}
		}
	}
}

func (b *Backend) finish(ctx context.Context, name, id string) error {
	k := b.keys(name)
	if err := ackScript.Run(ctx, b.client, []string{k.active, k.leases, k.jobs, k.attempts}, id).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", id, err)
	}
	return nil
}

func (b *Backend) retry(ctx context.Context, name, id string, at time.Time) error {
	k := b.keys(name)
	if err := retryScript.Run(ctx, b.client, []string{k.active, k.leases, k.delayed}, id, at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("schedule retry for %s: %w", id, err)
	}
	return nil
}

func (b *Backend) release(ctx context.Context, name, id string) error {
	k := b.keys(name)
	if err := releaseScript.Run(ctx, b.client, []string{k.active, k.leases, k.wait, k.attempts}, id).Err(); err != nil {
		return fmt.Errorf("release job %s: %w", id, err)
	}
	return nil
}

func (b *Backend) bury(ctx context.Context, name string, job jobqueue.Job, cause error) error {
	k := b.keys(name)
	rec, err := json.Marshal(deadRecord{
		ID:       job.ID,
		Name:     name,
		Data:     job.Data,
		Attempts: job.Attempt,
		Error:    cause.Error(),
		FailedAt: b.now(),
	})
	if err != nil {
		return fmt.Errorf("encode dead record: %w", err)
	}
	if err := deadScript.Run(ctx, b.client, []string{k.active, k.leases, k.jobs, k.attempts, k.dead}, job.ID, string(rec)).Err(); err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	b.logger.Warn("job moved to dead-letter list",
		zap.String("job_id", job.ID),
		zap.String("queue", name),
		zap.Int("attempts", job.Attempt),
	)
	return nil
}

// Stats reports queue sizes for name.
func (b *Backend) Stats(ctx context.Context, name string) (Stats, error) {
	k := b.keys(name)
	pipe := b.client.Pipeline()
	wait := pipe.LLen(ctx, k.wait)
	delayed := pipe.ZCard(ctx, k.delayed)
	active := pipe.LLen(ctx, k.active)
	dead := pipe.LLen(ctx, k.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("read stats for %s: %w", name, err)
	}
	return Stats{
		Waiting: wait.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
		Dead:    dead.Val(),
	}, nil
}

// Attempts returns the recorded attempt count for a known job.
func (b *Backend) Attempts(ctx context.Context, name, id string) (int, error) {
	v, err := b.client.HGet(ctx, b.keys(name).attempts, id).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read attempts for %s: %w", id, err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse attempts for %s: %w", id, err)
	}
	return n, nil
}

// Ping checks connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops consumers and, when New dialled the client, closes it.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()

	for _, cancel := range cancels {
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
		return fmt.Errorf("close redis backend: %w", ctx.Err())
	}
	if b.ownsClient {
		if err := b.client.Close(); err != nil {
			return fmt.Errorf("close redis client: %w", err)
		}
	}
	return nil
}
