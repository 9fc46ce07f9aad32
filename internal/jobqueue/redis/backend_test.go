package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/jobqueue"
)

type offsetClock struct {
	base   time.Time
	offset atomic.Int64
}

func (c *offsetClock) Now() time.Time {
	return c.base.Add(time.Duration(c.offset.Load()))
}

func (c *offsetClock) Advance(d time.Duration) {
	c.offset.Add(int64(d))
}

func newTestBackend(t *testing.T, cfg Config, opts ...Option) *Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	b := NewWithClient(client, cfg, zap.NewNop(), nil, opts...)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

type deliveries struct {
	mu   sync.Mutex
	jobs []jobqueue.Job
}

func (d *deliveries) add(job jobqueue.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
}

func (d *deliveries) snapshot() []jobqueue.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]jobqueue.Job(nil), d.jobs...)
}

func TestBackendDeliversAndAcks(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, Config{})
	ctx := context.Background()

	for _, id := range []string{"a1", "a2"} {
		handle, err := b.Add(ctx, "audits", map[string]string{"auditId": id}, jobqueue.AddOptions{JobID: id})
		require.NoError(t, err)
		require.Equal(t, jobqueue.KindRedis, handle.Backend)
	}
	stats, err := b.Stats(ctx, "audits")
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Waiting)

	got := &deliveries{}
	require.NoError(t, b.Process(ctx, "audits", func(_ context.Context, job jobqueue.Job) error {
		got.add(job)
		return nil
	}))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	jobs := got.snapshot()
	require.Equal(t, "a1", jobs[0].ID)
	require.Equal(t, "a2", jobs[1].ID)
	require.Equal(t, 1, jobs[0].Attempt)
	require.Equal(t, 3, jobs[0].MaxAttempts)
	require.JSONEq(t, `{"auditId":"a1"}`, string(jobs[0].Data))

	require.Eventually(t, func() bool {
		s, err := b.Stats(ctx, "audits")
		return err == nil && s == Stats{}
	}, 2*time.Second, 5*time.Millisecond)

	// Acked ids can be enqueued again.
	_, err = b.Add(ctx, "audits", []byte(`{}`), jobqueue.AddOptions{JobID: "a1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(got.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestBackendDeduplicatesKnownIDs(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Add(ctx, "audits", []byte(`{}`), jobqueue.AddOptions{JobID: "same"})
		require.NoError(t, err)
	}
	stats, err := b.Stats(ctx, "audits")
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Waiting)
}

func TestBackendDelayedDelivery(t *testing.T) {
	t.Parallel()

	clock := &offsetClock{base: time.Unix(1700000000, 0).UTC()}
	b := newTestBackend(t, Config{}, WithNow(clock.Now))
	ctx := context.Background()

	_, err := b.Add(ctx, "audits", []byte(`{}`), jobqueue.AddOptions{JobID: "later", Delay: time.Minute})
	require.NoError(t, err)

	got := &deliveries{}
	require.NoError(t, b.Process(ctx, "audits", func(_ context.Context, job jobqueue.Job) error {
		got.add(job)
		return nil
	}))

	time.Sleep(30 * time.Millisecond)
	require.Empty(t, got.snapshot())
	stats, err := b.Stats(ctx, "audits")
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Delayed)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestBackendRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, Config{MaxAttempts: 3, BackoffBase: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	ctx := context.Background()

	_, err := b.Add(ctx, "audits", []byte(`{"auditId":"x"}`), jobqueue.AddOptions{JobID: "x"})
	require.NoError(t, err)

	got := &deliveries{}
	require.NoError(t, b.Process(ctx, "audits", func(_ context.Context, job jobqueue.Job) error {
		got.add(job)
		return errors.New("analysis failed")
	}))

	require.Eventually(t, func() bool {
		s, err := b.Stats(ctx, "audits")
		return err == nil && s.Dead == 1
	}, 2*time.Second, 5*time.Millisecond)

	jobs := got.snapshot()
	require.Len(t, jobs, 3)
	for i, job := range jobs {
		require.Equal(t, i+1, job.Attempt)
	}

	raw, err := b.client.LIndex(ctx, b.keys("audits").dead, 0).Result()
	require.NoError(t, err)
	var rec deadRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	require.Equal(t, "x", rec.ID)
	require.Equal(t, 3, rec.Attempts)
	require.Equal(t, "analysis failed", rec.Error)

	attempts, err := b.Attempts(ctx, "audits", "x")
	require.NoError(t, err)
	require.Zero(t, attempts)
}

func TestBackendRedeliversExpiredLease(t *testing.T) {
	t.Parallel()

	clock := &offsetClock{base: time.Unix(1700000000, 0).UTC()}
	b := newTestBackend(t, Config{Lease: time.Minute}, WithNow(clock.Now))
	ctx := context.Background()

	_, err := b.Add(ctx, "audits", []byte(`{}`), jobqueue.AddOptions{JobID: "crashy"})
	require.NoError(t, err)

	// A consumer that claims and then dies without acking.
	job, ok, err := b.claim(ctx, "audits")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, job.Attempt)

	stats, err := b.Stats(ctx, "audits")
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Active)

	clock.Advance(2 * time.Minute)
	got := &deliveries{}
	require.NoError(t, b.Process(ctx, "audits", func(_ context.Context, job jobqueue.Job) error {
		got.add(job)
		return nil
	}))
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, got.snapshot()[0].Attempt)
}

func TestBackendCloseRejectsWork(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, Config{})
	ctx := context.Background()
	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.Close(ctx))

	_, err := b.Add(ctx, "audits", []byte(`{}`), jobqueue.AddOptions{})
	require.ErrorIs(t, err, jobqueue.ErrClosed)
	require.ErrorIs(t, b.Process(ctx, "audits", func(context.Context, jobqueue.Job) error { return nil }), jobqueue.ErrClosed)
}

func TestNewRequiresAddress(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil, nil)
	require.Error(t, err)
}
