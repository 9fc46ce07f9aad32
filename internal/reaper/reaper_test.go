package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/storage/memory"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seed(t *testing.T, store *memory.AuditStore, id string, claim bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, audit.Record{ID: id, Params: audit.Params{URL: "https://example.com/" + id}}))
	if claim {
		_, err := store.Claim(ctx, id, false)
		require.NoError(t, err)
	}
}

func status(t *testing.T, store *memory.AuditStore, id string) audit.Record {
	t.Helper()
	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestSweepFailsOnlyStaleProcessingRecords(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.NewAuditStore(clock)
	ctx := context.Background()

	seed(t, store, "stale", true)
	seed(t, store, "waiting", false)
	seed(t, store, "finished", true)
	require.NoError(t, store.Complete(ctx, "finished", audit.Result{URL: "https://example.com/finished"}))

	clock.Advance(40 * time.Minute)
	seed(t, store, "busy", true)

	r, err := New(store, clock, Config{Timeout: 30 * time.Minute}, zap.NewNop())
	require.NoError(t, err)

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stale := status(t, store, "stale")
	require.Equal(t, audit.StatusFailed, stale.Status)
	require.Contains(t, stale.ErrorMessage, "timed out")
	require.Equal(t, "Job timed out after 30 minutes in processing", stale.ErrorMessage)
	require.Equal(t, audit.StatusPending, status(t, store, "waiting").Status)
	require.Equal(t, audit.StatusCompleted, status(t, store, "finished").Status)
	require.Equal(t, audit.StatusProcessing, status(t, store, "busy").Status)

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestFailStaleRejectsNonPositiveThreshold(t *testing.T) {
	t.Parallel()

	r, err := New(memory.NewAuditStore(nil), &manualClock{}, Config{}, nil)
	require.NoError(t, err)
	_, err = r.FailStale(context.Background(), 0)
	require.Error(t, err)
}

func TestFailStaleMessageForShortThresholds(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.NewAuditStore(clock)
	seed(t, store, "fast", true)
	seed(t, store, "slow", true)
	clock.Advance(2 * time.Minute)

	r, err := New(store, clock, Config{}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	n, err := r.FailStale(ctx, 45*time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "Job timed out after 45s in processing", status(t, store, "fast").ErrorMessage)
	require.Equal(t, "2 minutes", describeAge(2*time.Minute))
	require.Equal(t, "1m30s", describeAge(90*time.Second))
}

func TestNewDefaultsNilClock(t *testing.T) {
	t.Parallel()

	store := memory.NewAuditStore(nil)
	seed(t, store, "running", true)

	r, err := New(store, nil, Config{}, nil)
	require.NoError(t, err)
	n, err := r.FailStale(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, audit.StatusProcessing, status(t, store, "running").Status)
}

func TestResetProcessingIsIdempotent(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.NewAuditStore(clock)
	ctx := context.Background()
	seed(t, store, "p1", true)
	seed(t, store, "p2", true)
	seed(t, store, "q", false)

	r, err := New(store, clock, Config{}, zap.NewNop())
	require.NoError(t, err)

	n, err := r.ResetProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	for _, id := range []string{"p1", "p2"} {
		rec := status(t, store, id)
		require.Equal(t, audit.StatusPending, rec.Status)
		require.Equal(t, ResetMessage, rec.StatusMessage)
	}

	n, err = r.ResetProcessing(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	_, err := New(memory.NewAuditStore(nil), &manualClock{}, Config{Schedule: "every tuesday"}, nil)
	require.Error(t, err)
	_, err = New(nil, &manualClock{}, Config{}, nil)
	require.Error(t, err)
}

func TestStartRunsScheduledSweeps(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.NewAuditStore(clock)
	seed(t, store, "abandoned", true)
	clock.Advance(time.Hour)

	r, err := New(store, clock, Config{Schedule: "@every 1s", Timeout: 30 * time.Minute}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Start(ctx))

	require.Eventually(t, func() bool {
		rec, err := store.Get(context.Background(), "abandoned")
		return err == nil && rec.Status == audit.StatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, r.Stop(stopCtx))
	require.NoError(t, r.Stop(stopCtx))
}
