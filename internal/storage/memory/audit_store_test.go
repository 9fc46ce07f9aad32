package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-audit/internal/audit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRecord(id string) audit.Record {
	return audit.Record{
		ID:     id,
		Status: audit.StatusPending,
		Params: audit.Params{URL: "https://example.com", Format: audit.FormatJSON},
	}
}

func TestAuditStoreLifecycle(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	store := NewAuditStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newRecord("a1")))
	require.ErrorIs(t, store.Create(ctx, newRecord("a1")), audit.ErrAlreadyExists)

	claimed, err := store.Claim(ctx, "a1", false)
	require.NoError(t, err)
	require.Equal(t, audit.StatusProcessing, claimed.Status)
	require.Equal(t, audit.ProgressClaimed, claimed.Progress)

	clock.Advance(time.Second)
	require.NoError(t, store.UpdateProgress(ctx, "a1", audit.ProgressAnalyzed))
	require.ErrorIs(t, store.UpdateProgress(ctx, "a1", audit.ProgressClaimed), audit.ErrInvalidTransition)
	require.NoError(t, store.SetArtifact(ctx, "a1", "memory://reports/a1.csv"))

	require.NoError(t, store.Complete(ctx, "a1", audit.Result{URL: "https://example.com", OverallScore: 77}))

	final, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, audit.StatusCompleted, final.Status)
	require.Equal(t, audit.ProgressDone, final.Progress)
	require.NotNil(t, final.Result)
	require.Equal(t, 77, final.Result.OverallScore)
	require.NotNil(t, final.CompletedAt)
	require.Equal(t, "memory://reports/a1.csv", final.ArtifactURI)
}

func TestAuditStoreTerminalStatesAreFinal(t *testing.T) {
	t.Parallel()

	store := NewAuditStore(nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newRecord("done")))
	_, err := store.Claim(ctx, "done", false)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, "done", "boom"))

	_, err = store.Claim(ctx, "done", true)
	require.ErrorIs(t, err, audit.ErrInvalidTransition)
	require.ErrorIs(t, store.Fail(ctx, "done", "again"), audit.ErrInvalidTransition)
	require.ErrorIs(t, store.Complete(ctx, "done", audit.Result{}), audit.ErrInvalidTransition)

	ids, err := store.ResetProcessing(ctx, "reset")
	require.NoError(t, err)
	require.Empty(t, ids)

	rec, err := store.Get(ctx, "done")
	require.NoError(t, err)
	require.Equal(t, audit.StatusFailed, rec.Status)
	require.Equal(t, "boom", rec.ErrorMessage)
}

func TestAuditStoreClaimRequiresReclaimFlag(t *testing.T) {
	t.Parallel()

	store := NewAuditStore(nil)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newRecord("a1")))
	_, err := store.Claim(ctx, "a1", false)
	require.NoError(t, err)
	require.NoError(t, store.UpdateProgress(ctx, "a1", audit.ProgressEvaluated))

	_, err = store.Claim(ctx, "a1", false)
	require.ErrorIs(t, err, audit.ErrInvalidTransition)

	rec, err := store.Claim(ctx, "a1", true)
	require.NoError(t, err)
	require.Equal(t, audit.ProgressClaimed, rec.Progress)

	_, err = store.Claim(ctx, "missing", false)
	require.ErrorIs(t, err, audit.ErrNotFound)
}

func TestAuditStoreNextPendingReturnsOldest(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	store := NewAuditStore(clock)
	ctx := context.Background()

	_, found, err := store.NextPending(ctx)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Create(ctx, newRecord("first")))
	clock.Advance(time.Minute)
	require.NoError(t, store.Create(ctx, newRecord("second")))

	next, found, err := store.NextPending(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "first", next.ID)

	_, err = store.Claim(ctx, "first", false)
	require.NoError(t, err)
	next, found, err = store.NextPending(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "second", next.ID)
}

func TestAuditStoreFailStaleOnlyTouchesOldProcessing(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	store := NewAuditStore(clock)
	ctx := context.Background()

	for _, id := range []string{"stale", "pending", "done"} {
		require.NoError(t, store.Create(ctx, newRecord(id)))
	}
	_, err := store.Claim(ctx, "stale", false)
	require.NoError(t, err)
	_, err = store.Claim(ctx, "done", false)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "done", audit.Result{}))

	clock.Advance(31 * time.Minute)
	require.NoError(t, store.Create(ctx, newRecord("fresh")))
	_, err = store.Claim(ctx, "fresh", false)
	require.NoError(t, err)

	ids, err := store.FailStale(ctx, clock.Now().Add(-30*time.Minute), "Job timed out after 30 minutes in processing")
	require.NoError(t, err)
	require.Equal(t, []string{"stale"}, ids)

	want := map[string]audit.Status{
		"stale":   audit.StatusFailed,
		"pending": audit.StatusPending,
		"done":    audit.StatusCompleted,
		"fresh":   audit.StatusProcessing,
	}
	for id, status := range want {
		rec, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, status, rec.Status, id)
	}
}

func TestAuditStoreResetProcessingIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewAuditStore(nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.Create(ctx, newRecord(id)))
		_, err := store.Claim(ctx, id, false)
		require.NoError(t, err)
	}

	ids, err := store.ResetProcessing(ctx, "Manually reset to pending by operator")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)

	rec, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, audit.StatusPending, rec.Status)
	require.Equal(t, "Manually reset to pending by operator", rec.StatusMessage)
	require.Zero(t, rec.Progress)

	ids, err = store.ResetProcessing(ctx, "Manually reset to pending by operator")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestAuditStoreResultsDoNotAliasCallers(t *testing.T) {
	t.Parallel()

	store := NewAuditStore(&fakeClock{now: time.Unix(1700000000, 0).UTC()})
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newRecord("a1")))
	_, err := store.Claim(ctx, "a1", false)
	require.NoError(t, err)

	evals := map[string]audit.Outcome{
		"seo": {TaskName: "seo", Score: 80, Insights: []string{"fast"}, Succeeded: true},
	}
	require.NoError(t, store.Complete(ctx, "a1", audit.Result{OverallScore: 80, Evaluations: evals}))
	evals["seo"] = audit.Outcome{TaskName: "seo", Score: 1}

	first, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	first.Result.Evaluations["seo"].Insights[0] = "changed"
	first.Result.Evaluations["design"] = audit.Outcome{TaskName: "design"}

	second, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, second.Result.Evaluations, 1)
	require.Equal(t, 80, second.Result.Evaluations["seo"].Score)
	require.Equal(t, []string{"fast"}, second.Result.Evaluations["seo"].Insights)
}
