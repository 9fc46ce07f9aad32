package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/jobqueue"
)

type collector struct {
	mu   sync.Mutex
	jobs []jobqueue.Job
}

func (c *collector) handle(_ context.Context, job jobqueue.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	return nil
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j.ID)
	}
	return out
}

func TestBackendDeliversInOrder(t *testing.T) {
	t.Parallel()

	b := New(zap.NewNop(), nil)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		handle, err := b.Add(ctx, "audits", map[string]string{"auditId": id}, jobqueue.AddOptions{JobID: id})
		require.NoError(t, err)
		require.Equal(t, jobqueue.KindMemory, handle.Backend)
	}
	require.Equal(t, 3, b.Len())

	c := &collector{}
	require.NoError(t, b.Process(ctx, "audits", c.handle))
	require.Eventually(t, func() bool { return len(c.ids()) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a", "b", "c"}, c.ids())
	require.JSONEq(t, `{"auditId":"a"}`, string(c.jobs[0].Data))
	require.Equal(t, 1, c.jobs[0].Attempt)
}

func TestBackendDeduplicatesQueuedAndActiveJobs(t *testing.T) {
	t.Parallel()

	b := New(nil, nil)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		calls int
	)
	require.NoError(t, b.Process(ctx, "audits", func(context.Context, jobqueue.Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		close(started)
		<-release
		return nil
	}))

	_, err := b.Add(ctx, "audits", []byte(`{}`), jobqueue.AddOptions{JobID: "same"})
	require.NoError(t, err)
	<-started

	_, err = b.Add(ctx, "audits", []byte(`{}`), jobqueue.AddOptions{JobID: "same"})
	require.NoError(t, err)
	require.Zero(t, b.Len())

	close(release)
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.known) == 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestBackendDelay(t *testing.T) {
	t.Parallel()

	b := New(nil, nil)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	ctx := context.Background()

	c := &collector{}
	require.NoError(t, b.Process(ctx, "audits", c.handle))
	_, err := b.Add(ctx, "audits", []byte(`{}`), jobqueue.AddOptions{JobID: "later", Delay: 30 * time.Millisecond})
	require.NoError(t, err)
	require.Empty(t, c.ids())
	require.Eventually(t, func() bool { return len(c.ids()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBackendSkipsJobsWithoutHandler(t *testing.T) {
	t.Parallel()

	b := New(nil, nil)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	ctx := context.Background()

	_, err := b.Add(ctx, "other", []byte(`{}`), jobqueue.AddOptions{JobID: "o"})
	require.NoError(t, err)
	_, err = b.Add(ctx, "audits", []byte(`{}`), jobqueue.AddOptions{JobID: "x"})
	require.NoError(t, err)

	c := &collector{}
	require.NoError(t, b.Process(ctx, "audits", c.handle))
	require.Eventually(t, func() bool { return len(c.ids()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"x"}, c.ids())
	require.Equal(t, 1, b.Len())
}

func TestBackendFailedJobIsNotRetried(t *testing.T) {
	t.Parallel()

	b := New(nil, nil)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	ctx := context.Background()

	var (
		mu    sync.Mutex
		calls int
	)
	require.NoError(t, b.Process(ctx, "audits", func(context.Context, jobqueue.Job) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("boom")
	}))
	_, err := b.Add(ctx, "audits", []byte(`{}`), jobqueue.AddOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestBackendClose(t *testing.T) {
	t.Parallel()

	b := New(nil, nil)
	ctx := context.Background()
	_, err := b.Add(ctx, "audits", []byte(`{}`), jobqueue.AddOptions{Delay: time.Hour})
	require.NoError(t, err)

	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))

	_, err = b.Add(ctx, "audits", []byte(`{}`), jobqueue.AddOptions{})
	require.ErrorIs(t, err, jobqueue.ErrClosed)
	require.ErrorIs(t, b.Process(ctx, "audits", func(context.Context, jobqueue.Job) error { return nil }), jobqueue.ErrClosed)
}
