package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/config"
)

type fakeMaintainer struct {
	olderThan time.Duration
	resets    int
	err       error
}

func (f *fakeMaintainer) FailStale(_ context.Context, olderThan time.Duration) (int, error) {
	f.olderThan = olderThan
	return 2, f.err
}

func (f *fakeMaintainer) ResetProcessing(context.Context) (int, error) {
	f.resets++
	return 3, f.err
}

// stubRuntime swaps the package hooks; tests using it must not run in parallel.
func stubRuntime(t *testing.T, m *fakeMaintainer) {
	t.Helper()
	prevLoad, prevOpen := loadRuntime, openMaintainer
	t.Cleanup(func() { loadRuntime, openMaintainer = prevLoad, prevOpen })

	loadRuntime = func(string) (*runtime, error) {
		cfg := config.Config{Reaper: config.ReaperConfig{Timeout: 30 * time.Minute}}
		return &runtime{cfg: cfg, logger: zap.NewNop()}, nil
	}
	openMaintainer = func(context.Context, *runtime) (maintainer, func(), error) {
		return m, func() {}, nil
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFailStaleDefaultsToReaperTimeout(t *testing.T) {
	m := &fakeMaintainer{}
	stubRuntime(t, m)

	out, err := execute(t, "admin", "fail-stale")
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, m.olderThan)
	require.Contains(t, out, "failed 2 stale audit(s)")

	_, err = execute(t, "admin", "fail-stale", "--older-than", "2h")
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour, m.olderThan)
}

func TestResetProcessing(t *testing.T) {
	m := &fakeMaintainer{}
	stubRuntime(t, m)

	out, err := execute(t, "admin", "reset-processing")
	require.NoError(t, err)
	require.Equal(t, 1, m.resets)
	require.Contains(t, out, "reset 3 processing audit(s)")
}

func TestAdminSurfacesStoreErrors(t *testing.T) {
	m := &fakeMaintainer{err: errors.New("db down")}
	stubRuntime(t, m)

	_, err := execute(t, "admin", "reset-processing")
	require.ErrorContains(t, err, "db down")
}

func TestAdminRequiresDatabase(t *testing.T) {
	prevLoad := loadRuntime
	t.Cleanup(func() { loadRuntime = prevLoad })
	loadRuntime = func(string) (*runtime, error) {
		return &runtime{logger: zap.NewNop()}, nil
	}

	_, err := execute(t, "admin", "fail-stale")
	require.ErrorContains(t, err, "database.dsn")
}
