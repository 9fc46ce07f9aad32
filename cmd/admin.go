package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/server"
)

// maintainer is the subset of the reaper the admin commands drive.
type maintainer interface {
	FailStale(ctx context.Context, olderThan time.Duration) (int, error)
	ResetProcessing(ctx context.Context) (int, error)
}

// openMaintainer is a variable so tests can avoid a database.
var openMaintainer = func(ctx context.Context, rt *runtime) (maintainer, func(), error) {
	r, closeFn, err := server.BuildMaintenance(ctx, rt.cfg, rt.logger)
	if err != nil {
		return nil, nil, err
	}
	return r, closeFn, nil
}

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator corrections for stuck audits",
	}
	cmd.AddCommand(newFailStaleCmd(), newResetProcessingCmd())
	return cmd
}

func newFailStaleCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "fail-stale",
		Short: "Marks long-running processing audits as failed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMaintainer(cmd, func(ctx context.Context, rt *runtime, m maintainer) error {
				age := olderThan
				if age <= 0 {
					age = rt.cfg.Reaper.Timeout
				}
				n, err := m.FailStale(ctx, age)
				if err != nil {
					return fmt.Errorf("fail stale audits: %w", err)
				}
				rt.logger.Info("stale audits failed", zap.Int("affected", n), zap.Duration("older_than", age))
				fmt.Fprintf(cmd.OutOrStdout(), "failed %d stale audit(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (defaults to reaper.timeout)")
	return cmd
}

func newResetProcessingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-processing",
		Short: "Returns every processing audit to pending",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMaintainer(cmd, func(ctx context.Context, rt *runtime, m maintainer) error {
				n, err := m.ResetProcessing(ctx)
				if err != nil {
					return fmt.Errorf("reset processing audits: %w", err)
				}
				rt.logger.Info("processing audits reset", zap.Int("affected", n))
				fmt.Fprintf(cmd.OutOrStdout(), "reset %d processing audit(s)\n", n)
				return nil
			})
		},
	}
}

func withMaintainer(cmd *cobra.Command, fn func(context.Context, *runtime, maintainer) error) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	m, closeFn, err := openMaintainer(cmd.Context(), rt)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(cmd.Context(), rt, m)
}
