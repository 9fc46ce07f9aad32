// Package cmd defines and implements the CLI commands for the site-audit executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/server"
)

// newServeCmd creates the 'serve' subcommand, which runs the API, the worker
// and the reaper in one process.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the audit API and worker",
		Long: `Starts the HTTP API and, unless worker.enabled is false, consumes audit
jobs from the configured queue backend until SIGINT or SIGTERM.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	app, err := server.Build(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run server: %w", err)
	}
	rt.logger.Info("serve command finished", zap.String("queue", rt.cfg.Queue.Name))
	return nil
}
