package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/coldtrace/internal/mcp"
)

// Version is stamped at build time.
var Version = "dev"

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and serve MCP tools on stdio",
		Long: `Start the engine with the configured database and thresholds, deliver
notifications in the background and serve the ingest_reading,
get_open_incidents, transition_incident and get_deviation_events tools
over MCP on stdin/stdout. Logs go to stderr.

Example:
  coldtrace serve --db ./coldtrace.db --thresholds ./thresholds.cue`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}
	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	dispatched := make(chan error, 1)
	go func() { dispatched <- a.dispatcher.Run(ctx) }()

	a.logger.Info("engine serving", "db", a.cfg.Database, "version", Version)
	server := mcp.NewServer(a.engine, Version)
	serveErr := server.Run(ctx)

	cancel()
	a.dispatcher.Stop()
	if err := <-dispatched; err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("dispatcher stopped with error", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", serveErr)
	}
	a.logger.Info("engine stopped gracefully")
	return nil
}
