package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/coldtrace/internal/compiler"
	"github.com/roach88/coldtrace/internal/config"
	"github.com/roach88/coldtrace/internal/engine"
	"github.com/roach88/coldtrace/internal/notify"
	"github.com/roach88/coldtrace/internal/store"
)

// app is an opened store with a started engine and its dispatcher.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *store.Store
	engine     *engine.Engine
	dispatcher *notify.Dispatcher
}

// openApp opens the configured database, starts the engine and activates
// the configured threshold file. Without a threshold file the engine uses
// the latest table stored in the database.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	logger.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	dispatcher := notify.NewDispatcher(st, cfg.Sink(logger), cfg.DispatcherOptions(logger)...)
	engineOpts := append(cfg.EngineOptions(),
		engine.WithLogger(logger),
		engine.WithDispatcher(dispatcher),
	)
	eng := engine.New(st, engineOpts...)

	if err := eng.Start(ctx); err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st, engine: eng, dispatcher: dispatcher}
	if cfg.Thresholds != "" {
		table, err := compiler.LoadFile(cfg.Thresholds)
		if err != nil {
			a.close(ctx)
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to compile %s", cfg.Thresholds), err)
		}
		version, err := eng.LoadConfig(ctx, table)
		if err != nil {
			a.close(ctx)
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to load %s", cfg.Thresholds), err)
		}
		logger.Debug("thresholds active", "config_version", version)
	}
	return a, nil
}

// close delivers queued notifications, then stops the engine and closes
// the store. Undelivered notifications stay in the outbox.
func (a *app) close(ctx context.Context) {
	if err := a.dispatcher.Drain(ctx); err != nil {
		a.logger.Warn("notifications left in outbox", "error", err)
	}
	a.engine.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}
