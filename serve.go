package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ikaken/live-scratch/internal/journal"
	"github.com/ikaken/live-scratch/internal/livereload"
	"github.com/ikaken/live-scratch/internal/sync"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [project.sb3]",
		Short: "Serve the editor and keep it in sync with the workspace",
		Long: `Start the local server: the sync API, the live-reload WebSocket and,
when static_dir is set, the Scratch editor itself. The workspace is watched
and every change is packed and pushed to connected editors.

An empty workspace is seeded with the default project. With a project
argument, that archive is opened into the workspace first.

Examples:
  live-scratch serve
  live-scratch serve ~/Downloads/game.sb3
  live-scratch serve --listen 127.0.0.1:8080 --static-dir ~/scratch-gui/build`,
		Args: cobra.MaximumNArgs(1),
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "address to listen on (default from config)")
	cmd.Flags().String("static-dir", "", "Scratch editor build to serve at /")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg
	logger := cc.Logger

	cleanup, err := writePIDFile(serverPIDPath(cfg.DataDir, cfg.WorkspaceDir))
	if err != nil {
		return err
	}
	defer cleanup()

	var metrics *livereload.Metrics
	if cfg.Metrics {
		metrics = livereload.NewMetrics()
	}

	hub := livereload.NewHub(logger, metrics, cfg.AllowedOrigins...)

	deps, err := newSyncEngine(cmd.Context(), cfg, hub, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	if _, err := prepareWorkspace(deps.codec, cfg); err != nil {
		return fmt.Errorf("preparing workspace: %w", err)
	}

	pruneHistory(cmd.Context(), deps.store, cfg.HistoryRetention, logger)

	ctx := shutdownContext(cmd.Context(), logger)

	if len(args) == 1 {
		path, err := absArg(args[0])
		if err != nil {
			return err
		}

		if err := deps.engine.OpenArchiveFromFile(sync.WithTrigger(ctx, sync.TriggerCLI), path); err != nil {
			return fmt.Errorf("opening %s: %w", args[0], err)
		}
	} else {
		// Queue the current project so the first editor to connect loads it.
		publishWorkspace(ctx, deps.engine, hub, logger)
	}

	srv := livereload.NewServer(livereload.ServerConfig{
		Addr:      cfg.ListenAddr,
		StaticDir: cfg.StaticDir,
		Facade:    deps.engine,
		Hub:       hub,
		Metrics:   metrics,
		Logger:    logger,
	})

	if err := srv.Listen(); err != nil {
		return err
	}

	cc.Statusf("Workspace: %s\n", cfg.WorkspaceDir)
	cc.Statusf("Serving on http://%s\n", srv.Addr())

	// Registered before serving so an early SIGHUP does not terminate us.
	refreshCh := refreshSignals(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.engine.Watch(gctx)
	})

	g.Go(func() error {
		return srv.Run(gctx)
	})

	g.Go(func() error {
		refreshLoop(gctx, refreshCh, deps.engine, hub, logger)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	cc.Statusf("Stopped\n")

	return nil
}

// publishWorkspace packs the workspace and publishes it. Failures are
// logged: the server keeps running and the next successful pack catches
// editors up.
func publishWorkspace(ctx context.Context, engine *sync.Engine, sink sync.Sink, logger *slog.Logger) {
	data, err := engine.ProduceArchive(sync.WithTrigger(ctx, sync.TriggerCLI))
	if err != nil {
		logger.Warn("packing workspace failed", slog.String("error", err.Error()))
		return
	}

	if err := sink.Publish(ctx, data); err != nil {
		logger.Warn("publishing workspace failed", slog.String("error", err.Error()))
	}
}

// refreshLoop republishes the workspace on every signal from sigCh until
// ctx is done.
func refreshLoop(
	ctx context.Context, sigCh <-chan os.Signal, engine *sync.Engine, sink sync.Sink, logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			logger.Info("refresh requested, republishing workspace")
			publishWorkspace(ctx, engine, sink, logger)
		}
	}
}

// pruneHistory drops journal entries older than retention. Zero keeps
// everything; a nil store means history is off.
func pruneHistory(ctx context.Context, store *journal.Store, retention time.Duration, logger *slog.Logger) {
	if store == nil || retention <= 0 {
		return
	}

	n, err := store.Prune(ctx, retention)
	if err != nil {
		logger.Warn("pruning history failed", slog.String("error", err.Error()))
		return
	}

	if n > 0 {
		logger.Info("pruned history", slog.Int64("entries", n))
	}
}
