package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ikaken/live-scratch/internal/archive"
	"github.com/ikaken/live-scratch/internal/config"
	"github.com/ikaken/live-scratch/internal/journal"
	"github.com/ikaken/live-scratch/internal/sync"
)

const dataDirPermissions = 0o700

// engineDeps bundles what a command needs to drive the sync engine.
type engineDeps struct {
	engine *sync.Engine
	codec  *archive.Codec
	store  *journal.Store // nil when history is disabled
	logger *slog.Logger
}

// Close releases the engine's holds and the history database.
func (d *engineDeps) Close() {
	d.engine.Close()

	if err := d.store.Close(); err != nil {
		d.logger.Warn("closing history failed", slog.String("error", err.Error()))
	}
}

// newSyncEngine builds the codec, the optional history journal and the
// engine for the resolved workspace. sink receives published archives; nil
// discards them.
func newSyncEngine(
	ctx context.Context, cfg *config.Resolved, sink sync.Sink, logger *slog.Logger,
) (*engineDeps, error) {
	if cfg.WorkspaceDir == "" {
		return nil, fmt.Errorf("workspace_dir not configured, set it in the config file or pass --workspace")
	}

	codec := archive.NewCodec(cfg.ArchiveOptions(), logger)

	store, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	ecfg := &sync.EngineConfig{
		Workspace:      cfg.WorkspaceDir,
		Codec:          codec,
		Sink:           sink,
		SuppressWindow: cfg.SuppressWindow,
		Debounce:       cfg.Debounce,
		FilePerm:       cfg.FilePerm,
		Logger:         logger,
	}

	// A nil *Store in the interface would not read as "no journal".
	if store != nil {
		ecfg.Journal = store
	}

	engine, err := sync.NewEngine(ecfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &engineDeps{engine: engine, codec: codec, store: store, logger: logger}, nil
}

// openJournal opens the history database, creating the data directory.
// It returns nil, nil when history is disabled.
func openJournal(ctx context.Context, cfg *config.Resolved, logger *slog.Logger) (*journal.Store, error) {
	if !cfg.History || cfg.HistoryPath == "" {
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.HistoryPath), dataDirPermissions); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	store, err := journal.Open(ctx, cfg.HistoryPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}

	return store, nil
}

// defaultProjectSource returns the project copied into an empty workspace:
// default_project_dir when configured, otherwise the built-in one.
func defaultProjectSource(cfg *config.Resolved) fs.FS {
	if cfg.DefaultProjectDir != "" {
		return os.DirFS(cfg.DefaultProjectDir)
	}

	return archive.DefaultProject()
}

// prepareWorkspace seeds an empty workspace with the default project and
// refreshes the editing notes. It returns the number of files copied.
func prepareWorkspace(codec *archive.Codec, cfg *config.Resolved) (int, error) {
	src := defaultProjectSource(cfg)

	copied, err := codec.Bootstrap(cfg.WorkspaceDir, src)
	if err != nil {
		return 0, err
	}

	if err := codec.RefreshNotes(cfg.WorkspaceDir, src); err != nil {
		return copied, err
	}

	return copied, nil
}

// absArg makes a command-line path absolute against the working directory.
func absArg(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", p, err)
	}

	return abs, nil
}
