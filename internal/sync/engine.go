package sync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ikaken/live-scratch/internal/archive"
)

// Sentinel errors surfaced to callers of the facade.
var (
	// ErrBuildFailed wraps every failure of ProduceArchive.
	ErrBuildFailed = errors.New("sync: failed to build archive")

	// ErrDecodeFailed is returned by DecodeArchive for malformed base64.
	ErrDecodeFailed = errors.New("sync: decode failed")
)

const partialSuffix = ".partial"

// Codec is the archive conversion the engine drives. *archive.Codec
// satisfies it.
type Codec interface {
	Packer
	Unpack(ctx context.Context, workspace string, data []byte) (*archive.Summary, error)
}

// Revealer opens a directory in the platform file manager.
type Revealer func(ctx context.Context, dir string) error

// DiscardSink drops every archive. It is the sink used when no front-end is
// attached, for example by one-shot CLI commands.
type DiscardSink struct{}

// Publish implements Sink.
func (DiscardSink) Publish(context.Context, []byte) error { return nil }

// EngineConfig holds the collaborators of an Engine. Workspace and Codec
// are required; everything else has a default.
type EngineConfig struct {
	Workspace      string
	Codec          Codec
	Gate           *Gate
	Sink           Sink
	Journal        Recorder
	Revealer       Revealer
	SuppressWindow time.Duration
	Debounce       time.Duration
	FilePerm       os.FileMode
	Logger         *slog.Logger
}

// Engine is the facade external collaborators call: the HTTP API, the CLI
// and the directory watcher all go through it.
type Engine struct {
	workspace      string
	codec          Codec
	gate           *Gate
	sink           Sink
	journal        Recorder
	reveal         Revealer
	suppressWindow time.Duration
	debounce       time.Duration
	filePerm       os.FileMode
	logger         *slog.Logger
	nowFunc        func() time.Time
}

// NewEngine validates cfg and fills in defaults.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg.Workspace == "" {
		return nil, errors.New("sync: engine requires a workspace path")
	}

	if cfg.Codec == nil {
		return nil, errors.New("sync: engine requires a codec")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		workspace:      cfg.Workspace,
		codec:          cfg.Codec,
		gate:           cfg.Gate,
		sink:           cfg.Sink,
		journal:        cfg.Journal,
		reveal:         cfg.Revealer,
		suppressWindow: cfg.SuppressWindow,
		debounce:       cfg.Debounce,
		filePerm:       cfg.FilePerm,
		logger:         logger,
		nowFunc:        time.Now,
	}

	if e.gate == nil {
		e.gate = NewGate(SystemClock, logger)
	}

	if e.sink == nil {
		e.sink = DiscardSink{}
	}

	if e.reveal == nil {
		e.reveal = revealInFileManager
	}

	if e.suppressWindow <= 0 {
		e.suppressWindow = DefaultSuppressWindow
	}

	if e.debounce <= 0 {
		e.debounce = DefaultDebounce
	}

	if e.filePerm == 0 {
		e.filePerm = archive.DefaultFilePerm
	}

	return e, nil
}

// WorkspacePath returns the workspace directory.
func (e *Engine) WorkspacePath() string {
	return e.workspace
}

// Gate returns the suppression gate shared with the watcher.
func (e *Engine) Gate() *Gate {
	return e.gate
}

// ProduceArchive packs the workspace. Any failure, including an invalid
// project.json, is returned wrapped in ErrBuildFailed.
func (e *Engine) ProduceArchive(ctx context.Context) ([]byte, error) {
	started := e.nowFunc()

	data, sum, err := e.codec.Pack(ctx, e.workspace)
	e.record(ctx, OpPack, TriggerEditor, started, sum, data, err)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}

	return data, nil
}

// ApplyArchive writes data into the workspace under a suppression hold.
// The hold is released SuppressWindow after the write so the watcher
// discards the events the write causes. If the archive is rejected before
// any entry is written the hold is released at once.
func (e *Engine) ApplyArchive(ctx context.Context, data []byte) error {
	e.logger.Info("received archive from editor", slog.Int("bytes", len(data)))

	_, err := e.applyHeld(ctx, data, TriggerEditor)

	return err
}

// applyHeld unpacks data under a fresh hold and schedules its release.
func (e *Engine) applyHeld(ctx context.Context, data []byte, trigger Trigger) (*archive.Summary, error) {
	hold := e.gate.Hold()
	started := e.nowFunc()

	sum, err := e.codec.Unpack(ctx, e.workspace, data)
	e.record(ctx, OpUnpack, trigger, started, sum, data, err)

	if err != nil {
		// A non-nil summary means the unpack stopped partway, so some
		// entries may be on disk and their events must still be absorbed.
		if sum != nil {
			hold.ReleaseAfter(e.suppressWindow)
		} else {
			hold.Release()
		}

		return nil, fmt.Errorf("sync: applying archive: %w", err)
	}

	hold.ReleaseAfter(e.suppressWindow)

	return sum, nil
}

// OpenArchiveFromFile replaces the workspace content with the archive at
// path, then repacks and publishes the result so the editor reloads it. An
// empty path means the user cancelled the picker and is a no-op.
func (e *Engine) OpenArchiveFromFile(ctx context.Context, path string) error {
	if path == "" {
		e.logger.Debug("open cancelled")
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("sync: reading %s: %w", path, err)
	}

	if _, err := e.applyHeld(ctx, data, TriggerFile); err != nil {
		return err
	}

	started := e.nowFunc()

	packed, sum, err := e.codec.Pack(ctx, e.workspace)
	e.record(ctx, OpOpen, TriggerFile, started, sum, packed, err)

	if err != nil {
		// The workspace was updated; only the editor refresh is missing.
		e.logger.Warn("opened archive but repack failed", slog.String("error", err.Error()))
		return nil
	}

	if err := e.sink.Publish(ctx, packed); err != nil {
		return fmt.Errorf("sync: publishing opened archive: %w", err)
	}

	e.logger.Info("opened archive", slog.String("path", path), slog.Int("entries", sum.Entries))

	return nil
}

// ExportArchiveToFile packs the workspace and writes it to path. The file
// is written under a temporary name and renamed into place. An empty path
// is a cancelled picker and a no-op.
func (e *Engine) ExportArchiveToFile(ctx context.Context, path string) error {
	if path == "" {
		e.logger.Debug("export cancelled")
		return nil
	}

	started := e.nowFunc()

	data, sum, err := e.codec.Pack(ctx, e.workspace)
	if err != nil {
		e.record(ctx, OpExport, TriggerFile, started, nil, nil, err)
		return fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}

	err = writeFileAtomic(path, data, e.filePerm)
	e.record(ctx, OpExport, TriggerFile, started, sum, data, err)

	if err != nil {
		return err
	}

	e.logger.Info("exported archive",
		slog.String("path", path),
		slog.Int("entries", sum.Entries),
		slog.Int64("bytes", sum.Bytes),
	)

	return nil
}

// OpenWorkspaceInFileManager asks the OS file browser to show the
// workspace. Failures to launch it are returned.
func (e *Engine) OpenWorkspaceInFileManager(ctx context.Context) error {
	if err := e.reveal(ctx, e.workspace); err != nil {
		return fmt.Errorf("sync: opening file manager: %w", err)
	}

	return nil
}

// Watch runs the directory watcher until ctx is canceled.
func (e *Engine) Watch(ctx context.Context) error {
	obs := NewLocalObserver(e.workspace, e.codec, e.gate, e.sink, e.journal, e.debounce, e.logger)

	return obs.Watch(ctx)
}

// Close releases every outstanding suppression hold.
func (e *Engine) Close() {
	e.gate.Close()
}

func (e *Engine) record(
	ctx context.Context, op string, trigger Trigger, started time.Time,
	sum *archive.Summary, data []byte, opErr error,
) {
	recordHistory(ctx, e.journal, e.logger, historyParams{
		op:      op,
		trigger: triggerFrom(ctx, trigger),
		started: started,
		elapsed: e.nowFunc().Sub(started),
		summary: sum,
		data:    data,
		err:     opErr,
	})
}

// DecodeArchive decodes the base64 transport form of an archive.
func DecodeArchive(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	return data, nil
}

// EncodeArchive returns the base64 transport form of an archive.
func EncodeArchive(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// writeFileAtomic writes data to path via a sibling temporary file so a
// reader never sees a half-written archive.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + partialSuffix

	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("sync: writing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sync: renaming %s to %s: %w", tmp, filepath.Base(path), err)
	}

	return nil
}
