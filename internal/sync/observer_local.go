package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/ikaken/live-scratch/internal/archive"
	"github.com/ikaken/live-scratch/internal/journal"
)

// ErrWatcherClosed is returned by Watch when the filesystem watcher's
// channels close while the context is still live.
var ErrWatcherClosed = errors.New("sync: filesystem watcher closed unexpectedly")

// Backoff applied when the watcher reports errors in a row.
const (
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// FsWatcher abstracts filesystem notification so tests can inject events.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWrapper adapts *fsnotify.Watcher, whose channels are struct
// fields, to the FsWatcher interface.
type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWrapper{w: w}, nil
}

func (f *fsnotifyWrapper) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWrapper) Remove(name string) error      { return f.w.Remove(name) }
func (f *fsnotifyWrapper) Close() error                  { return f.w.Close() }
func (f *fsnotifyWrapper) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWrapper) Errors() <-chan error          { return f.w.Errors }

// Packer builds an archive from a workspace. *archive.Codec satisfies it.
type Packer interface {
	Pack(ctx context.Context, workspace string) ([]byte, *archive.Summary, error)
	Excluded(name string) bool
}

// Sink receives every archive the engine produces for the editor.
type Sink interface {
	Publish(ctx context.Context, data []byte) error
}

// Recorder stores a history entry for each sync operation.
type Recorder interface {
	Record(ctx context.Context, e *journal.Entry) error
}

// ObserverStats counts what the watcher did with its debounced batches.
type ObserverStats struct {
	Published  int64
	Suppressed int64
	Failed     int64
}

// LocalObserver watches the workspace directory. After each debounce window
// it repacks the workspace and publishes the archive, unless the gate says
// the changes were caused by the engine itself.
type LocalObserver struct {
	workspace string
	packer    Packer
	gate      *Gate
	sink      Sink
	recorder  Recorder
	debounce  time.Duration
	logger    *slog.Logger

	watcherFactory func() (FsWatcher, error)
	sleepFunc      func(ctx context.Context, d time.Duration) error
	nowFunc        func() time.Time

	published  atomic.Int64
	suppressed atomic.Int64
	failed     atomic.Int64
}

// NewLocalObserver creates an observer for workspace. A zero debounce means
// DefaultDebounce; a nil recorder disables history.
func NewLocalObserver(
	workspace string, packer Packer, gate *Gate, sink Sink, recorder Recorder,
	debounce time.Duration, logger *slog.Logger,
) *LocalObserver {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &LocalObserver{
		workspace:      workspace,
		packer:         packer,
		gate:           gate,
		sink:           sink,
		recorder:       recorder,
		debounce:       debounce,
		logger:         logger,
		watcherFactory: newFsnotifyWatcher,
		sleepFunc:      timeSleep,
		nowFunc:        time.Now,
	}
}

// Stats returns a snapshot of the observer counters.
func (o *LocalObserver) Stats() ObserverStats {
	return ObserverStats{
		Published:  o.published.Load(),
		Suppressed: o.suppressed.Load(),
		Failed:     o.failed.Load(),
	}
}

// Watch blocks until ctx is canceled or the watcher fails. The workspace is
// watched non-recursively since it holds no sub-directories worth packing.
func (o *LocalObserver) Watch(ctx context.Context) error {
	watcher, err := o.watcherFactory()
	if err != nil {
		return fmt.Errorf("sync: creating filesystem watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(o.workspace); err != nil {
		return fmt.Errorf("sync: watching %s: %w", o.workspace, err)
	}

	o.logger.Info("watching workspace",
		slog.String("workspace", o.workspace),
		slog.Duration("debounce", o.debounce),
	)

	g, gctx := errgroup.WithContext(ctx)

	buf := NewBuffer(o.logger)
	batches := buf.FlushDebounced(gctx, o.debounce)

	g.Go(func() error {
		return o.watchLoop(gctx, watcher, buf)
	})

	g.Go(func() error {
		for batch := range batches {
			o.handleBatch(gctx, batch)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	o.logger.Info("workspace watcher stopped", slog.String("workspace", o.workspace))

	return nil
}

// watchLoop forwards filtered watcher events into buf until ctx is canceled.
func (o *LocalObserver) watchLoop(ctx context.Context, watcher FsWatcher, buf *Buffer) error {
	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case fsEvent, ok := <-watcher.Events():
			if !ok {
				return o.closedErr(ctx)
			}

			o.handleFsEvent(fsEvent, buf)

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return o.closedErr(ctx)
			}

			o.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := o.sleepFunc(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}
		}
	}
}

func (o *LocalObserver) closedErr(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	return ErrWatcherClosed
}

// handleFsEvent filters one notification and buffers it.
func (o *LocalObserver) handleFsEvent(fsEvent fsnotify.Event, buf *Buffer) {
	// Mode changes do not alter archive content.
	if fsEvent.Has(fsnotify.Chmod) && !fsEvent.Has(fsnotify.Create) && !fsEvent.Has(fsnotify.Write) {
		return
	}

	name := nfcNormalize(filepath.Base(fsEvent.Name))

	if o.packer.Excluded(name) {
		o.logger.Debug("watch: ignoring excluded file", slog.String("name", name))
		return
	}

	buf.Add(ChangeEvent{
		Path:     fsEvent.Name,
		Name:     name,
		Op:       fsEvent.Op,
		Observed: o.nowFunc(),
	})
}

// handleBatch runs once per debounce window. Suppression is checked here,
// when the window fires, not when the individual events arrived.
func (o *LocalObserver) handleBatch(ctx context.Context, batch []PathChanges) {
	if ctx.Err() != nil {
		o.logger.Debug("dropping batch during shutdown", slog.Int("names", len(batch)))
		return
	}

	if o.gate.Suppressed() {
		o.suppressed.Add(1)
		o.logger.Debug("discarding changes written by the engine",
			slog.Int("names", len(batch)),
		)

		return
	}

	o.logger.Info("workspace change detected", slog.Int("names", len(batch)))

	started := o.nowFunc()

	data, sum, err := o.packer.Pack(ctx, o.workspace)
	if err != nil {
		o.failed.Add(1)
		o.logger.Warn("skipping publish: archive build failed", slog.String("error", err.Error()))
		o.record(ctx, OpPack, started, nil, nil, err)

		return
	}

	if err := o.sink.Publish(ctx, data); err != nil {
		o.failed.Add(1)
		o.logger.Error("publishing archive failed", slog.String("error", err.Error()))
		o.record(ctx, OpPack, started, sum, data, fmt.Errorf("sync: publishing archive: %w", err))

		return
	}

	o.published.Add(1)
	o.logger.Info("published archive",
		slog.Int("entries", sum.Entries),
		slog.Int64("bytes", sum.Bytes),
	)

	o.record(ctx, OpPack, started, sum, data, nil)
}

func (o *LocalObserver) record(
	ctx context.Context, op string, started time.Time, sum *archive.Summary, data []byte, opErr error,
) {
	recordHistory(ctx, o.recorder, o.logger, historyParams{
		op:      op,
		trigger: TriggerWatcher,
		started: started,
		elapsed: o.nowFunc().Sub(started),
		summary: sum,
		data:    data,
		err:     opErr,
	})
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
