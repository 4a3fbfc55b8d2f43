package sync

import (
	"context"
	"log/slog"
	"sort"
	stdsync "sync"
	"time"
)

// DefaultDebounce is the quiet period after the last workspace change
// before the watcher repacks.
const DefaultDebounce = 300 * time.Millisecond

// Buffer collects watcher events and groups them by file name. A burst of
// writes to many files becomes a single batch once the debounce window
// passes without new events. All methods are safe for concurrent use.
type Buffer struct {
	mu      stdsync.Mutex
	pending map[string]*PathChanges
	notify  chan struct{} // signaled on Add when FlushDebounced is active; nil otherwise
	logger  *slog.Logger
}

// NewBuffer creates an empty Buffer.
func NewBuffer(logger *slog.Logger) *Buffer {
	return &Buffer{
		pending: make(map[string]*PathChanges),
		logger:  logger,
	}
}

// Add records one event and restarts the debounce window.
func (b *Buffer) Add(ev ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pc, ok := b.pending[ev.Name]
	if !ok {
		pc = &PathChanges{Name: ev.Name}
		b.pending[ev.Name] = pc
	}

	pc.Events = append(pc.Events, ev)

	b.logger.Debug("event buffered",
		slog.String("name", ev.Name),
		slog.String("op", ev.Op.String()),
	)

	b.signalNew()
}

// FlushImmediate returns all buffered changes sorted by name and clears the
// buffer. Returns nil when nothing is buffered.
func (b *Buffer) FlushImmediate() []PathChanges {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}

	result := make([]PathChanges, 0, len(b.pending))
	for _, pc := range b.pending {
		result = append(result, *pc)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})

	b.pending = make(map[string]*PathChanges)

	return result
}

// Len returns the number of distinct names currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

// FlushDebounced returns a channel that emits one batch each time the
// debounce window elapses with no new events. Every Add restarts the
// window. The channel is closed when ctx is canceled, after a final
// non-blocking drain of whatever is still buffered.
func (b *Buffer) FlushDebounced(ctx context.Context, debounce time.Duration) <-chan []PathChanges {
	out := make(chan []PathChanges, 1)

	b.mu.Lock()
	b.notify = make(chan struct{}, 1)
	b.mu.Unlock()

	go b.debounceLoop(ctx, debounce, out)

	return out
}

func (b *Buffer) debounceLoop(ctx context.Context, debounce time.Duration, out chan<- []PathChanges) {
	defer close(out)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if batch := b.FlushImmediate(); batch != nil {
				select {
				case out <- batch:
				default:
					b.logger.Warn("final drain discarded: output channel full",
						slog.Int("names", len(batch)),
					)
				}
			}

			return

		case <-b.notify:
			// Reset discards any expiry not yet received (Go 1.23 timers).
			timer.Reset(debounce)

		case <-timer.C:
			if batch := b.FlushImmediate(); batch != nil {
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// signalNew wakes the debounce goroutine without blocking. Called with the
// mutex held.
func (b *Buffer) signalNew() {
	if b.notify == nil {
		return
	}

	select {
	case b.notify <- struct{}{}:
	default:
	}
}
