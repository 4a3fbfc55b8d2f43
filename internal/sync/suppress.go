package sync

import (
	"log/slog"
	stdsync "sync"
	"time"
)

// DefaultSuppressWindow is how long a hold outlives the write it covers.
// It must exceed the watcher debounce window plus disk settle time so the
// events caused by the write are seen, and discarded, while still held.
const DefaultSuppressWindow = 1000 * time.Millisecond

// Timer is the subset of *time.Timer the gate needs.
type Timer interface {
	Stop() bool
}

// Clock schedules delayed callbacks. Production code uses SystemClock;
// tests substitute a manual clock and advance virtual time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall-clock implementation of Clock.
var SystemClock Clock = systemClock{}

// Gate tells the directory watcher to ignore filesystem events caused by
// the engine's own writes. Each writer takes a Hold before writing and
// releases it after the suppression window; the gate is suppressed while
// any hold is outstanding. Overlapping writers therefore cannot lift each
// other's suppression early.
//
// This is loop suppression, not a lock: an external edit that lands while a
// hold is outstanding is discarded as well, and an event that settles after
// the last hold is released is treated as external.
type Gate struct {
	mu     stdsync.Mutex
	holds  map[uint64]*Hold
	nextID uint64
	clock  Clock
	logger *slog.Logger
}

// NewGate creates an armed gate. A nil clock means SystemClock.
func NewGate(clock Clock, logger *slog.Logger) *Gate {
	if clock == nil {
		clock = SystemClock
	}

	return &Gate{
		holds:  make(map[uint64]*Hold),
		clock:  clock,
		logger: logger,
	}
}

// Hold registers a new outstanding hold. The gate stays suppressed until
// the hold is released.
func (g *Gate) Hold() *Hold {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	h := &Hold{gate: g, id: g.nextID, acquired: g.clock.Now()}
	g.holds[h.id] = h

	g.logger.Debug("suppression hold acquired",
		slog.Uint64("hold", h.id),
		slog.Int("outstanding", len(g.holds)),
	)

	return h
}

// Suppressed reports whether any hold is outstanding.
func (g *Gate) Suppressed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.holds) > 0
}

// Outstanding returns the number of unreleased holds.
func (g *Gate) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.holds)
}

// Close releases every outstanding hold and cancels pending release timers.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, h := range g.holds {
		h.stopTimerLocked()
		h.released = true
		delete(g.holds, id)
	}
}

// Hold is one outstanding suppression request on a Gate.
type Hold struct {
	gate     *Gate
	id       uint64
	acquired time.Time

	// Guarded by gate.mu.
	timer    Timer
	released bool
}

// ReleaseAfter schedules the release of h after d. Calling it again
// replaces the pending schedule. It is a no-op once h is released.
func (h *Hold) ReleaseAfter(d time.Duration) {
	g := h.gate

	g.mu.Lock()
	defer g.mu.Unlock()

	if h.released {
		return
	}

	h.stopTimerLocked()
	h.timer = g.clock.AfterFunc(d, h.Release)
}

// Release releases h immediately, cancelling any scheduled release.
// Releasing twice is a no-op.
func (h *Hold) Release() {
	g := h.gate

	g.mu.Lock()
	defer g.mu.Unlock()

	if h.released {
		return
	}

	h.stopTimerLocked()
	h.released = true
	delete(g.holds, h.id)

	g.logger.Debug("suppression hold released",
		slog.Uint64("hold", h.id),
		slog.Duration("held", g.clock.Now().Sub(h.acquired)),
		slog.Int("outstanding", len(g.holds)),
	)
}

func (h *Hold) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
