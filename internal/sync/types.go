package sync

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent is one filesystem notification that survived filtering.
type ChangeEvent struct {
	Path     string      // absolute path reported by the watcher
	Name     string      // NFC-normalized base name
	Op       fsnotify.Op // raw operation bits
	Observed time.Time
}

// PathChanges groups the events seen for one name within a debounce window.
type PathChanges struct {
	Name   string
	Events []ChangeEvent
}

// Op returns the union of all operations recorded for the name.
func (pc PathChanges) Op() fsnotify.Op {
	var op fsnotify.Op
	for i := range pc.Events {
		op |= pc.Events[i].Op
	}

	return op
}

// Trigger identifies what started a sync operation. It is recorded in the
// history journal.
type Trigger string

// Trigger values.
const (
	TriggerWatcher Trigger = "watcher"
	TriggerEditor  Trigger = "editor"
	TriggerFile    Trigger = "file"
	TriggerCLI     Trigger = "cli"
)

type triggerKey struct{}

// WithTrigger returns a context whose engine operations are recorded as
// started by t instead of their default trigger.
func WithTrigger(ctx context.Context, t Trigger) context.Context {
	return context.WithValue(ctx, triggerKey{}, t)
}

func triggerFrom(ctx context.Context, fallback Trigger) Trigger {
	if t, ok := ctx.Value(triggerKey{}).(Trigger); ok {
		return t
	}

	return fallback
}

// Operation names recorded in the history journal.
const (
	OpPack   = "pack"
	OpUnpack = "unpack"
	OpOpen   = "open"
	OpExport = "export"
)
