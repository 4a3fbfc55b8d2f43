package sync

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/ikaken/live-scratch/internal/archive"
	"github.com/ikaken/live-scratch/internal/journal"
)

type historyParams struct {
	op      string
	trigger Trigger
	started time.Time
	elapsed time.Duration
	summary *archive.Summary
	data    []byte
	err     error
}

// recordHistory writes one journal entry. History is best effort: a failed
// write is logged and never fails the operation being recorded.
func recordHistory(ctx context.Context, r Recorder, logger *slog.Logger, p historyParams) {
	if r == nil {
		return
	}

	e := &journal.Entry{
		Op:        p.op,
		Trigger:   string(p.trigger),
		StartedAt: p.started,
		Duration:  p.elapsed,
	}

	if p.summary != nil {
		e.Entries = p.summary.Entries
		e.Bytes = p.summary.Bytes
	}

	if p.data != nil {
		e.Digest = journal.Digest(p.data)
	}

	if p.err != nil {
		e.Error = p.err.Error()
	}

	if err := r.Record(context.WithoutCancel(ctx), e); err != nil {
		logger.Warn("recording history failed",
			slog.String("op", p.op), slog.String("error", err.Error()))
	}
}

// nfcNormalize returns the NFC form of s; macOS reports decomposed names.
func nfcNormalize(s string) string {
	return norm.NFC.String(s)
}
