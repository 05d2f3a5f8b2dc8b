// ABOUTME: Replay reconciler: transcript diff against the watermark on reconnect
// ABOUTME: Skipping an entry silently is the failure mode this code must avoid

package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/2389/hitl-bridge/internal/store"
	"github.com/2389/hitl-bridge/internal/transcript"
	"github.com/2389/hitl-bridge/internal/wire"
)

// TranscriptSource fetches a conversation's durable history.
type TranscriptSource interface {
	TranscriptEntries(ctx context.Context, conv *store.Conversation) ([]transcript.Entry, error)
}

// EventSink routes a normalized event. Replayed events flow through the same
// router as live ones.
type EventSink interface {
	Route(ctx context.Context, ev wire.Event, conv *store.Conversation) error
}

// Watermarks reads and advances the per-conversation progress marker.
type Watermarks interface {
	Get(ctx context.Context, conversationID string) (int64, error)
	Advance(ctx context.Context, conversationID string, ts int64) error
}

// Reconciler replays missed transcript entries after a reconnect.
type Reconciler struct {
	source     TranscriptSource
	sink       EventSink
	watermarks Watermarks
	logger     *slog.Logger
}

// New creates a reconciler. Pass nil for the default logger.
func New(source TranscriptSource, sink EventSink, watermarks Watermarks, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		source:     source,
		sink:       sink,
		watermarks: watermarks,
		logger:     logger.With("component", "replay"),
	}
}

// Reconcile replays every transcript entry newer than the stored watermark,
// in ascending timestamp order (stable for ties), and returns the new
// watermark. Entries that fail to map or route are logged and skipped, and
// siblings still run, but the watermark never advances past the first routing
// failure: a later reconnect re-attempts the failed entry, and re-running its
// already-processed successors is safe because the handlers tolerate
// re-delivery. Unmappable entries never block the advance; they would fail
// identically on every retry. Entries are processed sequentially; transitions
// must be applied in timestamp order.
func (r *Reconciler) Reconcile(ctx context.Context, conv *store.Conversation) (int64, error) {
	mark, err := r.watermarks.Get(ctx, conv.ID)
	if err != nil {
		return 0, fmt.Errorf("reading watermark: %w", err)
	}

	entries, err := r.source.TranscriptEntries(ctx, conv)
	if err != nil {
		return mark, fmt.Errorf("fetching transcript: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TranscriptedTimestamp < entries[j].TranscriptedTimestamp
	})

	r.logger.Info("reconciling conversation",
		"conversation_id", conv.ID,
		"watermark", mark,
		"transcript_entries", len(entries))

	next := mark
	var replayed, skipped int
	var routingFailed bool
	for _, entry := range entries {
		if entry.TranscriptedTimestamp <= mark {
			continue
		}

		ev, err := transcript.Map(entry)
		if err != nil {
			r.logger.Warn("skipping unmappable transcript entry",
				"conversation_id", conv.ID,
				"entry_type", entry.EntryType,
				"identifier", entry.Identifier,
				"error", err)
			skipped++
			continue
		}
		if ev == nil {
			// Provider-internal bookkeeping, never surfaced.
			continue
		}

		if err := r.sink.Route(ctx, *ev, conv); err != nil {
			r.logger.Error("replayed entry failed, continuing",
				"conversation_id", conv.ID,
				"identifier", entry.Identifier,
				"timestamp", entry.TranscriptedTimestamp,
				"error", err)
			skipped++
			routingFailed = true
			continue
		}

		replayed++
		if !routingFailed && entry.TranscriptedTimestamp > next {
			next = entry.TranscriptedTimestamp
		}
	}

	if next > mark {
		if err := r.watermarks.Advance(ctx, conv.ID, next); err != nil {
			return next, fmt.Errorf("advancing watermark: %w", err)
		}
	}

	r.logger.Info("reconciliation finished",
		"conversation_id", conv.ID,
		"replayed", replayed,
		"skipped", skipped,
		"watermark", next)
	return next, nil
}
