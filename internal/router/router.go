// ABOUTME: Event router dispatching normalized events to lifecycle handlers
// ABOUTME: Unknown event types are logged and ignored, never errors

package router

import (
	"context"
	"log/slog"

	"github.com/2389/hitl-bridge/internal/store"
	"github.com/2389/hitl-bridge/internal/wire"
)

// EventSink receives routed events for one conversation. Each handler must
// be idempotent with respect to re-delivery of the same event content: the
// transport is an at-least-once/at-most-once hybrid, and recovery replays.
type EventSink interface {
	HandleMessage(ctx context.Context, conv *store.Conversation, ev *wire.Event) error
	HandleParticipantChanged(ctx context.Context, conv *store.Conversation, ev *wire.Event) error
	HandleClose(ctx context.Context, conv *store.Conversation, ev *wire.Event) error
}

// Router dispatches events by type to exactly one handler.
type Router struct {
	sink   EventSink
	logger *slog.Logger
}

// New creates a router over the given sink. Pass nil for the default logger.
func New(sink EventSink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sink:   sink,
		logger: logger.With("component", "router"),
	}
}

// Route delivers one event to its handler. Unknown event types are logged
// and dropped; they never fail the batch.
func (r *Router) Route(ctx context.Context, ev wire.Event, conv *store.Conversation) error {
	switch ev.Type {
	case wire.EventMessage:
		return r.sink.HandleMessage(ctx, conv, &ev)
	case wire.EventParticipantChanged:
		return r.sink.HandleParticipantChanged(ctx, conv, &ev)
	case wire.EventCloseConversation:
		return r.sink.HandleClose(ctx, conv, &ev)
	default:
		r.logger.Warn("ignoring unhandled event type",
			"event", ev.RawName,
			"conversation_id", conv.ID)
		return nil
	}
}
