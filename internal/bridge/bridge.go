// ABOUTME: Trigger dispatcher: conversation resolution, dedupe, frame routing
// ABOUTME: One bad frame never takes down a delivery; failures are contained

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hitl-bridge/internal/lifecycle"
	"github.com/2389/hitl-bridge/internal/store"
	"github.com/2389/hitl-bridge/internal/wire"
)

// Store is the slice of persistence the bridge needs.
type Store interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversationByTransportKey(ctx context.Context, key string) (*store.Conversation, error)
}

// EventRouter dispatches one normalized event.
type EventRouter interface {
	Route(ctx context.Context, ev wire.Event, conv *store.Conversation) error
}

// Lifecycle is the slice of the state machine the bridge drives directly.
type Lifecycle interface {
	Close(ctx context.Context, conv *store.Conversation, force bool) error
	StopTransport(ctx context.Context, conv *store.Conversation)
}

// Reconciler replays missed transcript entries after a transport restore.
type Reconciler interface {
	Reconcile(ctx context.Context, conv *store.Conversation) (int64, error)
}

// Deduper records frame keys the bridge has already routed. Forget unmarks a
// key whose routing failed so a redelivery gets another attempt.
type Deduper interface {
	Seen(key string) bool
	Forget(key string)
}

// Bridge handles trigger envelopes from the transport translator.
type Bridge struct {
	store      Store
	parser     *wire.Parser
	router     EventRouter
	machine    Lifecycle
	reconciler Reconciler
	dedupe     Deduper
	logger     *slog.Logger
}

// New creates a bridge. Pass nil for the default logger.
func New(st Store, parser *wire.Parser, router EventRouter, machine Lifecycle, reconciler Reconciler, dedupe Deduper, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		store:      st,
		parser:     parser,
		router:     router,
		machine:    machine,
		reconciler: reconciler,
		dedupe:     dedupe,
		logger:     logger.With("component", "bridge"),
	}
}

// HandleTrigger processes one webhook delivery. TRANSPORT_START and empty
// DATA triggers are ignored before any conversation is resolved, so they
// never create records.
func (b *Bridge) HandleTrigger(ctx context.Context, trigger Trigger) error {
	if trigger.Type == TriggerTransportStart || (trigger.Type == TriggerData && trigger.Payload == nil) {
		b.logger.Debug("ignoring trigger without work",
			"type", trigger.Type,
			"transport_key", trigger.Transport.Key)
		return nil
	}

	conv, err := b.ensureConversation(ctx, trigger.Transport.Key)
	if err != nil {
		return err
	}

	switch trigger.Type {
	case TriggerData:
		return b.handleData(ctx, conv, *trigger.Payload)

	case TriggerError:
		// Debug channel from the relay session; nothing to act on.
		b.logger.Debug("transport session error report",
			"conversation_id", conv.ID,
			"raw", trigger.Payload)
		return nil

	case TriggerTransportEnd:
		b.logger.Warn("transport ended, closing conversation", "conversation_id", conv.ID)
		return b.machine.Close(ctx, conv, false)

	case TriggerTransportRestored:
		return b.handleRestored(ctx, conv)

	case TriggerForceClose:
		return b.machine.Close(ctx, conv, true)

	default:
		b.logger.Warn("unsupported trigger type",
			"type", trigger.Type,
			"conversation_id", conv.ID)
		return nil
	}
}

// handleData parses the payload into events and routes them in order. A
// failing event is logged and its siblings still run; the watermark stops
// advancing at the failure point, so a later replay retries it.
func (b *Bridge) handleData(ctx context.Context, conv *store.Conversation, payload wire.Payload) error {
	if payload.Raw == expiredCredentialMarker {
		b.logger.Warn("session credential expired, closing conversation", "conversation_id", conv.ID)
		return b.machine.Close(ctx, conv, false)
	}

	for _, ev := range b.parser.Parse(payload) {
		var dedupeKey string
		if id := ev.Identifier(); id != "" {
			dedupeKey = conv.TransportKey + ":" + id
			if b.dedupe.Seen(dedupeKey) {
				b.logger.Debug("skipping duplicate frame",
					"conversation_id", conv.ID,
					"identifier", id)
				continue
			}
		}
		if err := b.router.Route(ctx, ev, conv); err != nil {
			// Unmark the frame so a redelivery retries it instead of being
			// dropped as a duplicate.
			if dedupeKey != "" {
				b.dedupe.Forget(dedupeKey)
			}
			b.logger.Error("event handler failed, continuing delivery",
				"conversation_id", conv.ID,
				"event", ev.RawName,
				"error", err)
		}
	}
	return nil
}

// handleRestored reacts to a relay reconnect: a closed conversation only
// needs its zombie relay torn down, an open one is reconciled against the
// transcript to recover anything missed during the gap.
func (b *Bridge) handleRestored(ctx context.Context, conv *store.Conversation) error {
	if conv.Closed() {
		b.logger.Info("transport restored for closed conversation, stopping relay",
			"conversation_id", conv.ID)
		b.machine.StopTransport(ctx, conv)
		return nil
	}

	if _, err := b.reconciler.Reconcile(ctx, conv); err != nil {
		return fmt.Errorf("reconciling after transport restore: %w", err)
	}
	return nil
}

// ensureConversation resolves the conversation for a transport key, creating
// a pending record on first contact. Creation races with concurrent
// deliveries of the same key; the loser of the unique-constraint race
// re-reads the winner's row.
func (b *Bridge) ensureConversation(ctx context.Context, transportKey string) (*store.Conversation, error) {
	if transportKey == "" {
		return nil, fmt.Errorf("trigger carries no transport key")
	}

	conv, err := b.store.GetConversationByTransportKey(ctx, transportKey)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving conversation: %w", err)
	}

	conv = &store.Conversation{
		ID:           uuid.New().String(),
		TransportKey: transportKey,
		State:        lifecycle.StatePending,
		CreatedAt:    time.Now(),
	}
	if err := b.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrDuplicateConversation) {
			return b.store.GetConversationByTransportKey(ctx, transportKey)
		}
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	b.logger.Info("conversation created for new transport key",
		"conversation_id", conv.ID,
		"transport_key", transportKey)
	return conv, nil
}
