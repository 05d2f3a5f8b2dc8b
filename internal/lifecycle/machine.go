// ABOUTME: Conversation lifecycle state machine: assignment, transfer, close
// ABOUTME: All transitions are idempotent; CLOSED absorbs every later event

package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hitl-bridge/internal/events"
	"github.com/2389/hitl-bridge/internal/provider"
	"github.com/2389/hitl-bridge/internal/store"
	"github.com/2389/hitl-bridge/internal/wire"
)

// Conversation lifecycle states, serialized into the conversation record.
const (
	StatePending  = "pending"
	StateAssigned = "assigned"
	StateClosed   = "closed"
)

// RoleAgent is the participant role that drives assignment.
const RoleAgent = "Agent"

// Store is the slice of persistence the machine needs.
type Store interface {
	UpdateConversation(ctx context.Context, conv *store.Conversation) error
	GetOrCreateUserBySubject(ctx context.Context, subject, name string) (*store.User, error)
	UpdateUser(ctx context.Context, user *store.User) error
	CreateMessage(ctx context.Context, msg *store.Message) error
}

// ProviderSession is the slice of the messaging client the machine uses.
type ProviderSession interface {
	SendMessage(ctx context.Context, text string) error
	CloseConversation(ctx context.Context) error
	RoutingStatus(ctx context.Context) (string, error)
}

// SessionSource builds a provider session from a conversation's persisted
// messaging state.
type SessionSource interface {
	ForConversation(ctx context.Context, conv *store.Conversation) (ProviderSession, error)
}

// TransportStopper tears down the translator relay for a transport key.
type TransportStopper interface {
	StopSession(ctx context.Context, transportKey string) error
}

// Watermarks advances the per-conversation progress marker.
type Watermarks interface {
	Advance(ctx context.Context, conversationID string, ts int64) error
}

// Emitter publishes domain events.
type Emitter interface {
	Emit(ctx context.Context, eventType, conversationID string, payload any) error
}

// Config holds the behavior knobs for the machine.
type Config struct {
	// TransferMessage, when non-blank, is sent to the end user when an agent
	// leaves because of a transfer.
	TransferMessage string

	// KeepAliveOnInactive suppresses all agent-remove handling.
	KeepAliveOnInactive bool

	// CloseOnRoutingStatusError picks the fallback when the routing-status
	// query fails during an agent remove: close defensively (true) or leave
	// the conversation open and log (false).
	CloseOnRoutingStatusError bool
}

// Machine is the authoritative transition logic for one bridge process.
// The host serializes invocations per conversation, so no locking happens
// here; correctness under replays rests on idempotent transitions.
type Machine struct {
	store      Store
	sessions   SessionSource
	transport  TransportStopper
	watermarks Watermarks
	emitter    Emitter
	cfg        Config
	logger     *slog.Logger
}

// New creates a lifecycle machine. Pass nil for the default logger.
func New(st Store, sessions SessionSource, transport TransportStopper, watermarks Watermarks, emitter Emitter, cfg Config, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:      st,
		sessions:   sessions,
		transport:  transport,
		watermarks: watermarks,
		emitter:    emitter,
		cfg:        cfg,
		logger:     logger.With("component", "lifecycle"),
	}
}

// HandleMessage persists an agent's message into the conversation. Messages
// on a closed conversation are dropped. End-user entries are echoes of our
// own outbound sends and are not re-persisted.
func (m *Machine) HandleMessage(ctx context.Context, conv *store.Conversation, ev *wire.Event) error {
	if conv.Closed() {
		m.logger.Warn("dropping message for closed conversation", "conversation_id", conv.ID)
		return nil
	}

	entry := ev.Message.ConversationEntry
	if entry.Sender.Role != RoleAgent {
		m.logger.Debug("skipping non-agent message entry",
			"conversation_id", conv.ID,
			"role", entry.Sender.Role)
		return m.advance(ctx, conv.ID, ev.OriginTimestamp)
	}

	text := ev.Message.Message.StaticContent.Text
	if text == "" {
		return m.advance(ctx, conv.ID, ev.OriginTimestamp)
	}

	user, err := m.store.GetOrCreateUserBySubject(ctx, entry.Sender.Subject, entry.SenderDisplayName)
	if err != nil {
		return err
	}

	if err := m.store.CreateMessage(ctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		UserID:         user.ID,
		Type:           store.MessageTypeText,
		Text:           text,
		CreatedAt:      time.Now(),
	}); err != nil {
		return err
	}

	m.logger.Debug("agent message recorded",
		"conversation_id", conv.ID,
		"user_id", user.ID)
	return m.advance(ctx, conv.ID, ev.OriginTimestamp)
}

// HandleParticipantChanged applies agent add/remove operations. Non-agent
// participants never affect the lifecycle.
func (m *Machine) HandleParticipantChanged(ctx context.Context, conv *store.Conversation, ev *wire.Event) error {
	if conv.Closed() {
		m.logger.Warn("dropping participant change for closed conversation", "conversation_id", conv.ID)
		return nil
	}

	for _, op := range ev.ParticipantChanged.Entries {
		if op.Participant.Role != RoleAgent {
			return m.advance(ctx, conv.ID, ev.OriginTimestamp)
		}

		switch op.Operation {
		case wire.OperationAdd:
			if err := m.assign(ctx, conv, op); err != nil {
				return err
			}
		case wire.OperationRemove:
			if err := m.removeAgent(ctx, conv); err != nil {
				return err
			}
		default:
			m.logger.Debug("ignoring participant operation",
				"conversation_id", conv.ID,
				"operation", op.Operation)
		}
	}

	return m.advance(ctx, conv.ID, ev.OriginTimestamp)
}

// HandleClose applies an explicit close event from the stream.
func (m *Machine) HandleClose(ctx context.Context, conv *store.Conversation, ev *wire.Event) error {
	if conv.Closed() {
		m.logger.Debug("dropping close event for closed conversation", "conversation_id", conv.ID)
		return nil
	}
	if err := m.Close(ctx, conv, false); err != nil {
		return err
	}
	return m.advance(ctx, conv.ID, ev.OriginTimestamp)
}

// assign transitions PENDING -> ASSIGNED. Re-delivery of the same add is
// safe: the user get-or-create re-issues the same state, and the assigned
// notification fires only on the state edge.
func (m *Machine) assign(ctx context.Context, conv *store.Conversation, op wire.ParticipantOperation) error {
	user, err := m.store.GetOrCreateUserBySubject(ctx, op.Participant.Subject, op.DisplayName)
	if err != nil {
		return err
	}
	if user.Name == "" && op.DisplayName != "" {
		user.Name = op.DisplayName
		if err := m.store.UpdateUser(ctx, user); err != nil {
			return err
		}
	}

	alreadyAssigned := conv.AssignedAt != nil
	if !alreadyAssigned {
		now := time.Now()
		conv.AssignedAt = &now
	}
	conv.State = StateAssigned
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		return err
	}

	if alreadyAssigned {
		m.logger.Debug("agent re-added to assigned conversation",
			"conversation_id", conv.ID,
			"user_id", user.ID)
		return nil
	}

	m.logger.Info("conversation assigned",
		"conversation_id", conv.ID,
		"user_id", user.ID,
		"agent", op.DisplayName)

	return m.emitter.Emit(ctx, events.TypeAssigned, conv.ID, map[string]string{
		"conversationId": conv.ID,
		"userId":         user.ID,
	})
}

// removeAgent decides between transfer (stay assigned) and chat end (close)
// based on the provider's routing status.
func (m *Machine) removeAgent(ctx context.Context, conv *store.Conversation) error {
	if m.cfg.KeepAliveOnInactive {
		m.logger.Debug("keep-alive configured, ignoring agent remove", "conversation_id", conv.ID)
		return nil
	}

	session, err := m.sessions.ForConversation(ctx, conv)
	if err != nil {
		// Missing messaging state: the session cannot be queried or reused,
		// so the safe default is to close.
		m.logger.Warn("no usable messaging state, proceeding with close",
			"conversation_id", conv.ID,
			"error", err)
		return m.Close(ctx, conv, false)
	}

	status, err := session.RoutingStatus(ctx)
	if err != nil {
		if m.cfg.CloseOnRoutingStatusError {
			m.logger.Warn("routing status check failed, closing defensively",
				"conversation_id", conv.ID,
				"error", err)
			return m.Close(ctx, conv, false)
		}
		m.logger.Warn("routing status check failed, leaving conversation open",
			"conversation_id", conv.ID,
			"error", err)
		return nil
	}

	switch status {
	case provider.RoutingStatusTransfer:
		return m.notifyTransfer(ctx, conv)
	case provider.RoutingStatusNeedsRouting:
		m.logger.Info("agent ended chat, closing conversation",
			"conversation_id", conv.ID,
			"routing_status", status)
		return m.Close(ctx, conv, false)
	default:
		m.logger.Info("agent removed with non-terminal routing status, leaving open",
			"conversation_id", conv.ID,
			"routing_status", status)
		return nil
	}
}

// notifyTransfer keeps the conversation assigned and optionally tells the
// end user a new agent is on the way.
func (m *Machine) notifyTransfer(ctx context.Context, conv *store.Conversation) error {
	if m.cfg.TransferMessage == "" {
		m.logger.Info("agent transferred, no transfer message configured", "conversation_id", conv.ID)
		return nil
	}

	m.logger.Info("agent transferred, sending transfer notice", "conversation_id", conv.ID)

	system, err := m.store.GetOrCreateUserBySubject(ctx, systemSubject(conv.ID), "System")
	if err != nil {
		return err
	}
	return m.store.CreateMessage(ctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		UserID:         system.ID,
		Type:           store.MessageTypeText,
		Text:           m.cfg.TransferMessage,
		CreatedAt:      time.Now(),
	})
}

// Close drives the terminal transition: best-effort provider-side
// termination, transport teardown, then persistence of the closed state.
// Provider and transport failures are logged but never block the local
// transition; the local record is the source of truth for "is this open".
// A conversation that is already closed is left untouched unless force is
// set.
func (m *Machine) Close(ctx context.Context, conv *store.Conversation, force bool) error {
	if conv.Closed() && !force {
		m.logger.Debug("conversation already closed", "conversation_id", conv.ID)
		return nil
	}

	if session, err := m.sessions.ForConversation(ctx, conv); err != nil {
		m.logger.Warn("skipping provider-side close",
			"conversation_id", conv.ID,
			"error", err)
	} else if err := session.CloseConversation(ctx); err != nil {
		m.logger.Warn("provider-side close failed",
			"conversation_id", conv.ID,
			"error", err)
	}

	m.StopTransport(ctx, conv)

	wasClosed := conv.Closed()
	if !wasClosed {
		now := time.Now()
		conv.ClosedAt = &now
	}
	conv.State = StateClosed
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		return err
	}

	if wasClosed {
		return nil
	}

	m.logger.Info("conversation closed", "conversation_id", conv.ID)
	return m.emitter.Emit(ctx, events.TypeStopped, conv.ID, map[string]string{
		"conversationId": conv.ID,
	})
}

// StopTransport tears down the translator relay for the conversation.
// Fire, log failure, never propagate.
func (m *Machine) StopTransport(ctx context.Context, conv *store.Conversation) {
	if conv.TransportKey == "" {
		return
	}
	if err := m.transport.StopSession(ctx, conv.TransportKey); err != nil {
		m.logger.Warn("transport teardown failed",
			"conversation_id", conv.ID,
			"transport_key", conv.TransportKey,
			"error", err)
	}
}

// advance moves the conversation's watermark past a processed event.
// Events without an origin timestamp leave the watermark alone.
func (m *Machine) advance(ctx context.Context, conversationID string, ts int64) error {
	if ts <= 0 {
		return nil
	}
	if err := m.watermarks.Advance(ctx, conversationID, ts); err != nil {
		// Processing already happened; a stale watermark only means a replay,
		// which the handlers tolerate.
		m.logger.Warn("watermark advance failed",
			"conversation_id", conversationID,
			"timestamp", ts,
			"error", err)
	}
	return nil
}

// systemSubject namespaces the synthetic system user per conversation.
func systemSubject(conversationID string) string {
	return "system:" + conversationID
}
