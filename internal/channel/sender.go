// ABOUTME: Outbound channel rendering into the provider conversation
// ABOUTME: Closed conversations reject sends; auth failures force a close

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hitl-bridge/internal/provider"
	"github.com/2389/hitl-bridge/internal/store"
)

// ErrConversationClosed rejects a send into a conversation that has already
// reached its terminal state.
var ErrConversationClosed = errors.New("conversation is closed")

// Session is the slice of the messaging client the sender uses.
type Session interface {
	SendMessage(ctx context.Context, text string) error
	SendFile(ctx context.Context, fileURL, title string) error
}

// SessionSource builds a provider session from a conversation's persisted
// messaging state.
type SessionSource interface {
	ForConversation(ctx context.Context, conv *store.Conversation) (Session, error)
}

// Closer force-closes a conversation whose provider session is dead.
type Closer interface {
	Close(ctx context.Context, conv *store.Conversation, force bool) error
}

// Store is the slice of persistence the sender needs for the not-assigned
// notice.
type Store interface {
	GetOrCreateUserBySubject(ctx context.Context, subject, name string) (*store.User, error)
	CreateMessage(ctx context.Context, msg *store.Message) error
}

// Config holds the sender's message templates.
type Config struct {
	// NotAssignedMessage, when non-blank, is recorded as a system message
	// instead of delivering text into a conversation no agent has joined yet.
	NotAssignedMessage string
}

// Location is a point with optional display fields.
type Location struct {
	Latitude  float64
	Longitude float64
	Title     string
	Address   string
}

// Sender delivers outbound content into provider conversations.
type Sender struct {
	store    Store
	sessions SessionSource
	closer   Closer
	cfg      Config
	logger   *slog.Logger
}

// New creates a sender. Pass nil for the default logger.
func New(st Store, sessions SessionSource, closer Closer, cfg Config, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		store:    st,
		sessions: sessions,
		closer:   closer,
		cfg:      cfg,
		logger:   logger.With("component", "channel"),
	}
}

// SendText delivers text to the agent. Sends into a closed conversation fail
// with ErrConversationClosed. Before an agent is assigned, the configured
// not-assigned notice is recorded locally instead of being delivered. A 401
// or 403 from the provider means the session is dead; the conversation is
// force-closed.
func (s *Sender) SendText(ctx context.Context, conv *store.Conversation, text string) error {
	if conv.Closed() {
		s.logger.Error("rejected send into closed conversation", "conversation_id", conv.ID)
		return ErrConversationClosed
	}

	if conv.AssignedAt == nil && s.cfg.NotAssignedMessage != "" {
		return s.recordNotAssignedNotice(ctx, conv)
	}

	session, err := s.sessions.ForConversation(ctx, conv)
	if err != nil {
		s.closeInvalidSession(ctx, conv, err)
		return err
	}

	if err := session.SendMessage(ctx, text); err != nil {
		s.logger.Error("failed to send message",
			"conversation_id", conv.ID,
			"error", err)
		s.closeInvalidSession(ctx, conv, err)
		return fmt.Errorf("sending text: %w", err)
	}
	return nil
}

// closeInvalidSession force-closes the conversation when err is an auth
// failure. An expired or rejected token never recovers, so the only useful
// reaction is tearing the session down.
func (s *Sender) closeInvalidSession(ctx context.Context, conv *store.Conversation, err error) {
	if !provider.IsAuth(err) {
		return
	}
	if closeErr := s.closer.Close(ctx, conv, true); closeErr != nil {
		s.logger.Error("failed to finish invalid session",
			"conversation_id", conv.ID,
			"error", closeErr)
	}
}

// SendImage delivers an image as a file attachment.
func (s *Sender) SendImage(ctx context.Context, conv *store.Conversation, imageURL string) error {
	return s.sendFile(ctx, conv, imageURL, "")
}

// SendFile delivers a file attachment with an optional title.
func (s *Sender) SendFile(ctx context.Context, conv *store.Conversation, fileURL, title string) error {
	return s.sendFile(ctx, conv, fileURL, title)
}

// SendAudio delivers an audio URL as text; the provider has no audio
// rendering.
func (s *Sender) SendAudio(ctx context.Context, conv *store.Conversation, audioURL string) error {
	return s.SendText(ctx, conv, audioURL)
}

// SendVideo delivers a video URL as text.
func (s *Sender) SendVideo(ctx context.Context, conv *store.Conversation, videoURL string) error {
	return s.SendText(ctx, conv, videoURL)
}

// SendLocation renders a location as formatted text lines.
func (s *Sender) SendLocation(ctx context.Context, conv *store.Conversation, loc Location) error {
	var parts []string
	if loc.Title != "" {
		parts = append(parts, loc.Title, "")
	}
	if loc.Address != "" {
		parts = append(parts, loc.Address, "")
	}
	parts = append(parts,
		fmt.Sprintf("Latitude: %v", loc.Latitude),
		fmt.Sprintf("Longitude: %v", loc.Longitude))
	return s.SendText(ctx, conv, strings.Join(parts, "\n"))
}

func (s *Sender) sendFile(ctx context.Context, conv *store.Conversation, fileURL, title string) error {
	if conv.Closed() {
		s.logger.Error("rejected file send into closed conversation", "conversation_id", conv.ID)
		return ErrConversationClosed
	}
	session, err := s.sessions.ForConversation(ctx, conv)
	if err != nil {
		s.closeInvalidSession(ctx, conv, err)
		return err
	}
	if err := session.SendFile(ctx, fileURL, title); err != nil {
		s.closeInvalidSession(ctx, conv, err)
		return fmt.Errorf("sending file: %w", err)
	}
	return nil
}

// recordNotAssignedNotice answers the sender with a local system message
// rather than pushing into an unassigned provider conversation.
func (s *Sender) recordNotAssignedNotice(ctx context.Context, conv *store.Conversation) error {
	s.logger.Debug("conversation not assigned, recording notice", "conversation_id", conv.ID)

	system, err := s.store.GetOrCreateUserBySubject(ctx, "system:"+conv.ID, "System")
	if err != nil {
		return err
	}
	return s.store.CreateMessage(ctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		UserID:         system.ID,
		Type:           store.MessageTypeText,
		Text:           s.cfg.NotAssignedMessage,
		CreatedAt:      time.Now(),
	})
}
