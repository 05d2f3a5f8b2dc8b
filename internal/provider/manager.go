// ABOUTME: Builds per-conversation messaging clients from persisted state
// ABOUTME: Reads the messaging state slot and applies the developer-name override

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/hitl-bridge/internal/store"
	"github.com/2389/hitl-bridge/internal/transcript"
)

// MessagingStateName is the conversation state slot holding session credentials.
const MessagingStateName = "messaging"

// MessagingState is the persisted per-conversation session payload.
type MessagingState struct {
	AccessToken   string `json:"accessToken"`
	DeveloperName string `json:"developerName"`
}

// StateReader is the slice of persistence the manager needs.
type StateReader interface {
	GetConversationState(ctx context.Context, conversationID, name string) ([]byte, error)
}

// Manager builds messaging clients scoped to a conversation's persisted
// session. One manager serves all conversations; each client it returns is
// bound to exactly one.
type Manager struct {
	cfg    Config
	states StateReader
	logger *slog.Logger
}

// NewManager creates a session manager.
func NewManager(cfg Config, states StateReader, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		states: states,
		logger: logger,
	}
}

// ForConversation builds a client from the conversation's messaging state.
// Returns ErrStateNotInitialized when the slot was never written and
// ErrTokenExpired when the persisted access token is no longer valid; callers
// treat both as a signal to fall back to closing rather than crash.
func (m *Manager) ForConversation(ctx context.Context, conv *store.Conversation) (*Client, error) {
	raw, err := m.states.GetConversationState(ctx, conv.ID, MessagingStateName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: conversation %s", ErrStateNotInitialized, conv.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading messaging state: %w", err)
	}

	var state MessagingState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decoding messaging state: %w", err)
	}

	// Reject the session before the provider does: an expired token fails
	// every call with a 401, so callers take the invalid-session path now.
	if TokenExpired(state.AccessToken, time.Now()) {
		return nil, fmt.Errorf("%w: conversation %s", ErrTokenExpired, conv.ID)
	}

	cfg := m.cfg
	cfg.DeveloperName = ResolveDeveloperName(state.DeveloperName, m.cfg.DeveloperName)

	return NewClient(cfg, Session{
		AccessToken:    state.AccessToken,
		TransportKey:   conv.TransportKey,
		ConversationID: conv.ProviderConversationID,
	}, m.logger), nil
}

// TranscriptEntries fetches the durable transcript for a conversation using
// its persisted session.
func (m *Manager) TranscriptEntries(ctx context.Context, conv *store.Conversation) ([]transcript.Entry, error) {
	client, err := m.ForConversation(ctx, conv)
	if err != nil {
		return nil, err
	}
	return client.TranscriptEntries(ctx, conv.ProviderConversationID)
}
