// ABOUTME: Persisted per-conversation monotonic progress marker
// ABOUTME: Backed by the lastProcessedTimestamp conversation state slot

package watermark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/hitl-bridge/internal/store"
)

// StateName is the conversation state slot holding the watermark.
const StateName = "lastProcessedTimestamp"

// StateStore is the slice of persistence the watermark store needs.
type StateStore interface {
	GetConversationState(ctx context.Context, conversationID, name string) ([]byte, error)
	SetConversationState(ctx context.Context, conversationID, name string, payload []byte) error
}

// payload is the serialized slot format.
type payload struct {
	Timestamp int64 `json:"timestamp"`
}

// Store reads and advances per-conversation watermarks. Writes happen only on
// the live-processing and recovery paths; outbound handlers never touch it.
type Store struct {
	states StateStore
	logger *slog.Logger
}

// New creates a watermark store. Pass nil for the default logger.
func New(states StateStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		states: states,
		logger: logger.With("component", "watermark"),
	}
}

// Get returns the last processed timestamp for a conversation. A slot that
// has never been written reads as zero: process everything.
func (s *Store) Get(ctx context.Context, conversationID string) (int64, error) {
	raw, err := s.states.GetConversationState(ctx, conversationID, StateName)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("no watermark recorded, starting from zero", "conversation_id", conversationID)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading watermark: %w", err)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, fmt.Errorf("decoding watermark: %w", err)
	}
	return p.Timestamp, nil
}

// Advance persists ts as the new watermark if it is strictly greater than the
// stored value. Regressions and re-deliveries are no-ops, which keeps the
// watermark monotonic even when events are replayed.
func (s *Store) Advance(ctx context.Context, conversationID string, ts int64) error {
	current, err := s.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if ts <= current {
		return nil
	}

	raw, err := json.Marshal(payload{Timestamp: ts})
	if err != nil {
		return fmt.Errorf("encoding watermark: %w", err)
	}
	if err := s.states.SetConversationState(ctx, conversationID, StateName, raw); err != nil {
		return fmt.Errorf("writing watermark: %w", err)
	}

	s.logger.Debug("watermark advanced",
		"conversation_id", conversationID,
		"from", current,
		"to", ts)
	return nil
}
