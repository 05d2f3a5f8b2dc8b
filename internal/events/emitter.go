// ABOUTME: Domain event emission: persist first, then fan out to subscribers
// ABOUTME: Publishes persisted DomainEvents to all subscribers of a conversation

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hitl-bridge/internal/store"
)

// Domain event types emitted by the bridge.
const (
	TypeStarted  = "hitlStarted"
	TypeAssigned = "hitlAssigned"
	TypeStopped  = "hitlStopped"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// EventStore is the slice of persistence the emitter needs.
type EventStore interface {
	SaveDomainEvent(ctx context.Context, event *store.DomainEvent) error
}

// Emitter persists domain events and broadcasts them to subscribers of the
// owning conversation. Record first, then fan out: the persisted row is the
// source of truth, the broadcast is advisory.
type Emitter struct {
	store  EventStore
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[string]chan *store.DomainEvent // conversationID -> subID -> ch
}

// New creates an emitter. Pass nil logger for the default.
func New(eventStore EventStore, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		store:       eventStore,
		logger:      logger.With("component", "events"),
		subscribers: make(map[string]map[string]chan *store.DomainEvent),
	}
}

// Emit persists a domain event of the given type and payload, then publishes
// it to subscribers. The payload must be JSON-encodable.
func (e *Emitter) Emit(ctx context.Context, eventType, conversationID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", eventType, err)
	}

	event := &store.DomainEvent{
		ID:             uuid.New().String(),
		Type:           eventType,
		ConversationID: conversationID,
		Payload:        raw,
		CreatedAt:      time.Now(),
	}
	if err := e.store.SaveDomainEvent(ctx, event); err != nil {
		return fmt.Errorf("saving %s event: %w", eventType, err)
	}

	e.publish(conversationID, event)
	e.logger.Debug("domain event emitted",
		"type", eventType,
		"conversation_id", conversationID)
	return nil
}

// Subscribe registers a subscriber for events on the given conversation.
// Returns a channel that receives events and a subscription ID. The
// subscription is cleaned up automatically when ctx is cancelled.
func (e *Emitter) Subscribe(ctx context.Context, conversationID string) (<-chan *store.DomainEvent, string) {
	subID := uuid.New().String()
	ch := make(chan *store.DomainEvent, subscriberBufferSize)

	e.mu.Lock()
	if _, ok := e.subscribers[conversationID]; !ok {
		e.subscribers[conversationID] = make(map[string]chan *store.DomainEvent)
	}
	e.subscribers[conversationID][subID] = ch
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscriber and closes its channel.
func (e *Emitter) Unsubscribe(conversationID, subID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs, ok := e.subscribers[conversationID]
	if !ok {
		return
	}
	if ch, ok := subs[subID]; ok {
		close(ch)
		delete(subs, subID)
	}
	if len(subs) == 0 {
		delete(e.subscribers, conversationID)
	}
}

// publish sends an event to all subscribers of the conversation.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (e *Emitter) publish(conversationID string, event *store.DomainEvent) {
	e.mu.RLock()
	subs := e.subscribers[conversationID]
	targets := make([]chan *store.DomainEvent, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	e.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			e.logger.Warn("subscriber channel full, dropping event",
				"conversation_id", conversationID,
				"type", event.Type)
		}
	}
}
