// ABOUTME: Store interface and data types for hitl-bridge persistence
// ABOUTME: Defines Conversation, User, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation with the same
// transport key already exists.
var ErrDuplicateConversation = errors.New("conversation already exists")

// Conversation is the local record of one human-agent chat. It is created on
// the first inbound frame for an unseen transport key (or by the start
// action) and becomes immutable once ClosedAt is set.
type Conversation struct {
	ID                     string
	TransportKey           string
	ProviderConversationID string
	AssignedAt             *time.Time
	ClosedAt               *time.Time
	State                  string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Closed reports whether the conversation has reached its terminal state.
func (c *Conversation) Closed() bool {
	return c.ClosedAt != nil
}

// User is a chat participant resolved from the provider (agents, end users)
// or created locally (system notices).
type User struct {
	ID                     string
	Subject                string
	Name                   string
	Email                  string
	ProviderConversationID string
	CreatedAt              time.Time
}

// MessageTypeText is the only message payload type this bridge renders inbound.
const MessageTypeText = "text"

// Message is one message persisted into a conversation.
type Message struct {
	ID             string
	ConversationID string
	UserID         string
	Type           string
	Text           string
	CreatedAt      time.Time
}

// DomainEvent is an emitted integration event (hitlStarted, hitlAssigned,
// hitlStopped) persisted for the host to consume.
type DomainEvent struct {
	ID             string
	Type           string
	ConversationID string
	Payload        []byte
	CreatedAt      time.Time
}

// Store defines the persistence operations the bridge depends on.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByTransportKey(ctx context.Context, key string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error

	// Users
	GetUser(ctx context.Context, id string) (*User, error)
	GetOrCreateUserBySubject(ctx context.Context, subject, name string) (*User, error)
	GetOrCreateUserByEmail(ctx context.Context, email, name string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Domain events
	SaveDomainEvent(ctx context.Context, event *DomainEvent) error
	ListDomainEvents(ctx context.Context, conversationID string, limit int) ([]*DomainEvent, error)

	// Named per-conversation state slots
	GetConversationState(ctx context.Context, conversationID, name string) ([]byte, error)
	SetConversationState(ctx context.Context, conversationID, name string, payload []byte) error

	// Close releases any resources held by the store
	Close() error
}
