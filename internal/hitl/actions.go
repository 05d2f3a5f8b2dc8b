// ABOUTME: HITL session actions: start, stop, create user
// ABOUTME: Start wires token, relay session, local records, and provider conversation

package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hitl-bridge/internal/events"
	"github.com/2389/hitl-bridge/internal/lifecycle"
	"github.com/2389/hitl-bridge/internal/provider"
	"github.com/2389/hitl-bridge/internal/store"
)

// defaultEmail stands in for end users without one; the provider requires a
// routing email.
const defaultEmail = "anon@email.com"

// Store is the slice of persistence the actions need.
type Store interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetOrCreateUserByEmail(ctx context.Context, email, name string) (*store.User, error)
	UpdateUser(ctx context.Context, user *store.User) error
	SetConversationState(ctx context.Context, conversationID, name string, payload []byte) error
}

// ProviderClient is the slice of the messaging client Start uses.
type ProviderClient interface {
	CreateAccessToken(ctx context.Context) (string, error)
	CreateConversation(ctx context.Context, conversationID string, attributes map[string]any) error
	Session() provider.Session
}

// ClientFactory builds a messaging client for the given org config.
type ClientFactory func(cfg provider.Config) ProviderClient

// SessionStarter opens a transport relay session.
type SessionStarter interface {
	StartSession(ctx context.Context, req provider.StartSessionRequest) (string, error)
}

// Closer drives the terminal conversation transition.
type Closer interface {
	Close(ctx context.Context, conv *store.Conversation, force bool) error
}

// Emitter publishes domain events.
type Emitter interface {
	Emit(ctx context.Context, eventType, conversationID string, payload any) error
}

// Config holds the action service settings.
type Config struct {
	// Provider is the default org configuration; a per-session developer name
	// overrides its DeveloperName.
	Provider provider.Config

	// WebhookURL is where the translator delivers relayed frames.
	WebhookURL string
}

// Service executes the host-facing HITL actions.
type Service struct {
	store      Store
	translator SessionStarter
	closer     Closer
	emitter    Emitter
	clients    ClientFactory
	cfg        Config
	logger     *slog.Logger
}

// New creates the action service. A nil factory uses real messaging clients;
// pass nil for the default logger.
func New(st Store, translator SessionStarter, closer Closer, emitter Emitter, clients ClientFactory, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clients == nil {
		clients = func(c provider.Config) ProviderClient {
			return provider.NewClient(c, provider.Session{}, logger)
		}
	}
	return &Service{
		store:      st,
		translator: translator,
		closer:     closer,
		emitter:    emitter,
		clients:    clients,
		cfg:        cfg,
		logger:     logger.With("component", "hitl"),
	}
}

// StartInput describes one session-start request.
type StartInput struct {
	UserID      string
	Title       string
	Description string

	// DeveloperName, when non-blank, overrides the configured org developer
	// name for this session.
	DeveloperName string

	// RoutingAttributes is an optional JSON object merged into the provider's
	// routing attributes. Malformed JSON is ignored with a warning.
	RoutingAttributes string
}

// StartResult reports the created conversation.
type StartResult struct {
	ConversationID string
}

// Start opens a HITL session for a user: provider access token, transport
// relay, local conversation record, persisted messaging state, and the
// provider-side conversation, finishing with a hitlStarted event. The new
// conversation begins pending; assignment happens when an agent joins the
// stream.
func (s *Service) Start(ctx context.Context, in StartInput) (*StartResult, error) {
	user, err := s.store.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}

	cfg := s.cfg.Provider
	cfg.DeveloperName = provider.ResolveDeveloperName(in.DeveloperName, cfg.DeveloperName)

	client := s.clients(cfg)
	token, err := client.CreateAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}

	transportKey, err := s.translator.StartSession(ctx, provider.StartSessionRequest{
		Headers: map[string]string{
			"Authorization": "Bearer " + token,
			"X-Org-Id":      cfg.OrganizationID,
		},
		ProviderEndpoint: cfg.Endpoint,
		WebhookURL:       s.cfg.WebhookURL,
	})
	if err != nil {
		return nil, fmt.Errorf("starting transport relay: %w", err)
	}

	conv := &store.Conversation{
		ID:                     uuid.New().String(),
		TransportKey:           transportKey,
		ProviderConversationID: uuid.New().String(),
		State:                  lifecycle.StatePending,
		CreatedAt:              time.Now(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	user.ProviderConversationID = conv.ProviderConversationID
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("linking user to conversation: %w", err)
	}

	state, err := json.Marshal(provider.MessagingState{
		AccessToken:   token,
		DeveloperName: cfg.DeveloperName,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding messaging state: %w", err)
	}
	if err := s.store.SetConversationState(ctx, conv.ID, provider.MessagingStateName, state); err != nil {
		return nil, fmt.Errorf("persisting messaging state: %w", err)
	}

	if err := client.CreateConversation(ctx, conv.ProviderConversationID, s.routingAttributes(user, in.RoutingAttributes)); err != nil {
		return nil, fmt.Errorf("creating provider conversation: %w", err)
	}

	s.logger.Info("hitl session started",
		"conversation_id", conv.ID,
		"user_id", user.ID,
		"transport_key", transportKey)

	title := in.Title
	if title == "" {
		title = "Untitled ticket"
	}
	if err := s.emitter.Emit(ctx, events.TypeStarted, conv.ID, map[string]string{
		"conversationId": conv.ID,
		"userId":         user.ID,
		"title":          title,
		"description":    in.Description,
	}); err != nil {
		return nil, err
	}

	return &StartResult{ConversationID: conv.ID}, nil
}

// Stop force-closes the conversation regardless of its current state.
func (s *Service) Stop(ctx context.Context, conversationID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}
	return s.closer.Close(ctx, conv, true)
}

// CreateUser resolves a user by email, creating one if needed, and returns it.
func (s *Service) CreateUser(ctx context.Context, name, email string) (*store.User, error) {
	user, err := s.store.GetOrCreateUserByEmail(ctx, email, name)
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return user, nil
}

// routingAttributes builds the provider routing payload: the user's split
// name and email, overlaid with any custom attributes from the request.
func (s *Service) routingAttributes(user *store.User, custom string) map[string]any {
	first := "Anon"
	last := ""
	if parts := strings.Fields(user.Name); len(parts) > 0 {
		first = parts[0]
		if len(parts) > 1 {
			last = parts[len(parts)-1]
		}
	}

	email := user.Email
	if email == "" {
		email = defaultEmail
	}

	attrs := map[string]any{
		"_firstName": first,
		"firstName":  first, // legacy consumers read the unprefixed key
		"_lastName":  last,
		"_email":     email,
	}

	if strings.TrimSpace(custom) != "" {
		var extra map[string]any
		if err := json.Unmarshal([]byte(custom), &extra); err != nil {
			s.logger.Warn("ignoring malformed routing attributes", "error", err)
		} else {
			s.logger.Debug("merging custom routing attributes", "count", len(extra))
			for k, v := range extra {
				attrs[k] = v
			}
		}
	}
	return attrs
}
