// ABOUTME: Host-facing HTTP API: HITL actions, outbound sends, record reads
// ABOUTME: Thin JSON handlers; all behavior lives in the services they call

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/2389/hitl-bridge/internal/channel"
	"github.com/2389/hitl-bridge/internal/hitl"
	"github.com/2389/hitl-bridge/internal/store"
)

// defaultListLimit caps record reads without an explicit limit.
const defaultListLimit = 100

// ActionService executes the host-facing HITL actions.
type ActionService interface {
	Start(ctx context.Context, in hitl.StartInput) (*hitl.StartResult, error)
	Stop(ctx context.Context, conversationID string) error
	CreateUser(ctx context.Context, name, email string) (*store.User, error)
}

// OutboundSender renders outbound content into a provider conversation.
type OutboundSender interface {
	SendText(ctx context.Context, conv *store.Conversation, text string) error
	SendImage(ctx context.Context, conv *store.Conversation, imageURL string) error
	SendFile(ctx context.Context, conv *store.Conversation, fileURL, title string) error
	SendAudio(ctx context.Context, conv *store.Conversation, audioURL string) error
	SendVideo(ctx context.Context, conv *store.Conversation, videoURL string) error
	SendLocation(ctx context.Context, conv *store.Conversation, loc channel.Location) error
}

// EventStream delivers live domain events for a conversation. The
// subscription ends when ctx is cancelled; the returned channel closes.
type EventStream interface {
	Subscribe(ctx context.Context, conversationID string) (<-chan *store.DomainEvent, string)
}

// APIStore is the slice of persistence the API reads.
type APIStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	ListDomainEvents(ctx context.Context, conversationID string, limit int) ([]*store.DomainEvent, error)
}

// API exposes the actions and record reads to the host.
type API struct {
	actions ActionService
	sender  OutboundSender
	store   APIStore
	stream  EventStream
	logger  *slog.Logger
}

// NewAPI creates the host-facing API. Pass nil for the default logger.
func NewAPI(actions ActionService, sender OutboundSender, st APIStore, stream EventStream, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		actions: actions,
		sender:  sender,
		store:   st,
		stream:  stream,
		logger:  logger.With("component", "api"),
	}
}

// register mounts the API routes.
func (a *API) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /actions/hitl/start", a.handleStart)
	mux.HandleFunc("POST /actions/hitl/stop", a.handleStop)
	mux.HandleFunc("POST /actions/users", a.handleCreateUser)
	mux.HandleFunc("POST /conversations/{id}/messages", a.handleSend)
	mux.HandleFunc("GET /conversations/{id}/messages", a.handleListMessages)
	mux.HandleFunc("GET /conversations/{id}/events", a.handleListEvents)
	mux.HandleFunc("GET /conversations/{id}/events/stream", a.handleStreamEvents)
}

type startRequest struct {
	UserID            string `json:"userId"`
	Title             string `json:"title"`
	Description       string `json:"description"`
	DeveloperName     string `json:"developerName"`
	RoutingAttributes string `json:"routingAttributes"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	result, err := a.actions.Start(r.Context(), hitl.StartInput{
		UserID:            req.UserID,
		Title:             req.Title,
		Description:       req.Description,
		DeveloperName:     req.DeveloperName,
		RoutingAttributes: req.RoutingAttributes,
	})
	if err != nil {
		a.fail(w, "starting hitl session", err)
		return
	}
	a.respond(w, http.StatusCreated, map[string]string{"conversationId": result.ConversationID})
}

type stopRequest struct {
	ConversationID string `json:"conversationId"`
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.actions.Stop(r.Context(), req.ConversationID); err != nil {
		a.fail(w, "stopping hitl session", err)
		return
	}
	a.respond(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type createUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}
	user, err := a.actions.CreateUser(r.Context(), req.Name, req.Email)
	if err != nil {
		a.fail(w, "creating user", err)
		return
	}
	a.respond(w, http.StatusCreated, map[string]string{"userId": user.ID})
}

type sendRequest struct {
	Type      string  `json:"type"`
	Text      string  `json:"text"`
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address"`
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.conversation(w, r)
	if !ok {
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	switch req.Type {
	case "text":
		err = a.sender.SendText(r.Context(), conv, req.Text)
	case "image":
		err = a.sender.SendImage(r.Context(), conv, req.URL)
	case "file":
		err = a.sender.SendFile(r.Context(), conv, req.URL, req.Title)
	case "audio":
		err = a.sender.SendAudio(r.Context(), conv, req.URL)
	case "video":
		err = a.sender.SendVideo(r.Context(), conv, req.URL)
	case "location":
		err = a.sender.SendLocation(r.Context(), conv, channel.Location{
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
			Title:     req.Title,
			Address:   req.Address,
		})
	default:
		http.Error(w, "unsupported message type", http.StatusBadRequest)
		return
	}

	if errors.Is(err, channel.ErrConversationClosed) {
		http.Error(w, "conversation is closed", http.StatusConflict)
		return
	}
	if err != nil {
		a.fail(w, "sending message", err)
		return
	}
	a.respond(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.conversation(w, r)
	if !ok {
		return
	}
	messages, err := a.store.ListMessages(r.Context(), conv.ID, defaultListLimit)
	if err != nil {
		a.fail(w, "listing messages", err)
		return
	}
	a.respond(w, http.StatusOK, messages)
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.conversation(w, r)
	if !ok {
		return
	}
	events, err := a.store.ListDomainEvents(r.Context(), conv.ID, defaultListLimit)
	if err != nil {
		a.fail(w, "listing events", err)
		return
	}
	a.respond(w, http.StatusOK, events)
}

// handleStreamEvents pushes the conversation's domain events to the caller as
// server-sent events until the client disconnects.
func (a *API) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.conversation(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, subID := a.stream.Subscribe(r.Context(), conv.ID)
	a.logger.Debug("event stream opened",
		"conversation_id", conv.ID,
		"subscription_id", subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				a.logger.Warn("dropping unencodable event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		}
	}
}

// conversation resolves the path's conversation ID, writing the error
// response itself when the lookup fails.
func (a *API) conversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	conv, err := a.store.GetConversation(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		a.fail(w, "resolving conversation", err)
		return nil, false
	}
	return conv, true
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn("writing response failed", "error", err)
	}
}

func (a *API) fail(w http.ResponseWriter, op string, err error) {
	a.logger.Error(op+" failed", "error", err)
	http.Error(w, op+" failed", http.StatusInternalServerError)
}
