// ABOUTME: Messaging API client: conversations, tokens, messages, transcript
// ABOUTME: Single-attempt REST calls with bearer-token session headers

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hitl-bridge/internal/transcript"
)

// apiBasePath is appended to the configured endpoint for messaging API calls.
const apiBasePath = "/iamessage/api/v2"

// Routing statuses reported by the provider for a conversation.
// TRANSFER means the agent handed off and a new one is expected;
// NEEDS_ROUTING means the agent ended the chat.
const (
	RoutingStatusTransfer     = "TRANSFER"
	RoutingStatusNeedsRouting = "NEEDS_ROUTING"
)

// Config identifies the provider org this bridge talks to.
type Config struct {
	Endpoint       string
	OrganizationID string
	DeveloperName  string
}

// ResolveDeveloperName applies the override chain for the per-session
// developer name: a non-blank session value wins over the configured default.
// Every call site that needs a conversation-scoped override goes through
// this one function.
func ResolveDeveloperName(sessionValue, configured string) string {
	if strings.TrimSpace(sessionValue) != "" {
		return sessionValue
	}
	return configured
}

// Session is the per-conversation messaging session state.
type Session struct {
	AccessToken    string
	TransportKey   string
	ConversationID string
}

// Client is a messaging API client bound to one session.
type Client struct {
	http    *http.Client
	cfg     Config
	session Session
	baseURL string
	logger  *slog.Logger
}

// NewClient creates a client for the given org and session. A zero Session is
// valid for the pre-conversation calls (token creation).
func NewClient(cfg Config, session Session, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		cfg:     cfg,
		session: session,
		baseURL: cfg.Endpoint + apiBasePath,
		logger:  logger.With("component", "provider"),
	}
}

// Session returns the client's current session, including any access token
// acquired by CreateAccessToken.
func (c *Client) Session() Session {
	return c.session
}

// headers returns the messaging auth headers for this session.
func (c *Client) headers() map[string]string {
	h := map[string]string{"X-Org-Id": c.cfg.OrganizationID}
	if c.session.AccessToken != "" {
		h["Authorization"] = "Bearer " + c.session.AccessToken
	}
	return h
}

// CreateConversation opens a conversation on the provider side with the
// given routing attributes.
func (c *Client) CreateConversation(ctx context.Context, conversationID string, attributes map[string]any) error {
	body := map[string]any{
		"conversationId":    conversationID,
		"routingAttributes": attributes,
		"esDeveloperName":   c.cfg.DeveloperName,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/conversation", body, nil); err != nil {
		return fmt.Errorf("creating provider conversation: %w", err)
	}
	c.session.ConversationID = conversationID
	return nil
}

// tokenResponse is the provider's access-token payload.
type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}

// CreateAccessToken obtains an access token for an unauthenticated end user
// and installs it on the session.
func (c *Client) CreateAccessToken(ctx context.Context) (string, error) {
	body := map[string]any{
		"orgId":               c.cfg.OrganizationID,
		"esDeveloperName":     c.cfg.DeveloperName,
		"capabilitiesVersion": "1",
		"platform":            "Web",
		"context": map[string]any{
			"appName":       "hitl-bridge",
			"clientVersion": "1.2.0",
		},
	}
	var resp tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/authorization/unauthenticated/access-token", body, &resp); err != nil {
		return "", fmt.Errorf("creating access token: %w", err)
	}
	c.session.AccessToken = resp.AccessToken
	return resp.AccessToken, nil
}

// SendMessage delivers a text message into the provider conversation.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	if c.session.ConversationID == "" {
		return ErrNoSession
	}
	body := map[string]any{
		"message": map[string]any{
			"id":          uuid.New().String(),
			"messageType": "StaticContentMessage",
			"staticContent": map[string]any{
				"formatType": "Text",
				"text":       text,
			},
		},
		"esDeveloperName":       c.cfg.DeveloperName,
		"isNewMessagingSession": false,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/conversation/"+c.session.ConversationID+"/message", body, nil); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SendFile downloads fileURL and uploads it into the conversation as a
// multipart attachment. On any failure the file URL is sent as a plain text
// message instead, so the agent always receives something.
func (c *Client) SendFile(ctx context.Context, fileURL, title string) error {
	if c.session.ConversationID == "" {
		return ErrNoSession
	}
	if err := c.uploadFile(ctx, fileURL, title); err != nil {
		c.logger.Warn("file upload failed, falling back to URL message",
			"title", title,
			"error", err)
		return c.SendMessage(ctx, fileURL)
	}
	return nil
}

// uploadFile performs the multipart attachment upload.
func (c *Client) uploadFile(ctx context.Context, fileURL, title string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("building file request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetching file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: "fetching file"}
	}

	fileID := uuid.New().String()
	filename := title
	if filename == "" {
		filename = fileID + fileExtension(fileURL)
	}

	entry, err := json.Marshal(map[string]any{
		"esDeveloperName": c.cfg.DeveloperName,
		"message": map[string]any{
			"id":     uuid.New().String(),
			"fileId": fileID,
			"text":   "",
		},
	})
	if err != nil {
		return fmt.Errorf("encoding message entry: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	entryHeader := textproto.MIMEHeader{}
	entryHeader.Set("Content-Disposition", `form-data; name="messageEntry"`)
	entryHeader.Set("Content-Type", "application/json")
	entryPart, err := writer.CreatePart(entryHeader)
	if err != nil {
		return fmt.Errorf("creating entry part: %w", err)
	}
	if _, err := entryPart.Write(entry); err != nil {
		return fmt.Errorf("writing entry part: %w", err)
	}

	fileHeader := textproto.MIMEHeader{}
	fileHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="fileData"; filename=%q`, filename))
	fileHeader.Set("Content-Type", "application/octet-stream")
	filePart, err := writer.CreatePart(fileHeader)
	if err != nil {
		return fmt.Errorf("creating file part: %w", err)
	}
	if _, err := io.Copy(filePart, resp.Body); err != nil {
		return fmt.Errorf("copying file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing multipart body: %w", err)
	}

	upload, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/conversation/"+c.session.ConversationID+"/file", &buf)
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	upload.Header.Set("Content-Type", writer.FormDataContentType())
	for k, v := range c.headers() {
		upload.Header.Set(k, v)
	}

	uploadResp, err := c.http.Do(upload)
	if err != nil {
		return fmt.Errorf("uploading file: %w", err)
	}
	defer uploadResp.Body.Close()
	if uploadResp.StatusCode < 200 || uploadResp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(uploadResp.Body, 4096))
		return &APIError{Status: uploadResp.StatusCode, Body: string(body)}
	}
	return nil
}

// CloseConversation terminates the provider-side conversation.
func (c *Client) CloseConversation(ctx context.Context) error {
	if c.session.ConversationID == "" {
		return ErrNoSession
	}
	p := "/conversation/" + c.session.ConversationID + "?esDeveloperName=" + url.QueryEscape(c.cfg.DeveloperName)
	if err := c.doJSON(ctx, http.MethodDelete, p, nil, nil); err != nil {
		return fmt.Errorf("closing provider conversation: %w", err)
	}
	return nil
}

// routingStatusResponse is the conversation detail payload, reduced to the
// field the lifecycle machine needs.
type routingStatusResponse struct {
	RoutingStatus string `json:"routingStatus"`
}

// RoutingStatus returns the provider's current routing disposition for the
// conversation, distinguishing an agent handoff from a genuine chat end.
func (c *Client) RoutingStatus(ctx context.Context) (string, error) {
	if c.session.ConversationID == "" {
		return "", ErrNoSession
	}
	var resp routingStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/conversation/"+c.session.ConversationID, nil, &resp); err != nil {
		return "", fmt.Errorf("getting routing status: %w", err)
	}
	c.logger.Debug("routing status fetched",
		"conversation_id", c.session.ConversationID,
		"routing_status", resp.RoutingStatus)
	return resp.RoutingStatus, nil
}

// transcriptResponse is the durable-history payload.
type transcriptResponse struct {
	ConversationEntries []transcript.Entry `json:"conversationEntries"`
}

// TranscriptEntries fetches the conversation's durable history, used by the
// replay reconciler after a reconnect.
func (c *Client) TranscriptEntries(ctx context.Context, conversationID string) ([]transcript.Entry, error) {
	var resp transcriptResponse
	if err := c.doJSON(ctx, http.MethodGet, "/conversation/"+conversationID+"/entries", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching transcript: %w", err)
	}
	return resp.ConversationEntries, nil
}

// doJSON performs one JSON request against the messaging API.
func (c *Client) doJSON(ctx context.Context, method, p string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+p, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers() {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// fileExtension extracts the lowercase extension from a file URL, including
// the leading dot, or returns an empty string.
func fileExtension(fileURL string) string {
	u, err := url.Parse(strings.TrimSpace(fileURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}
