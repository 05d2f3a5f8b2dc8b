// ABOUTME: Transport-translator client relaying provider SSE to our webhook
// ABOUTME: Session start/stop; stop is best-effort at every call site

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Stream event names the translator is told to drop before they reach the
// webhook: acknowledgements, typing indicators, and routing bookkeeping.
var ignoredStreamEvents = []string{
	"ping",
	"CONVERSATION_TYPING_STOPPED_INDICATOR",
	"CONVERSATION_TYPING_STARTED_INDICATOR",
	"CONVERSATION_READ_ACKNOWLEDGEMENT",
	"CONVERSATION_DELIVERY_ACKNOWLEDGEMENT",
	"CONVERSATION_END_USER_CONSENT_UPDATED",
	"CONVERSATION_ROUTING_RESULT",
}

// Raw payload markers that end the translator session when matched.
var endSessionMarkers = []string{
	"force_end_tt_transport",
	"Jwt is expired",
	`"status":401,"error":"Unauthorized","path":"/eventrouter/v1/sse"`,
}

// eventRouterPath is the provider's SSE endpoint the translator subscribes to.
const eventRouterPath = "/eventrouter/v1/sse"

// Translator starts and stops relay sessions on the transport-translator
// service. Each session subscribes to the provider's SSE feed and forwards
// frames to the given webhook URL under a transport key.
type Translator struct {
	http   *http.Client
	url    string
	secret string
	logger *slog.Logger
}

// NewTranslator creates a translator client.
func NewTranslator(serviceURL, secret string, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{
		http:   &http.Client{Timeout: 30 * time.Second},
		url:    serviceURL,
		secret: secret,
		logger: logger.With("component", "translator"),
	}
}

// StartSessionRequest describes one relay session.
type StartSessionRequest struct {
	// Headers are the messaging auth headers the translator presents to the
	// provider's SSE endpoint.
	Headers map[string]string

	// ProviderEndpoint is the provider base URL; the event router path is
	// appended here.
	ProviderEndpoint string

	// WebhookURL receives the relayed frames.
	WebhookURL string
}

// sessionResponse is the translator's create-session payload.
type sessionResponse struct {
	Data struct {
		Key string `json:"key"`
	} `json:"data"`
}

// StartSession opens a relay session and returns its transport key.
func (t *Translator) StartSession(ctx context.Context, req StartSessionRequest) (string, error) {
	body := map[string]any{
		"sse": map[string]any{
			"headers": req.Headers,
			"ignore":  map[string]any{"onEvent": ignoredStreamEvents},
			"end":     map[string]any{"onRawMatch": endSessionMarkers},
		},
		"target": map[string]any{
			"debug": true,
			"url":   req.ProviderEndpoint + eventRouterPath,
		},
		"webhook": map[string]any{"url": req.WebhookURL},
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+"/api/v1/sse", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("building session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("secret", t.secret)

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("starting translator session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("decoding session response: %w", err)
	}
	if session.Data.Key == "" {
		return "", fmt.Errorf("translator returned no transport key")
	}

	t.logger.Debug("translator session started", "transport_key", session.Data.Key)
	return session.Data.Key, nil
}

// StopSession tears down a relay session. Callers treat failure as
// log-and-continue: the result is inspected for logging only, never for
// control flow.
func (t *Translator) StopSession(ctx context.Context, transportKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url+"/api/v1/sse", nil)
	if err != nil {
		return fmt.Errorf("building stop request: %w", err)
	}
	req.Header.Set("secret", t.secret)
	req.Header.Set("transport-key", transportKey)

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("stopping translator session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	t.logger.Debug("translator session stopped", "transport_key", transportKey)
	return nil
}
