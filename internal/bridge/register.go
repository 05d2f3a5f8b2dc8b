// ABOUTME: Startup access validation against an optional external endpoint
// ABOUTME: Denial is a hard fault; an unconfigured endpoint skips the check

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// AccessValidator checks at startup that this deployment is allowed to run,
// by asking an external validation endpoint about its bot ID.
type AccessValidator struct {
	http     *http.Client
	endpoint string
	secret   string
	botID    string
	logger   *slog.Logger
}

// NewAccessValidator creates a validator. An empty endpoint disables the
// check. Pass nil for the default logger.
func NewAccessValidator(endpoint, secret, botID string, logger *slog.Logger) *AccessValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessValidator{
		http:     &http.Client{Timeout: 10 * time.Second},
		endpoint: endpoint,
		secret:   secret,
		botID:    botID,
		logger:   logger.With("component", "register"),
	}
}

// validationResponse is the endpoint's verdict payload.
type validationResponse struct {
	Allowed bool   `json:"allowed"`
	ID      string `json:"id"`
}

// Validate asks the endpoint whether the bot may run. A denial or an
// unreachable endpoint is a hard error; callers abort startup on failure.
func (v *AccessValidator) Validate(ctx context.Context) error {
	if strings.TrimSpace(v.endpoint) == "" {
		v.logger.Info("validation endpoint not configured, skipping access check")
		return nil
	}

	body, err := json.Marshal(map[string]string{"botId": v.botID})
	if err != nil {
		return fmt.Errorf("encoding validation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", v.secret)

	resp, err := v.http.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("validation endpoint returned status %d", resp.StatusCode)
	}

	var verdict validationResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return fmt.Errorf("decoding validation response: %w", err)
	}
	if !verdict.Allowed {
		return fmt.Errorf("bot %q is not authorized to use this integration", v.botID)
	}

	v.logger.Info("access validation succeeded", "bot_id", v.botID)
	return nil
}
