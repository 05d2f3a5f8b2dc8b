// ABOUTME: HTTP server exposing the translator webhook and a health endpoint
// ABOUTME: Webhook handler errors are absorbed; the translator never retries

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxTriggerBody bounds a single webhook delivery.
const maxTriggerBody = 1 << 20

// Server exposes the bridge over HTTP.
type Server struct {
	bridge *Bridge
	http   *http.Server
	logger *slog.Logger
}

// NewServer creates the HTTP server on addr. A nil api mounts only the
// webhook and health endpoints. Pass nil for the default logger.
func NewServer(b *Bridge, api *API, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bridge: b,
		logger: logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks/messaging", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	if api != nil {
		api.register(mux)
	}

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// handleWebhook decodes one trigger envelope and dispatches it. Handler
// failures are logged but answered with 200: the translator does not retry,
// and recovery happens through the transcript reconciler, not redelivery.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerBody))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		s.logger.Warn("webhook received an empty body")
		w.WriteHeader(http.StatusOK)
		return
	}

	var trigger Trigger
	if err := json.Unmarshal(body, &trigger); err != nil {
		s.logger.Warn("discarding undecodable trigger", "error", err)
		http.Error(w, "invalid trigger", http.StatusBadRequest)
		return
	}

	if err := s.bridge.HandleTrigger(r.Context(), trigger); err != nil {
		s.logger.Error("trigger handling failed",
			"type", trigger.Type,
			"transport_key", trigger.Transport.Key,
			"error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
