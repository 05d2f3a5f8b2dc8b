// ABOUTME: Tests for the transport-translator client
// ABOUTME: Session start returns the transport key; stop sends the key header

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSession(t *testing.T) {
	var gotSecret string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/sse", r.URL.Path)
		gotSecret = r.Header.Get("secret")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"data":{"key":"tk-99"}}`))
	}))
	defer srv.Close()

	tr := NewTranslator(srv.URL, "s3cret", nil)

	key, err := tr.StartSession(context.Background(), StartSessionRequest{
		Headers:          map[string]string{"Authorization": "Bearer t"},
		ProviderEndpoint: "https://org.example.com",
		WebhookURL:       "https://bridge.example.com/hooks/messaging",
	})
	require.NoError(t, err)

	assert.Equal(t, "tk-99", key)
	assert.Equal(t, "s3cret", gotSecret)

	target := gotBody["target"].(map[string]any)
	assert.Equal(t, "https://org.example.com/eventrouter/v1/sse", target["url"])
	webhook := gotBody["webhook"].(map[string]any)
	assert.Equal(t, "https://bridge.example.com/hooks/messaging", webhook["url"])

	sse := gotBody["sse"].(map[string]any)
	headers := sse["headers"].(map[string]any)
	assert.Equal(t, "Bearer t", headers["Authorization"])
	ignore := sse["ignore"].(map[string]any)
	assert.Contains(t, ignore["onEvent"], "CONVERSATION_ROUTING_RESULT")
	end := sse["end"].(map[string]any)
	assert.Contains(t, end["onRawMatch"], "Jwt is expired")
}

func TestStartSession_MissingKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	tr := NewTranslator(srv.URL, "s", nil)
	_, err := tr.StartSession(context.Background(), StartSessionRequest{})
	assert.Error(t, err)
}

func TestStopSession(t *testing.T) {
	var gotKey, gotSecret, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotKey = r.Header.Get("transport-key")
		gotSecret = r.Header.Get("secret")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewTranslator(srv.URL, "s3cret", nil)
	require.NoError(t, tr.StopSession(context.Background(), "tk-1"))

	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "tk-1", gotKey)
	assert.Equal(t, "s3cret", gotSecret)
}

func TestStopSession_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewTranslator(srv.URL, "s", nil)
	err := tr.StopSession(context.Background(), "tk-1")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
}
