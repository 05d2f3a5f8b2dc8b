// ABOUTME: Tests for the webhook HTTP surface
// ABOUTME: Handler failures answer 200; only undecodable bodies get a 400

package bridge

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*fixture, *httptest.Server) {
	t.Helper()
	f := newFixture(t)
	srv := NewServer(f.bridge, nil, "127.0.0.1:0", nil)
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return f, ts
}

func TestWebhook_ValidTrigger(t *testing.T) {
	f, ts := newTestServer(t)

	body := `{"type":"DATA","transport":{"key":"tk-1"},"payload":{"event":"CONVERSATION_PARTICIPANT_CHANGED","data":"{\"conversationEntry\":{\"entryPayload\":\"{\\\"entries\\\":[{\\\"operation\\\":\\\"add\\\",\\\"displayName\\\":\\\"Alice\\\",\\\"participant\\\":{\\\"role\\\":\\\"Agent\\\",\\\"subject\\\":\\\"a1\\\"}}]}\",\"sender\":{\"role\":\"Agent\",\"subject\":\"a1\"},\"identifier\":\"p1\",\"transcriptedTimestamp\":10}}"}}`
	resp, err := http.Post(ts.URL+"/hooks/messaging", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, f.store.conversations["tk-1"])
	assert.Equal(t, []string{"hitlAssigned"}, f.emitter.types)
}

func TestWebhook_InvalidJSON(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/hooks/messaging", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhook_EmptyBody(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/hooks/messaging", "application/json", strings.NewReader(""))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhook_HandlerFailureStillAnswersOK(t *testing.T) {
	f, ts := newTestServer(t)

	// A trigger with no transport key fails inside the bridge; the translator
	// still gets a 200 because it never retries.
	resp, err := http.Post(ts.URL+"/hooks/messaging", "application/json",
		strings.NewReader(`{"type":"TRANSPORT_END","transport":{"key":""}}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, f.store.conversations)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
