// ABOUTME: Tests for the host-facing action and record-read API
// ABOUTME: Closed-conversation sends map to 409, unknown conversations to 404

package bridge

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hitl-bridge/internal/channel"
	"github.com/2389/hitl-bridge/internal/hitl"
	"github.com/2389/hitl-bridge/internal/store"
)

type fakeActions struct {
	startInput hitl.StartInput
	stoppedID  string
}

func (f *fakeActions) Start(_ context.Context, in hitl.StartInput) (*hitl.StartResult, error) {
	f.startInput = in
	return &hitl.StartResult{ConversationID: "conv-1"}, nil
}

func (f *fakeActions) Stop(_ context.Context, conversationID string) error {
	f.stoppedID = conversationID
	return nil
}

func (f *fakeActions) CreateUser(_ context.Context, name, email string) (*store.User, error) {
	return &store.User{ID: "user-1", Name: name, Email: email}, nil
}

type fakeSender struct {
	texts     []string
	locations []channel.Location
	err       error
}

func (f *fakeSender) SendText(_ context.Context, _ *store.Conversation, text string) error {
	if f.err != nil {
		return f.err
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) SendImage(_ context.Context, _ *store.Conversation, _ string) error {
	return f.err
}

func (f *fakeSender) SendFile(_ context.Context, _ *store.Conversation, _, _ string) error {
	return f.err
}

func (f *fakeSender) SendAudio(_ context.Context, _ *store.Conversation, _ string) error {
	return f.err
}

func (f *fakeSender) SendVideo(_ context.Context, _ *store.Conversation, _ string) error {
	return f.err
}

func (f *fakeSender) SendLocation(_ context.Context, _ *store.Conversation, loc channel.Location) error {
	if f.err != nil {
		return f.err
	}
	f.locations = append(f.locations, loc)
	return nil
}

type fakeAPIStore struct {
	conversations map[string]*store.Conversation
	messages      []*store.Message
}

func (f *fakeAPIStore) GetConversation(_ context.Context, id string) (*store.Conversation, error) {
	conv, ok := f.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return conv, nil
}

func (f *fakeAPIStore) ListMessages(_ context.Context, _ string, _ int) ([]*store.Message, error) {
	return f.messages, nil
}

func (f *fakeAPIStore) ListDomainEvents(_ context.Context, _ string, _ int) ([]*store.DomainEvent, error) {
	return nil, nil
}

type fakeStream struct {
	ch     chan *store.DomainEvent
	subbed []string
}

func (f *fakeStream) Subscribe(_ context.Context, conversationID string) (<-chan *store.DomainEvent, string) {
	f.subbed = append(f.subbed, conversationID)
	return f.ch, "sub-1"
}

func newTestAPI(t *testing.T) (*fakeActions, *fakeSender, *fakeAPIStore, *httptest.Server) {
	t.Helper()
	actions := &fakeActions{}
	sender := &fakeSender{}
	st := &fakeAPIStore{conversations: map[string]*store.Conversation{
		"conv-1": {ID: "conv-1", TransportKey: "tk-1"},
	}}

	mux := http.NewServeMux()
	NewAPI(actions, sender, st, &fakeStream{ch: make(chan *store.DomainEvent)}, nil).register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return actions, sender, st, ts
}

func TestAPIStart(t *testing.T) {
	actions, _, _, ts := newTestAPI(t)

	resp, err := http.Post(ts.URL+"/actions/hitl/start", "application/json",
		strings.NewReader(`{"userId":"user-1","title":"Broken checkout"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "user-1", actions.startInput.UserID)
	assert.Equal(t, "Broken checkout", actions.startInput.Title)
}

func TestAPIStart_MissingUser(t *testing.T) {
	_, _, _, ts := newTestAPI(t)

	resp, err := http.Post(ts.URL+"/actions/hitl/start", "application/json",
		strings.NewReader(`{"title":"no user"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIStop(t *testing.T) {
	actions, _, _, ts := newTestAPI(t)

	resp, err := http.Post(ts.URL+"/actions/hitl/stop", "application/json",
		strings.NewReader(`{"conversationId":"conv-1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "conv-1", actions.stoppedID)
}

func TestAPISendText(t *testing.T) {
	_, sender, _, ts := newTestAPI(t)

	resp, err := http.Post(ts.URL+"/conversations/conv-1/messages", "application/json",
		strings.NewReader(`{"type":"text","text":"hello"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"hello"}, sender.texts)
}

func TestAPISendLocation(t *testing.T) {
	_, sender, _, ts := newTestAPI(t)

	resp, err := http.Post(ts.URL+"/conversations/conv-1/messages", "application/json",
		strings.NewReader(`{"type":"location","latitude":45.5,"longitude":-73.6,"title":"Office"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, sender.locations, 1)
	assert.Equal(t, 45.5, sender.locations[0].Latitude)
	assert.Equal(t, "Office", sender.locations[0].Title)
}

func TestAPISend_ClosedConversation(t *testing.T) {
	_, sender, _, ts := newTestAPI(t)
	sender.err = channel.ErrConversationClosed

	resp, err := http.Post(ts.URL+"/conversations/conv-1/messages", "application/json",
		strings.NewReader(`{"type":"text","text":"hello"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPISend_UnknownType(t *testing.T) {
	_, _, _, ts := newTestAPI(t)

	resp, err := http.Post(ts.URL+"/conversations/conv-1/messages", "application/json",
		strings.NewReader(`{"type":"hologram"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPISend_UnknownConversation(t *testing.T) {
	_, _, _, ts := newTestAPI(t)

	resp, err := http.Post(ts.URL+"/conversations/nope/messages", "application/json",
		strings.NewReader(`{"type":"text","text":"hello"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIListMessages(t *testing.T) {
	_, _, st, ts := newTestAPI(t)
	st.messages = []*store.Message{{ID: "m1", ConversationID: "conv-1", Text: "hi"}}

	resp, err := http.Get(ts.URL + "/conversations/conv-1/messages")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestAPIStreamEvents(t *testing.T) {
	stream := &fakeStream{ch: make(chan *store.DomainEvent, 1)}
	stream.ch <- &store.DomainEvent{ID: "ev-1", Type: "hitlAssigned", ConversationID: "conv-1"}
	close(stream.ch)

	st := &fakeAPIStore{conversations: map[string]*store.Conversation{
		"conv-1": {ID: "conv-1"},
	}}
	mux := http.NewServeMux()
	NewAPI(&fakeActions{}, &fakeSender{}, st, stream, nil).register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/conversations/conv-1/events/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: hitlAssigned")
	assert.Contains(t, string(body), `"ev-1"`)
	assert.Equal(t, []string{"conv-1"}, stream.subbed)
}

func TestAPIStreamEvents_UnknownConversation(t *testing.T) {
	_, _, _, ts := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/conversations/nope/events/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPICreateUser(t *testing.T) {
	_, _, _, ts := newTestAPI(t)

	resp, err := http.Post(ts.URL+"/actions/users", "application/json",
		strings.NewReader(`{"name":"Jane Doe","email":"jane@example.com"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}
