// ABOUTME: Tests for webhook trigger dispatch
// ABOUTME: Includes an end-to-end agent-join flow through parser and lifecycle

package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hitl-bridge/internal/dedupe"
	"github.com/2389/hitl-bridge/internal/lifecycle"
	"github.com/2389/hitl-bridge/internal/router"
	"github.com/2389/hitl-bridge/internal/store"
	"github.com/2389/hitl-bridge/internal/wire"
)

// fakeStore backs both the bridge and the lifecycle machine.
type fakeStore struct {
	conversations map[string]*store.Conversation // by transport key
	users         map[string]*store.User
	messages      []*store.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]*store.Conversation),
		users:         make(map[string]*store.User),
	}
}

func (f *fakeStore) CreateConversation(_ context.Context, conv *store.Conversation) error {
	if _, ok := f.conversations[conv.TransportKey]; ok {
		return store.ErrDuplicateConversation
	}
	f.conversations[conv.TransportKey] = conv
	return nil
}

func (f *fakeStore) GetConversationByTransportKey(_ context.Context, key string) (*store.Conversation, error) {
	conv, ok := f.conversations[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return conv, nil
}

func (f *fakeStore) UpdateConversation(_ context.Context, _ *store.Conversation) error {
	return nil
}

func (f *fakeStore) GetOrCreateUserBySubject(_ context.Context, subject, name string) (*store.User, error) {
	if u, ok := f.users[subject]; ok {
		return u, nil
	}
	u := &store.User{ID: "user-" + subject, Subject: subject, Name: name}
	f.users[subject] = u
	return u, nil
}

func (f *fakeStore) UpdateUser(_ context.Context, user *store.User) error {
	f.users[user.Subject] = user
	return nil
}

func (f *fakeStore) CreateMessage(_ context.Context, msg *store.Message) error {
	f.messages = append(f.messages, msg)
	return nil
}

type fakeSession struct {
	closes int
}

func (f *fakeSession) SendMessage(_ context.Context, _ string) error   { return nil }
func (f *fakeSession) CloseConversation(_ context.Context) error       { f.closes++; return nil }
func (f *fakeSession) RoutingStatus(_ context.Context) (string, error) { return "", nil }

type fakeSessions struct {
	session *fakeSession
}

func (f *fakeSessions) ForConversation(_ context.Context, _ *store.Conversation) (lifecycle.ProviderSession, error) {
	return f.session, nil
}

type fakeTransport struct {
	stopped []string
}

func (f *fakeTransport) StopSession(_ context.Context, key string) error {
	f.stopped = append(f.stopped, key)
	return nil
}

type fakeWatermarks struct {
	advanced []int64
}

func (f *fakeWatermarks) Advance(_ context.Context, _ string, ts int64) error {
	f.advanced = append(f.advanced, ts)
	return nil
}

type fakeEmitter struct {
	types []string
}

func (f *fakeEmitter) Emit(_ context.Context, eventType, _ string, _ any) error {
	f.types = append(f.types, eventType)
	return nil
}

type fakeReconciler struct {
	calls int
}

func (f *fakeReconciler) Reconcile(_ context.Context, _ *store.Conversation) (int64, error) {
	f.calls++
	return 0, nil
}

// fixture wires a bridge over a real parser, router, and lifecycle machine.
type fixture struct {
	store      *fakeStore
	session    *fakeSession
	transport  *fakeTransport
	watermarks *fakeWatermarks
	emitter    *fakeEmitter
	reconciler *fakeReconciler
	machine    *lifecycle.Machine
	bridge     *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      newFakeStore(),
		session:    &fakeSession{},
		transport:  &fakeTransport{},
		watermarks: &fakeWatermarks{},
		emitter:    &fakeEmitter{},
		reconciler: &fakeReconciler{},
	}
	f.machine = lifecycle.New(f.store, &fakeSessions{session: f.session}, f.transport, f.watermarks, f.emitter, lifecycle.Config{}, nil)
	rt := router.New(f.machine, nil)

	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)

	f.bridge = New(f.store, wire.NewParser(nil), rt, f.machine, f.reconciler, cache, nil)
	return f
}

func participantAddPayload() *wire.Payload {
	return &wire.Payload{
		Event: wire.ProviderEventParticipantChanged,
		Data:  `{"conversationEntry":{"entryPayload":"{\"entries\":[{\"operation\":\"add\",\"displayName\":\"Alice\",\"participant\":{\"role\":\"Agent\",\"subject\":\"a1\"}}]}","sender":{"role":"Agent","subject":"a1"},"identifier":"p1","transcriptedTimestamp":10}}`,
	}
}

func TestHandleTrigger_AgentJoinAssignsConversation(t *testing.T) {
	f := newFixture(t)

	err := f.bridge.HandleTrigger(context.Background(), Trigger{
		Type:      TriggerData,
		Transport: Transport{Key: "tk-1"},
		Payload:   participantAddPayload(),
	})
	require.NoError(t, err)

	conv := f.store.conversations["tk-1"]
	require.NotNil(t, conv, "first frame for an unseen key creates the conversation")
	assert.Equal(t, lifecycle.StateAssigned, conv.State)
	require.NotNil(t, conv.AssignedAt)

	require.Contains(t, f.store.users, "a1")
	assert.Equal(t, "Alice", f.store.users["a1"].Name)
	assert.Equal(t, []string{"hitlAssigned"}, f.emitter.types)
	assert.Equal(t, []int64{10}, f.watermarks.advanced)
}

func TestHandleTrigger_DuplicateFrameSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trigger := Trigger{Type: TriggerData, Transport: Transport{Key: "tk-1"}, Payload: participantAddPayload()}
	require.NoError(t, f.bridge.HandleTrigger(ctx, trigger))
	require.NoError(t, f.bridge.HandleTrigger(ctx, trigger))

	// The second delivery is deduplicated before routing.
	assert.Equal(t, []string{"hitlAssigned"}, f.emitter.types)
	assert.Equal(t, []int64{10}, f.watermarks.advanced)
}

// flakyRouter fails its first delivery and succeeds afterwards.
type flakyRouter struct {
	calls int
}

func (r *flakyRouter) Route(_ context.Context, _ wire.Event, _ *store.Conversation) error {
	r.calls++
	if r.calls == 1 {
		return errors.New("handler hiccup")
	}
	return nil
}

func TestHandleTrigger_FailedRouteRetriedOnRedelivery(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	rt := &flakyRouter{}
	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)

	b := New(st, wire.NewParser(nil), rt, &fakeMachine{}, &fakeReconciler{}, cache, nil)

	trigger := Trigger{Type: TriggerData, Transport: Transport{Key: "tk-1"}, Payload: participantAddPayload()}
	require.NoError(t, b.HandleTrigger(ctx, trigger))
	require.NoError(t, b.HandleTrigger(ctx, trigger))

	// The failed frame is unmarked, so the redelivery routes it again; a
	// third delivery is a genuine duplicate.
	assert.Equal(t, 2, rt.calls)
	require.NoError(t, b.HandleTrigger(ctx, trigger))
	assert.Equal(t, 2, rt.calls)
}

type fakeMachine struct{}

func (f *fakeMachine) Close(_ context.Context, _ *store.Conversation, _ bool) error { return nil }
func (f *fakeMachine) StopTransport(_ context.Context, _ *store.Conversation)       {}

func TestHandleTrigger_TransportStartIgnored(t *testing.T) {
	f := newFixture(t)

	err := f.bridge.HandleTrigger(context.Background(), Trigger{
		Type:      TriggerTransportStart,
		Transport: Transport{Key: "tk-1"},
	})
	require.NoError(t, err)

	assert.Empty(t, f.store.conversations)
}

func TestHandleTrigger_DataWithoutPayloadIgnored(t *testing.T) {
	f := newFixture(t)

	err := f.bridge.HandleTrigger(context.Background(), Trigger{
		Type:      TriggerData,
		Transport: Transport{Key: "tk-1"},
	})
	require.NoError(t, err)

	assert.Empty(t, f.store.conversations)
}

func TestHandleTrigger_MissingTransportKey(t *testing.T) {
	f := newFixture(t)

	err := f.bridge.HandleTrigger(context.Background(), Trigger{
		Type:    TriggerData,
		Payload: participantAddPayload(),
	})
	assert.Error(t, err)
}

func TestHandleTrigger_ExpiredCredentialCloses(t *testing.T) {
	f := newFixture(t)

	err := f.bridge.HandleTrigger(context.Background(), Trigger{
		Type:      TriggerData,
		Transport: Transport{Key: "tk-1"},
		Payload:   &wire.Payload{Raw: "Jwt is expired"},
	})
	require.NoError(t, err)

	conv := f.store.conversations["tk-1"]
	require.NotNil(t, conv)
	assert.Equal(t, lifecycle.StateClosed, conv.State)
	assert.Equal(t, []string{"tk-1"}, f.transport.stopped)
	assert.Equal(t, []string{"hitlStopped"}, f.emitter.types)
}

func TestHandleTrigger_TransportEndCloses(t *testing.T) {
	f := newFixture(t)

	err := f.bridge.HandleTrigger(context.Background(), Trigger{
		Type:      TriggerTransportEnd,
		Transport: Transport{Key: "tk-1"},
	})
	require.NoError(t, err)

	conv := f.store.conversations["tk-1"]
	require.NotNil(t, conv)
	assert.Equal(t, lifecycle.StateClosed, conv.State)
	assert.Equal(t, 1, f.session.closes)
}

func TestHandleTrigger_RestoredOpenConversationReconciles(t *testing.T) {
	f := newFixture(t)
	f.store.conversations["tk-1"] = &store.Conversation{ID: "conv-1", TransportKey: "tk-1", State: lifecycle.StatePending}

	err := f.bridge.HandleTrigger(context.Background(), Trigger{
		Type:      TriggerTransportRestored,
		Transport: Transport{Key: "tk-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.reconciler.calls)
	assert.Empty(t, f.transport.stopped)
}

func TestHandleTrigger_RestoredClosedConversationStopsRelayOnly(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.store.conversations["tk-1"] = &store.Conversation{
		ID: "conv-1", TransportKey: "tk-1", State: lifecycle.StateClosed, ClosedAt: &now,
	}

	err := f.bridge.HandleTrigger(context.Background(), Trigger{
		Type:      TriggerTransportRestored,
		Transport: Transport{Key: "tk-1"},
	})
	require.NoError(t, err)

	assert.Zero(t, f.reconciler.calls)
	assert.Equal(t, []string{"tk-1"}, f.transport.stopped)
	assert.Empty(t, f.emitter.types)
}

func TestHandleTrigger_ForceClose(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.store.conversations["tk-1"] = &store.Conversation{
		ID: "conv-1", TransportKey: "tk-1", State: lifecycle.StateClosed, ClosedAt: &now,
	}

	err := f.bridge.HandleTrigger(context.Background(), Trigger{
		Type:      TriggerForceClose,
		Transport: Transport{Key: "tk-1"},
	})
	require.NoError(t, err)

	// Force pushes through the terminal state again for zombie cleanup.
	assert.Equal(t, 1, f.session.closes)
	assert.Equal(t, []string{"tk-1"}, f.transport.stopped)
	assert.Empty(t, f.emitter.types)
}

func TestHandleTrigger_ErrorTriggerIsNoOp(t *testing.T) {
	f := newFixture(t)

	err := f.bridge.HandleTrigger(context.Background(), Trigger{
		Type:      TriggerError,
		Transport: Transport{Key: "tk-1"},
		Payload:   &wire.Payload{Raw: "debug detail"},
	})
	require.NoError(t, err)

	// The conversation exists but nothing was routed or closed.
	conv := f.store.conversations["tk-1"]
	require.NotNil(t, conv)
	assert.Equal(t, lifecycle.StatePending, conv.State)
	assert.Empty(t, f.emitter.types)
}

func TestHandleTrigger_MalformedFrameContained(t *testing.T) {
	f := newFixture(t)

	err := f.bridge.HandleTrigger(context.Background(), Trigger{
		Type:      TriggerData,
		Transport: Transport{Key: "tk-1"},
		Payload:   &wire.Payload{Event: wire.ProviderEventMessage, Data: "{broken"},
	})
	require.NoError(t, err)

	assert.NotNil(t, f.store.conversations["tk-1"])
	assert.Empty(t, f.emitter.types)
}
