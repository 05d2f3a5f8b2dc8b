// ABOUTME: Tests for transcript reconciliation after a transport restore
// ABOUTME: Covers watermark filtering, ordering, and partial progress

package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hitl-bridge/internal/store"
	"github.com/2389/hitl-bridge/internal/transcript"
	"github.com/2389/hitl-bridge/internal/wire"
)

type fakeSource struct {
	entries []transcript.Entry
	err     error
}

func (f *fakeSource) TranscriptEntries(_ context.Context, _ *store.Conversation) ([]transcript.Entry, error) {
	return f.entries, f.err
}

type routed struct {
	identifier string
	timestamp  int64
}

type fakeSink struct {
	routed  []routed
	failIDs map[string]bool
}

func (f *fakeSink) Route(_ context.Context, ev wire.Event, _ *store.Conversation) error {
	id := ev.Identifier()
	if f.failIDs[id] {
		return errors.New("handler failed")
	}
	f.routed = append(f.routed, routed{identifier: id, timestamp: ev.OriginTimestamp})
	return nil
}

type fakeWatermarks struct {
	current  int64
	advanced []int64
}

func (f *fakeWatermarks) Get(_ context.Context, _ string) (int64, error) {
	return f.current, nil
}

func (f *fakeWatermarks) Advance(_ context.Context, _ string, ts int64) error {
	if ts > f.current {
		f.current = ts
	}
	f.advanced = append(f.advanced, ts)
	return nil
}

func messageEntry(identifier string, ts int64) transcript.Entry {
	return transcript.Entry{
		EntryType:             transcript.EntryTypeMessage,
		EntryPayload:          json.RawMessage(fmt.Sprintf(`{"abstractMessage":{"id":"%s","messageType":"StaticContentMessage","staticContent":{"formatType":"Text","text":"t"}}}`, identifier)),
		TranscriptedTimestamp: ts,
		Sender:                wire.Participant{Role: "Agent", Subject: "a1"},
		Identifier:            identifier,
	}
}

func conv() *store.Conversation {
	return &store.Conversation{ID: "conv-1", TransportKey: "tk-1"}
}

func TestReconcile_SkipsEntriesAtOrBelowWatermark(t *testing.T) {
	source := &fakeSource{entries: []transcript.Entry{
		messageEntry("e1", 5),
		messageEntry("e2", 10),
		messageEntry("e3", 15),
	}}
	sink := &fakeSink{}
	marks := &fakeWatermarks{current: 10}

	r := New(source, sink, marks, nil)
	next, err := r.Reconcile(context.Background(), conv())
	require.NoError(t, err)

	assert.Equal(t, int64(15), next)
	require.Len(t, sink.routed, 1)
	assert.Equal(t, "e3", sink.routed[0].identifier)
	assert.Equal(t, []int64{15}, marks.advanced)
}

func TestReconcile_SortsEntriesAscending(t *testing.T) {
	source := &fakeSource{entries: []transcript.Entry{
		messageEntry("e3", 30),
		messageEntry("e1", 10),
		messageEntry("e2", 20),
	}}
	sink := &fakeSink{}
	marks := &fakeWatermarks{}

	r := New(source, sink, marks, nil)
	next, err := r.Reconcile(context.Background(), conv())
	require.NoError(t, err)

	assert.Equal(t, int64(30), next)
	require.Len(t, sink.routed, 3)
	assert.Equal(t, "e1", sink.routed[0].identifier)
	assert.Equal(t, "e2", sink.routed[1].identifier)
	assert.Equal(t, "e3", sink.routed[2].identifier)
}

func TestReconcile_RoutingResultSuppressed(t *testing.T) {
	source := &fakeSource{entries: []transcript.Entry{
		{EntryType: transcript.EntryTypeRoutingResult, TranscriptedTimestamp: 10, Identifier: "r1"},
		messageEntry("e1", 20),
	}}
	sink := &fakeSink{}
	marks := &fakeWatermarks{}

	r := New(source, sink, marks, nil)
	next, err := r.Reconcile(context.Background(), conv())
	require.NoError(t, err)

	require.Len(t, sink.routed, 1)
	assert.Equal(t, "e1", sink.routed[0].identifier)
	// Suppressed bookkeeping entries do not move the watermark either.
	assert.Equal(t, int64(20), next)
}

func TestReconcile_UnknownEntryTypeSkipped(t *testing.T) {
	source := &fakeSource{entries: []transcript.Entry{
		{EntryType: "SomethingNew", TranscriptedTimestamp: 10, Identifier: "x1"},
		messageEntry("e1", 20),
	}}
	sink := &fakeSink{}
	marks := &fakeWatermarks{}

	r := New(source, sink, marks, nil)
	_, err := r.Reconcile(context.Background(), conv())
	require.NoError(t, err)

	require.Len(t, sink.routed, 1)
	assert.Equal(t, "e1", sink.routed[0].identifier)
}

func TestReconcile_PartialProgressOnHandlerFailure(t *testing.T) {
	source := &fakeSource{entries: []transcript.Entry{
		messageEntry("e1", 10),
		messageEntry("e2", 20),
		messageEntry("e3", 30),
	}}
	sink := &fakeSink{failIDs: map[string]bool{"e2": true}}
	marks := &fakeWatermarks{}

	r := New(source, sink, marks, nil)
	next, err := r.Reconcile(context.Background(), conv())
	require.NoError(t, err)

	// Siblings of a failed entry still run, but the watermark stops at the
	// last success before the failure so a later reconnect retries e2.
	require.Len(t, sink.routed, 2)
	assert.Equal(t, int64(10), next)
	assert.Equal(t, []int64{10}, marks.advanced)
}

func TestReconcile_FailedEntryRetriedOnNextReconcile(t *testing.T) {
	source := &fakeSource{entries: []transcript.Entry{
		messageEntry("e1", 10),
		messageEntry("e2", 20),
		messageEntry("e3", 30),
	}}
	sink := &fakeSink{failIDs: map[string]bool{"e2": true}}
	marks := &fakeWatermarks{}

	r := New(source, sink, marks, nil)
	_, err := r.Reconcile(context.Background(), conv())
	require.NoError(t, err)

	// The handler recovers; the next reconcile picks up from the failure.
	sink.failIDs = nil
	next, err := r.Reconcile(context.Background(), conv())
	require.NoError(t, err)

	assert.Equal(t, int64(30), next)
	routedIDs := make([]string, 0, len(sink.routed))
	for _, rt := range sink.routed {
		routedIDs = append(routedIDs, rt.identifier)
	}
	assert.Equal(t, []string{"e1", "e3", "e2", "e3"}, routedIDs)
}

func TestReconcile_FailureBeforeAnySuccessLeavesWatermarkAlone(t *testing.T) {
	source := &fakeSource{entries: []transcript.Entry{
		messageEntry("e1", 10),
		messageEntry("e2", 20),
	}}
	sink := &fakeSink{failIDs: map[string]bool{"e1": true}}
	marks := &fakeWatermarks{current: 5}

	r := New(source, sink, marks, nil)
	next, err := r.Reconcile(context.Background(), conv())
	require.NoError(t, err)

	assert.Equal(t, int64(5), next)
	assert.Empty(t, marks.advanced)
}

func TestReconcile_NothingNewLeavesWatermarkAlone(t *testing.T) {
	source := &fakeSource{entries: []transcript.Entry{messageEntry("e1", 5)}}
	sink := &fakeSink{}
	marks := &fakeWatermarks{current: 10}

	r := New(source, sink, marks, nil)
	next, err := r.Reconcile(context.Background(), conv())
	require.NoError(t, err)

	assert.Equal(t, int64(10), next)
	assert.Empty(t, sink.routed)
	assert.Empty(t, marks.advanced)
}

func TestReconcile_TranscriptFetchFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("provider unreachable")}
	r := New(source, &fakeSink{}, &fakeWatermarks{current: 10}, nil)

	_, err := r.Reconcile(context.Background(), conv())
	assert.Error(t, err)
}
