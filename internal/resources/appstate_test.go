package resources

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/resourced/internal/logger"
	"github.com/syncmesh/resourced/internal/storage"
)

type recordingSubscriber struct {
	updates chan Update
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{updates: make(chan Update, 16)}
}

func (s *recordingSubscriber) Notify(u Update) { s.updates <- u }

func (s *recordingSubscriber) awaitUpdate(t *testing.T) Update {
	t.Helper()
	select {
	case u := <-s.updates:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewManager(store, logger.New("resources-test", "test"), ExternalConfig{})
}

func TestAppStateWriteAndRead(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	r, err := m.GetOrCreateAppState(ctx, "alice", "todo")
	require.NoError(t, err)

	sub := newRecordingSubscriber()
	subID, err := r.Subscribe(ctx, sub)
	require.NoError(t, err)

	ack, rev, err := r.Write(ctx, subID, map[string]WriteElement{
		"1:1:title": {Value: json.RawMessage(`"buy milk"`)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
	assert.NotNil(t, ack)

	elements, lastRev, err := r.GetAllElements(ctx, nil)
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, "1:1:title", elements[0].Ident)
	assert.Equal(t, int64(1), lastRev)
}

func TestAppStateWriteNotifiesOtherSubscribersNotWriter(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	r, err := m.GetOrCreateAppState(ctx, "alice", "todo")
	require.NoError(t, err)

	writer := newRecordingSubscriber()
	writerID, err := r.Subscribe(ctx, writer)
	require.NoError(t, err)

	other := newRecordingSubscriber()
	_, err = r.Subscribe(ctx, other)
	require.NoError(t, err)

	_, _, err = r.Write(ctx, writerID, map[string]WriteElement{
		"1:1:title": {Value: json.RawMessage(`"x"`)},
	})
	require.NoError(t, err)

	update := other.awaitUpdate(t)
	assert.Equal(t, int64(1), update.Revision)

	select {
	case <-writer.updates:
		t.Fatal("writer should not be notified: AppState has alsoNotifyWriter=false")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAppStateDeletionSentinelMarksTombstone(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	r, err := m.GetOrCreateAppState(ctx, "alice", "todo")
	require.NoError(t, err)

	_, _, err = r.Write(ctx, 0, map[string]WriteElement{"1:1:x": {Value: json.RawMessage(`"v"`)}})
	require.NoError(t, err)
	_, rev2, err := r.Write(ctx, 0, map[string]WriteElement{"1:1:x": {Deleted: true}})
	require.NoError(t, err)

	elements, _, err := r.GetAllElements(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, elements, "a full snapshot must exclude deleted elements")

	incremental, _, err := r.GetAllElements(ctx, int64Ptr(0))
	require.NoError(t, err)
	require.Len(t, incremental, 1)
	assert.True(t, incremental[0].Deleted)
	assert.Equal(t, rev2, incremental[0].Revision)
}

func TestAppStateRevisionsMonotonicAcrossWrites(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	r, err := m.GetOrCreateAppState(ctx, "alice", "todo")
	require.NoError(t, err)

	_, rev1, err := r.Write(ctx, 0, map[string]WriteElement{"1:1:a": {Value: json.RawMessage("1")}})
	require.NoError(t, err)
	_, rev2, err := r.Write(ctx, 0, map[string]WriteElement{"1:1:b": {Value: json.RawMessage("2")}})
	require.NoError(t, err)
	assert.Greater(t, rev2, rev1)
}

func int64Ptr(v int64) *int64 { return &v }
