package resources

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarioTwoClientsLiveReplication is spec.md §8 scenario 1: two
// subscribers to the same app-state resource observe each other's writes
// with monotonically assigned revisions.
func TestScenarioTwoClientsLiveReplication(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	r, err := m.GetOrCreateAppState(ctx, "u", "x")
	require.NoError(t, err)

	a := newRecordingSubscriber()
	aID, err := r.Subscribe(ctx, a)
	require.NoError(t, err)
	b := newRecordingSubscriber()
	_, err = r.Subscribe(ctx, b)
	require.NoError(t, err)

	_, rev1, err := r.Write(ctx, aID, map[string]WriteElement{"k": {Value: json.RawMessage("1")}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev1)
	update := b.awaitUpdate(t)
	assert.Equal(t, int64(1), update.Revision)
	assert.Equal(t, json.RawMessage("1"), update.Elements[0].Value)

	_, rev2, err := r.Write(ctx, aID, map[string]WriteElement{"k": {Value: json.RawMessage("2")}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev2)
	b.awaitUpdate(t)

	bID, err := r.Subscribe(ctx, b)
	require.NoError(t, err)
	_, rev3, err := r.Write(ctx, bID, map[string]WriteElement{"k": {Value: json.RawMessage("3")}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), rev3)

	elements, lastRev, err := r.GetAllElements(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), lastRev)
	require.Len(t, elements, 1)
	assert.Equal(t, json.RawMessage("3"), elements[0].Value)
}

// TestScenarioReconnectWithInFlightWrite is spec.md §8 scenario 2.
func TestScenarioReconnectWithInFlightWrite(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	r, err := m.GetOrCreateAppState(ctx, "u", "x")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, _, err := r.Write(ctx, 0, map[string]WriteElement{"warmup": {Value: json.RawMessage("0")}})
		require.NoError(t, err)
	}
	_, rev, err := r.Write(ctx, 0, map[string]WriteElement{"k": {Value: json.RawMessage("1")}})
	require.NoError(t, err)
	require.Equal(t, int64(7), rev)

	_, rev8, err := r.Write(ctx, 0, map[string]WriteElement{"k": {Value: json.RawMessage("9")}})
	require.NoError(t, err)
	require.Equal(t, int64(8), rev8)

	elements, lastRev, err := r.GetAllElements(ctx, int64Ptr(7))
	require.NoError(t, err)
	assert.Equal(t, int64(8), lastRev)
	require.Len(t, elements, 1)
	assert.Equal(t, "k", elements[0].Ident)
	assert.Equal(t, json.RawMessage("9"), elements[0].Value)
	assert.Equal(t, int64(8), elements[0].Revision)
}

// TestScenarioTableReplaceSingleUpdateMessage is spec.md §8 scenario 3.
func TestScenarioTableReplaceSingleUpdateMessage(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	r, err := m.GetOrCreateTable(ctx, "app1", []string{"t"})
	require.NoError(t, err)

	sub := newRecordingSubscriber()
	_, err = r.Subscribe(ctx, sub)
	require.NoError(t, err)

	mapping, _ := json.Marshal(ColumnMapping{RowCount: 3, ColumnPaths: []string{"a"}})
	_, _, err = r.Write(ctx, 0, map[string]WriteElement{
		"":  {Value: mapping},
		"a": {Value: json.RawMessage(`[10,20,30]`)},
	})
	require.NoError(t, err)

	update := sub.awaitUpdate(t)
	require.Len(t, update.Elements, 2, "both records arrive in a single resourceUpdate at the same revision")
	for _, e := range update.Elements {
		assert.Equal(t, update.Revision, e.Revision)
	}
}

// TestBoundaryEmptyWriteDoesNotIncrementRevision is spec.md §8: an empty
// write is accepted but leaves the revision counter untouched and emits
// no notification.
func TestBoundaryEmptyWriteDoesNotIncrementRevision(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	r, err := m.GetOrCreateAppState(ctx, "u", "x")
	require.NoError(t, err)

	sub := newRecordingSubscriber()
	_, err = r.Subscribe(ctx, sub)
	require.NoError(t, err)

	_, rev, err := r.Write(ctx, 0, map[string]WriteElement{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), rev, "an empty write does not allocate a new revision")

	elements, _, err := r.GetAllElements(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, elements)
}

func TestBoundaryDeleteNonexistentIdentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	r, err := m.GetOrCreateAppState(ctx, "u", "x")
	require.NoError(t, err)

	_, _, err = r.Write(ctx, 0, map[string]WriteElement{"ghost": {Deleted: true}})
	require.NoError(t, err)
	_, _, err = r.Write(ctx, 0, map[string]WriteElement{"ghost": {Deleted: true}})
	require.NoError(t, err)

	elements, _, err := r.GetAllElements(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, elements)
}
