package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/resourced/internal/storage"
)

func newTestRegistry() *Registry {
	store := storage.NewMemoryStore()
	return NewRegistry(store.Collection("templates"), store.Collection("indices"))
}

func TestGetOrCreateTemplateAllocatesAboveRoot(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	id, err := r.GetOrCreateTemplate(ctx, RootID, ChildSingle, "name", nil)
	require.NoError(t, err)
	assert.Greater(t, id, RootID)

	entry, ok := r.GetTemplate(id)
	require.True(t, ok)
	assert.Equal(t, RootID, entry.ParentID)
	assert.Equal(t, "name", entry.ChildName)
}

func TestGetOrCreateTemplateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	id1, err := r.GetOrCreateTemplate(ctx, RootID, ChildSet, "m", nil)
	require.NoError(t, err)
	id2, err := r.GetOrCreateTemplate(ctx, RootID, ChildSet, "m", nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestRegistryLoadRestoresWatermark(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	tColl := store.Collection("templates")
	iColl := store.Collection("indices")

	r1 := NewRegistry(tColl, iColl)
	id, err := r1.GetOrCreateTemplate(ctx, RootID, ChildSingle, "x", nil)
	require.NoError(t, err)

	r2 := NewRegistry(tColl, iColl)
	require.NoError(t, r2.Load(ctx))

	entry, ok := r2.GetTemplate(id)
	require.True(t, ok)
	assert.Equal(t, "x", entry.ChildName)

	// Allocating a new one must not collide with the restored id.
	newID, err := r2.GetOrCreateTemplate(ctx, RootID, ChildSingle, "y", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
}
