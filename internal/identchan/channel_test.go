package identchan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/resourced/internal/identity"
	"github.com/syncmesh/resourced/internal/storage"
)

func newTestChannel(t *testing.T) (*Channel, *identity.Registry) {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := identity.NewRegistry(store.Collection("templates"), store.Collection("indices"))
	return New(reg), reg
}

func TestDefineTemplateTopologicalOrder(t *testing.T) {
	ctx := context.Background()
	ch, reg := newTestChannel(t)

	parentID, err := reg.GetOrCreateTemplate(ctx, identity.RootID, identity.ChildSingle, "parent", nil)
	require.NoError(t, err)
	childID, err := reg.GetOrCreateTemplate(ctx, parentID, identity.ChildSingle, "child", nil)
	require.NoError(t, err)

	require.NoError(t, ch.DefineTemplate(childID))

	templates, _ := ch.DrainPending()
	require.Len(t, templates, 2)
	assert.Equal(t, parentID, templates[0])
	assert.Equal(t, childID, templates[1])
}

func TestDefineTemplateIdempotent(t *testing.T) {
	ctx := context.Background()
	ch, reg := newTestChannel(t)

	id, err := reg.GetOrCreateTemplate(ctx, identity.RootID, identity.ChildSingle, "m", nil)
	require.NoError(t, err)

	require.NoError(t, ch.DefineTemplate(id))
	require.NoError(t, ch.DefineTemplate(id))

	templates, _ := ch.DrainPending()
	assert.Len(t, templates, 1)
}

func TestTranslateTemplateUnknownFails(t *testing.T) {
	ch, _ := newTestChannel(t)
	_, err := ch.TranslateTemplate(999)
	require.Error(t, err)
}

func TestAddRemoteTemplateDefinitionRequiresParentDefined(t *testing.T) {
	ctx := context.Background()
	ch, _ := newTestChannel(t)

	_, err := ch.AddRemoteTemplateDefinition(ctx, RemoteTemplateDef{
		RemoteID: 5, ParentID: 99, ChildType: identity.ChildSingle, ChildName: "x",
	})
	require.Error(t, err)
}

func TestAddRemoteTemplateDefinitionUnderRoot(t *testing.T) {
	ctx := context.Background()
	ch, _ := newTestChannel(t)

	localID, err := ch.AddRemoteTemplateDefinition(ctx, RemoteTemplateDef{
		RemoteID: 5, ParentID: identity.RootID, ChildType: identity.ChildSingle, ChildName: "x",
	})
	require.NoError(t, err)
	assert.Greater(t, localID, identity.RootID)

	got, err := ch.TranslateTemplate(5)
	require.NoError(t, err)
	assert.Equal(t, localID, got)
}

func TestResetClearsState(t *testing.T) {
	ctx := context.Background()
	ch, reg := newTestChannel(t)

	id, err := reg.GetOrCreateTemplate(ctx, identity.RootID, identity.ChildSingle, "m", nil)
	require.NoError(t, err)
	require.NoError(t, ch.DefineTemplate(id))

	ch.Reset()

	// Root is still implicitly defined, but id's define must be re-queued.
	require.NoError(t, ch.DefineTemplate(id))
	templates, _ := ch.DrainPending()
	assert.Equal(t, []int64{id}, templates)
}
