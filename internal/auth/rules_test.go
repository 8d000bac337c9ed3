package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/resourced/internal/storage"
)

func TestResolveOwnerWideDenyWins(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rules := store.RuleStore()
	require.NoError(t, SetRule(ctx, rules, "alice", Wildcard, Wildcard, "bob", Deny))
	require.NoError(t, SetRule(ctx, rules, "alice", "appState", "x", "bob", Allow))

	r := NewResolver(rules, Options{})
	verdict, err := r.Resolve(ctx, "alice", KindAppState, "appState", "x", "bob")
	require.NoError(t, err)
	assert.Equal(t, Deny, verdict)
}

func TestResolveSpecificRuleOverridesDefault(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rules := store.RuleStore()
	require.NoError(t, SetRule(ctx, rules, "alice", "appState", "x", "bob", Allow))

	r := NewResolver(rules, Options{})
	verdict, err := r.Resolve(ctx, "alice", KindAppState, "appState", "x", "bob")
	require.NoError(t, err)
	assert.Equal(t, Allow, verdict)
}

func TestResolveOwnerWideExplicitAllow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rules := store.RuleStore()
	require.NoError(t, SetRule(ctx, rules, "alice", Wildcard, Wildcard, "bob", Allow))

	r := NewResolver(rules, Options{})
	verdict, err := r.Resolve(ctx, "alice", KindAppState, "appState", "other", "bob")
	require.NoError(t, err)
	assert.Equal(t, Allow, verdict)
}

func TestResolveOwnerImplicitAllow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rules := store.RuleStore()

	r := NewResolver(rules, Options{OwnerImplicitAllow: true})
	verdict, err := r.Resolve(ctx, "alice", KindAppState, "appState", "x", "alice")
	require.NoError(t, err)
	assert.Equal(t, Allow, verdict)
}

func TestResolvePublicDataAccessAllowsTableAndMetadata(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rules := store.RuleStore()

	r := NewResolver(rules, Options{PublicDataAccess: true})

	verdict, err := r.Resolve(ctx, "alice", KindTable, "table", "x", "bob")
	require.NoError(t, err)
	assert.Equal(t, Allow, verdict)

	verdict, err = r.Resolve(ctx, "alice", KindMetadata, "metadata", "metadata", "bob")
	require.NoError(t, err)
	assert.Equal(t, Allow, verdict)

	verdict, err = r.Resolve(ctx, "alice", KindAppState, "appState", "x", "bob")
	require.NoError(t, err)
	assert.Equal(t, Deny, verdict)
}

func TestResolveDefaultDeny(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	r := NewResolver(store.RuleStore(), Options{})

	verdict, err := r.Resolve(ctx, "alice", KindAppState, "appState", "x", "bob")
	require.NoError(t, err)
	assert.Equal(t, Deny, verdict)
}

func TestResolveWildcardAccessor(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rules := store.RuleStore()
	require.NoError(t, SetRule(ctx, rules, "alice", "appState", "x", Wildcard, Allow))

	r := NewResolver(rules, Options{})
	verdict, err := r.Resolve(ctx, "alice", KindAppState, "appState", "x", "anyone")
	require.NoError(t, err)
	assert.Equal(t, Allow, verdict)
}
