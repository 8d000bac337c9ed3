package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/resourced/internal/storage"
)

func TestParseBearerRoundTrip(t *testing.T) {
	user, password, err := ParseBearer("Bearer dXNlcjpwYXNz")
	require.NoError(t, err)
	assert.Equal(t, "user", user)
	assert.Equal(t, "pass", password)
}

func TestParseBearerMalformed(t *testing.T) {
	_, _, err := ParseBearer("Basic dXNlcjpwYXNz")
	require.Error(t, err)
}

func TestFileCredentialStoreVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")
	require.NoError(t, os.WriteFile(path, []byte("alice:secret\nbob:hunter2\n"), 0o600))

	store := NewFileCredentialStore(path, false)
	require.NoError(t, store.Verify(context.Background(), "alice", "secret"))
	require.ErrorIs(t, store.Verify(context.Background(), "alice", "wrong"), ErrInvalidCredentials)
	require.ErrorIs(t, store.Verify(context.Background(), "nobody", "x"), ErrInvalidCredentials)
}

func TestFileCredentialStoreCreateRequiresAllowAddingUsers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o600))

	store := NewFileCredentialStore(path, false)
	err := store.Create(context.Background(), "alice", "secret", "alice@example.com")
	require.ErrorIs(t, err, ErrAddingUsersDisabled)
}

func TestFileCredentialStoreCreateAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o600))

	store := NewFileCredentialStore(path, true)
	require.NoError(t, store.Create(context.Background(), "alice", "secret", "alice@example.com"))
	require.NoError(t, store.Verify(context.Background(), "alice", "secret"))
}

func TestDBCredentialStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	store := NewDBCredentialStore(mem.CredentialRecords(), true, 4096)

	require.NoError(t, store.Create(ctx, "alice", "secret", "alice@example.com"))
	require.NoError(t, store.Verify(ctx, "alice", "secret"))
	require.ErrorIs(t, store.Verify(ctx, "alice", "wrong"), ErrInvalidCredentials)
	require.ErrorIs(t, store.Verify(ctx, "nobody", "x"), ErrInvalidCredentials)
}

func TestDBCredentialStoreCreateRequiresAllowAddingUsers(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	store := NewDBCredentialStore(mem.CredentialRecords(), false, 4096)

	err := store.Create(ctx, "alice", "secret", "alice@example.com")
	require.ErrorIs(t, err, ErrAddingUsersDisabled)
}

// mismatchedRecordStore always returns a record whose User field differs
// from the queried username, simulating a backend keyed loosely enough to
// let that happen; Verify must still reject it (spec.md §4.5: "the
// username from the record must match the claimed username").
type mismatchedRecordStore struct {
	rec storage.CredentialRecord
}

func (m mismatchedRecordStore) Get(context.Context, string) (*storage.CredentialRecord, error) {
	rec := m.rec
	return &rec, nil
}

func (m mismatchedRecordStore) Put(context.Context, storage.CredentialRecord) error { return nil }

func TestDBCredentialStoreUsernameMismatchDenied(t *testing.T) {
	ctx := context.Background()
	backing := storage.NewMemoryStore()
	seed := NewDBCredentialStore(backing.CredentialRecords(), true, 4096)
	require.NoError(t, seed.Create(ctx, "alice", "secret", ""))
	rec, err := backing.CredentialRecords().Get(ctx, "alice")
	require.NoError(t, err)

	store := NewDBCredentialStore(mismatchedRecordStore{rec: *rec}, true, 4096)
	require.ErrorIs(t, store.Verify(ctx, "mallory", "secret"), ErrInvalidCredentials)
}
