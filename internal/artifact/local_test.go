package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_PutGet(t *testing.T) {
	store := NewLocalStore(t.TempDir(), StaticKeyring(nil))
	ctx := context.Background()

	data := []byte("resource \"bucket\" { acl = \"private\" }")
	id, err := store.Put(ctx, data)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalStore_ContentAddressed(t *testing.T) {
	store := NewLocalStore(t.TempDir(), StaticKeyring(nil))
	ctx := context.Background()

	id1, err := store.Put(ctx, []byte("same content"))
	require.NoError(t, err)
	id2, err := store.Put(ctx, []byte("same content"))
	require.NoError(t, err)
	id3, err := store.Put(ctx, []byte("other content"))
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
}

func TestLocalStore_Encrypted(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir, StaticKeyring([]byte("0123456789abcdef0123456789abcdef")))
	ctx := context.Background()

	data := []byte("secret deployment payload")
	id, err := store.Put(ctx, data)
	require.NoError(t, err)

	// On-disk representation must not contain the plaintext
	raw, err := os.ReadFile(filepath.Join(dir, id[:2], id))
	require.NoError(t, err)
	assert.True(t, isEncrypted(raw))
	assert.NotContains(t, string(raw), "secret deployment payload")

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalStore_WrongKeyFails(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := NewLocalStore(dir, StaticKeyring([]byte("0123456789abcdef0123456789abcdef")))
	id, err := store.Put(ctx, []byte("payload"))
	require.NoError(t, err)

	other := NewLocalStore(dir, StaticKeyring([]byte("fedcba9876543210fedcba9876543210")))
	_, err = other.Get(ctx, id)
	require.Error(t, err)
}

func TestLocalStore_TamperEvidence(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir, StaticKeyring(nil))
	ctx := context.Background()

	id, err := store.Put(ctx, []byte("original"))
	require.NoError(t, err)

	// Corrupt the stored blob behind the store's back
	path := filepath.Join(dir, id[:2], id)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0600))

	_, err = store.Get(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content verification")
}

func TestKMSKeyring_RejectsMalformedDataKey(t *testing.T) {
	// Fails before the KMS client is ever consulted.
	k := NewKMSKeyring(nil, "%%not-base64%%")
	_, err := k.Key(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestLocalStore_GetMissing(t *testing.T) {
	store := NewLocalStore(t.TempDir(), StaticKeyring(nil))

	_, err := store.Get(context.Background(), "deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
