package keyvault

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *FileVault {
	t.Helper()
	dir := t.TempDir()
	fv, err := NewFileVault(filepath.Join(dir, "vault.enc"), filepath.Join(dir, "vault.key"))
	require.NoError(t, err)
	return fv
}

func TestFileVaultSetGet(t *testing.T) {
	ctx := context.Background()
	fv := newTestVault(t)

	require.NoError(t, fv.Set(ctx, "quote-sender", "encryption_key", []byte("super-secret")))

	got, err := fv.Get(ctx, "quote-sender", "encryption_key")
	require.NoError(t, err)
	assert.Equal(t, "super-secret", string(got))
}

func TestFileVaultGetMissingReturnsErrKeyNotFound(t *testing.T) {
	ctx := context.Background()
	fv := newTestVault(t)

	_, err := fv.Get(ctx, "quote-sender", "does_not_exist")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFileVaultDelete(t *testing.T) {
	ctx := context.Background()
	fv := newTestVault(t)

	require.NoError(t, fv.Set(ctx, "quote-sender", "recipient_hash_salt_v1", []byte("salt")))
	require.NoError(t, fv.Delete(ctx, "quote-sender", "recipient_hash_salt_v1"))

	_, err := fv.Get(ctx, "quote-sender", "recipient_hash_salt_v1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFileVaultGenerateKey(t *testing.T) {
	ctx := context.Background()
	fv := newTestVault(t)

	key, err := fv.GenerateKey(ctx, "quote-sender", "aimitsu_hmac_key_v1", 32)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	got, err := fv.Get(ctx, "quote-sender", "aimitsu_hmac_key_v1")
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestFileVaultPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "vault.enc")
	keyPath := filepath.Join(dir, "vault.key")

	fv1, err := NewFileVault(dataPath, keyPath)
	require.NoError(t, err)
	require.NoError(t, fv1.Set(ctx, "quote-sender", "idempotency_secret_v1", []byte("rotate-me")))

	fv2, err := NewFileVault(dataPath, keyPath)
	require.NoError(t, err)
	got, err := fv2.Get(ctx, "quote-sender", "idempotency_secret_v1")
	require.NoError(t, err)
	assert.Equal(t, "rotate-me", string(got))
}
