package hmachasher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/quote-sender/internal/keyvault"
)

func newTestHasher(t *testing.T) (*HmacHasher, keyvault.KeyVault) {
	t.Helper()
	dir := t.TempDir()
	fv, err := keyvault.NewFileVault(filepath.Join(dir, "vault.enc"), filepath.Join(dir, "vault.key"))
	require.NoError(t, err)
	registry := NewKeyRegistry(filepath.Join(dir, "hmac_key_registry.json"))
	return New(fv, registry, "quote-sender"), fv
}

func TestBuildAndVerifyIdempotencyToken(t *testing.T) {
	ctx := context.Background()
	h, vault := newTestHasher(t)

	_, err := vault.GenerateKey(ctx, "quote-sender", "idempotency_secret_v1", 32)
	require.NoError(t, err)

	token, err := h.BuildIdempotencyToken(ctx, "req-key-123", "v1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	matched, err := h.VerifyIdempotencyToken(ctx, "req-key-123", token, "v1", "")
	require.NoError(t, err)
	assert.Equal(t, "v1", matched)
}

func TestVerifyIdempotencyTokenAcceptsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	h, vault := newTestHasher(t)

	_, err := vault.GenerateKey(ctx, "quote-sender", "idempotency_secret_v1", 32)
	require.NoError(t, err)
	_, err = vault.GenerateKey(ctx, "quote-sender", "idempotency_secret_v2", 32)
	require.NoError(t, err)

	tokenV1, err := h.BuildIdempotencyToken(ctx, "req-key-123", "v1")
	require.NoError(t, err)

	matched, err := h.VerifyIdempotencyToken(ctx, "req-key-123", tokenV1, "v2", "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", matched, "a token minted under the previous version must still verify")
}

func TestVerifyIdempotencyTokenRejectsTwoVersionsBack(t *testing.T) {
	ctx := context.Background()
	h, vault := newTestHasher(t)

	for _, v := range []string{"v1", "v2", "v3"} {
		_, err := vault.GenerateKey(ctx, "quote-sender", "idempotency_secret_"+v, 32)
		require.NoError(t, err)
	}

	tokenV1, err := h.BuildIdempotencyToken(ctx, "req-key-123", "v1")
	require.NoError(t, err)

	matched, err := h.VerifyIdempotencyToken(ctx, "req-key-123", tokenV1, "v3", "v2")
	require.NoError(t, err)
	assert.Empty(t, matched, "a token minted two versions back must not verify")
}

func TestHashRecipientIsDeterministic(t *testing.T) {
	ctx := context.Background()
	h, vault := newTestHasher(t)
	_, err := vault.GenerateKey(ctx, "quote-sender", "recipient_hash_salt_v1", 16)
	require.NoError(t, err)

	h1, err := h.HashRecipient(ctx, "jane@example.com")
	require.NoError(t, err)
	h2, err := h.HashRecipient(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := h.HashRecipient(ctx, "other@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestHashForHistorySeedsAndUsesActiveVersion(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHasher(t)

	hash, version, err := h.HashForHistory(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, "v1", version)
	assert.NotEmpty(t, hash)

	status, err := h.VerificationStatus(version)
	require.NoError(t, err)
	assert.Equal(t, "verifiable", status)
}

func TestRotateIfDuePromotesAndRevokesPriorVersion(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHasher(t)

	_, _, err := h.HashForHistory(ctx, "jane@example.com")
	require.NoError(t, err)

	version, rotated, err := h.RotateIfDue(ctx, -1*time.Second)
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.Equal(t, "v2", version)

	status, err := h.VerificationStatus("v1")
	require.NoError(t, err)
	assert.Equal(t, "legacy_unverifiable", status)
}
