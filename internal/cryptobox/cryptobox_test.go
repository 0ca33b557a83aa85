package cryptobox

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/quote-sender/internal/keyvault"
)

func newTestBox(t *testing.T) (*CryptoBox, *keyvault.FileVault) {
	t.Helper()
	dir := t.TempDir()
	fv, err := keyvault.NewFileVault(filepath.Join(dir, "vault.enc"), filepath.Join(dir, "vault.key"))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = fv.GenerateKey(ctx, "quote-sender", "encryption_key", 32)
	require.NoError(t, err)

	return New(fv, "quote-sender"), fv
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	box, _ := newTestBox(t)

	envelope, err := box.Encrypt(ctx, "john.doe@example.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(envelope, "enc:v1:"))

	plaintext, err := box.Decrypt(ctx, envelope)
	require.NoError(t, err)
	assert.Equal(t, "john.doe@example.com", plaintext)
}

func TestDecryptRejectsUnknownVersion(t *testing.T) {
	ctx := context.Background()
	box, _ := newTestBox(t)

	_, err := box.Decrypt(ctx, "enc:v9:deadbeef")
	var decErr *DecryptionError
	require.ErrorAs(t, err, &decErr)
}

func TestDecryptRejectsMalformedEnvelope(t *testing.T) {
	ctx := context.Background()
	box, _ := newTestBox(t)

	_, err := box.Decrypt(ctx, "not-an-envelope")
	var decErr *DecryptionError
	require.ErrorAs(t, err, &decErr)
}

func TestCacheInvalidationPicksUpRotatedKey(t *testing.T) {
	ctx := context.Background()
	box, fv := newTestBox(t)

	envelope, err := box.Encrypt(ctx, "secret")
	require.NoError(t, err)

	_, err = fv.GenerateKey(ctx, "quote-sender", "encryption_key", 32)
	require.NoError(t, err)
	box.InvalidateCache()

	_, err = box.Decrypt(ctx, envelope)
	var decErr *DecryptionError
	require.ErrorAs(t, err, &decErr, "old envelope must fail to authenticate under the rotated key")
}
