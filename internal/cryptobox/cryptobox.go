// Package cryptobox implements authenticated symmetric encryption over
// opaque strings, producing versioned envelopes: "enc:v{n}:{ciphertext}".
// Keys are fetched from a KeyVault under "{service}/encryption_key" and
// cached after first use.
package cryptobox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ignite/quote-sender/internal/keyvault"
	"github.com/ignite/quote-sender/internal/pkg/aead"
)

const (
	envelopePrefix  = "enc:v"
	currentVersion  = 1
	encryptionKeyID = "encryption_key"
)

// DecryptionError wraps a version mismatch or malformed envelope. Per the
// external interface, decryption must reject mismatched versions with a
// dedicated error kind rather than a bare wrapped AEAD error.
type DecryptionError struct {
	Envelope string
	Reason   string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("cryptobox: cannot decrypt envelope %q: %s", e.Envelope, e.Reason)
}

// ErrVaultUnavailable is returned when the KeyVault cannot supply the
// encryption key. Callers on non-error paths (e.g. audit masking) should
// degrade to masking instead of propagating this.
var ErrVaultUnavailable = errors.New("cryptobox: key vault unavailable")

// CryptoBox authenticates and encrypts opaque strings under a single named
// key per service, with its own read cache so repeated calls don't re-fetch
// from the vault.
type CryptoBox struct {
	vault   keyvault.KeyVault
	service string

	mu        sync.RWMutex
	cachedKey []byte
}

// New constructs a CryptoBox backed by vault, scoped to service. The vault
// secret consulted is "{service}/encryption_key".
func New(vault keyvault.KeyVault, service string) *CryptoBox {
	return &CryptoBox{vault: vault, service: service}
}

// InvalidateCache drops the cached encryption key. Callers must invoke this
// after any vault mutation of "{service}/encryption_key" (generate_key,
// delete_key, import_key) so the next Encrypt/Decrypt re-fetches.
func (cb *CryptoBox) InvalidateCache() {
	cb.mu.Lock()
	cb.cachedKey = nil
	cb.mu.Unlock()
}

func (cb *CryptoBox) key(ctx context.Context) ([]byte, error) {
	cb.mu.RLock()
	if cb.cachedKey != nil {
		k := cb.cachedKey
		cb.mu.RUnlock()
		return k, nil
	}
	cb.mu.RUnlock()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.cachedKey != nil {
		return cb.cachedKey, nil
	}
	key, err := cb.vault.Get(ctx, cb.service, encryptionKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	cb.cachedKey = key
	return key, nil
}

// Encrypt returns an "enc:v1:{ciphertext}" envelope over plaintext.
func (cb *CryptoBox) Encrypt(ctx context.Context, plaintext string) (string, error) {
	key, err := cb.key(ctx)
	if err != nil {
		return "", err
	}
	blob, err := aead.Seal(key, []byte(plaintext), []byte(cb.service))
	if err != nil {
		return "", fmt.Errorf("cryptobox: seal: %w", err)
	}
	return fmt.Sprintf("%s%d:%s", envelopePrefix, currentVersion, blob), nil
}

// Decrypt reverses Encrypt. A version other than currentVersion, or a
// malformed envelope, yields a *DecryptionError without touching the vault.
func (cb *CryptoBox) Decrypt(ctx context.Context, envelope string) (string, error) {
	version, blob, err := parseEnvelope(envelope)
	if err != nil {
		return "", err
	}
	if version != currentVersion {
		return "", &DecryptionError{Envelope: envelope, Reason: fmt.Sprintf("unsupported envelope version v%d", version)}
	}

	key, err := cb.key(ctx)
	if err != nil {
		return "", err
	}
	plaintext, err := aead.Open(key, blob, []byte(cb.service))
	if err != nil {
		return "", &DecryptionError{Envelope: envelope, Reason: "authentication failed"}
	}
	return string(plaintext), nil
}

func parseEnvelope(envelope string) (version int, blob string, err error) {
	if !strings.HasPrefix(envelope, envelopePrefix) {
		return 0, "", &DecryptionError{Envelope: envelope, Reason: "missing enc:v prefix"}
	}
	rest := envelope[len(envelopePrefix):]
	idx := strings.IndexByte(rest, ':')
	if idx < 0 {
		return 0, "", &DecryptionError{Envelope: envelope, Reason: "malformed envelope"}
	}
	version, err = strconv.Atoi(rest[:idx])
	if err != nil {
		return 0, "", &DecryptionError{Envelope: envelope, Reason: "non-numeric version"}
	}
	return version, rest[idx+1:], nil
}
