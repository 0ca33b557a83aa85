// Package hmachasher implements versioned keyed hashing: the idempotency
// token minted over a request_key, the salted recipient_hash stored on
// every send event, and the rotating aimitsu_hmac_key_{version} hashes used
// in request_history records.
package hmachasher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/quote-sender/internal/keyvault"
)

const (
	idempotencySecretPrefix  = "idempotency_secret_"
	recipientHashSaltKey     = "recipient_hash_salt_v1"
	aimitsuKeyPrefix         = "aimitsu_hmac_key_"
)

// ErrSecretVersionNotFound is returned when neither the current nor
// previous secret version could be loaded from the vault.
var ErrSecretVersionNotFound = errors.New("hmachasher: secret version not found in vault")

// HmacHasher derives the keyed hashes the ledger and request history rely
// on. It owns no mutable state beyond the vault/registry it wraps.
type HmacHasher struct {
	vault    keyvault.KeyVault
	registry *KeyRegistry
	service  string
}

// New constructs an HmacHasher. service scopes vault secret names (normally
// config.HMACCredentialService, "quote-sender").
func New(vault keyvault.KeyVault, registry *KeyRegistry, service string) *HmacHasher {
	return &HmacHasher{vault: vault, registry: registry, service: service}
}

// BuildIdempotencyToken computes the keyed HMAC-SHA256 of requestKey using
// the secret stored under "idempotency_secret_{version}".
func (h *HmacHasher) BuildIdempotencyToken(ctx context.Context, requestKey, secretVersion string) (string, error) {
	key, err := h.vault.Get(ctx, h.service, idempotencySecretPrefix+secretVersion)
	if err != nil {
		return "", fmt.Errorf("%w: version %s: %v", ErrSecretVersionNotFound, secretVersion, err)
	}
	return hmacHex(key, requestKey), nil
}

// VerifyIdempotencyToken checks token against requestKey under
// currentVersion, falling back to previousVersion if that fails. It returns
// the version that matched, or "" if neither matched.
func (h *HmacHasher) VerifyIdempotencyToken(ctx context.Context, requestKey, token, currentVersion, previousVersion string) (string, error) {
	if want, err := h.BuildIdempotencyToken(ctx, requestKey, currentVersion); err == nil && hmac.Equal([]byte(want), []byte(token)) {
		return currentVersion, nil
	}
	if previousVersion == "" {
		return "", nil
	}
	if want, err := h.BuildIdempotencyToken(ctx, requestKey, previousVersion); err == nil && hmac.Equal([]byte(want), []byte(token)) {
		return previousVersion, nil
	}
	return "", nil
}

// HashRecipient computes recipient_hash = SHA-256(salt + ":" + emailNorm)
// using the per-install salt stored under "recipient_hash_salt_v1".
func (h *HmacHasher) HashRecipient(ctx context.Context, emailNorm string) (string, error) {
	salt, err := h.vault.Get(ctx, h.service, recipientHashSaltKey)
	if err != nil {
		return "", fmt.Errorf("hmachasher: recipient hash salt: %w", err)
	}
	sum := sha256.Sum256([]byte(string(salt) + ":" + emailNorm))
	return hex.EncodeToString(sum[:]), nil
}

// HashForHistory computes the request_history recipient_hashes[] entry: a
// keyed HMAC-SHA256 of emailNorm under the registry's active
// aimitsu_hmac_key_{version}, returning the hash and the version used.
func (h *HmacHasher) HashForHistory(ctx context.Context, emailNorm string) (hash, keyVersion string, err error) {
	version, err := h.registry.EnsureActive(time.Now())
	if err != nil {
		return "", "", err
	}
	key, err := h.vault.Get(ctx, h.service, aimitsuKeyPrefix+version)
	if err != nil {
		// First use of a freshly-registered version: seed it.
		key, err = h.vault.GenerateKey(ctx, h.service, aimitsuKeyPrefix+version, 32)
		if err != nil {
			return "", "", fmt.Errorf("hmachasher: seed history key %s: %w", version, err)
		}
	}
	return hmacHex(key, emailNorm), version, nil
}

// VerificationStatus reports whether a history record's hmac_key_version is
// still verifiable (its key is active) or only legacy_unverifiable (its key
// has been revoked or is not in the registry). Revoked keys never fail reads
// outright, per the rotation policy; they simply downgrade the record's trust
// level.
func (h *HmacHasher) VerificationStatus(version string) (string, error) {
	status, err := h.registry.Status(version)
	if err != nil {
		return "", err
	}
	if status != KeyStatusActive {
		return "legacy_unverifiable", nil
	}
	return "verifiable", nil
}

// RotateIfDue advances the registry's active version when it has aged past
// period, seeding a fresh vault secret for the new version.
func (h *HmacHasher) RotateIfDue(ctx context.Context, period time.Duration) (string, bool, error) {
	version, rotated, err := h.registry.RotateIfDue(time.Now(), period)
	if err != nil {
		return "", false, err
	}
	if rotated {
		if _, err := h.vault.Get(ctx, h.service, aimitsuKeyPrefix+version); err != nil {
			if _, err := h.vault.GenerateKey(ctx, h.service, aimitsuKeyPrefix+version, 32); err != nil {
				return "", false, fmt.Errorf("hmachasher: seed rotated key %s: %w", version, err)
			}
		}
	}
	return version, rotated, nil
}

func hmacHex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
