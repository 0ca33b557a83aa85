// Package aead wraps chacha20poly1305 into a small sealed-blob helper shared
// by the key vault (sealing its on-disk secret store) and the crypto box
// (sealing envelope ciphertexts). It deliberately knows nothing about the
// "enc:v{n}:" envelope format; callers own versioning and prefixing.
package aead

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length for Seal/Open.
const KeySize = chacha20poly1305.KeySize

// ErrInvalidBlob is returned when Open receives a blob too short to contain
// a nonce, or one that fails authentication.
var ErrInvalidBlob = errors.New("aead: invalid or tampered blob")

// NewKey returns KeySize random bytes suitable for Seal/Open.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("aead: generate key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key and returns base64(nonce || ciphertext).
// The associated data, if non-empty, is authenticated but not encrypted.
func Seal(key, plaintext, associatedData []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("aead: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("aead: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, associatedData)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal, verifying authenticity before returning the plaintext.
func Open(key []byte, blob string, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("aead: init cipher: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, ErrInvalidBlob
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, ErrInvalidBlob
	}
	return plaintext, nil
}
