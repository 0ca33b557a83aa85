// Package keyvault implements a process-agnostic secret store: named
// secrets tied to a service identifier, sealed at rest so the filesystem
// never holds plaintext key material.
package keyvault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ignite/quote-sender/internal/pkg/aead"
)

// ErrKeyNotFound is returned by Get when no secret exists under the given
// service/name pair.
var ErrKeyNotFound = errors.New("keyvault: key not found")

// KeyVault is a process-agnostic secret store: get/set/delete named secrets
// tied to a service identifier. Implementations must be safe for concurrent
// use; callers pass a ctx so a future networked backend (e.g. a real OS
// keyring daemon) can honor cancellation, though FileVault itself is
// synchronous.
type KeyVault interface {
	Get(ctx context.Context, service, name string) ([]byte, error)
	Set(ctx context.Context, service, name string, value []byte) error
	Delete(ctx context.Context, service, name string) error
	GenerateKey(ctx context.Context, service, name string, size int) ([]byte, error)
	ImportKey(ctx context.Context, service, name string, value []byte) error
}

type vaultFile struct {
	Secrets map[string]map[string]string `json:"secrets"` // service -> name -> base64(value)
}

// FileVault is a single-host KeyVault that seals its entire secret table as
// one AEAD-encrypted blob on disk. The root key protecting that blob lives
// in a sibling file with restrictive permissions -- the one piece of key
// material that is necessarily at rest in the clear, the same bootstrap
// trade-off every local secret store makes.
type FileVault struct {
	mu       sync.Mutex
	dataPath string
	rootKey  []byte
	cache    *vaultFile
}

// NewFileVault opens (or creates) a sealed secret store at dataPath, whose
// root key lives at keyPath. Both files are created with 0600 permissions
// on first use.
func NewFileVault(dataPath, keyPath string) (*FileVault, error) {
	rootKey, err := loadOrCreateRootKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("keyvault: root key: %w", err)
	}
	fv := &FileVault{dataPath: dataPath, rootKey: rootKey}
	if _, err := fv.load(); err != nil {
		return nil, err
	}
	return fv, nil
}

func loadOrCreateRootKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == aead.KeySize {
		return data, nil
	}
	key, err := aead.NewKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, err
	}
	return key, nil
}

func (fv *FileVault) load() (*vaultFile, error) {
	if fv.cache != nil {
		return fv.cache, nil
	}
	blob, err := os.ReadFile(fv.dataPath)
	if os.IsNotExist(err) {
		vf := &vaultFile{Secrets: map[string]map[string]string{}}
		fv.cache = vf
		return vf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyvault: read store: %w", err)
	}
	plaintext, err := aead.Open(fv.rootKey, string(blob), []byte("quote-sender/vault"))
	if err != nil {
		return nil, fmt.Errorf("keyvault: open store: %w", err)
	}
	var vf vaultFile
	if err := json.Unmarshal(plaintext, &vf); err != nil {
		return nil, fmt.Errorf("keyvault: decode store: %w", err)
	}
	if vf.Secrets == nil {
		vf.Secrets = map[string]map[string]string{}
	}
	fv.cache = &vf
	return &vf, nil
}

func (fv *FileVault) persist(vf *vaultFile) error {
	plaintext, err := json.Marshal(vf)
	if err != nil {
		return fmt.Errorf("keyvault: encode store: %w", err)
	}
	blob, err := aead.Seal(fv.rootKey, plaintext, []byte("quote-sender/vault"))
	if err != nil {
		return fmt.Errorf("keyvault: seal store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(fv.dataPath), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(fv.dataPath, []byte(blob), 0600); err != nil {
		return fmt.Errorf("keyvault: write store: %w", err)
	}
	fv.cache = vf
	return nil
}

// Get returns the raw secret bytes stored under service/name.
func (fv *FileVault) Get(_ context.Context, service, name string) ([]byte, error) {
	fv.mu.Lock()
	defer fv.mu.Unlock()

	vf, err := fv.load()
	if err != nil {
		return nil, err
	}
	enc, ok := vf.Secrets[service][name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, service, name)
	}
	return decodeSecret(enc)
}

// Set stores value under service/name, overwriting any existing secret.
func (fv *FileVault) Set(_ context.Context, service, name string, value []byte) error {
	fv.mu.Lock()
	defer fv.mu.Unlock()

	vf, err := fv.load()
	if err != nil {
		return err
	}
	if vf.Secrets[service] == nil {
		vf.Secrets[service] = map[string]string{}
	}
	vf.Secrets[service][name] = encodeSecret(value)
	return fv.persist(vf)
}

// Delete removes the secret stored under service/name, if any.
func (fv *FileVault) Delete(_ context.Context, service, name string) error {
	fv.mu.Lock()
	defer fv.mu.Unlock()

	vf, err := fv.load()
	if err != nil {
		return err
	}
	delete(vf.Secrets[service], name)
	return fv.persist(vf)
}

// GenerateKey creates size random bytes, stores them under service/name,
// and returns the generated value.
func (fv *FileVault) GenerateKey(ctx context.Context, service, name string, size int) ([]byte, error) {
	key := make([]byte, size)
	if err := randRead(key); err != nil {
		return nil, fmt.Errorf("keyvault: generate key: %w", err)
	}
	if err := fv.Set(ctx, service, name, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ImportKey stores externally-provided key material under service/name. It
// is semantically identical to Set; the distinct name matches the vault
// vocabulary's generate/import/delete trio.
func (fv *FileVault) ImportKey(ctx context.Context, service, name string, value []byte) error {
	return fv.Set(ctx, service, name, value)
}
