package hmachasher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// KeyStatus is the lifecycle state of one registry version.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRevoked KeyStatus = "revoked"
)

// KeyEntry is one version's registry metadata. Secret bytes themselves live
// in the vault under "aimitsu_hmac_key_{version}"; this file only tracks
// which versions exist and their lifecycle.
type KeyEntry struct {
	CreatedAtUTC time.Time `json:"created_at_utc"`
	Status       KeyStatus `json:"status"`
}

// registryFile is the on-disk shape of hmac_key_registry.json.
type registryFile struct {
	ActiveVersion string              `json:"active_version"`
	Keys          map[string]KeyEntry `json:"keys"`
}

// KeyRegistry tracks HMAC key versions for the aimitsu_hmac_key_{version}
// vault namespace: which version is active, each version's creation time
// and revocation status.
type KeyRegistry struct {
	mu   sync.Mutex
	path string
}

// NewKeyRegistry opens (or prepares to create) the registry file at path.
func NewKeyRegistry(path string) *KeyRegistry {
	return &KeyRegistry{path: path}
}

func (r *KeyRegistry) read() (*registryFile, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return &registryFile{Keys: map[string]KeyEntry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hmachasher: read registry: %w", err)
	}
	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("hmachasher: decode registry: %w", err)
	}
	if rf.Keys == nil {
		rf.Keys = map[string]KeyEntry{}
	}
	return &rf, nil
}

func (r *KeyRegistry) write(rf *registryFile) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("hmachasher: encode registry: %w", err)
	}
	return os.WriteFile(r.path, data, 0600)
}

// ActiveVersion returns the current active key version (e.g. "v3"), or ""
// if the registry has never been initialized.
func (r *KeyRegistry) ActiveVersion() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.read()
	if err != nil {
		return "", err
	}
	return rf.ActiveVersion, nil
}

// Status reports the lifecycle status of version, or an empty status if
// unknown.
func (r *KeyRegistry) Status(version string) (KeyStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.read()
	if err != nil {
		return "", err
	}
	return rf.Keys[version].Status, nil
}

// EnsureActive returns the active version, creating "v1" if the registry is
// empty.
func (r *KeyRegistry) EnsureActive(now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.read()
	if err != nil {
		return "", err
	}
	if rf.ActiveVersion != "" {
		return rf.ActiveVersion, nil
	}
	rf.ActiveVersion = "v1"
	rf.Keys["v1"] = KeyEntry{CreatedAtUTC: now.UTC(), Status: KeyStatusActive}
	if err := r.write(rf); err != nil {
		return "", err
	}
	return "v1", nil
}

// RotateIfDue promotes a new version to active when the current active
// version is older than period, revoking the prior active version.
// Returns (newVersion, rotated bool, error). A caller still needs to seed
// the vault secret for the returned version via KeyVault.GenerateKey.
func (r *KeyRegistry) RotateIfDue(now time.Time, period time.Duration) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rf, err := r.read()
	if err != nil {
		return "", false, err
	}
	if rf.ActiveVersion == "" {
		rf.ActiveVersion = "v1"
		rf.Keys["v1"] = KeyEntry{CreatedAtUTC: now.UTC(), Status: KeyStatusActive}
		if err := r.write(rf); err != nil {
			return "", false, err
		}
		return "v1", true, nil
	}

	active := rf.Keys[rf.ActiveVersion]
	if now.Sub(active.CreatedAtUTC) < period {
		return rf.ActiveVersion, false, nil
	}

	nextVersion := nextVersionAfter(rf.ActiveVersion)
	active.Status = KeyStatusRevoked
	rf.Keys[rf.ActiveVersion] = active
	rf.Keys[nextVersion] = KeyEntry{CreatedAtUTC: now.UTC(), Status: KeyStatusActive}
	rf.ActiveVersion = nextVersion

	if err := r.write(rf); err != nil {
		return "", false, err
	}
	return nextVersion, true, nil
}

func nextVersionAfter(version string) string {
	n, err := strconv.Atoi(strings.TrimPrefix(version, "v"))
	if err != nil {
		return "v1"
	}
	return "v" + strconv.Itoa(n+1)
}

// PreviousVersion returns the version immediately preceding the given
// version among all versions the registry knows about (by creation time),
// or "" if there is none.
func (r *KeyRegistry) PreviousVersion(version string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.read()
	if err != nil {
		return "", err
	}
	type kv struct {
		version string
		created time.Time
	}
	var all []kv
	for v, e := range rf.Keys {
		all = append(all, kv{v, e.CreatedAtUTC})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].created.Before(all[j].created) })

	for i, e := range all {
		if e.version == version && i > 0 {
			return all[i-1].version, nil
		}
	}
	return "", nil
}
