package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// NewLock creates a distributed lock using the best available backend.
// If redisClient is non-nil, uses Redis (preferred for cross-host locking,
// e.g. when the rerun-override admin CLI runs against a shared Redis).
// Otherwise falls back to a SQLite primary-key-contention lock on db, the
// same mechanism the send ledger itself uses for reserve_send.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewSQLiteLock(db, key, ttl)
}

// =============================================================================
// SQLite primary-key-contention lock (used when no Redis is configured)
// =============================================================================
// A single-host alternative to the Redis backend: an upsert into a table
// keyed on lock_key either writes the row (lock acquired) or, when a live row
// already holds the key, changes nothing (lock held). Expired rows are reclaimed opportunistically
// on the next Acquire attempt, mirroring Redis's TTL expiration since SQLite
// has no native per-row expiry.

const createDistLockTableSQL = `
CREATE TABLE IF NOT EXISTS dist_locks (
	lock_key    TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	acquired_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
)`

// SQLiteLock implements DistLock by contending on a row's PRIMARY KEY.
type SQLiteLock struct {
	db    *sql.DB
	key   string
	owner string
	ttl   time.Duration
}

// NewSQLiteLock creates a lock keyed by key, backed by db. db must be a
// connection to the same SQLite file the send ledger uses so that lock
// contention is visible across processes sharing that file.
func NewSQLiteLock(db *sql.DB, key string, ttl time.Duration) *SQLiteLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &SQLiteLock{
		db:    db,
		key:   key,
		owner: hex.EncodeToString(b),
		ttl:   ttl,
	}
}

// Acquire tries to insert the lock row; if a stale row (past its
// expires_at) already occupies the key, it reclaims it in the same
// transaction instead of failing.
func (l *SQLiteLock) Acquire(ctx context.Context) (bool, error) {
	if _, err := l.db.ExecContext(ctx, createDistLockTableSQL); err != nil {
		return false, fmt.Errorf("distlock: ensure table: %w", err)
	}

	now := time.Now().Unix()
	expiresAt := time.Now().Add(l.ttl).Unix()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("distlock: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO dist_locks (lock_key, owner, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(lock_key) DO UPDATE SET
		   owner = excluded.owner,
		   acquired_at = excluded.acquired_at,
		   expires_at = excluded.expires_at
		 WHERE dist_locks.expires_at < ?`,
		l.key, l.owner, now, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("distlock: acquire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("distlock: rows affected: %w", err)
	}
	if n == 0 {
		return false, tx.Commit()
	}
	return true, tx.Commit()
}

// Release deletes the lock row only if we still own it.
func (l *SQLiteLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM dist_locks WHERE lock_key = ? AND owner = ?`, l.key, l.owner)
	if err != nil {
		return fmt.Errorf("distlock: release: %w", err)
	}
	return nil
}
