// Package dbretry retries SQLite writes that fail with a busy or locked
// error, using exponential backoff with jitter. It is the SQLite analog of
// internal/pkg/httpretry: same backoff shape, a different trigger (SQL busy
// errors instead of HTTP 5xx/429 responses).
package dbretry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/ignite/quote-sender/internal/pkg/logger"
)

// Policy bounds the retry loop. Zero-value fields fall back to the defaults
// noted on each field; the MaxAttempts default equals config's
// dedupe_retry_attempts default.
type Policy struct {
	MaxAttempts int           // total attempts including the first, default 5
	BaseDelay   time.Duration // default 20ms
	MaxDelay    time.Duration // default 500ms
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 20 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 500 * time.Millisecond
	}
	return p
}

// Do runs fn, retrying when it fails with SQLITE_BUSY or SQLITE_LOCKED,
// until Policy.MaxAttempts is exhausted or ctx is cancelled. Any other error
// is returned immediately without retry.
func Do(ctx context.Context, policy Policy, op string, fn func() error) error {
	policy = policy.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.BaseDelay
	bo.MaxInterval = policy.MaxDelay
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	attempt := 0
	var lastErr error
	for {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isBusy(err) {
			return err
		}
		if attempt >= policy.MaxAttempts {
			return errors.Join(lastErr, errors.New("dbretry: "+op+": exhausted retries"))
		}

		delay := bo.NextBackOff()
		logger.Debug("dbretry.retry", "op", op, "attempt", attempt, "delay_ms", delay.Milliseconds())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// isBusy reports whether err is (or wraps) a SQLITE_BUSY or SQLITE_LOCKED
// condition, the two transient lock-contention errors go-sqlite3 surfaces.
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
