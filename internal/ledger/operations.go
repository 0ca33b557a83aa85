package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/quote-sender/internal/pkg/dbretry"
)

// CleanupOnBatchStart deletes events past retentionDays, locks stuck in
// IN_PROGRESS past max(24h, rerunWindowH), locks stuck in UNKNOWN_SENT past
// max(unknownHoldS, 1800s), and expired overrides. Runs as one transaction
// per table group.
func (l *SendLedger) CleanupOnBatchStart(ctx context.Context, retentionDays, rerunWindowH, unknownHoldS int) error {
	now := time.Now().UTC()
	retentionCutoff := now.AddDate(0, 0, -retentionDays).Unix()

	inProgressWindow := time.Duration(rerunWindowH) * time.Hour
	if inProgressWindow < 24*time.Hour {
		inProgressWindow = 24 * time.Hour
	}
	inProgressCutoff := now.Add(-inProgressWindow).Unix()

	unknownWindow := time.Duration(unknownHoldS) * time.Second
	if unknownWindow < 1800*time.Second {
		unknownWindow = 1800 * time.Second
	}
	unknownCutoff := now.Add(-unknownWindow).Unix()

	return dbretry.Do(ctx, l.retryPolicy, "cleanup_on_batch_start", func() error {
		tx, err := l.mainDB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM send_events WHERE created_at < ?`, retentionCutoff); err != nil {
			return fmt.Errorf("cleanup events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM send_locks WHERE status = ? AND expires_at < ?`,
			string(StatusInProgress), inProgressCutoff); err != nil {
			return fmt.Errorf("cleanup in_progress locks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM send_locks WHERE status = ? AND expires_at < ?`,
			string(StatusUnknownSent), unknownCutoff); err != nil {
			return fmt.Errorf("cleanup unknown_sent locks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM rerun_overrides WHERE expires_at < ?`, now.Unix()); err != nil {
			return fmt.Errorf("cleanup overrides: %w", err)
		}
		return tx.Commit()
	})
}

// ReserveInput is the identity and TTL for a reservation attempt.
type ReserveInput struct {
	RequestKey               string
	V1Key                    string
	KeyVersion               string
	MailKey                  string
	RunID                    string
	RecipientHash            string
	SubjectNorm              string
	IdempotencyToken         string
	IdempotencySecretVersion string
	TTLSec                   int
}

// ReserveSend acquires the IN_PROGRESS lock for RequestKey, or reports why
// it could not. Invariant: exactly one holder per request_key at a time.
func (l *SendLedger) ReserveSend(ctx context.Context, in ReserveInput) (ReserveResult, error) {
	var result ReserveResult
	err := dbretry.Do(ctx, l.retryPolicy, "reserve_send", func() error {
		tx, err := l.mainDB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC()
		existing, err := scanLockTx(ctx, tx, in.RequestKey)
		if err != nil {
			return err
		}
		if existing != nil {
			expired := now.After(existing.ExpiresAt)
			switch existing.Status {
			case LockInProgress:
				if expired {
					result = ReserveResult{Reason: ReserveReasonInProgressExpired, ExistingLock: existing}
				} else {
					result = ReserveResult{Reason: ReserveReasonInProgressActive, ExistingLock: existing}
				}
			case LockUnknownSent:
				if expired {
					result = ReserveResult{Reason: ReserveReasonUnknownSentHoldExpired, ExistingLock: existing}
				} else {
					result = ReserveResult{Reason: ReserveReasonUnknownSentHoldActive, ExistingLock: existing}
				}
			default:
				result = ReserveResult{Reason: ReserveReasonLockConflict, ExistingLock: existing}
			}
			return nil
		}

		ttl := time.Duration(in.TTLSec) * time.Second
		if ttl < 60*time.Second {
			ttl = 60 * time.Second
		}
		expiresAt := now.Add(ttl)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO send_locks (request_key, status, expires_at, updated_at, last_message_id, last_message_id_source, last_error)
			VALUES (?, ?, ?, ?, '', '', '')`,
			in.RequestKey, string(StatusInProgress), expiresAt.Unix(), now.Unix()); err != nil {
			return fmt.Errorf("insert lock: %w", err)
		}

		trace, err := json.Marshal([]string{"reserve_send:acquired"})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO send_events
				(created_at, request_key, v1_key, key_version, mail_key, run_id, status, recipient_hash,
				 idempotency_token, idempotency_secret_version, subject_norm, decision_trace)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			now.Unix(), in.RequestKey, in.V1Key, in.KeyVersion, in.MailKey, in.RunID, string(StatusInProgress),
			in.RecipientHash, in.IdempotencyToken, in.IdempotencySecretVersion, in.SubjectNorm, string(trace),
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		result = ReserveResult{Acquired: true}
		return nil
	})
	return result, err
}

// Heartbeat extends a held lock's expiry. Returns ErrLockNotInProgress if
// the lock is not currently IN_PROGRESS.
func (l *SendLedger) Heartbeat(ctx context.Context, requestKey string, ttlSec int) error {
	ttl := time.Duration(ttlSec) * time.Second
	if ttl < 60*time.Second {
		ttl = 60 * time.Second
	}
	return dbretry.Do(ctx, l.retryPolicy, "heartbeat", func() error {
		now := time.Now().UTC()
		res, err := l.mainDB.ExecContext(ctx, `
			UPDATE send_locks SET expires_at = ?, updated_at = ?
			WHERE request_key = ? AND status = ?`,
			now.Add(ttl).Unix(), now.Unix(), requestKey, string(StatusInProgress))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrLockNotInProgress
		}
		return nil
	})
}

// MarkSentInput is the identity, message metadata, and decision_trace for a
// SENT commit.
type MarkSentInput struct {
	RequestKey               string
	V1Key                    string
	KeyVersion               string
	MailKey                  string
	RunID                    string
	RecipientHash            string
	MessageID                string
	MessageIDSource          string
	IdempotencyToken         string
	IdempotencySecretVersion string
	SubjectNorm              string
	DecisionTrace            []string
}

// MarkSent is the commit point: on the sent connection, it deletes the lock
// and appends a SENT event with sent_at.
func (l *SendLedger) MarkSent(ctx context.Context, in MarkSentInput) error {
	trace, err := json.Marshal(in.DecisionTrace)
	if err != nil {
		return err
	}
	return dbretry.Do(ctx, l.retryPolicy, "mark_sent", func() error {
		now := time.Now().UTC()
		tx, err := l.sentDB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM send_locks WHERE request_key = ?`, in.RequestKey); err != nil {
			return fmt.Errorf("delete lock: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO send_events
				(created_at, request_key, v1_key, key_version, mail_key, run_id, status, recipient_hash,
				 message_id, message_id_source, idempotency_token, idempotency_secret_version, sent_at, subject_norm, decision_trace)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			now.Unix(), in.RequestKey, in.V1Key, in.KeyVersion, in.MailKey, in.RunID, string(StatusSent), in.RecipientHash,
			in.MessageID, in.MessageIDSource, in.IdempotencyToken, in.IdempotencySecretVersion, now.Unix(), in.SubjectNorm, string(trace),
		); err != nil {
			return fmt.Errorf("insert sent event: %w", err)
		}
		return tx.Commit()
	})
}

// MarkFailedInput is the identity, decision_trace, and error for a
// FAILED_PRE_SEND event.
type MarkFailedInput struct {
	RequestKey    string
	V1Key         string
	KeyVersion    string
	MailKey       string
	RunID         string
	RecipientHash string
	SubjectNorm   string
	DecisionTrace []string
	Error         string
}

// MarkFailedPreSend deletes the lock and appends a FAILED_PRE_SEND event.
func (l *SendLedger) MarkFailedPreSend(ctx context.Context, in MarkFailedInput) error {
	trace, err := json.Marshal(in.DecisionTrace)
	if err != nil {
		return err
	}
	return dbretry.Do(ctx, l.retryPolicy, "mark_failed_pre_send", func() error {
		now := time.Now().UTC()
		tx, err := l.mainDB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM send_locks WHERE request_key = ?`, in.RequestKey); err != nil {
			return fmt.Errorf("delete lock: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO send_events
				(created_at, request_key, v1_key, key_version, mail_key, run_id, status, recipient_hash, subject_norm, decision_trace, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			now.Unix(), in.RequestKey, in.V1Key, in.KeyVersion, in.MailKey, in.RunID, string(StatusFailedPreSend),
			in.RecipientHash, in.SubjectNorm, string(trace), in.Error,
		); err != nil {
			return fmt.Errorf("insert failed event: %w", err)
		}
		return tx.Commit()
	})
}

// MarkUnknownSentInput is the identity, message metadata, and hold duration
// for an ambiguous-commit outcome.
type MarkUnknownSentInput struct {
	RequestKey      string
	V1Key           string
	KeyVersion      string
	MailKey         string
	RunID           string
	RecipientHash   string
	SubjectNorm     string
	MessageID       string
	MessageIDSource string
	LastError       string
	HoldSec         int
	DecisionTrace   []string
}

// MarkUnknownSent upserts the lock as UNKNOWN_SENT and appends a matching
// event. No SENT event is written: the transport reported success but the
// ledger could not confirm the commit.
func (l *SendLedger) MarkUnknownSent(ctx context.Context, in MarkUnknownSentInput) error {
	trace, err := json.Marshal(in.DecisionTrace)
	if err != nil {
		return err
	}
	hold := time.Duration(in.HoldSec) * time.Second
	if hold < 300*time.Second {
		hold = 300 * time.Second
	}
	return dbretry.Do(ctx, l.retryPolicy, "mark_unknown_sent", func() error {
		now := time.Now().UTC()
		tx, err := l.mainDB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO send_locks (request_key, status, expires_at, updated_at, last_message_id, last_message_id_source, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(request_key) DO UPDATE SET
				status = excluded.status,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at,
				last_message_id = excluded.last_message_id,
				last_message_id_source = excluded.last_message_id_source,
				last_error = excluded.last_error`,
			in.RequestKey, string(StatusUnknownSent), now.Add(hold).Unix(), now.Unix(),
			in.MessageID, in.MessageIDSource, in.LastError,
		); err != nil {
			return fmt.Errorf("upsert unknown_sent lock: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO send_events
				(created_at, request_key, v1_key, key_version, mail_key, run_id, status, recipient_hash,
				 message_id, message_id_source, subject_norm, decision_trace, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			now.Unix(), in.RequestKey, in.V1Key, in.KeyVersion, in.MailKey, in.RunID, string(StatusUnknownSent),
			in.RecipientHash, in.MessageID, in.MessageIDSource, in.SubjectNorm, string(trace), in.LastError,
		); err != nil {
			return fmt.Errorf("insert unknown_sent event: %w", err)
		}
		return tx.Commit()
	})
}

// MarkReconciledSent promotes an existing UNKNOWN_SENT lock to SENT,
// carrying over the identity fields from its last recorded event. Returns
// ErrNoUnknownSentLock if there is nothing to reconcile.
func (l *SendLedger) MarkReconciledSent(ctx context.Context, requestKey, runID string, decisionTrace []string, messageID, source string) error {
	lock, err := l.getLock(ctx, requestKey)
	if err != nil {
		return err
	}
	if lock == nil || lock.Status != LockUnknownSent {
		return ErrNoUnknownSentLock
	}
	ev, err := l.latestEvent(ctx, requestKey)
	if err != nil {
		return err
	}
	if ev == nil {
		return ErrNoUnknownSentLock
	}

	finalMessageID, finalSource := messageID, source
	if finalMessageID == "" {
		finalMessageID, finalSource = lock.LastMessageID, lock.LastMessageIDSource
	}

	return l.MarkSent(ctx, MarkSentInput{
		RequestKey:               requestKey,
		V1Key:                    ev.V1Key,
		KeyVersion:               ev.KeyVersion,
		MailKey:                  ev.MailKey,
		RunID:                    runID,
		RecipientHash:            ev.RecipientHash,
		MessageID:                finalMessageID,
		MessageIDSource:          finalSource,
		IdempotencyToken:         ev.IdempotencyToken,
		IdempotencySecretVersion: ev.IdempotencySecretVersion,
		SubjectNorm:              ev.SubjectNorm,
		DecisionTrace:            decisionTrace,
	})
}

// FindRecentSent returns the most recent SENT event in [now-windowH, now]
// matching requestKey or v1Key (legacy equivalence), optionally restricted
// to runScope.
func (l *SendLedger) FindRecentSent(ctx context.Context, requestKey, v1Key string, windowH int, runScope string) (*SendEvent, error) {
	now := time.Now().UTC()
	since := now.Add(-time.Duration(windowH) * time.Hour).Unix()

	query := `
		SELECT id, created_at, request_key, v1_key, key_version, mail_key, run_id, status, recipient_hash,
		       message_id, message_id_source, idempotency_token, idempotency_secret_version, sent_at, subject_norm, decision_trace, error
		FROM send_events
		WHERE status = ? AND created_at BETWEEN ? AND ?
		  AND (request_key = ? OR (v1_key != '' AND v1_key = ?))`
	args := []any{string(StatusSent), since, now.Unix(), requestKey, v1Key}
	if runScope != "" {
		query += ` AND run_id = ?`
		args = append(args, runScope)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	row := l.mainDB.QueryRowContext(ctx, query, args...)
	return scanEventRow(row)
}

// EvaluateOverride checks for an active rerun_overrides row matching
// requestKey first, then recipientHash. request_key overrides take
// precedence over recipient overrides.
func (l *SendLedger) EvaluateOverride(ctx context.Context, requestKey, recipientHash string) (OverrideDecision, error) {
	now := time.Now().UTC().Unix()
	var trace []string

	reqActive, reqFound, err := l.lookupOverride(ctx, OverrideKindRequestKey, requestKey, now)
	if err != nil {
		return OverrideDecision{}, err
	}
	switch {
	case reqActive:
		trace = append(trace, "override_check:request_key=matched_active", "override_applied:request_key")
		return OverrideDecision{Allowed: true, DecisionTrace: trace}, nil
	case reqFound:
		trace = append(trace, "override_check:request_key=expired_or_inactive")
	default:
		trace = append(trace, "override_check:request_key=not_found")
	}

	recActive, recFound, err := l.lookupOverride(ctx, OverrideKindRecipient, recipientHash, now)
	if err != nil {
		return OverrideDecision{}, err
	}
	switch {
	case recActive:
		trace = append(trace, "override_check:recipient=matched_active", "override_applied:recipient")
		return OverrideDecision{Allowed: true, DecisionTrace: trace}, nil
	case recFound:
		trace = append(trace, "override_check:recipient=expired_or_inactive")
	default:
		trace = append(trace, "override_check:recipient=not_found")
	}

	return OverrideDecision{Allowed: false, DecisionTrace: trace}, nil
}

func (l *SendLedger) lookupOverride(ctx context.Context, kind OverrideKind, targetHash string, now int64) (active, found bool, err error) {
	rows, err := l.mainDB.QueryContext(ctx, `
		SELECT expires_at FROM rerun_overrides WHERE kind = ? AND target_hash = ? ORDER BY created_at DESC`,
		string(kind), targetHash)
	if err != nil {
		return false, false, err
	}
	defer rows.Close()

	for rows.Next() {
		found = true
		var expiresAt int64
		if err := rows.Scan(&expiresAt); err != nil {
			return false, false, err
		}
		if expiresAt >= now {
			return true, true, nil
		}
	}
	return false, found, rows.Err()
}

// URLAliasInput is the redirect-resolution outcome to upsert.
type URLAliasInput struct {
	Canonical           string
	FinalURL            string
	FinalHost           string
	RedirectHops        int
	FinalURLFingerprint string
	ResolveStatus       string
}

// RecordURLAlias upserts the redirect resolution for a canonical input URL.
func (l *SendLedger) RecordURLAlias(ctx context.Context, in URLAliasInput) error {
	return dbretry.Do(ctx, l.retryPolicy, "record_url_alias", func() error {
		now := time.Now().UTC().Unix()
		_, err := l.mainDB.ExecContext(ctx, `
			INSERT INTO url_alias (canonical_input_url, last_final_url, final_host, redirect_hops, final_url_fingerprint, resolve_status, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(canonical_input_url) DO UPDATE SET
				last_final_url = excluded.last_final_url,
				final_host = excluded.final_host,
				redirect_hops = excluded.redirect_hops,
				final_url_fingerprint = excluded.final_url_fingerprint,
				resolve_status = excluded.resolve_status,
				resolved_at = excluded.resolved_at`,
			in.Canonical, in.FinalURL, in.FinalHost, in.RedirectHops, in.FinalURLFingerprint, in.ResolveStatus, now,
		)
		return err
	})
}

// MarkSkippedInput is the identity and reason for a pure-skip event: no
// lock is ever held for these statuses, so only send_events gains a row.
type MarkSkippedInput struct {
	RequestKey    string
	V1Key         string
	KeyVersion    string
	MailKey       string
	RunID         string
	RecipientHash string
	SubjectNorm   string
	Status        EventStatus
	DecisionTrace []string
	Error         string
}

// MarkSkipped appends a SKIPPED_DUPLICATE_IN_RUN, SKIPPED_AUTO, or
// SKIPPED_CONFIRM_REQUIRED event. It never touches send_locks: a duplicate-
// in-run or rerun-guard skip has no lock to release, and a reservation-
// conflict skip must leave the other holder's lock alone.
func (l *SendLedger) MarkSkipped(ctx context.Context, in MarkSkippedInput) error {
	trace, err := json.Marshal(in.DecisionTrace)
	if err != nil {
		return err
	}
	return dbretry.Do(ctx, l.retryPolicy, "mark_skipped", func() error {
		now := time.Now().UTC()
		_, err := l.mainDB.ExecContext(ctx, `
			INSERT INTO send_events
				(created_at, request_key, v1_key, key_version, mail_key, run_id, status, recipient_hash, subject_norm, decision_trace, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			now.Unix(), in.RequestKey, in.V1Key, in.KeyVersion, in.MailKey, in.RunID, string(in.Status),
			in.RecipientHash, in.SubjectNorm, string(trace), in.Error,
		)
		return err
	})
}

// GetLock returns the current send_locks row for requestKey, or nil if none.
func (l *SendLedger) GetLock(ctx context.Context, requestKey string) (*SendLock, error) {
	return l.getLock(ctx, requestKey)
}

// ClearLock deletes the send_locks row for requestKey, if any. Used to
// release an UNKNOWN_SENT hold once an operator has confirmed a re-send.
func (l *SendLedger) ClearLock(ctx context.Context, requestKey string) error {
	return dbretry.Do(ctx, l.retryPolicy, "clear_lock", func() error {
		_, err := l.mainDB.ExecContext(ctx, `DELETE FROM send_locks WHERE request_key = ?`, requestKey)
		return err
	})
}

func (l *SendLedger) getLock(ctx context.Context, requestKey string) (*SendLock, error) {
	return scanLock(l.mainDB.QueryRowContext(ctx, `
		SELECT request_key, status, expires_at, updated_at, last_message_id, last_message_id_source, last_error
		FROM send_locks WHERE request_key = ?`, requestKey))
}

func scanLockTx(ctx context.Context, tx *sql.Tx, requestKey string) (*SendLock, error) {
	return scanLock(tx.QueryRowContext(ctx, `
		SELECT request_key, status, expires_at, updated_at, last_message_id, last_message_id_source, last_error
		FROM send_locks WHERE request_key = ?`, requestKey))
}

func scanLock(row *sql.Row) (*SendLock, error) {
	var lock SendLock
	var status string
	var expiresAtUnix, updatedAtUnix int64
	err := row.Scan(&lock.RequestKey, &status, &expiresAtUnix, &updatedAtUnix,
		&lock.LastMessageID, &lock.LastMessageIDSource, &lock.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lock.Status = LockStatus(status)
	lock.ExpiresAt = time.Unix(expiresAtUnix, 0).UTC()
	lock.UpdatedAt = time.Unix(updatedAtUnix, 0).UTC()
	return &lock, nil
}

// CreateOverrideInput is the admin-granted rerun exception to create.
type CreateOverrideInput struct {
	Kind                   OverrideKind
	TargetHash             string
	TTLMin                 int
	Reason                 string
	Operator               string
	Host                   string
	CommandSummaryRedacted string
}

// CreateOverride inserts a new rerun_overrides row. Never called
// automatically -- only from the rerun-override admin command.
func (l *SendLedger) CreateOverride(ctx context.Context, in CreateOverrideInput) (RerunOverride, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(in.TTLMin) * time.Minute)

	var id int64
	err := dbretry.Do(ctx, l.retryPolicy, "create_override", func() error {
		res, err := l.mainDB.ExecContext(ctx, `
			INSERT INTO rerun_overrides (created_at, expires_at, kind, target_hash, reason, operator, host, command_summary_redacted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			now.Unix(), expiresAt.Unix(), string(in.Kind), in.TargetHash, in.Reason, in.Operator, in.Host, in.CommandSummaryRedacted)
		if err != nil {
			return fmt.Errorf("insert override: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return RerunOverride{}, err
	}

	return RerunOverride{
		ID: id, CreatedAt: now, ExpiresAt: expiresAt, Kind: in.Kind, TargetHash: in.TargetHash,
		Reason: in.Reason, Operator: in.Operator, Host: in.Host, CommandSummaryRedacted: in.CommandSummaryRedacted,
	}, nil
}

// OverrideStatus lists every rerun_overrides row for kind/targetHash
// (active or expired), most recent first, for the admin --status command.
func (l *SendLedger) OverrideStatus(ctx context.Context, kind OverrideKind, targetHash string) ([]RerunOverride, error) {
	rows, err := l.mainDB.QueryContext(ctx, `
		SELECT id, created_at, expires_at, kind, target_hash, reason, operator, host, command_summary_redacted
		FROM rerun_overrides WHERE kind = ? AND target_hash = ? ORDER BY created_at DESC`,
		string(kind), targetHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RerunOverride
	for rows.Next() {
		var o RerunOverride
		var kindStr string
		var createdAtUnix, expiresAtUnix int64
		if err := rows.Scan(&o.ID, &createdAtUnix, &expiresAtUnix, &kindStr, &o.TargetHash, &o.Reason, &o.Operator, &o.Host, &o.CommandSummaryRedacted); err != nil {
			return nil, err
		}
		o.Kind = OverrideKind(kindStr)
		o.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
		o.ExpiresAt = time.Unix(expiresAtUnix, 0).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// ClearOverride deletes every rerun_overrides row for kind/targetHash,
// immediately revoking the exception instead of waiting for expiry.
func (l *SendLedger) ClearOverride(ctx context.Context, kind OverrideKind, targetHash string) error {
	return dbretry.Do(ctx, l.retryPolicy, "clear_override", func() error {
		_, err := l.mainDB.ExecContext(ctx, `DELETE FROM rerun_overrides WHERE kind = ? AND target_hash = ?`, string(kind), targetHash)
		return err
	})
}

// IsSendBlockedPrecheck reports whether requestKey would currently be
// blocked from sending, without reserving anything: an active IN_PROGRESS
// or UNKNOWN_SENT lock, or a recent SENT event within the rerun window that
// no override clears. It mirrors ReserveSend's own guard logic as a
// read-only check, so a caller can re-evaluate a changed recipient set
// before the orchestrator is invoked. sameRunID restricts the rerun lookup
// to one run (RerunScopeSameRun); pass "" for RerunScopeGlobal.
func (l *SendLedger) IsSendBlockedPrecheck(ctx context.Context, requestKey, v1Key, recipientHash string, rerunWindowH int, sameRunID string) (blocked bool, reasons []string, err error) {
	now := time.Now().UTC()

	lock, err := l.getLock(ctx, requestKey)
	if err != nil {
		return false, nil, err
	}
	if lock != nil {
		switch lock.Status {
		case LockInProgress:
			if lock.ExpiresAt.After(now) {
				reasons = append(reasons, "precheck:in_progress_active")
			}
		case LockUnknownSent:
			if lock.ExpiresAt.After(now) {
				reasons = append(reasons, "precheck:unknown_sent_hold_active")
			}
		}
	}

	event, err := l.FindRecentSent(ctx, requestKey, v1Key, rerunWindowH, sameRunID)
	if err != nil {
		return false, nil, err
	}
	if event != nil {
		decision, err := l.EvaluateOverride(ctx, requestKey, recipientHash)
		if err != nil {
			return false, nil, err
		}
		if !decision.Allowed {
			reasons = append(reasons, "precheck:recent_sent_within_rerun_window")
		}
	}

	return len(reasons) > 0, reasons, nil
}

func (l *SendLedger) latestEvent(ctx context.Context, requestKey string) (*SendEvent, error) {
	row := l.mainDB.QueryRowContext(ctx, `
		SELECT id, created_at, request_key, v1_key, key_version, mail_key, run_id, status, recipient_hash,
		       message_id, message_id_source, idempotency_token, idempotency_secret_version, sent_at, subject_norm, decision_trace, error
		FROM send_events WHERE request_key = ? ORDER BY created_at DESC, id DESC LIMIT 1`, requestKey)
	return scanEventRow(row)
}

func scanEventRow(row *sql.Row) (*SendEvent, error) {
	var ev SendEvent
	var status string
	var createdAtUnix int64
	var sentAtUnix sql.NullInt64
	var traceJSON string
	err := row.Scan(&ev.ID, &createdAtUnix, &ev.RequestKey, &ev.V1Key, &ev.KeyVersion, &ev.MailKey, &ev.RunID, &status,
		&ev.RecipientHash, &ev.MessageID, &ev.MessageIDSource, &ev.IdempotencyToken, &ev.IdempotencySecretVersion,
		&sentAtUnix, &ev.SubjectNorm, &traceJSON, &ev.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev.Status = EventStatus(status)
	ev.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	if sentAtUnix.Valid {
		t := time.Unix(sentAtUnix.Int64, 0).UTC()
		ev.SentAt = &t
	}
	if traceJSON != "" {
		_ = json.Unmarshal([]byte(traceJSON), &ev.DecisionTrace)
	}
	return &ev, nil
}
