package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/quote-sender/internal/pkg/dbretry"
)

func newTestLedger(t *testing.T) *SendLedger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "send_ledger.sqlite3")
	l, err := Open(path, time.Second, dbretry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestReserveSendAcquiresThenBlocksConflict(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	in := ReserveInput{RequestKey: "rq:v2:abc", RunID: "run-1", TTLSec: 900}
	result, err := l.ReserveSend(ctx, in)
	require.NoError(t, err)
	assert.True(t, result.Acquired)

	result2, err := l.ReserveSend(ctx, in)
	require.NoError(t, err)
	assert.False(t, result2.Acquired)
	assert.Equal(t, ReserveReasonInProgressActive, result2.Reason)
	require.NotNil(t, result2.ExistingLock)
}

func TestReserveSendRejectsExpiredInProgressWithExpiredReason(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	in := ReserveInput{RequestKey: "rq:v2:expired", RunID: "run-1", TTLSec: 60}
	_, err := l.ReserveSend(ctx, in)
	require.NoError(t, err)

	_, err = l.mainDB.ExecContext(ctx, `UPDATE send_locks SET expires_at = ? WHERE request_key = ?`,
		time.Now().UTC().Add(-time.Hour).Unix(), in.RequestKey)
	require.NoError(t, err)

	result, err := l.ReserveSend(ctx, in)
	require.NoError(t, err)
	assert.False(t, result.Acquired)
	assert.Equal(t, ReserveReasonInProgressExpired, result.Reason)
}

func TestHeartbeatExtendsOnlyInProgressLock(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	in := ReserveInput{RequestKey: "rq:v2:hb", RunID: "run-1", TTLSec: 60}
	_, err := l.ReserveSend(ctx, in)
	require.NoError(t, err)

	require.NoError(t, l.Heartbeat(ctx, in.RequestKey, 900))

	lock, err := l.getLock(ctx, in.RequestKey)
	require.NoError(t, err)
	assert.True(t, lock.ExpiresAt.After(time.Now().Add(time.Minute)))

	err = l.Heartbeat(ctx, "rq:v2:does-not-exist", 900)
	assert.ErrorIs(t, err, ErrLockNotInProgress)
}

func TestMarkSentDeletesLockAndAppendsEvent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	in := ReserveInput{RequestKey: "rq:v2:sent", V1Key: "legacy:sent", RunID: "run-1", TTLSec: 60}
	_, err := l.ReserveSend(ctx, in)
	require.NoError(t, err)

	require.NoError(t, l.MarkSent(ctx, MarkSentInput{
		RequestKey: in.RequestKey,
		V1Key:      in.V1Key,
		RunID:      in.RunID,
		MessageID:  "MID-1",
		DecisionTrace: []string{"send:ok"},
	}))

	lock, err := l.getLock(ctx, in.RequestKey)
	require.NoError(t, err)
	assert.Nil(t, lock)

	ev, err := l.FindRecentSent(ctx, in.RequestKey, in.V1Key, 24, "")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, StatusSent, ev.Status)
	assert.Equal(t, "MID-1", ev.MessageID)
	assert.NotNil(t, ev.SentAt)
}

func TestFindRecentSentMatchesByV1KeyLegacyEquivalence(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.MarkSent(ctx, MarkSentInput{
		RequestKey: "rq:v2:new-key",
		V1Key:      "legacy@example.com:abc123",
		RunID:      "run-1",
		MessageID:  "MID-9",
	}))

	ev, err := l.FindRecentSent(ctx, "rq:v2:different-key", "legacy@example.com:abc123", 24, "")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "MID-9", ev.MessageID)
}

func TestMarkUnknownSentThenMarkReconciledSentPromotesToSent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	in := ReserveInput{RequestKey: "rq:v2:ambiguous", RunID: "run-1", TTLSec: 60}
	_, err := l.ReserveSend(ctx, in)
	require.NoError(t, err)

	require.NoError(t, l.MarkUnknownSent(ctx, MarkUnknownSentInput{
		RequestKey: in.RequestKey,
		RunID:      in.RunID,
		MessageID:  "MID-1",
		HoldSec:    600,
		DecisionTrace: []string{"commit_ambiguity"},
	}))

	lock, err := l.getLock(ctx, in.RequestKey)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, LockUnknownSent, lock.Status)

	require.NoError(t, l.MarkReconciledSent(ctx, in.RequestKey, "run-2",
		[]string{"skip_reconciled_sent"}, "MID-1", "header"))

	lock, err = l.getLock(ctx, in.RequestKey)
	require.NoError(t, err)
	assert.Nil(t, lock)

	ev, err := l.FindRecentSent(ctx, in.RequestKey, "", 24, "")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "MID-1", ev.MessageID)
	assert.Equal(t, "run-2", ev.RunID)
}

func TestMarkReconciledSentWithoutUnknownSentLockFails(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	err := l.MarkReconciledSent(ctx, "rq:v2:none", "run-1", nil, "MID-1", "header")
	assert.ErrorIs(t, err, ErrNoUnknownSentLock)
}

func TestEvaluateOverridePrefersRequestKeyOverRecipient(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	future := time.Now().UTC().Add(time.Hour).Unix()
	_, err := l.mainDB.ExecContext(ctx, `
		INSERT INTO rerun_overrides (created_at, expires_at, kind, target_hash, reason)
		VALUES (?, ?, ?, ?, ?)`, time.Now().UTC().Unix(), future, string(OverrideKindRecipient), "recipient-hash", "ops request")
	require.NoError(t, err)
	_, err = l.mainDB.ExecContext(ctx, `
		INSERT INTO rerun_overrides (created_at, expires_at, kind, target_hash, reason)
		VALUES (?, ?, ?, ?, ?)`, time.Now().UTC().Unix(), future, string(OverrideKindRequestKey), "rq:v2:target", "ops request")
	require.NoError(t, err)

	decision, err := l.EvaluateOverride(ctx, "rq:v2:target", "recipient-hash")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Contains(t, decision.DecisionTrace, "override_applied:request_key")
	assert.NotContains(t, decision.DecisionTrace, "override_applied:recipient")
}

func TestEvaluateOverrideExpiredDoesNotAllow(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	past := time.Now().UTC().Add(-time.Hour).Unix()
	_, err := l.mainDB.ExecContext(ctx, `
		INSERT INTO rerun_overrides (created_at, expires_at, kind, target_hash, reason)
		VALUES (?, ?, ?, ?, ?)`, time.Now().UTC().Add(-2*time.Hour).Unix(), past, string(OverrideKindRequestKey), "rq:v2:target", "expired")
	require.NoError(t, err)

	decision, err := l.EvaluateOverride(ctx, "rq:v2:target", "recipient-hash")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.DecisionTrace, "override_check:request_key=expired_or_inactive")
}

func TestRecordURLAliasUpserts(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	in := URLAliasInput{Canonical: "https://example.com/item", FinalURL: "https://example.com/item?x=1", FinalHost: "example.com"}
	require.NoError(t, l.RecordURLAlias(ctx, in))

	in.FinalURL = "https://example.com/item?x=2"
	require.NoError(t, l.RecordURLAlias(ctx, in))

	var finalURL string
	err := l.mainDB.QueryRowContext(ctx, `SELECT last_final_url FROM url_alias WHERE canonical_input_url = ?`, in.Canonical).Scan(&finalURL)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/item?x=2", finalURL)
}

func TestCleanupOnBatchStartRemovesStaleRows(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	staleTime := time.Now().UTC().AddDate(0, 0, -400).Unix()
	_, err := l.mainDB.ExecContext(ctx, `
		INSERT INTO send_events (created_at, request_key, status) VALUES (?, 'rq:old', 'SENT')`, staleTime)
	require.NoError(t, err)
	_, err = l.mainDB.ExecContext(ctx, `
		INSERT INTO send_locks (request_key, status, expires_at, updated_at) VALUES (?, ?, ?, ?)`,
		"rq:stuck", string(StatusInProgress), time.Now().UTC().Add(-48*time.Hour).Unix(), staleTime)
	require.NoError(t, err)

	require.NoError(t, l.CleanupOnBatchStart(ctx, 365, 24, 600))

	var count int
	require.NoError(t, l.mainDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM send_events WHERE request_key = 'rq:old'`).Scan(&count))
	assert.Equal(t, 0, count)
	require.NoError(t, l.mainDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM send_locks WHERE request_key = 'rq:stuck'`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestCreateOverrideThenEvaluateOverrideAllows(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	created, err := l.CreateOverride(ctx, CreateOverrideInput{
		Kind: OverrideKindRequestKey, TargetHash: "rq:v2:target", TTLMin: 15, Reason: "ops approved rerun", Operator: "alice", Host: "wk-01",
	})
	require.NoError(t, err)
	assert.Positive(t, created.ID)
	assert.True(t, created.ExpiresAt.After(created.CreatedAt))

	decision, err := l.EvaluateOverride(ctx, "rq:v2:target", "recipient-hash")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestOverrideStatusListsMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.CreateOverride(ctx, CreateOverrideInput{Kind: OverrideKindRecipient, TargetHash: "recipient-hash", TTLMin: 5, Reason: "first"})
	require.NoError(t, err)
	_, err = l.CreateOverride(ctx, CreateOverrideInput{Kind: OverrideKindRecipient, TargetHash: "recipient-hash", TTLMin: 5, Reason: "second"})
	require.NoError(t, err)

	rows, err := l.OverrideStatus(ctx, OverrideKindRecipient, "recipient-hash")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "second", rows[0].Reason)
	assert.Equal(t, "first", rows[1].Reason)
}

func TestClearOverrideRevokesImmediately(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.CreateOverride(ctx, CreateOverrideInput{Kind: OverrideKindRequestKey, TargetHash: "rq:v2:target", TTLMin: 15, Reason: "ops approved rerun"})
	require.NoError(t, err)

	require.NoError(t, l.ClearOverride(ctx, OverrideKindRequestKey, "rq:v2:target"))

	decision, err := l.EvaluateOverride(ctx, "rq:v2:target", "recipient-hash")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	rows, err := l.OverrideStatus(ctx, OverrideKindRequestKey, "rq:v2:target")
	require.NoError(t, err)
	assert.Empty(t, rows)
}
