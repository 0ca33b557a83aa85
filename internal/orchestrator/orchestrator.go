// Package orchestrator implements SendOrchestrator: the per-batch,
// per-recipient pipeline that turns a resolved recipient list into ledger
// commitments and transport sends. It owns no persistence of its own --
// every durable decision is delegated to internal/ledger, every keyed hash
// to internal/hmachasher, every delivery attempt to internal/transport.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/quote-sender/internal/config"
	"github.com/ignite/quote-sender/internal/hmachasher"
	"github.com/ignite/quote-sender/internal/keys"
	"github.com/ignite/quote-sender/internal/ledger"
	"github.com/ignite/quote-sender/internal/pkg/logger"
	"github.com/ignite/quote-sender/internal/transport"
)

// ErrInvalidInput is returned when the batch itself cannot proceed (over
// max_recipients, or missing maker_code/product_url).
var ErrInvalidInput = errors.New("orchestrator: invalid input")

// SendOrchestrator runs SendLedger reservation, Transport delivery, and
// override/rerun/duplicate guard logic across a batch of recipients.
type SendOrchestrator struct {
	ledger    *ledger.SendLedger
	hasher    *hmachasher.HmacHasher
	transport transport.Transport
	template  Template
	confirm   Confirmer
	cfg       config.Config
}

// New constructs a SendOrchestrator. confirm may be nil: every confirmation
// point then resolves to "not confirmed", which is the safe default for a
// non-interactive caller.
func New(l *ledger.SendLedger, h *hmachasher.HmacHasher, t transport.Transport, tmpl Template, confirm Confirmer, cfg config.Config) *SendOrchestrator {
	return &SendOrchestrator{ledger: l, hasher: h, transport: t, template: tmpl, confirm: confirm, cfg: cfg}
}

func (o *SendOrchestrator) confirmed(ctx context.Context, reason ConfirmReason, recipient Recipient, count int) bool {
	if o.confirm == nil {
		return false
	}
	ok, err := o.confirm.Confirm(ctx, reason, recipient, count)
	if err != nil {
		logger.Warn("orchestrator: confirm callback error", "reason", string(reason), "error", err.Error())
		return false
	}
	return ok
}

// ProcessBatch runs the pre-flight checks and then the per-recipient
// pipeline, in input order, for every recipient in recipients.
func (o *SendOrchestrator) ProcessBatch(ctx context.Context, runID string, recipients []Recipient, product ProductInfo, urlRes *ledger.URLAliasInput) (BatchResult, error) {
	var result BatchResult

	if len(recipients) > o.cfg.MaxRecipients {
		result.ExitCode = ExitInvalidInput
		return result, fmt.Errorf("%w: %d recipients exceeds max_recipients=%d", ErrInvalidInput, len(recipients), o.cfg.MaxRecipients)
	}
	if product.MakerCode == "" || product.ProductURL == "" {
		result.ExitCode = ExitInvalidInput
		return result, fmt.Errorf("%w: maker_code and product_url are required", ErrInvalidInput)
	}

	if len(recipients) >= o.cfg.ConfirmationThreshold {
		if !o.confirmed(ctx, ConfirmReasonBulkThreshold, Recipient{}, len(recipients)) {
			result.ExitCode = ExitConfirmationRequired
			return result, nil
		}
	}

	if err := o.ledger.CleanupOnBatchStart(ctx, o.cfg.LogRetentionDays, o.cfg.RerunWindowHours, o.cfg.UnknownSentHoldSec); err != nil {
		return result, fmt.Errorf("orchestrator: cleanup_on_batch_start: %w", err)
	}
	if urlRes != nil {
		if err := o.ledger.RecordURLAlias(ctx, *urlRes); err != nil {
			return result, fmt.Errorf("orchestrator: record_url_alias: %w", err)
		}
	}

	seen := make(map[string]bool, len(recipients))
	for _, recipient := range recipients {
		res := o.processOne(ctx, runID, recipient, product, seen)
		result.add(res)
	}

	result.finalize()
	return result, nil
}

// processOne runs the seven-step pipeline for a single recipient. Errors
// internal to one recipient are never fatal to the batch: they surface as
// a RecipientResult, not a returned error.
func (o *SendOrchestrator) processOne(ctx context.Context, runID string, recipient Recipient, product ProductInfo, seen map[string]bool) RecipientResult {
	emailNorm := keys.EmailNorm(recipient.Email)
	makerNorm := keys.MakerCodeNorm(product.MakerCode)
	canonicalURL := product.CanonicalURL
	quantityNorm := keys.QuantityNorm(product.Quantity)

	subject, body, err := o.template.Render(ctx, recipient, product)
	if err != nil {
		return RecipientResult{Recipient: recipient, Status: ledger.StatusFailedPreSend, Error: err.Error()}
	}
	subjectNorm := keys.SubjectNorm(subject)
	bodyFingerprint := keys.BodyFingerprint(body)

	requestKey := keys.RequestKey(o.cfg.DedupeKeyVersion, emailNorm, makerNorm, canonicalURL, quantityNorm)
	mailKey := keys.MailKey(emailNorm, subjectNorm, bodyFingerprint)
	v1Key := keys.V1Key(emailNorm, subject, body)

	recipientHash, err := o.hasher.HashRecipient(ctx, emailNorm)
	if err != nil {
		return RecipientResult{Recipient: recipient, Status: ledger.StatusFailedPreSend, Error: err.Error()}
	}
	idempotencyToken, err := o.hasher.BuildIdempotencyToken(ctx, requestKey, o.cfg.IdempotencySecretVersion)
	if err != nil {
		return RecipientResult{Recipient: recipient, Status: ledger.StatusFailedPreSend, Error: err.Error()}
	}
	bodyMarker := bodyMarkerFor(idempotencyToken)

	// Step 2: in-run duplicate guard.
	if seen[requestKey] {
		trace := []string{"duplicate_in_run"}
		o.recordSkip(ctx, requestKey, v1Key, mailKey, runID, recipientHash, subjectNorm, ledger.StatusSkippedDuplicateInRun, trace, "")
		return RecipientResult{Recipient: recipient, Status: ledger.StatusSkippedDuplicateInRun, DecisionTrace: trace}
	}
	seen[requestKey] = true

	// Step 3: override lookup. Its trace is carried into every downstream
	// decision, regardless of outcome.
	overrideDecision, err := o.ledger.EvaluateOverride(ctx, requestKey, recipientHash)
	if err != nil {
		return RecipientResult{Recipient: recipient, Status: ledger.StatusFailedPreSend, Error: err.Error()}
	}
	trace := append([]string(nil), overrideDecision.DecisionTrace...)

	// Step 4: UNKNOWN_SENT reconciliation.
	lock, err := o.ledger.GetLock(ctx, requestKey)
	if err != nil {
		return RecipientResult{Recipient: recipient, Status: ledger.StatusFailedPreSend, Error: err.Error()}
	}
	if lock != nil && lock.Status == ledger.LockUnknownSent {
		outcome, err := o.transport.Reconcile(ctx, idempotencyToken, bodyMarker, lock.LastMessageID, subjectNorm, recipient.Email)
		if err != nil {
			return RecipientResult{Recipient: recipient, Status: ledger.StatusFailedPreSend, Error: err.Error()}
		}
		if outcome.Matched {
			reconcileTrace := append(append([]string(nil), trace...), "skip_reconciled_sent")
			if err := o.ledger.MarkReconciledSent(ctx, requestKey, runID, reconcileTrace, outcome.MessageID, outcome.Method); err != nil {
				return RecipientResult{Recipient: recipient, Status: ledger.StatusFailedPreSend, Error: err.Error()}
			}
			return RecipientResult{Recipient: recipient, Status: ledger.StatusSent, DecisionTrace: reconcileTrace, MessageID: outcome.MessageID, MessageIDSource: outcome.Method}
		}
		if !o.confirmed(ctx, ConfirmReasonUnknownSent, recipient, 1) {
			unresolvedTrace := append(append([]string(nil), trace...), "unknown_sent_unresolved")
			o.recordSkip(ctx, requestKey, v1Key, mailKey, runID, recipientHash, subjectNorm, ledger.StatusSkippedConfirmRequired, unresolvedTrace, "")
			return RecipientResult{Recipient: recipient, Status: ledger.StatusSkippedConfirmRequired, DecisionTrace: unresolvedTrace, ConfirmationRequired: true}
		}
		if err := o.ledger.ClearLock(ctx, requestKey); err != nil {
			return RecipientResult{Recipient: recipient, Status: ledger.StatusFailedPreSend, Error: err.Error()}
		}
		trace = append(trace, "unknown_sent_confirmed_resend")
	}

	// Step 5: rerun guard.
	runScope := ""
	if o.cfg.RerunScope == config.RerunScopeSameRun {
		runScope = runID
	}
	recent, err := o.ledger.FindRecentSent(ctx, requestKey, v1Key, o.cfg.RerunWindowHours, runScope)
	if err != nil {
		return RecipientResult{Recipient: recipient, Status: ledger.StatusFailedPreSend, Error: err.Error()}
	}
	if recent != nil && !overrideDecision.Allowed {
		if o.cfg.RerunPolicyDefault == config.RerunPolicyAutoSkip {
			rerunTrace := append(append([]string(nil), trace...), "rerun_skip:auto")
			o.recordSkip(ctx, requestKey, v1Key, mailKey, runID, recipientHash, subjectNorm, ledger.StatusSkippedAuto, rerunTrace, "")
			return RecipientResult{Recipient: recipient, Status: ledger.StatusSkippedAuto, DecisionTrace: rerunTrace}
		}
		if !o.confirmed(ctx, ConfirmReasonRerun, recipient, 1) {
			rerunTrace := append(append([]string(nil), trace...), "rerun_confirm_required")
			o.recordSkip(ctx, requestKey, v1Key, mailKey, runID, recipientHash, subjectNorm, ledger.StatusSkippedConfirmRequired, rerunTrace, "")
			return RecipientResult{Recipient: recipient, Status: ledger.StatusSkippedConfirmRequired, DecisionTrace: rerunTrace, ConfirmationRequired: true}
		}
		trace = append(trace, "rerun_confirmed")
	}

	// Step 6: reservation.
	reserveResult, err := o.ledger.ReserveSend(ctx, ledger.ReserveInput{
		RequestKey:               requestKey,
		V1Key:                    v1Key,
		KeyVersion:               o.cfg.DedupeKeyVersion,
		MailKey:                  mailKey,
		RunID:                    runID,
		RecipientHash:            recipientHash,
		SubjectNorm:              subjectNorm,
		IdempotencyToken:         idempotencyToken,
		IdempotencySecretVersion: o.cfg.IdempotencySecretVersion,
		TTLSec:                   o.cfg.DedupeInProgressTTLSec,
	})
	if err != nil {
		return RecipientResult{Recipient: recipient, Status: ledger.StatusFailedPreSend, Error: err.Error()}
	}
	if !reserveResult.Acquired {
		lockTrace := append(append([]string(nil), trace...), "lock_reason:"+string(reserveResult.Reason))
		o.recordSkip(ctx, requestKey, v1Key, mailKey, runID, recipientHash, subjectNorm, ledger.StatusSkippedConfirmRequired, lockTrace, "")
		return RecipientResult{Recipient: recipient, Status: ledger.StatusSkippedConfirmRequired, DecisionTrace: lockTrace, ConfirmationRequired: true}
	}

	// Step 7: send.
	if err := o.ledger.Heartbeat(ctx, requestKey, o.cfg.DedupeHeartbeatSec); err != nil {
		logger.Warn("orchestrator: heartbeat failed", "request_key", requestKey, "error", err.Error())
	}
	outcome, sendErr := o.transport.Send(ctx, transport.Message{
		Recipient:   recipient.Email,
		CompanyName: recipient.CompanyName,
		Subject:     subject,
		Body:        body,
		BodyMarker:  bodyMarker,
	}, idempotencyToken)

	if sendErr != nil || !outcome.Success {
		errMsg := outcome.Error
		if sendErr != nil {
			errMsg = sendErr.Error()
		}
		if err := o.ledger.MarkFailedPreSend(ctx, ledger.MarkFailedInput{
			RequestKey: requestKey, V1Key: v1Key, KeyVersion: o.cfg.DedupeKeyVersion, MailKey: mailKey, RunID: runID,
			RecipientHash: recipientHash, SubjectNorm: subjectNorm, DecisionTrace: trace, Error: errMsg,
		}); err != nil {
			logger.Error("orchestrator: mark_failed_pre_send failed", "request_key", requestKey, "error", err.Error())
		}
		return RecipientResult{Recipient: recipient, Status: ledger.StatusFailedPreSend, DecisionTrace: trace, Error: errMsg}
	}

	commitErr := o.ledger.MarkSent(ctx, ledger.MarkSentInput{
		RequestKey: requestKey, V1Key: v1Key, KeyVersion: o.cfg.DedupeKeyVersion, MailKey: mailKey, RunID: runID,
		RecipientHash: recipientHash, MessageID: outcome.MessageID, MessageIDSource: outcome.MessageIDSource,
		IdempotencyToken: idempotencyToken, IdempotencySecretVersion: o.cfg.IdempotencySecretVersion,
		SubjectNorm: subjectNorm, DecisionTrace: trace,
	})
	if commitErr != nil {
		// LedgerCommitAmbiguity: the transport reported success but the
		// commit did not land. Never fabricate a SENT event.
		if err := o.ledger.MarkUnknownSent(ctx, ledger.MarkUnknownSentInput{
			RequestKey: requestKey, V1Key: v1Key, KeyVersion: o.cfg.DedupeKeyVersion, MailKey: mailKey, RunID: runID,
			RecipientHash: recipientHash, SubjectNorm: subjectNorm, MessageID: outcome.MessageID, MessageIDSource: outcome.MessageIDSource,
			LastError: commitErr.Error(), HoldSec: o.cfg.UnknownSentHoldSec, DecisionTrace: trace,
		}); err != nil {
			logger.Error("orchestrator: mark_unknown_sent failed", "request_key", requestKey, "error", err.Error())
		}
		return RecipientResult{
			Recipient: recipient, Status: ledger.StatusUnknownSent, DecisionTrace: trace,
			MessageID: outcome.MessageID, MessageIDSource: outcome.MessageIDSource,
			Error: commitErr.Error(), ConfirmationRequired: true,
		}
	}

	return RecipientResult{
		Recipient: recipient, Status: ledger.StatusSent, DecisionTrace: trace,
		MessageID: outcome.MessageID, MessageIDSource: outcome.MessageIDSource,
	}
}

func (o *SendOrchestrator) recordSkip(ctx context.Context, requestKey, v1Key, mailKey, runID, recipientHash, subjectNorm string, status ledger.EventStatus, trace []string, errMsg string) {
	if err := o.ledger.MarkSkipped(ctx, ledger.MarkSkippedInput{
		RequestKey: requestKey, V1Key: v1Key, KeyVersion: o.cfg.DedupeKeyVersion, MailKey: mailKey, RunID: runID,
		RecipientHash: recipientHash, SubjectNorm: subjectNorm, Status: status, DecisionTrace: trace, Error: errMsg,
	}); err != nil {
		logger.Error("orchestrator: mark_skipped failed", "request_key", requestKey, "error", err.Error())
	}
}

// bodyMarkerFor derives the body_marker a Transport embeds into the message
// body for later body-based reconciliation: "[IDEMP:" + token[:24] + "]".
func bodyMarkerFor(idempotencyToken string) string {
	n := len(idempotencyToken)
	if n > 24 {
		n = 24
	}
	return "[IDEMP:" + idempotencyToken[:n] + "]"
}
