package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ignite/quote-sender/internal/config"
	"github.com/ignite/quote-sender/internal/hmachasher"
	"github.com/ignite/quote-sender/internal/keys"
	"github.com/ignite/quote-sender/internal/ledger"
	"github.com/ignite/quote-sender/internal/orchestrator"
)

// ErrHearingInputRequired is returned when an enhanced workflow_mode run
// carries no hearing_input.
var ErrHearingInputRequired = errors.New("workflow: enhanced workflow_mode requires hearing_input")

// WorkflowArbiter sits above SendOrchestrator: it resolves modes, re-runs
// safety gates on an edited recipient set, arbitrates the mode-specific
// outcome, and writes the request_history record. It mutates no ledger
// state directly beyond what SendLedger.IsSendBlockedPrecheck reads.
type WorkflowArbiter struct {
	ledger  *ledger.SendLedger
	hasher  *hmachasher.HmacHasher
	orch    *orchestrator.SendOrchestrator
	cfg     config.Config
	baseDir string
}

// New constructs a WorkflowArbiter. baseDir is the skill base directory
// under which outputs/ and logs/ live.
func New(l *ledger.SendLedger, h *hmachasher.HmacHasher, orch *orchestrator.SendOrchestrator, cfg config.Config, baseDir string) *WorkflowArbiter {
	return &WorkflowArbiter{ledger: l, hasher: h, orch: orch, cfg: cfg, baseDir: baseDir}
}

func (a *WorkflowArbiter) draftsDir() string    { return filepath.Join(a.baseDir, "outputs", "drafts") }
func (a *WorkflowArbiter) completedDir() string { return filepath.Join(a.baseDir, "outputs", "completed") }
func (a *WorkflowArbiter) errorDir() string     { return filepath.Join(a.baseDir, "outputs", "error") }

// Run executes one arbiter pass for req.
func (a *WorkflowArbiter) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = newID()
	}
	runID := newID()

	workflowMode := req.WorkflowMode
	if workflowMode == "" {
		workflowMode = a.cfg.WorkflowModeDefault
	}
	if workflowMode == config.WorkflowModeEnhanced && req.Hearing == nil {
		return RunResult{}, ErrHearingInputRequired
	}

	sendMode := req.SendMode
	if req.Hearing != nil && req.Hearing.SendMode != "" {
		sendMode = req.Hearing.SendMode
	}
	if sendMode == "" {
		sendMode = a.cfg.SendModeDefault
	}

	recipients := req.Recipients
	recipientsChanged := req.Hearing != nil && req.Hearing.RecipientsChanged
	if recipientsChanged {
		recipients = resolveRecipients(recipients, req.Hearing.FinalRecipients)
	}

	result := RunResult{
		RequestID:    requestID,
		RunID:        runID,
		WorkflowMode: workflowMode,
		SendMode:     sendMode,
	}

	if recipientsChanged {
		allowed, reasons, err := a.runSafetyGates(ctx, recipients, req.Product, runID)
		if err != nil {
			return RunResult{}, err
		}
		recipients = allowed
		result.BlockedReasons = reasons
	}

	finalEmails := make([]string, len(recipients))
	for i, r := range recipients {
		finalEmails[i] = r.Email
	}

	if len(recipients) == 0 {
		result.Outcome = OutcomeBlocked
		if err := a.finish(ctx, &result, finalEmails, req.RerunOfRunID); err != nil {
			return result, err
		}
		return result, nil
	}

	approved := true
	if req.Hearing != nil {
		approved = req.Hearing.UserApproved
	}

	var err error
	switch sendMode {
	case config.SendModeDraftOnly:
		err = a.runDraftOnly(req, requestID, runID, recipients, approved, &result)
	case config.SendModeManual:
		err = a.runManual(requestID, runID, finalEmails, &result)
	case config.SendModeAuto:
		err = a.runAuto(ctx, req, requestID, runID, recipients, approved, &result)
	default:
		return RunResult{}, fmt.Errorf("workflow: unrecognized send_mode %q", sendMode)
	}
	if err != nil {
		return RunResult{}, err
	}

	if err := a.finish(ctx, &result, finalEmails, req.RerunOfRunID); err != nil {
		return result, err
	}
	return result, nil
}

func (a *WorkflowArbiter) runDraftOnly(req RunRequest, requestID, runID string, recipients []orchestrator.Recipient, approved bool, result *RunResult) error {
	path, err := a.writeDraft(req.Product, requestID, runID, recipients)
	if err != nil {
		return err
	}
	result.DraftPath = path
	if approved {
		result.Outcome = OutcomeDraftComplete
	} else {
		result.Outcome = OutcomeDraftPending
	}
	return nil
}

func (a *WorkflowArbiter) runManual(requestID, runID string, finalEmails []string, result *RunResult) error {
	path := manualEvidencePath(a.baseDir, requestID, runID)
	_, err := loadAndValidateManualEvidence(path, requestID, runID, finalEmails)
	if err != nil {
		if errors.Is(err, ErrManualEvidenceRecipientMismatch) {
			result.Outcome = OutcomeBlocked
			result.BlockedReasons = append(result.BlockedReasons, "recipient mismatch")
			return nil
		}
		result.Outcome = OutcomeManualPending
		result.BlockedReasons = append(result.BlockedReasons, err.Error())
		return nil
	}
	result.Outcome = OutcomeSent
	return nil
}

func (a *WorkflowArbiter) runAuto(ctx context.Context, req RunRequest, requestID, runID string, recipients []orchestrator.Recipient, approved bool, result *RunResult) error {
	if !approved {
		result.Outcome = OutcomeBlocked
		result.BlockedReasons = append(result.BlockedReasons, "auto_send:user_approved=false")
		return nil
	}

	draftPath, err := a.writeDraft(req.Product, requestID, runID, recipients)
	if err != nil {
		return err
	}

	batch, err := a.orch.ProcessBatch(ctx, runID, recipients, req.Product, nil)
	if err != nil {
		return err
	}
	result.Batch = &batch

	destDir := a.errorDir()
	if batch.ExitCode == orchestrator.ExitOK {
		result.Outcome = OutcomeSent
		destDir = a.completedDir()
	} else {
		result.Outcome = OutcomeBlocked
		result.BlockedReasons = append(result.BlockedReasons, "auto_send:orchestrator_exit_code_nonzero")
	}

	finalPath, err := moveDraft(draftPath, destDir)
	if err != nil {
		return err
	}
	result.DraftPath = finalPath
	return nil
}

// finish computes recipient_hashes/verification_status and writes the
// write-once request_history record.
func (a *WorkflowArbiter) finish(ctx context.Context, result *RunResult, finalEmails []string, rerunOfRunID string) error {
	hashes := make([]string, 0, len(finalEmails))
	var keyVersion string
	for _, e := range finalEmails {
		hash, version, err := a.hasher.HashForHistory(ctx, keys.EmailNorm(e))
		if err != nil {
			return fmt.Errorf("workflow: hash recipient for history: %w", err)
		}
		hashes = append(hashes, hash)
		keyVersion = version
	}

	verification := "verifiable"
	if keyVersion != "" {
		v, err := a.hasher.VerificationStatus(keyVersion)
		if err != nil {
			return fmt.Errorf("workflow: derive verification_status: %w", err)
		}
		verification = v
	}

	var metadata map[string]string
	if rerunOfRunID != "" {
		metadata = map[string]string{"rerun_of_run_id": rerunOfRunID}
	}

	rec := RequestHistoryRecord{
		RequestID:          result.RequestID,
		RunID:              result.RunID,
		WorkflowMode:       result.WorkflowMode,
		SendMode:           result.SendMode,
		State:              result.Outcome,
		FinalRecipients:    finalEmails,
		RecipientHashes:    hashes,
		BlockedReasons:     result.BlockedReasons,
		HMACKeyVersion:     keyVersion,
		VerificationStatus: verification,
		CreatedAtUTC:       time.Now().UTC(),
		Metadata:           metadata,
	}

	path, err := writeRequestHistory(a.baseDir, rec)
	if err != nil {
		return err
	}
	result.HistoryPath = path
	return nil
}

// runSafetyGates re-applies the domain filter and SendLedger precheck to
// an edited recipient set, per the arbiter's "re-run all safety gates on
// change" rule.
func (a *WorkflowArbiter) runSafetyGates(ctx context.Context, recipients []orchestrator.Recipient, product orchestrator.ProductInfo, runID string) ([]orchestrator.Recipient, []string, error) {
	emails := make([]string, len(recipients))
	byEmail := make(map[string]orchestrator.Recipient, len(recipients))
	for i, r := range recipients {
		emails[i] = r.Email
		byEmail[r.Email] = r
	}

	domainAllowed, blocked := filterByDomain(emails, a.cfg.DomainWhitelist, a.cfg.DomainBlacklist)

	canonical, err := keys.CanonicalInputURL(product.ProductURL)
	if err != nil {
		return nil, nil, fmt.Errorf("workflow: canonicalize product url: %w", err)
	}

	var sameRunID string
	if a.cfg.RerunScope == config.RerunScopeSameRun {
		sameRunID = runID
	}

	var allowed []orchestrator.Recipient
	for _, email := range domainAllowed {
		r := byEmail[email]
		emailNorm := keys.EmailNorm(r.Email)
		requestKey := keys.RequestKey(a.cfg.DedupeKeyVersion, emailNorm, keys.MakerCodeNorm(product.MakerCode), canonical, keys.QuantityNorm(product.Quantity))

		recipientHash, err := a.hasher.HashRecipient(ctx, emailNorm)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow: hash recipient for precheck: %w", err)
		}

		isBlocked, reasons, err := a.ledger.IsSendBlockedPrecheck(ctx, requestKey, "", recipientHash, a.cfg.RerunWindowHours, sameRunID)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow: precheck: %w", err)
		}
		if isBlocked {
			for _, reason := range reasons {
				blocked = append(blocked, reason+":"+r.Email)
			}
			continue
		}
		allowed = append(allowed, r)
	}

	return allowed, blocked, nil
}

func (a *WorkflowArbiter) writeDraft(product orchestrator.ProductInfo, requestID, runID string, recipients []orchestrator.Recipient) (string, error) {
	dir := a.draftsDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("workflow: prepare drafts dir: %w", err)
	}
	name := draftFilename(time.Now(), product.MakerCode, requestID, runID)
	path, err := resolveDraftPath(dir, name)
	if err != nil {
		return "", fmt.Errorf("workflow: resolve draft path: %w", err)
	}
	body := renderDraft(product, requestID, runID, recipients)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		return "", fmt.Errorf("workflow: write draft: %w", err)
	}
	return path, nil
}

func moveDraft(path, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0700); err != nil {
		return "", fmt.Errorf("workflow: prepare draft dest dir: %w", err)
	}
	dest := filepath.Join(destDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("workflow: move draft: %w", err)
	}
	return dest, nil
}

// resolveRecipients replaces the input records with records built from
// finalEmails, preserving original attributes (company name) when the
// normalized email matches an existing recipient.
func resolveRecipients(original []orchestrator.Recipient, finalEmails []string) []orchestrator.Recipient {
	byNorm := make(map[string]orchestrator.Recipient, len(original))
	for _, r := range original {
		byNorm[keys.EmailNorm(r.Email)] = r
	}

	resolved := make([]orchestrator.Recipient, 0, len(finalEmails))
	for _, e := range finalEmails {
		norm := keys.EmailNorm(e)
		if orig, ok := byNorm[norm]; ok {
			resolved = append(resolved, orig)
			continue
		}
		resolved = append(resolved, orchestrator.Recipient{Email: e})
	}
	return resolved
}
