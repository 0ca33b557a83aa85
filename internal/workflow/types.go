// Package workflow implements the arbiter that sits above SendOrchestrator:
// it resolves workflow_mode/send_mode, re-resolves a possibly-edited
// recipient set, re-runs safety gates when the set changes, arbitrates
// auto/manual/draft_only outcomes, and writes the write-once
// request_history record. It owns no *sql.DB of its own -- every ledger
// read goes through SendLedger.
package workflow

import (
	"time"

	"github.com/ignite/quote-sender/internal/config"
	"github.com/ignite/quote-sender/internal/orchestrator"
)

// HearingInput is the operator-editable state carried through an enhanced
// workflow_mode run: whether the recipient set was edited, the edited set
// itself, the chosen send_mode, free-form operator notes, and whether the
// operator has approved the resulting action.
type HearingInput struct {
	RecipientsChanged bool
	FinalRecipients   []string
	SendMode          config.SendMode
	OtherRequests     string
	UserApproved      bool
}

// RunRequest is one invocation of the arbiter.
type RunRequest struct {
	// RequestID may be reused across reruns of the same logical request; a
	// new one is minted if empty.
	RequestID    string
	WorkflowMode config.WorkflowMode
	// SendMode is used unless Hearing is non-nil and carries a non-empty
	// SendMode, which then takes precedence in either workflow mode.
	SendMode   config.SendMode
	Recipients []orchestrator.Recipient
	Product    orchestrator.ProductInfo
	Hearing    *HearingInput
	// RerunOfRunID, if set, is recorded on the resulting request_history's
	// metadata so a rerun can be traced back to the run_id it replays.
	RerunOfRunID string
}

// Outcome is the terminal disposition of one arbiter run.
type Outcome string

const (
	OutcomeSent          Outcome = "sent"
	OutcomeDraftPending  Outcome = "draft_pending"
	OutcomeDraftComplete Outcome = "draft_complete"
	OutcomeManualPending Outcome = "manual_pending"
	OutcomeBlocked       Outcome = "blocked"
)

// RunResult is everything the arbiter produced for one run.
type RunResult struct {
	RequestID     string
	RunID         string
	WorkflowMode  config.WorkflowMode
	SendMode      config.SendMode
	Outcome       Outcome
	BlockedReasons []string
	DraftPath     string
	HistoryPath   string
	Batch         *orchestrator.BatchResult
}

// RequestHistoryRecord is the write-once record persisted under
// logs/request_history/<request_id>/<run_id>.json.
type RequestHistoryRecord struct {
	RequestID         string              `json:"request_id"`
	RunID             string              `json:"run_id"`
	WorkflowMode      config.WorkflowMode `json:"workflow_mode"`
	SendMode          config.SendMode     `json:"send_mode"`
	State             Outcome             `json:"state"`
	FinalRecipients   []string            `json:"final_recipients"`
	RecipientHashes   []string            `json:"recipient_hashes"`
	BlockedReasons    []string            `json:"blocked_reasons"`
	HMACKeyVersion    string              `json:"hmac_key_version"`
	VerificationStatus string             `json:"verification_status"`
	CreatedAtUTC      time.Time           `json:"created_at_utc"`
	Metadata          map[string]string   `json:"metadata,omitempty"`
}
