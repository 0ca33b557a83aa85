package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ignite/quote-sender/internal/keys"
)

// ManualEvidenceRecipient is one entry in a manual evidence file's
// recipients[] array: the recipient that was sent to, and the message-id
// the operator observed for it.
type ManualEvidenceRecipient struct {
	Email     string `json:"email"`
	MessageID string `json:"message_id"`
}

// ManualEvidence is the operator-provided proof a manual send_mode run
// completed outside the orchestrator.
type ManualEvidence struct {
	RequestID   string                    `json:"request_id"`
	RunID       string                    `json:"run_id"`
	Operator    string                    `json:"operator"`
	ConfirmedAt time.Time                 `json:"confirmed_at"`
	Recipients  []ManualEvidenceRecipient `json:"recipients"`
}

// ErrManualEvidenceRecipientMismatch is returned when a present, otherwise
// well-formed evidence file's recipient set does not equal the expected
// final set. Distinct from a missing file (still pending) because a
// present-but-wrong evidence file is a safety violation, not an absent
// confirmation.
var ErrManualEvidenceRecipientMismatch = errors.New("workflow: manual evidence recipient set does not match the expected final set")

// manualEvidencePath is the deterministic path an operator must place
// manual evidence at for it to be picked up.
func manualEvidencePath(baseDir, requestID, runID string) string {
	return filepath.Join(baseDir, "outputs", "manual_evidence", requestID, "manual_send_evidence_"+runID+".json")
}

// loadAndValidateManualEvidence reads and validates a manual evidence
// file: the filename must equal the exact expected form, the payload must
// carry request_id/run_id/operator/confirmed_at and a non-empty
// recipients[] with unique message_id values, and the normalized
// recipient set must equal expectedEmails.
func loadAndValidateManualEvidence(path, requestID, runID string, expectedEmails []string) (*ManualEvidence, error) {
	expectedFilename := "manual_send_evidence_" + runID + ".json"
	if filepath.Base(path) != expectedFilename {
		return nil, fmt.Errorf("workflow: manual evidence filename %q does not match expected %q", filepath.Base(path), expectedFilename)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read manual evidence: %w", err)
	}
	var ev ManualEvidence
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("workflow: decode manual evidence: %w", err)
	}

	if ev.RequestID != requestID || ev.RunID != runID {
		return nil, errors.New("workflow: manual evidence request_id/run_id does not match this run")
	}
	if ev.Operator == "" {
		return nil, errors.New("workflow: manual evidence missing operator")
	}
	if ev.ConfirmedAt.IsZero() {
		return nil, errors.New("workflow: manual evidence missing confirmed_at")
	}
	if len(ev.Recipients) == 0 {
		return nil, errors.New("workflow: manual evidence has no recipients")
	}

	seenMessageIDs := make(map[string]bool, len(ev.Recipients))
	got := make(map[string]bool, len(ev.Recipients))
	for _, r := range ev.Recipients {
		if r.MessageID == "" {
			return nil, errors.New("workflow: manual evidence recipient missing message_id")
		}
		if seenMessageIDs[r.MessageID] {
			return nil, fmt.Errorf("workflow: manual evidence has duplicate message_id %q", r.MessageID)
		}
		seenMessageIDs[r.MessageID] = true
		got[keys.EmailNorm(r.Email)] = true
	}

	want := make(map[string]bool, len(expectedEmails))
	for _, e := range expectedEmails {
		want[keys.EmailNorm(e)] = true
	}
	if len(got) != len(want) {
		return nil, ErrManualEvidenceRecipientMismatch
	}
	for e := range want {
		if !got[e] {
			return nil, ErrManualEvidenceRecipientMismatch
		}
	}

	return &ev, nil
}
