package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/quote-sender/internal/ledger"
	"github.com/ignite/quote-sender/internal/orchestrator"
)

func TestLoadBatchInputParsesRecipientsAndProduct(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.json")
	body := `{
		"operator": "alice",
		"product": {"maker_code": "ACME", "product_url": "https://acme.example/p", "quantity": "10"},
		"recipients": [{"email": "jane@example.com", "company_name": "Acme"}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	in, err := loadBatchInput(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", in.Operator)
	assert.Equal(t, "ACME", in.Product.MakerCode)
	require.Len(t, in.Recipients, 1)
	assert.Equal(t, "jane@example.com", in.Recipients[0].Email)
}

func TestLoadBatchInputRejectsMissingFile(t *testing.T) {
	_, err := loadBatchInput(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestAuditActionForPrioritizesConfirmationRequired(t *testing.T) {
	res := orchestrator.RecipientResult{Status: ledger.StatusSent, ConfirmationRequired: true}
	assert.Equal(t, "SKIPPED_CONFIRM_REQUIRED", string(auditActionFor(res)))
}

func TestAuditActionForMapsLedgerStatus(t *testing.T) {
	assert.Equal(t, "SENT", string(auditActionFor(orchestrator.RecipientResult{Status: ledger.StatusSent})))
	assert.Equal(t, "UNKNOWN_SENT", string(auditActionFor(orchestrator.RecipientResult{Status: ledger.StatusUnknownSent})))
	assert.Equal(t, "FAILED_PRE_SEND", string(auditActionFor(orchestrator.RecipientResult{Status: ledger.StatusFailedPreSend})))
}
