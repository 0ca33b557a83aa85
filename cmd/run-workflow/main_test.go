package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/quote-sender/internal/config"
)

func TestLoadBatchInputParsesProductAndRecipients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.json")
	body := `{
		"product": {"maker_code": "ACME", "product_url": "https://acme.example/p", "quantity": "3"},
		"recipients": [{"email": "jane@example.com", "company_name": "Acme"}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	in, err := loadBatchInput(path)
	require.NoError(t, err)
	assert.Equal(t, "ACME", in.Product.MakerCode)
	require.Len(t, in.Recipients, 1)
	assert.Equal(t, "jane@example.com", in.Recipients[0].Email)
}

func TestLoadHearingInputParsesRecipientEditAndApproval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearing.json")
	body := `{
		"recipients_changed": true,
		"final_recipients": ["jane@example.com", "bob@example.com"],
		"send_mode": "auto",
		"other_requests": "rush this one",
		"user_approved": true
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	hearing, err := loadHearingInput(path)
	require.NoError(t, err)
	assert.True(t, hearing.RecipientsChanged)
	assert.Equal(t, []string{"jane@example.com", "bob@example.com"}, hearing.FinalRecipients)
	assert.Equal(t, config.SendModeAuto, hearing.SendMode)
	assert.True(t, hearing.UserApproved)
}

func TestLoadHearingInputRejectsMissingFile(t *testing.T) {
	_, err := loadHearingInput(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
