package workflow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/quote-sender/internal/config"
	"github.com/ignite/quote-sender/internal/hmachasher"
	"github.com/ignite/quote-sender/internal/keyvault"
	"github.com/ignite/quote-sender/internal/ledger"
	"github.com/ignite/quote-sender/internal/orchestrator"
	"github.com/ignite/quote-sender/internal/pkg/dbretry"
	"github.com/ignite/quote-sender/internal/transport"
)

func newTestArbiter(t *testing.T, cfg config.Config) (*WorkflowArbiter, string) {
	t.Helper()
	baseDir := t.TempDir()

	l, err := ledger.Open(filepath.Join(baseDir, "logs", "send_ledger.sqlite3"), time.Second,
		dbretry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	vault, err := keyvault.NewFileVault(filepath.Join(baseDir, "vault.enc"), filepath.Join(baseDir, "vault.key"))
	require.NoError(t, err)
	registry := hmachasher.NewKeyRegistry(filepath.Join(baseDir, "logs", "request_history", "hmac_key_registry.json"))
	hasher := hmachasher.New(vault, registry, "quote-sender")

	ctx := context.Background()
	_, err = vault.GenerateKey(ctx, "quote-sender", "idempotency_secret_v1", 32)
	require.NoError(t, err)
	_, err = vault.GenerateKey(ctx, "quote-sender", "recipient_hash_salt_v1", 32)
	require.NoError(t, err)

	if cfg.DedupeKeyVersion == "" {
		cfg.DedupeKeyVersion = "v2"
	}
	if cfg.MaxRecipients == 0 {
		cfg.MaxRecipients = 50
	}
	if cfg.ConfirmationThreshold == 0 {
		cfg.ConfirmationThreshold = 5
	}
	if cfg.DedupeInProgressTTLSec == 0 {
		cfg.DedupeInProgressTTLSec = 900
	}
	if cfg.RerunWindowHours == 0 {
		cfg.RerunWindowHours = 24
	}

	orch := orchestrator.New(l, hasher, transport.NewDryRunTransport(), orchestrator.NewStaticTemplate(""), nil, cfg)
	return New(l, hasher, orch, cfg, baseDir), baseDir
}

func testProduct() orchestrator.ProductInfo {
	return orchestrator.ProductInfo{MakerCode: "ACME", ProductURL: "https://acme.example/product", CanonicalURL: "https://acme.example/product", Quantity: "10"}
}

func testRecipients() []orchestrator.Recipient {
	return []orchestrator.Recipient{{Email: "jane@example.com", CompanyName: "Acme"}}
}

func TestRunEnhancedRequiresHearingInput(t *testing.T) {
	a, _ := newTestArbiter(t, config.Config{})
	_, err := a.Run(context.Background(), RunRequest{
		WorkflowMode: config.WorkflowModeEnhanced,
		SendMode:     config.SendModeDraftOnly,
		Recipients:   testRecipients(),
		Product:      testProduct(),
	})
	require.ErrorIs(t, err, ErrHearingInputRequired)
}

func TestRunDraftOnlyPendingWithoutApproval(t *testing.T) {
	a, _ := newTestArbiter(t, config.Config{})
	result, err := a.Run(context.Background(), RunRequest{
		SendMode:   config.SendModeDraftOnly,
		Recipients: testRecipients(),
		Product:    testProduct(),
		Hearing:    &HearingInput{UserApproved: false},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDraftPending, result.Outcome)
	assert.FileExists(t, result.DraftPath)
	assert.FileExists(t, result.HistoryPath)
}

func TestRunDraftOnlyCompletesWhenApproved(t *testing.T) {
	a, _ := newTestArbiter(t, config.Config{})
	result, err := a.Run(context.Background(), RunRequest{
		SendMode:   config.SendModeDraftOnly,
		Recipients: testRecipients(),
		Product:    testProduct(),
		Hearing:    &HearingInput{UserApproved: true},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDraftComplete, result.Outcome)
}

func TestRunAutoBlockedWithoutApproval(t *testing.T) {
	a, _ := newTestArbiter(t, config.Config{})
	result, err := a.Run(context.Background(), RunRequest{
		SendMode:   config.SendModeAuto,
		Recipients: testRecipients(),
		Product:    testProduct(),
		Hearing:    &HearingInput{UserApproved: false},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, result.Outcome)
	assert.Nil(t, result.Batch)
}

func TestRunAutoSendsAndMovesDraftToCompleted(t *testing.T) {
	a, baseDir := newTestArbiter(t, config.Config{})
	result, err := a.Run(context.Background(), RunRequest{
		SendMode:   config.SendModeAuto,
		Recipients: testRecipients(),
		Product:    testProduct(),
		Hearing:    &HearingInput{UserApproved: true},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, result.Outcome)
	require.NotNil(t, result.Batch)
	assert.Equal(t, orchestrator.ExitOK, result.Batch.ExitCode)
	assert.Equal(t, filepath.Join(baseDir, "outputs", "completed"), filepath.Dir(result.DraftPath))
	assert.FileExists(t, result.DraftPath)
}

func TestRunManualPendingWhenEvidenceMissing(t *testing.T) {
	a, _ := newTestArbiter(t, config.Config{})
	result, err := a.Run(context.Background(), RunRequest{
		SendMode:   config.SendModeManual,
		Recipients: testRecipients(),
		Product:    testProduct(),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeManualPending, result.Outcome)
	assert.NotEmpty(t, result.BlockedReasons)
}

func TestRunManualBlocksOnRecipientMismatch(t *testing.T) {
	a, baseDir := newTestArbiter(t, config.Config{})
	evidencePath := manualEvidencePath(baseDir, "req-mismatch", "run-mismatch")
	require.NoError(t, os.MkdirAll(filepath.Dir(evidencePath), 0700))
	evidence := ManualEvidence{
		RequestID:   "req-mismatch",
		RunID:       "run-mismatch",
		Operator:    "alice",
		ConfirmedAt: time.Now().UTC(),
		Recipients: []ManualEvidenceRecipient{
			// Missing bob@example.com relative to the expected final set below --
			// one recipient removed from evidence.
			{Email: "jane@example.com", MessageID: "msg-1"},
		},
	}
	data, err := json.Marshal(evidence)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(evidencePath, data, 0600))

	var result RunResult
	err = a.runManual("req-mismatch", "run-mismatch", []string{"jane@example.com", "bob@example.com"}, &result)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, result.Outcome)
	assert.Contains(t, result.BlockedReasons, "recipient mismatch")
}

func TestLoadAndValidateManualEvidenceReturnsMismatchSentinelOnPartialRecipientSet(t *testing.T) {
	baseDir := t.TempDir()
	evidencePath := manualEvidencePath(baseDir, "req-fixed-3", "run-fixed-3")
	require.NoError(t, os.MkdirAll(filepath.Dir(evidencePath), 0700))
	evidence := ManualEvidence{
		RequestID:   "req-fixed-3",
		RunID:       "run-fixed-3",
		Operator:    "alice",
		ConfirmedAt: time.Now().UTC(),
		Recipients: []ManualEvidenceRecipient{
			{Email: "jane@example.com", MessageID: "msg-1"},
		},
	}
	data, err := json.Marshal(evidence)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(evidencePath, data, 0600))

	_, err = loadAndValidateManualEvidence(evidencePath, "req-fixed-3", "run-fixed-3", []string{"jane@example.com", "bob@example.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManualEvidenceRecipientMismatch)
}

func TestManualEvidenceValidatorAcceptsWellFormedEvidence(t *testing.T) {
	baseDir := t.TempDir()
	evidencePath := manualEvidencePath(baseDir, "req-fixed-2", "run-fixed-2")
	require.NoError(t, os.MkdirAll(filepath.Dir(evidencePath), 0700))
	evidence := ManualEvidence{
		RequestID:   "req-fixed-2",
		RunID:       "run-fixed-2",
		Operator:    "alice",
		ConfirmedAt: time.Now().UTC(),
		Recipients: []ManualEvidenceRecipient{
			{Email: "jane@example.com", MessageID: "msg-1"},
		},
	}
	data, err := json.Marshal(evidence)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(evidencePath, data, 0600))

	ev, err := loadAndValidateManualEvidence(evidencePath, "req-fixed-2", "run-fixed-2", []string{"jane@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "alice", ev.Operator)
}

func TestRunRecipientsChangedAppliesDomainFilter(t *testing.T) {
	a, _ := newTestArbiter(t, config.Config{DomainBlacklist: []string{"blocked.example"}})
	result, err := a.Run(context.Background(), RunRequest{
		SendMode:   config.SendModeDraftOnly,
		Recipients: testRecipients(),
		Product:    testProduct(),
		Hearing: &HearingInput{
			RecipientsChanged: true,
			FinalRecipients:   []string{"jane@example.com", "bob@blocked.example"},
			UserApproved:      true,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDraftComplete, result.Outcome)
	assert.Contains(t, result.BlockedReasons[0], "blocked.example")
}

func TestRunBlockedWhenAllRecipientsFilteredOut(t *testing.T) {
	a, _ := newTestArbiter(t, config.Config{DomainBlacklist: []string{"example.com"}})
	result, err := a.Run(context.Background(), RunRequest{
		SendMode:   config.SendModeDraftOnly,
		Recipients: testRecipients(),
		Product:    testProduct(),
		Hearing: &HearingInput{
			RecipientsChanged: true,
			FinalRecipients:   []string{"jane@example.com"},
			UserApproved:      true,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, result.Outcome)
}

func TestDraftFilenameSanitizesAndTruncates(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	name := draftFilename(at, `bad/name:*?"<>|`+"reallyreallyreallyreallyreallyreallyreallylongproductname", "req-1", "run-1")
	assert.NotContains(t, name, "/")
	assert.NotContains(t, name, ":")
	assert.True(t, len(name) < 120)
}

func TestResolveDraftPathSuffixesOnCollision(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "draft.md"), []byte("x"), 0600))
	path, err := resolveDraftPath(dir, "draft.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "draft_v2.md"), path)
}

func TestFilterByDomainBlacklistWinsOverWhitelist(t *testing.T) {
	allowed, blocked := filterByDomain(
		[]string{"a@good.example", "b@bad.example"},
		[]string{"good.example", "bad.example"},
		[]string{"bad.example"},
	)
	assert.Equal(t, []string{"a@good.example"}, allowed)
	require.Len(t, blocked, 1)
	assert.Contains(t, blocked[0], "b@bad.example")
}
