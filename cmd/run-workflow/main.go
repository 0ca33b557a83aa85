// Command run-workflow is a thin wrapper over WorkflowArbiter.Run: it loads
// config and ledger state the same way quote-sender does, reads a batch
// input file for the recipient/product payload and an optional
// hearing-input file for the enhanced-mode operator edits, and prints the
// resulting outcome. Not core -- the arbiter and orchestrator it drives are.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ignite/quote-sender/internal/config"
	"github.com/ignite/quote-sender/internal/hmachasher"
	"github.com/ignite/quote-sender/internal/keys"
	"github.com/ignite/quote-sender/internal/keyvault"
	"github.com/ignite/quote-sender/internal/ledger"
	"github.com/ignite/quote-sender/internal/orchestrator"
	"github.com/ignite/quote-sender/internal/pkg/dbretry"
	"github.com/ignite/quote-sender/internal/transport"
	"github.com/ignite/quote-sender/internal/workflow"
)

type batchInputRecipient struct {
	Email       string `json:"email"`
	CompanyName string `json:"company_name"`
}

type batchInputProduct struct {
	MakerCode  string `json:"maker_code"`
	ProductURL string `json:"product_url"`
	Quantity   string `json:"quantity"`
}

type batchInput struct {
	Product    batchInputProduct    `json:"product"`
	Recipients []batchInputRecipient `json:"recipients"`
}

type hearingInputFile struct {
	RecipientsChanged bool     `json:"recipients_changed"`
	FinalRecipients   []string `json:"final_recipients"`
	SendMode          string   `json:"send_mode"`
	OtherRequests     string   `json:"other_requests"`
	UserApproved      bool     `json:"user_approved"`
}

func loadBatchInput(path string) (batchInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return batchInput{}, fmt.Errorf("read input file: %w", err)
	}
	var in batchInput
	if err := json.Unmarshal(data, &in); err != nil {
		return batchInput{}, fmt.Errorf("decode input file: %w", err)
	}
	return in, nil
}

func loadHearingInput(path string) (*workflow.HearingInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hearing-input file: %w", err)
	}
	var hf hearingInputFile
	if err := json.Unmarshal(data, &hf); err != nil {
		return nil, fmt.Errorf("decode hearing-input file: %w", err)
	}
	return &workflow.HearingInput{
		RecipientsChanged: hf.RecipientsChanged,
		FinalRecipients:   hf.FinalRecipients,
		SendMode:          config.SendMode(hf.SendMode),
		OtherRequests:     hf.OtherRequests,
		UserApproved:      hf.UserApproved,
	}, nil
}

func main() {
	var (
		baseDir      = flag.String("base-dir", ".", "skill base directory (holds config/, logs/, outputs/)")
		configPath   = flag.String("config", "config/config.json", "path to config.json, relative to base-dir unless absolute")
		inputPath    = flag.String("input", "", "path to a batch input JSON file carrying product/recipients (required)")
		workflowMode = flag.String("workflow-mode", "", "enhanced | legacy, overrides config's workflow_mode_default")
		sendMode     = flag.String("send-mode", "", "auto | manual | draft_only, overrides config's send_mode_default")
		hearingPath  = flag.String("hearing-input", "", "path to a hearing_input JSON file (required when workflow-mode=enhanced)")
		requestID    = flag.String("request-id", "", "reuse an existing request_id across reruns; a new one is minted if empty")
		rerunOfRunID = flag.String("rerun-of-run-id", "", "run_id this invocation reruns, recorded on request_history metadata")
		userApproved = flag.Bool("user-approved", false, "operator approval, used when --hearing-input is not supplied")
	)
	flag.Parse()

	if *inputPath == "" {
		log.Fatal("run-workflow: --input is required")
	}

	resolvedConfigPath := *configPath
	if !filepath.IsAbs(resolvedConfigPath) {
		resolvedConfigPath = filepath.Join(*baseDir, resolvedConfigPath)
	}
	cfg, err := config.LoadFromEnv(resolvedConfigPath)
	if err != nil {
		log.Fatalf("run-workflow: load config: %v", err)
	}

	in, err := loadBatchInput(*inputPath)
	if err != nil {
		log.Fatalf("run-workflow: %v", err)
	}

	var hearing *workflow.HearingInput
	if *hearingPath != "" {
		hearing, err = loadHearingInput(*hearingPath)
		if err != nil {
			log.Fatalf("run-workflow: %v", err)
		}
	} else if config.WorkflowMode(*workflowMode) == config.WorkflowModeEnhanced {
		log.Fatal("run-workflow: --hearing-input is required when --workflow-mode=enhanced")
	} else if *userApproved {
		hearing = &workflow.HearingInput{UserApproved: true}
	}

	logsDir := filepath.Join(*baseDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		log.Fatalf("run-workflow: prepare logs dir: %v", err)
	}

	l, err := ledger.Open(filepath.Join(logsDir, "send_ledger.sqlite3"), cfg.DedupeBusyTimeout(),
		dbretry.Policy{MaxAttempts: cfg.DedupeRetryAttempts, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond})
	if err != nil {
		log.Fatalf("run-workflow: open ledger: %v", err)
	}
	defer l.Close()

	vault, err := keyvault.NewFileVault(filepath.Join(*baseDir, "secrets", "vault.enc"), filepath.Join(*baseDir, "secrets", "vault.key"))
	if err != nil {
		log.Fatalf("run-workflow: open key vault: %v", err)
	}
	registry := hmachasher.NewKeyRegistry(filepath.Join(logsDir, "request_history", "hmac_key_registry.json"))
	hasher := hmachasher.New(vault, registry, cfg.HMACCredentialService)

	orch := orchestrator.New(l, hasher, transport.NewDryRunTransport(), orchestrator.NewStaticTemplate(""), nil, *cfg)
	arbiter := workflow.New(l, hasher, orch, *cfg, *baseDir)

	recipients := make([]orchestrator.Recipient, len(in.Recipients))
	for i, r := range in.Recipients {
		recipients[i] = orchestrator.Recipient{Email: r.Email, CompanyName: r.CompanyName}
	}
	canonical, err := keys.CanonicalInputURL(in.Product.ProductURL)
	if err != nil {
		log.Fatalf("run-workflow: canonicalize product_url: %v", err)
	}
	product := orchestrator.ProductInfo{
		MakerCode: in.Product.MakerCode, ProductURL: in.Product.ProductURL,
		CanonicalURL: canonical, Quantity: in.Product.Quantity,
	}

	req := workflow.RunRequest{
		RequestID:    *requestID,
		WorkflowMode: config.WorkflowMode(*workflowMode),
		SendMode:     config.SendMode(*sendMode),
		Recipients:   recipients,
		Product:      product,
		Hearing:      hearing,
		RerunOfRunID: *rerunOfRunID,
	}

	result, err := arbiter.Run(context.Background(), req)
	if err != nil {
		log.Fatalf("run-workflow: %v", err)
	}

	fmt.Printf("request_id=%s run_id=%s outcome=%s\n", result.RequestID, result.RunID, result.Outcome)
	if result.DraftPath != "" {
		fmt.Printf("draft=%s\n", result.DraftPath)
	}
	fmt.Printf("history=%s\n", result.HistoryPath)
	for _, reason := range result.BlockedReasons {
		fmt.Printf("blocked_reason=%s\n", reason)
	}

	switch result.Outcome {
	case workflow.OutcomeSent, workflow.OutcomeDraftComplete:
		os.Exit(0)
	case workflow.OutcomeBlocked:
		os.Exit(1)
	default:
		os.Exit(3)
	}
}
