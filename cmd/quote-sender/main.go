// Command quote-sender is the core batch CLI: it loads one JSON input file
// describing an operator, a product, and a recipient list, and drives
// SendOrchestrator.ProcessBatch directly. run-workflow and rerun-override are
// separate binaries that open the ledger themselves and do not invoke this one.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ignite/quote-sender/internal/audit"
	"github.com/ignite/quote-sender/internal/config"
	"github.com/ignite/quote-sender/internal/cryptobox"
	"github.com/ignite/quote-sender/internal/hmachasher"
	"github.com/ignite/quote-sender/internal/keys"
	"github.com/ignite/quote-sender/internal/keyvault"
	"github.com/ignite/quote-sender/internal/ledger"
	"github.com/ignite/quote-sender/internal/orchestrator"
	"github.com/ignite/quote-sender/internal/pkg/dbretry"
	"github.com/ignite/quote-sender/internal/pkg/logger"
	"github.com/ignite/quote-sender/internal/transport"
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
	Operator   string                `json:"operator"`
	RunID      string                `json:"run_id"`
	Product    batchInputProduct     `json:"product"`
	Recipients []batchInputRecipient `json:"recipients"`
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

// stdinConfirmer prompts the operator on stdin/stdout for every
// confirmation point. Used only when --interactive is set; the default is
// no confirmer, which resolves every confirmation point to "not confirmed".
type stdinConfirmer struct {
	reader *bufio.Reader
}

func (c *stdinConfirmer) Confirm(_ context.Context, reason orchestrator.ConfirmReason, recipient orchestrator.Recipient, count int) (bool, error) {
	fmt.Printf("confirm %s (recipient=%s, count=%d) [y/N]: ", reason, recipient.Email, count)
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return false, nil
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func main() {
	var (
		baseDir       = flag.String("base-dir", ".", "skill base directory (holds config/, logs/, outputs/)")
		configPath    = flag.String("config", "config/config.json", "path to config.json, relative to base-dir unless absolute")
		inputPath     = flag.String("input", "", "path to a batch input JSON file (required)")
		dryRun        = flag.Bool("dry-run", true, "use the dry-run transport instead of the real Graph transport")
		graphToken    = flag.String("graph-token", "", "bearer token for the Graph transport (required unless --dry-run)")
		interactive   = flag.Bool("interactive", false, "prompt on stdin for confirmation points instead of auto-declining them")
		operatorFlag  = flag.String("operator", "", "operator name recorded on the audit record, overrides the input file's operator")
	)
	flag.Parse()

	if *inputPath == "" {
		log.Fatal("quote-sender: --input is required")
	}

	resolvedConfigPath := *configPath
	if !filepath.IsAbs(resolvedConfigPath) {
		resolvedConfigPath = filepath.Join(*baseDir, resolvedConfigPath)
	}
	cfg, err := config.LoadFromEnv(resolvedConfigPath)
	if err != nil {
		log.Fatalf("quote-sender: load config: %v", err)
	}

	in, err := loadBatchInput(*inputPath)
	if err != nil {
		log.Fatalf("quote-sender: %v", err)
	}
	operator := in.Operator
	if *operatorFlag != "" {
		operator = *operatorFlag
	}
	runID := in.RunID
	if runID == "" {
		runID = time.Now().UTC().Format("20060102T150405Z") + "-" + operator
	}

	logsDir := filepath.Join(*baseDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		log.Fatalf("quote-sender: prepare logs dir: %v", err)
	}

	l, err := ledger.Open(filepath.Join(logsDir, "send_ledger.sqlite3"), cfg.DedupeBusyTimeout(),
		dbretry.Policy{MaxAttempts: cfg.DedupeRetryAttempts, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond})
	if err != nil {
		log.Fatalf("quote-sender: open ledger: %v", err)
	}
	defer l.Close()

	vault, err := keyvault.NewFileVault(filepath.Join(*baseDir, "secrets", "vault.enc"), filepath.Join(*baseDir, "secrets", "vault.key"))
	if err != nil {
		log.Fatalf("quote-sender: open key vault: %v", err)
	}

	registry := hmachasher.NewKeyRegistry(filepath.Join(logsDir, "request_history", "hmac_key_registry.json"))
	hasher := hmachasher.New(vault, registry, cfg.HMACCredentialService)

	box := cryptobox.New(vault, cfg.HMACCredentialService)
	auditWriter := audit.NewAuditWriter(logsDir, box)

	var t transport.Transport
	if *dryRun {
		t = transport.NewDryRunTransport()
		logger.Info("quote-sender: using dry-run transport")
	} else {
		if *graphToken == "" {
			log.Fatal("quote-sender: --graph-token is required unless --dry-run")
		}
		t = transport.NewGraphTransport(transport.GraphConfig{
			BearerToken:  *graphToken,
			SendInterval: cfg.SendInterval(),
		}, nil)
	}

	var confirmer orchestrator.Confirmer
	if *interactive {
		confirmer = &stdinConfirmer{reader: bufio.NewReader(os.Stdin)}
	}

	orch := orchestrator.New(l, hasher, t, orchestrator.NewStaticTemplate(""), confirmer, *cfg)

	recipients := make([]orchestrator.Recipient, len(in.Recipients))
	for i, r := range in.Recipients {
		recipients[i] = orchestrator.Recipient{Email: r.Email, CompanyName: r.CompanyName}
	}
	canonical, err := keys.CanonicalInputURL(in.Product.ProductURL)
	if err != nil {
		log.Fatalf("quote-sender: canonicalize product_url: %v", err)
	}
	product := orchestrator.ProductInfo{
		MakerCode: in.Product.MakerCode, ProductURL: in.Product.ProductURL,
		CanonicalURL: canonical, Quantity: in.Product.Quantity,
	}

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Warn("quote-sender: shutdown signal received, finishing in-flight recipient before exit")
		cancel()
	}()

	if err := l.CleanupOnBatchStart(ctx, cfg.LogRetentionDays, cfg.RerunWindowHours, cfg.RequestHistoryRetentionDays); err != nil {
		logger.Warn("quote-sender: cleanup_on_batch_start failed", "error", err.Error())
	}

	startedAt := time.Now().UTC()
	batch, err := orch.ProcessBatch(ctx, runID, recipients, product, nil)
	cancel()
	if err != nil && batch.ExitCode == orchestrator.ExitInvalidInput {
		log.Fatalf("quote-sender: invalid batch input: %v", err)
	}
	finishedAt := time.Now().UTC()

	// Audit encryption happens after the shutdown signal's cancel() above, so
	// it must run under a fresh, uncancelled context rather than ctx.
	auditCtx := context.Background()

	rec := audit.AuditRecord{
		ExecutionID: runID,
		RunID:       runID,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		Operator:    operator,
		InputFile:   filepath.Base(*inputPath),
		ProductInfo: audit.ProductInfo{
			MakerCode: product.MakerCode, ProductURL: product.ProductURL,
			CanonicalURL: product.CanonicalURL, Quantity: product.Quantity,
		},
	}
	for _, res := range batch.Results {
		action := auditActionFor(res)
		var sentAt *time.Time
		if res.Status == ledger.StatusSent {
			now := finishedAt
			sentAt = &now
		}
		requestKey := keys.RequestKey(cfg.DedupeKeyVersion, keys.EmailNorm(res.Recipient.Email),
			keys.MakerCodeNorm(product.MakerCode), product.CanonicalURL, keys.QuantityNorm(product.Quantity))
		detail := auditWriter.NewDetail(auditCtx, res.Recipient.Email, res.Recipient.CompanyName, requestKey, "",
			cfg.DedupeKeyVersion, res.DecisionTrace, action, res.MessageID, res.MessageIDSource, sentAt, res.Error)
		rec.Add(detail)
		if res.Error != "" {
			rec.AddError(auditWriter.NewErrorDetail(res.Recipient.Email, res.Recipient.CompanyName, res.Error, nil))
		}
	}

	auditPath, err := auditWriter.Write(rec)
	if err != nil {
		logger.Error("quote-sender: write audit record failed", "error", err.Error())
	} else {
		logger.Info("quote-sender: audit record written", "path", auditPath)
	}
	if _, err := auditWriter.WriteSentList(rec, finishedAt); err != nil {
		logger.Error("quote-sender: write sent list failed", "error", err.Error())
	}
	if _, err := auditWriter.WriteUnsentList(rec, finishedAt); err != nil {
		logger.Error("quote-sender: write unsent list failed", "error", err.Error())
	}

	logger.Info("quote-sender: batch complete", "sent", batch.SentCount, "failed", batch.FailedCount,
		"confirmation_required", batch.ConfirmationRequired, "exit_code", int(batch.ExitCode))
	os.Exit(int(batch.ExitCode))
}

func auditActionFor(res orchestrator.RecipientResult) audit.Action {
	switch {
	case res.ConfirmationRequired:
		return audit.ActionSkippedConfirm
	case res.Status == ledger.StatusSent:
		return audit.ActionSent
	case res.Status == ledger.StatusUnknownSent:
		return audit.ActionUnknownSent
	default:
		return audit.ActionFailed
	}
}
