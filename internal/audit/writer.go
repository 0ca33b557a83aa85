package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AuditWriter builds and persists one AuditRecord per batch, plus the
// sent/unsent CSV companions, under a shared logs directory.
type AuditWriter struct {
	logsDir string
	enc     Encryptor
}

// NewAuditWriter constructs an AuditWriter. enc may be nil, in which case
// every email is screen-masked instead of encrypted.
func NewAuditWriter(logsDir string, enc Encryptor) *AuditWriter {
	return &AuditWriter{logsDir: logsDir, enc: enc}
}

// NewDetail builds one Detail, encrypting (or masking) the recipient email.
func (w *AuditWriter) NewDetail(ctx context.Context, email, companyName, requestKey, mailKey, dedupeKeyVersion string, trace []string, action Action, messageID, messageIDSource string, sentAt *time.Time, errorMessage string) Detail {
	return Detail{
		EmailEnc:         maskEmail(ctx, w.enc, email),
		CompanyName:      companyName,
		RequestKey:       requestKey,
		MailKey:          mailKey,
		DedupeKeyVersion: dedupeKeyVersion,
		DecisionTrace:    append([]string(nil), trace...),
		Action:           action,
		MessageID:        messageID,
		MessageIDSource:  messageIDSource,
		SentAt:           sentAt,
		ErrorMessage:     errorMessage,
	}
}

// NewErrorDetail builds one ErrorDetail. payload, if non-nil, should be a
// JSON-shaped value (map[string]any / []any / string / scalars) such as one
// produced by json.Unmarshal into `any`.
func (w *AuditWriter) NewErrorDetail(email, companyName, message string, payload any) ErrorDetail {
	return maskError(email, companyName, message, payload)
}

// auditFilename returns "audit_{yyyymmdd_HHMMSS}_{exec_id[:8]}.json" for at/execID.
func auditFilename(execID string, at time.Time) string {
	short := execID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("audit_%s_%s.json", at.Format("20060102_150405"), short)
}

func sentListFilename(at time.Time) string {
	return fmt.Sprintf("sent_list_%s.csv", at.Format("20060102_150405"))
}

func unsentListFilename(at time.Time) string {
	return fmt.Sprintf("unsent_list_%s.csv", at.Format("20060102_150405"))
}

// Write serializes rec to logs/audit_{ts}_{exec8}.json and returns the path
// written. finishedAt is taken from rec.FinishedAt.
func (w *AuditWriter) Write(rec AuditRecord) (string, error) {
	if err := os.MkdirAll(w.logsDir, 0o755); err != nil {
		return "", fmt.Errorf("audit: mkdir logs dir: %w", err)
	}
	path := filepath.Join(w.logsDir, auditFilename(rec.ExecutionID, rec.FinishedAt))
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("audit: marshal record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("audit: write %s: %w", path, err)
	}
	return path, nil
}
