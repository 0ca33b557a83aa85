package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WriteSentList emits logs/sent_list_{ts}.csv: one row per successful send
// with email_enc, company name, sent time, and Message-ID, drawn from
// rec.Details where Action == ActionSent.
func (w *AuditWriter) WriteSentList(rec AuditRecord, at time.Time) (string, error) {
	path := filepath.Join(w.logsDir, sentListFilename(at))
	header := []string{"email_enc", "company_name", "sent_at_utc", "message_id"}
	var rows [][]string
	for _, d := range rec.Details {
		if d.Action != ActionSent {
			continue
		}
		var sentAt string
		if d.SentAt != nil {
			sentAt = d.SentAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{d.EmailEnc, d.CompanyName, sentAt, d.MessageID})
	}
	return w.writeCSV(path, header, rows)
}

// WriteUnsentList emits logs/unsent_list_{ts}.csv: one row per failure with
// email_enc, company, and error, drawn from rec.Details where the recipient
// never reached SENT.
func (w *AuditWriter) WriteUnsentList(rec AuditRecord, at time.Time) (string, error) {
	path := filepath.Join(w.logsDir, unsentListFilename(at))
	header := []string{"email_enc", "company_name", "error"}
	var rows [][]string
	for _, d := range rec.Details {
		if d.Action == ActionSent {
			continue
		}
		rows = append(rows, []string{d.EmailEnc, d.CompanyName, d.ErrorMessage})
	}
	return w.writeCSV(path, header, rows)
}

func (w *AuditWriter) writeCSV(path string, header []string, rows [][]string) (string, error) {
	if err := os.MkdirAll(w.logsDir, 0o755); err != nil {
		return "", fmt.Errorf("audit: mkdir logs dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("audit: create %s: %w", path, err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	if err := writer.Write(header); err != nil {
		return "", fmt.Errorf("audit: write %s header: %w", path, err)
	}
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return "", fmt.Errorf("audit: write %s row: %w", path, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", fmt.Errorf("audit: flush %s: %w", path, err)
	}
	return path, nil
}
