package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// requestHistoryPath is the write-once path for one run's history record.
func requestHistoryPath(baseDir, requestID, runID string) string {
	return filepath.Join(baseDir, "logs", "request_history", requestID, runID+".json")
}

// writeRequestHistory writes rec to its deterministic path, refusing to
// overwrite an existing file -- request_history is write-once per run_id.
func writeRequestHistory(baseDir string, rec RequestHistoryRecord) (string, error) {
	path := requestHistoryPath(baseDir, rec.RequestID, rec.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("workflow: prepare request_history dir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("workflow: encode request_history: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("workflow: request_history is write-once: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("workflow: write request_history: %w", err)
	}
	return path, nil
}
