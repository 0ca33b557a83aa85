package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var jst = time.FixedZone("JST", 9*60*60)

var windowsInvalidChars = []string{`\`, "/", ":", "*", "?", `"`, "<", ">", "|"}

// sanitizeProductName replaces Windows-invalid filename characters with
// "_", strips trailing spaces/dots, and truncates to maxLen runes.
func sanitizeProductName(name string, maxLen int) string {
	s := name
	for _, c := range windowsInvalidChars {
		s = strings.ReplaceAll(s, c, "_")
	}
	s = strings.TrimRight(s, " .")
	r := []rune(s)
	if len(r) > maxLen {
		r = r[:maxLen]
	}
	return strings.TrimRight(string(r), " .")
}

func shortSHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// draftFilename builds the base filename (without directory or collision
// suffix) for one run: {YYMMDD_JST}_{sanitized_product<=40}_{sha256(request_id)[:12]}_{sha256(run_id)[:12]}.md
func draftFilename(at time.Time, productName, requestID, runID string) string {
	date := at.In(jst).Format("060102")
	product := sanitizeProductName(productName, 40)
	return date + "_" + product + "_" + shortSHA256(requestID) + "_" + shortSHA256(runID) + ".md"
}

// resolveDraftPath appends a "_v{n}" collision suffix until dir/name (or
// dir/name_v{n}.md) does not already exist.
func resolveDraftPath(dir, filename string) (string, error) {
	base := strings.TrimSuffix(filename, ".md")
	candidate := filepath.Join(dir, filename)
	for n := 2; ; n++ {
		_, err := os.Stat(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = filepath.Join(dir, base+"_v"+strconv.Itoa(n)+".md")
	}
}
