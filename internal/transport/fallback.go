package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FallbackID synthesizes a message id when direct response, poll, and scan
// all fail to establish one: "FALLBACK:" + UUIDv4 + ":" + unix_seconds +
// ":" + sha256(subject)[:8].
func FallbackID(subject string, at time.Time) string {
	sum := sha256.Sum256([]byte(subject))
	return fmt.Sprintf("FALLBACK:%s:%d:%s", uuid.New().String(), at.Unix(), hex.EncodeToString(sum[:])[:8])
}

// DryRunID synthesizes the id dry-run mode reports instead of sending.
func DryRunID() string {
	return "DRYRUN:" + uuid.New().String()
}
