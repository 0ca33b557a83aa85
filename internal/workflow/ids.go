package workflow

import "github.com/google/uuid"

// newID mints a UUIDv7 (time-ordered), falling back to UUIDv4 if
// uuid.NewV7 returns an error.
func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.New().String()
}
