package ledger

import "time"

// EventStatus is the status recorded on a send_events row.
type EventStatus string

const (
	StatusInProgress             EventStatus = "IN_PROGRESS"
	StatusSent                   EventStatus = "SENT"
	StatusFailedPreSend          EventStatus = "FAILED_PRE_SEND"
	StatusUnknownSent            EventStatus = "UNKNOWN_SENT"
	StatusSkippedConfirmRequired EventStatus = "SKIPPED_CONFIRM_REQUIRED"
	StatusSkippedAuto            EventStatus = "SKIPPED_AUTO"
	StatusSkippedDuplicateInRun  EventStatus = "SKIPPED_DUPLICATE_IN_RUN"
)

// LockStatus is the status recorded on a send_locks row. Only IN_PROGRESS
// and UNKNOWN_SENT locks exist; every other outcome deletes the lock.
type LockStatus string

const (
	LockInProgress  LockStatus = LockStatus(StatusInProgress)
	LockUnknownSent LockStatus = LockStatus(StatusUnknownSent)
)

// SendEvent is one append-only row in send_events.
type SendEvent struct {
	ID                       int64
	CreatedAt                time.Time
	RequestKey               string
	V1Key                    string
	KeyVersion               string
	MailKey                  string
	RunID                    string
	Status                   EventStatus
	RecipientHash            string
	MessageID                string
	MessageIDSource          string
	IdempotencyToken         string
	IdempotencySecretVersion string
	SentAt                   *time.Time
	SubjectNorm              string
	DecisionTrace            []string
	Error                    string
}

// SendLock is the current reservation state for a request_key, if any.
type SendLock struct {
	RequestKey          string
	Status              LockStatus
	ExpiresAt           time.Time
	UpdatedAt           time.Time
	LastMessageID       string
	LastMessageIDSource string
	LastError           string
}

// URLAlias records the last redirect resolution observed for a canonical
// input URL.
type URLAlias struct {
	CanonicalInputURL   string
	LastFinalURL        string
	FinalHost           string
	RedirectHops        int
	FinalURLFingerprint string
	ResolveStatus       string
	ResolvedAt          time.Time
}

// OverrideKind distinguishes the two override scopes an operator can grant.
type OverrideKind string

const (
	OverrideKindRequestKey OverrideKind = "request_key"
	OverrideKindRecipient  OverrideKind = "recipient"
)

// RerunOverride is an operator-granted exception to the rerun-window guard.
type RerunOverride struct {
	ID                     int64
	CreatedAt              time.Time
	ExpiresAt              time.Time
	Kind                   OverrideKind
	TargetHash             string
	Reason                 string
	Operator               string
	Host                   string
	CommandSummaryRedacted string
}

// ReserveReason explains why reserve_send could not acquire the lock.
type ReserveReason string

const (
	ReserveReasonNone                   ReserveReason = ""
	ReserveReasonInProgressActive       ReserveReason = "in_progress_active"
	ReserveReasonInProgressExpired      ReserveReason = "in_progress_expired"
	ReserveReasonUnknownSentHoldActive  ReserveReason = "unknown_sent_hold_active"
	ReserveReasonUnknownSentHoldExpired ReserveReason = "unknown_sent_hold_expired"
	ReserveReasonLockConflict           ReserveReason = "lock_conflict"
)

// ReserveResult is the outcome of reserve_send.
type ReserveResult struct {
	Acquired     bool
	Reason       ReserveReason
	ExistingLock *SendLock
}

// OverrideDecision is the outcome of evaluate_override: whether an active
// override allows the send, plus the decision_trace tags explaining why.
type OverrideDecision struct {
	Allowed       bool
	DecisionTrace []string
}
