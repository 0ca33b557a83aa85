package orchestrator

import "github.com/ignite/quote-sender/internal/ledger"

// RecipientResult is the terminal disposition of one recipient in a batch.
type RecipientResult struct {
	Recipient            Recipient
	Status               ledger.EventStatus
	DecisionTrace        []string
	MessageID            string
	MessageIDSource       string
	Error                string
	ConfirmationRequired bool
}

// ExitCode mirrors the batch's external interface exit codes.
type ExitCode int

const (
	ExitOK                  ExitCode = 0
	ExitOther               ExitCode = 1
	ExitConfirmationRequired ExitCode = 3
	ExitInvalidInput        ExitCode = 4
)

// BatchResult is ProcessBatch's return value: one result per recipient that
// reached the pipeline, plus the aggregate exit code.
type BatchResult struct {
	Results              []RecipientResult
	SentCount            int
	FailedCount          int
	ConfirmationRequired int
	ExitCode             ExitCode
}

func (r *BatchResult) add(res RecipientResult) {
	r.Results = append(r.Results, res)
	switch res.Status {
	case ledger.StatusSent:
		r.SentCount++
	case ledger.StatusFailedPreSend:
		r.FailedCount++
	}
	if res.ConfirmationRequired {
		r.ConfirmationRequired++
	}
}

// finalize sets ExitCode per the external interface: confirmation_required
// takes precedence over a plain failure, which takes precedence over OK.
func (r *BatchResult) finalize() {
	switch {
	case r.ConfirmationRequired > 0:
		r.ExitCode = ExitConfirmationRequired
	case r.FailedCount > 0:
		r.ExitCode = ExitOther
	default:
		r.ExitCode = ExitOK
	}
}
