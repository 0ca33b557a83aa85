// Package audit implements AuditWriter: the tamper-evident, PII-masked
// record of a batch's outcome, written once per batch as a JSON file plus
// sent/unsent CSV companions. No *sql.DB, no Transport: this package only
// ever sees data other components have already decided.
package audit

import "time"

// Action is the terminal disposition recorded for one recipient in a batch.
type Action string

const (
	ActionSent              Action = "SENT"
	ActionFailed             Action = "FAILED_PRE_SEND"
	ActionUnknownSent        Action = "UNKNOWN_SENT"
	ActionSkippedConfirm     Action = "SKIPPED_CONFIRM_REQUIRED"
	ActionSkippedAuto        Action = "SKIPPED_AUTO"
	ActionSkippedDuplicate   Action = "SKIPPED_DUPLICATE_IN_RUN"
)

// ProductInfo is the plaintext, non-PII description of what was quoted,
// carried on the audit record for operator review.
type ProductInfo struct {
	MakerCode      string `json:"maker_code"`
	ProductURL     string `json:"product_url"`
	CanonicalURL   string `json:"canonical_url"`
	Quantity       string `json:"quantity"`
}

// Detail is one recipient's row in AuditRecord.Details. Email is carried
// only as an encrypted envelope (or, if CryptoBox was unavailable, a
// screen-masked string) -- never in the clear.
type Detail struct {
	EmailEnc        string   `json:"email_enc"`
	CompanyName     string   `json:"company_name"`
	RequestKey      string   `json:"request_key"`
	MailKey         string   `json:"mail_key"`
	DedupeKeyVersion string  `json:"dedupe_key_version"`
	DecisionTrace   []string `json:"decision_trace"`
	Action          Action   `json:"action"`
	MessageID       string   `json:"message_id,omitempty"`
	MessageIDSource string   `json:"message_id_source,omitempty"`
	SentAt          *time.Time `json:"sent_at_utc,omitempty"`
	ErrorMessage    string   `json:"error,omitempty"`
}

// ErrorDetail is one recipient's row in AuditRecord.Errors. Email is masked
// to the domain-only form; Payload (if present) has had every embedded
// email recursively masked the same way.
type ErrorDetail struct {
	EmailMasked string `json:"email_masked"`
	CompanyName string `json:"company_name"`
	Message     string `json:"message"`
	Payload     any    `json:"payload,omitempty"`
}

// Totals summarizes the batch's recipient dispositions.
type Totals struct {
	Recipients      int `json:"recipients"`
	Sent            int `json:"sent"`
	Failed          int `json:"failed"`
	UnknownSent     int `json:"unknown_sent"`
	SkippedConfirm  int `json:"skipped_confirm_required"`
	SkippedAuto     int `json:"skipped_auto"`
	SkippedDuplicate int `json:"skipped_duplicate_in_run"`
}

// AuditRecord is the full contents of one audit_{ts}_{exec8}.json file.
type AuditRecord struct {
	ExecutionID  string        `json:"execution_id"`
	RunID        string        `json:"run_id"`
	StartedAt    time.Time     `json:"started_at_utc"`
	FinishedAt   time.Time     `json:"finished_at_utc"`
	Operator     string        `json:"operator"`
	InputFile    string        `json:"input_file"`
	ProductInfo  ProductInfo   `json:"product_info"`
	Totals       Totals        `json:"totals"`
	Details      []Detail      `json:"details"`
	Errors       []ErrorDetail `json:"errors"`
}

// Add appends a detail and folds it into Totals.
func (r *AuditRecord) Add(d Detail) {
	r.Details = append(r.Details, d)
	r.Totals.Recipients++
	switch d.Action {
	case ActionSent:
		r.Totals.Sent++
	case ActionFailed:
		r.Totals.Failed++
	case ActionUnknownSent:
		r.Totals.UnknownSent++
	case ActionSkippedConfirm:
		r.Totals.SkippedConfirm++
	case ActionSkippedAuto:
		r.Totals.SkippedAuto++
	case ActionSkippedDuplicate:
		r.Totals.SkippedDuplicate++
	}
}

// AddError appends an error detail. It does not affect Totals.Recipients;
// callers that also want the recipient counted as failed must additionally
// call Add with ActionFailed.
func (r *AuditRecord) AddError(e ErrorDetail) {
	r.Errors = append(r.Errors, e)
}
