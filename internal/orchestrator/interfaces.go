package orchestrator

import "context"

// Recipient is one row of the batch's recipient list, already resolved by
// the (out-of-scope) ContactSource collaborator.
type Recipient struct {
	Email       string
	CompanyName string
}

// ProductInfo is the maker/product identity shared by every recipient in
// the batch; it feeds key derivation and the audit record's product_info.
type ProductInfo struct {
	MakerCode    string
	ProductURL   string
	CanonicalURL string
	Quantity     string
}

// Template renders the subject/body for one recipient. Template rendering
// (variable substitution) is an out-of-scope collaborator: the core only
// consumes this interface.
type Template interface {
	Render(ctx context.Context, recipient Recipient, product ProductInfo) (subject, body string, err error)
}

// ConfirmReason identifies which pipeline step is asking for an operator
// decision, so a single Confirmer can branch on it.
type ConfirmReason string

const (
	ConfirmReasonBulkThreshold     ConfirmReason = "bulk_threshold"
	ConfirmReasonUnknownSent       ConfirmReason = "unknown_sent_unresolved"
	ConfirmReasonRerun             ConfirmReason = "rerun_confirm"
)

// Confirmer resolves points in the pipeline that require an explicit
// affirmative decision before proceeding. A nil Confirmer is treated as
// "never confirms" -- the safe default for non-interactive callers.
type Confirmer interface {
	Confirm(ctx context.Context, reason ConfirmReason, recipient Recipient, count int) (bool, error)
}

// ConfirmerFunc adapts a plain function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, reason ConfirmReason, recipient Recipient, count int) (bool, error)

func (f ConfirmerFunc) Confirm(ctx context.Context, reason ConfirmReason, recipient Recipient, count int) (bool, error) {
	return f(ctx, reason, recipient, count)
}
