package transport

import (
	"context"
	"time"
)

// DryRunTransport short-circuits every send to a synthesized id and never
// makes a network call. Used when config/CLI select draft_only or an
// explicit dry-run flag.
type DryRunTransport struct{}

// NewDryRunTransport constructs a DryRunTransport.
func NewDryRunTransport() *DryRunTransport { return &DryRunTransport{} }

func (t *DryRunTransport) Send(_ context.Context, msg Message, _ string) (SendOutcome, error) {
	return SendOutcome{
		Success:         true,
		Email:           msg.Recipient,
		CompanyName:     msg.CompanyName,
		MessageID:       DryRunID(),
		MessageIDSource: SourceDryRun,
		SentAt:          time.Now().UTC(),
	}, nil
}

func (t *DryRunTransport) Poll(_ context.Context, _ string) (string, bool, error) {
	return "", false, nil
}

func (t *DryRunTransport) ScanSent(_ context.Context, _, _ string, _ time.Time) (string, bool, error) {
	return "", false, nil
}

func (t *DryRunTransport) Reconcile(_ context.Context, _, _, _, _, _ string) (ReconcileOutcome, error) {
	return ReconcileOutcome{}, nil
}
