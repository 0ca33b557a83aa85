package orchestrator

import (
	"context"
	"fmt"
)

// StaticTemplate is a trivial Template test double: it renders a fixed
// subject and a body referencing the product's maker code and URL. Real
// deployments supply their own renderer at the composition root; template
// rendering is an out-of-scope collaborator here.
type StaticTemplate struct {
	Subject string
}

// NewStaticTemplate constructs a StaticTemplate with the given subject, or
// "Quote Request" if subject is empty.
func NewStaticTemplate(subject string) *StaticTemplate {
	if subject == "" {
		subject = "Quote Request"
	}
	return &StaticTemplate{Subject: subject}
}

func (t *StaticTemplate) Render(_ context.Context, recipient Recipient, product ProductInfo) (string, string, error) {
	body := fmt.Sprintf("Hello %s,\n\nPlease provide a quote for %s (qty %s) at %s.\n",
		recipient.CompanyName, product.MakerCode, product.Quantity, product.ProductURL)
	return t.Subject, body, nil
}
