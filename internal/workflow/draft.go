package workflow

import (
	"fmt"
	"strings"

	"github.com/ignite/quote-sender/internal/orchestrator"
)

// renderDraft produces the markdown body placed at outputs/drafts/ for
// operator review before a send is approved.
func renderDraft(product orchestrator.ProductInfo, requestID, runID string, recipients []orchestrator.Recipient) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Quote Request Draft\n\n"))
	sb.WriteString(fmt.Sprintf("- request_id: %s\n", requestID))
	sb.WriteString(fmt.Sprintf("- run_id: %s\n", runID))
	sb.WriteString(fmt.Sprintf("- maker_code: %s\n", product.MakerCode))
	sb.WriteString(fmt.Sprintf("- product_url: %s\n", product.ProductURL))
	sb.WriteString(fmt.Sprintf("- quantity: %s\n\n", product.Quantity))

	sb.WriteString(fmt.Sprintf("## Recipients (%d)\n\n", len(recipients)))
	for _, r := range recipients {
		sb.WriteString(fmt.Sprintf("- %s <%s>\n", r.CompanyName, r.Email))
	}

	return sb.String()
}
