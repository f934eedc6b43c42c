package services

import (
	"fmt"
	"strings"

	"github.com/complyhq/compliance-backend/internal/types"
)

// Per-call document text limits. Bulk map sends one document against many
// controls so it gets the most room; combined coverage sends several
// documents in one prompt so each is truncated hardest.
const (
	singleMatchTextLimit = 8000
	combinedDocTextLimit = 4000
	bulkMapTextLimit     = 10000
	controlDescTextLimit = 1500
)

const scorerSystemPrompt = "You are a compliance analyst. You assess how well policy and evidence documents satisfy regulatory controls. Respond with JSON only, no surrounding prose."

func truncateText(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}

func buildSingleMatchPrompt(control *types.Control, docTitle, docText string) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Assess how well the document below satisfies the regulatory control.\n\n")
	fmt.Fprintf(&b, "Control %s: %s\n", control.Code, control.Title)
	fmt.Fprintf(&b, "Description: %s\n", truncateText(control.Description, controlDescTextLimit))
	if control.EvidenceHint != "" {
		fmt.Fprintf(&b, "Expected evidence: %s\n", truncateText(control.EvidenceHint, controlDescTextLimit))
	}
	fmt.Fprintf(&b, "\nDocument: %s\n---\n%s\n---\n\n", docTitle, truncateText(docText, singleMatchTextLimit))
	b.WriteString(`Return a JSON object: {"score": <0-100 integer>, "rationale": "<why this score>", "recommendations": "<what would improve coverage>"}`)
	return scorerSystemPrompt, b.String()
}

type combinedDoc struct {
	Title string
	Text  string
}

func buildCombinedCoveragePrompt(control *types.Control, docs []combinedDoc) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Assess the COMBINED coverage the documents below provide for the regulatory control. Additional documents can only add coverage, never reduce it.\n\n")
	fmt.Fprintf(&b, "Control %s: %s\n", control.Code, control.Title)
	fmt.Fprintf(&b, "Description: %s\n", truncateText(control.Description, controlDescTextLimit))
	if control.EvidenceHint != "" {
		fmt.Fprintf(&b, "Expected evidence: %s\n", truncateText(control.EvidenceHint, controlDescTextLimit))
	}
	for i, d := range docs {
		fmt.Fprintf(&b, "\nDocument %d: %s\n---\n%s\n---\n", i+1, d.Title, truncateText(d.Text, combinedDocTextLimit))
	}
	b.WriteString("\n")
	b.WriteString(`Return a JSON object: {"score": <0-100 integer for combined coverage>, "rationale": "<why this score>", "recommendations": "<what would improve coverage>"}`)
	return scorerSystemPrompt, b.String()
}

func buildBulkMapPrompt(docTitle, docText string, batch []*types.Control) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Identify which of the regulatory controls below this document meaningfully covers. Only include controls with a score of 60 or higher.\n\n")
	fmt.Fprintf(&b, "Document: %s\n---\n%s\n---\n\nControls:\n", docTitle, truncateText(docText, bulkMapTextLimit))
	for _, c := range batch {
		fmt.Fprintf(&b, "- id=%s %s: %s: %s\n", c.ID, c.Code, c.Title, truncateText(c.Description, 400))
	}
	b.WriteString("\n")
	b.WriteString(`Return a JSON array: [{"id": "<control id>", "score": <0-100 integer>, "rationale": "<why>", "recommendations": "<improvements>"}]. Return [] if no control is covered.`)
	return scorerSystemPrompt, b.String()
}
