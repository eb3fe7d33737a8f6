package answer

import (
	"fmt"
	"strings"

	"github.com/sagequery/sagequery/internal/query"
)

// NotAvailableSentence is the canonical wording the model must use when
// the context does not contain the answer.
const NotAvailableSentence = "The provided documentation does not contain this information."

// typeClauses adjust the answer emphasis per query intent.
var typeClauses = map[query.Type]string{
	query.TypeProcedural:      "Present the answer as numbered steps in the order they must be performed.",
	query.TypeDefinitional:    "Lead with a precise definition, then add any qualifying details from the context.",
	query.TypeTroubleshooting: "Structure the answer as a diagnostic flow: likely cause first, then checks and fixes in order.",
	query.TypeLocational:      "State exactly where the item is found, citing the source and page.",
	query.TypeGeneral:         "Answer concisely and completely using only the context.",
}

// PromptBuilder renders the system and user messages for the generator.
type PromptBuilder struct{}

// NewPromptBuilder returns a builder.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{}
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Build produces the chat messages: grounding rules, citation rules, the
// assembled context, and the question.
func (p *PromptBuilder) Build(qc *query.Context, contextText string) []Message {
	var sys strings.Builder
	sys.WriteString("You are a documentation assistant. Answer strictly from the provided context.\n")
	sys.WriteString("Rules:\n")
	sys.WriteString("- Use only information present in the context sections below. Do not use outside knowledge.\n")
	sys.WriteString("- Cite evidence with bracketed reference numbers like [1], or as [Source: <name>, Page <n>].\n")
	sys.WriteString(fmt.Sprintf("- If the context does not contain the answer, reply exactly: %q\n", NotAvailableSentence))
	sys.WriteString("- Never invent product names, versions, error codes, or steps.\n")
	if clause, ok := typeClauses[qc.Type]; ok {
		sys.WriteString("- " + clause + "\n")
	}

	user := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextText, qc.Normalized)
	return []Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user},
	}
}
