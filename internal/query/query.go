// Package query turns a raw user query into an immutable per-request
// context: normalized text, detected entities, intent class, expansion
// decision, and metadata filters.
package query

import (
	"strings"

	sqerrors "github.com/sagequery/sagequery/internal/errors"
)

// Type is the classified query intent.
type Type string

const (
	TypeProcedural      Type = "procedural"
	TypeDefinitional    Type = "definitional"
	TypeTroubleshooting Type = "troubleshooting"
	TypeLocational      Type = "locational"
	TypeGeneral         Type = "general"
)

// Entities are the structured fragments recognized during normalization.
type Entities struct {
	Products   []string
	Versions   []string
	ErrorCodes []string
}

// Filters restrict retrieval by source metadata. Caller-supplied filters
// take precedence; extracted ones fill the gaps.
type Filters struct {
	// Version restricts to chunks whose text mentions the canonical
	// version string.
	Version string
	// Kinds restricts to the named source kinds ("file", "web", "other").
	Kinds []string
	// SourceIDs restricts to the given sources.
	SourceIDs []string
}

// Empty reports whether no restriction is set.
func (f Filters) Empty() bool {
	return f.Version == "" && len(f.Kinds) == 0 && len(f.SourceIDs) == 0
}

// Context is the processed form of one query. It is built once per
// request and never mutated afterwards.
type Context struct {
	Raw        string
	Normalized string
	// Expanded is the token stream actually embedded and scored:
	// the normalized query plus appended synonyms when expansion ran,
	// otherwise identical to Normalized.
	Expanded string
	Type     Type
	Entities Entities
	// DidExpand records whether the expansion policy fired.
	DidExpand bool
	Filters   Filters
}

// Processor builds query contexts.
type Processor struct {
	synonyms map[string][]string
}

// NewProcessor returns a processor with the built-in synonym table.
func NewProcessor() *Processor {
	return &Processor{synonyms: defaultSynonyms}
}

// Process normalizes, classifies, and optionally expands the query.
// Caller filters are merged over extracted ones.
func (p *Processor) Process(raw string, caller Filters) (*Context, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, sqerrors.BadInput("query is empty")
	}

	normalized, entities := Normalize(raw)

	qc := &Context{
		Raw:        raw,
		Normalized: normalized,
		Expanded:   normalized,
		Type:       Classify(normalized),
		Entities:   entities,
		Filters:    extractFilters(normalized, entities),
	}

	if caller.Version != "" {
		qc.Filters.Version = caller.Version
	}
	if len(caller.Kinds) > 0 {
		qc.Filters.Kinds = caller.Kinds
	}
	if len(caller.SourceIDs) > 0 {
		qc.Filters.SourceIDs = caller.SourceIDs
	}

	if ShouldExpand(normalized) {
		expanded, changed := p.Expand(normalized)
		qc.Expanded = expanded
		qc.DidExpand = changed
	}
	return qc, nil
}

// extractFilters pulls metadata restrictions out of the normalized query.
// Only the version survives as a filter; source kind hints like "in the
// manual" are left to the caller.
func extractFilters(normalized string, entities Entities) Filters {
	var f Filters
	if len(entities.Versions) > 0 {
		f.Version = entities.Versions[0]
	}
	return f
}
