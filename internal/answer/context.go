package answer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sagequery/sagequery/internal/search"
)

// Default context budgets in characters.
const (
	DefaultContextBudget       = 4000
	ComprehensiveContextBudget = 12000
)

// Optimizer packs selected chunks into a bounded, source-grouped context
// window.
type Optimizer struct {
	// Budget is the maximum context size in characters.
	Budget int
	// MinKeepRatio is the floor on how much of a chunk a truncation may
	// keep; below it the chunk is skipped instead.
	MinKeepRatio float64
}

// NewOptimizer returns an optimizer with the given character budget.
func NewOptimizer(budget int) *Optimizer {
	return &Optimizer{Budget: budget, MinKeepRatio: 0.6}
}

// Build renders the context: sources in order of their best final score,
// chunks within each source sorted by final score descending, each
// annotated with page and relevance. Packing stops at the budget;
// truncation prefers natural boundaries and keeps at least MinKeepRatio
// of the chunk or drops it entirely.
func (o *Optimizer) Build(results []*search.RankedResult) string {
	if len(results) == 0 {
		return ""
	}

	type group struct {
		name   string
		best   float64
		chunks []*search.RankedResult
	}
	order := []string{}
	groups := map[string]*group{}
	for _, r := range results {
		g, ok := groups[r.SourceID]
		if !ok {
			g = &group{name: r.SourceName}
			groups[r.SourceID] = g
			order = append(order, r.SourceID)
		}
		g.chunks = append(g.chunks, r)
		if r.FinalScore > g.best {
			g.best = r.FinalScore
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return groups[order[i]].best > groups[order[j]].best
	})

	var b strings.Builder
	remaining := o.Budget
	for _, sourceID := range order {
		g := groups[sourceID]
		sort.SliceStable(g.chunks, func(i, j int) bool {
			return g.chunks[i].FinalScore > g.chunks[j].FinalScore
		})

		name := g.name
		if name == "" {
			name = sourceID
		}
		header := fmt.Sprintf("=== SOURCE: %s ===\n", name)
		if len(header) > remaining {
			break
		}
		wroteHeader := false

		for _, c := range g.chunks {
			annotation := fmt.Sprintf("[Page %d | relevance %.2f]\n", c.Page, c.FinalScore)
			overhead := len(annotation) + 2
			if !wroteHeader {
				overhead += len(header)
			}
			avail := remaining - overhead
			if avail <= 0 {
				continue
			}
			text := c.Content
			if len(text) > avail {
				truncated := truncateAtBoundary(text, avail)
				if float64(len(truncated)) < o.MinKeepRatio*float64(len(text)) {
					continue
				}
				text = truncated
			}
			if !wroteHeader {
				b.WriteString(header)
				remaining -= len(header)
				wroteHeader = true
			}
			b.WriteString(annotation)
			b.WriteString(text)
			b.WriteString("\n\n")
			remaining -= len(annotation) + len(text) + 2
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncateAtBoundary cuts text to at most limit characters, preferring
// the last sentence or paragraph boundary inside the window.
func truncateAtBoundary(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	window := text[:limit]
	best := -1
	for _, boundary := range []string{". ", ":\n", "\n\n"} {
		if idx := strings.LastIndex(window, boundary); idx >= 0 {
			end := idx + len(boundary)
			if end > best {
				best = end
			}
		}
	}
	if best > 0 {
		return strings.TrimRight(window[:best], " \n")
	}
	return window
}
