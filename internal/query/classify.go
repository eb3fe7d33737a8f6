package query

import "strings"

// classBuckets lists the intent classes in priority order with their
// trigger phrases. The first bucket with any phrase present wins.
var classBuckets = []struct {
	class    Type
	triggers []string
}{
	{TypeProcedural, []string{"how to", "how do", "steps", "process", "procedure"}},
	{TypeDefinitional, []string{"what is", "what are", "define", "definition"}},
	{TypeTroubleshooting, []string{"error", "problem", "issue", "troubleshoot", "fix"}},
	{TypeLocational, []string{"where", "location", "find"}},
}

// Classify buckets the normalized query by intent.
func Classify(normalized string) Type {
	lower := strings.ToLower(normalized)
	for _, bucket := range classBuckets {
		for _, trigger := range bucket.triggers {
			if strings.Contains(lower, trigger) {
				return bucket.class
			}
		}
	}
	return TypeGeneral
}
