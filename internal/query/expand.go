package query

import (
	"regexp"
	"strings"
)

// defaultSynonyms groups intent words with the variants worth appending.
// Order inside each group is the append order.
var defaultSynonyms = map[string][]string{
	"install":     {"installation", "setup", "deploy"},
	"configure":   {"configuration", "settings", "setup"},
	"error":       {"fault", "failure", "issue"},
	"problem":     {"issue", "fault"},
	"fix":         {"resolve", "repair", "solution"},
	"restart":     {"reboot", "relaunch"},
	"upgrade":     {"update", "migration"},
	"delete":      {"remove", "uninstall"},
	"connect":     {"connection", "link"},
	"backup":      {"restore", "archive"},
	"license":     {"licensing", "activation"},
	"slow":        {"performance", "latency"},
	"crash":       {"failure", "abort"},
	"requirement": {"prerequisite", "specification"},
}

// stopwords are excluded from the significant-word count.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "to": true, "of": true,
	"in": true, "on": true, "for": true, "and": true, "or": true,
	"do": true, "does": true, "did": true, "i": true, "my": true,
	"it": true, "with": true, "at": true, "by": true, "from": true,
	"how": true, "what": true, "where": true, "when": true, "why": true,
	"can": true, "us": true, "we": true, "you": true, "this": true,
	"that": true,
}

// exactTermMarkers suppress expansion: their presence signals the user
// wants literal matching.
var exactTermMarkers = map[string]bool{
	"version": true, "ip": true, "url": true, "api": true,
	"id": true, "uuid": true, "hash": true,
}

// specificQuestionPatterns are short fact questions where synonyms only
// add noise.
var specificQuestionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^what is (the )?[\w-]+$`),
	regexp.MustCompile(`^where is (the )?[\w-]+$`),
	regexp.MustCompile(`^when did [\w-]+`),
}

var wordPattern = regexp.MustCompile(`[\w-]+`)

// significantWords returns the lowercased non-stopword tokens of q.
func significantWords(q string) []string {
	var out []string
	for _, w := range wordPattern.FindAllString(strings.ToLower(q), -1) {
		if !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

// ShouldExpand applies the deterministic expansion policy: every
// condition must hold or the query goes through verbatim.
func ShouldExpand(normalized string) bool {
	if strings.Contains(normalized, `"`) {
		return false
	}
	sig := significantWords(normalized)
	if len(sig) < 3 || len(sig) > 8 {
		return false
	}
	for _, w := range sig {
		if exactTermMarkers[w] {
			return false
		}
	}
	probe := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(normalized, "?")))
	for _, pat := range specificQuestionPatterns {
		if pat.MatchString(probe) {
			return false
		}
	}
	return true
}

// Expand appends unique synonyms for each significant word, in word
// order, never reordering or duplicating the original tokens. The second
// return reports whether anything was appended.
func (p *Processor) Expand(normalized string) (string, bool) {
	present := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(strings.ToLower(normalized), -1) {
		present[w] = true
	}

	var appended []string
	for _, w := range significantWords(normalized) {
		for _, syn := range p.synonyms[w] {
			if !present[syn] {
				present[syn] = true
				appended = append(appended, syn)
			}
		}
	}
	if len(appended) == 0 {
		return normalized, false
	}
	return normalized + " " + strings.Join(appended, " "), true
}
