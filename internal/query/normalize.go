package query

import (
	"regexp"
	"sort"
	"strings"
)

// productAliases maps lowercase alias phrases to canonical product
// names. The lowercase form of every canonical name maps to itself so
// normalization is a fixed point.
var productAliases = map[string]string{
	"openlab cds":  "OpenLab CDS",
	"open lab cds": "OpenLab CDS",
	"olcds":        "OpenLab CDS",
	"openlab":      "OpenLab",
	"open lab":     "OpenLab",
	"chemstation":  "ChemStation",
	"chem station": "ChemStation",
	"masshunter":   "MassHunter",
	"mass hunter":  "MassHunter",
	"bge-m3":       "BGE-M3",
	"bge m3":       "BGE-M3",
}

// aliasOrder holds alias keys longest-first so multi-word aliases win
// over their substrings.
var aliasOrder = func() []string {
	keys := make([]string, 0, len(productAliases))
	for k := range productAliases {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}()

var aliasPatterns = func() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(productAliases))
	for alias := range productAliases {
		out[alias] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(alias) + `\b`)
	}
	return out
}()

var (
	errorCodePattern = regexp.MustCompile(`(?i)\b([KM])[-\s]?([0-9]{3,6}[A-Z]?)\b`)
	versionPattern   = regexp.MustCompile(`(?i)\b(?:v|ver\.?|version)\s*([0-9]+\.[0-9]+(?:\.[0-9]+)?)\b`)
	whitespaceRuns   = regexp.MustCompile(`\s+`)
)

// Normalize canonicalizes the query text and reports the entities it
// recognized. It is idempotent: normalizing an already normalized query
// changes nothing.
func Normalize(raw string) (string, Entities) {
	q := whitespaceRuns.ReplaceAllString(strings.TrimSpace(raw), " ")

	var ents Entities

	for _, alias := range aliasOrder {
		canonical := productAliases[alias]
		if aliasPatterns[alias].MatchString(q) {
			q = aliasPatterns[alias].ReplaceAllString(q, canonical)
			// Longest alias wins: "OpenLab CDS" already covers "OpenLab".
			if !coveredBy(ents.Products, canonical) {
				ents.Products = append(ents.Products, canonical)
			}
		}
	}

	q = errorCodePattern.ReplaceAllStringFunc(q, func(m string) string {
		sub := errorCodePattern.FindStringSubmatch(m)
		code := strings.ToUpper(sub[1] + sub[2])
		if !containsString(ents.ErrorCodes, code) {
			ents.ErrorCodes = append(ents.ErrorCodes, code)
		}
		return code
	})

	q = versionPattern.ReplaceAllStringFunc(q, func(m string) string {
		sub := versionPattern.FindStringSubmatch(m)
		version := "v" + sub[1]
		if !containsString(ents.Versions, version) {
			ents.Versions = append(ents.Versions, version)
		}
		return version
	})

	return q, ents
}

// coveredBy reports whether s is already contained in a recorded longer
// product name.
func coveredBy(list []string, s string) bool {
	for _, x := range list {
		if strings.Contains(x, s) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
