package answer

import (
	"regexp"
	"strings"
)

var (
	headerPrefix   = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	ruleLine       = regexp.MustCompile(`(?m)^[\s]*[*\-=]{3,}[\s]*$`)
	tripleNewlines = regexp.MustCompile(`\n{3,}`)
)

// Clean strips markdown artifacts the chat model tends to emit: heading
// markers (the heading text survives), horizontal-rule lines, and runs
// of blank lines.
func Clean(text string) string {
	text = headerPrefix.ReplaceAllString(text, "")
	text = ruleLine.ReplaceAllString(text, "")
	text = tripleNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
