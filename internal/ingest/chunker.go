// Package ingest turns raw source pages into persisted, embedded chunks
// and tracks per-source progress through the ingest state machine.
package ingest

import (
	"regexp"
	"strings"
)

// Chunker defaults.
const (
	DefaultChunkSize  = 600
	DefaultOverlap    = 120
	DefaultMaxChunks  = 2000
	microChunkMinSize = 80
	microChunkMaxSize = 180
)

// Page is one ordered unit of source text.
type Page struct {
	Number int
	Text   string
}

// Draft is a chunk before embedding: text plus provenance.
type Draft struct {
	Page    int
	Section string
	Text    string
}

// ChunkResult is the chunker output for one source.
type ChunkResult struct {
	Chunks []Draft
	// Truncated is set when the per-source cap cut chunks; CoveragePct
	// records how much survived.
	Truncated   bool
	CoveragePct float64
}

// ChunkerOptions configure splitting behavior.
type ChunkerOptions struct {
	ChunkSize   int
	Overlap     int
	MaxChunks   int
	MicroChunks bool
}

// Chunker splits preprocessed page text at sentence boundaries into
// bounded, overlapping chunks, plus optional definition micro-chunks for
// definitional recall.
type Chunker struct {
	opts ChunkerOptions
}

// NewChunker applies defaults for zero-valued options.
func NewChunker(opts ChunkerOptions) *Chunker {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.ChunkSize {
		opts.Overlap = DefaultOverlap
	}
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = DefaultMaxChunks
	}
	return &Chunker{opts: opts}
}

var (
	pageBoilerplate = regexp.MustCompile(`(?mi)^\s*page\s+\d+(\s+of\s+\d+)?\s*$`)
	spaceRuns       = regexp.MustCompile(`[ \t]+`)
	blankRuns       = regexp.MustCompile(`\n{3,}`)

	// sentenceEnd marks split points. Paragraph breaks count as
	// boundaries too.
	sentenceEnd = regexp.MustCompile(`(?:[.!?]\s+|\n\n)`)

	// definitionPattern anchors definition micro-chunks: "X is/are ...".
	definitionPattern = regexp.MustCompile(`(?m)(^|\. )([A-Z][\w-]{1,40}( [A-Z][\w-]{1,40}){0,3}) (is|are|stands for|refers to) `)

	// acronymPattern finds short ALL-CAPS tokens whose neighborhood is
	// worth a micro-chunk.
	acronymPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9-]{1,9}\b`)
)

// Preprocess normalizes whitespace and strips page boilerplate.
func Preprocess(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = pageBoilerplate.ReplaceAllString(text, "")
	text = spaceRuns.ReplaceAllString(text, " ")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Chunk splits all pages and applies the per-source cap.
func (c *Chunker) Chunk(pages []Page) ChunkResult {
	var drafts []Draft
	for _, p := range pages {
		text := Preprocess(p.Text)
		if text == "" {
			continue
		}
		for _, piece := range c.splitText(text) {
			drafts = append(drafts, Draft{Page: p.Number, Text: piece})
		}
		if c.opts.MicroChunks {
			for _, micro := range microChunks(text) {
				drafts = append(drafts, Draft{Page: p.Number, Section: "definition", Text: micro})
			}
		}
	}

	result := ChunkResult{Chunks: drafts, CoveragePct: 100}
	if len(drafts) > c.opts.MaxChunks {
		result.Chunks = drafts[:c.opts.MaxChunks]
		result.Truncated = true
		result.CoveragePct = 100 * float64(c.opts.MaxChunks) / float64(len(drafts))
	}
	return result
}

// splitText accumulates sentences up to the chunk size, carrying the
// configured overlap from the tail of the previous chunk.
func (c *Chunker) splitText(text string) []string {
	sentences := splitSentences(text)
	var chunks []string
	var cur strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(cur.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		cur.Reset()
		if c.opts.Overlap > 0 && chunk != "" {
			cur.WriteString(overlapTail(chunk, c.opts.Overlap))
			cur.WriteString(" ")
		}
	}

	for _, s := range sentences {
		// Oversized single sentences are hard-split.
		for len(s) > c.opts.ChunkSize {
			if cur.Len() > 0 {
				flush()
				cur.Reset() // no overlap before a hard split
			}
			chunks = append(chunks, strings.TrimSpace(s[:c.opts.ChunkSize]))
			s = s[c.opts.ChunkSize-c.opts.Overlap:]
		}
		if cur.Len()+len(s)+1 > c.opts.ChunkSize && cur.Len() > 0 {
			flush()
			if cur.Len()+len(s)+1 > c.opts.ChunkSize {
				cur.Reset() // overlap leaves no room for the sentence
			}
		}
		cur.WriteString(s)
		cur.WriteString(" ")
	}
	if strings.TrimSpace(cur.String()) != "" {
		chunk := strings.TrimSpace(cur.String())
		chunks = append(chunks, chunk)
	}
	return chunks
}

// splitSentences cuts text at sentence boundaries, keeping terminal
// punctuation with the sentence.
func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		// Keep the punctuation (first byte of the separator) attached.
		end := loc[0] + 1
		if text[loc[0]] == '\n' {
			end = loc[0]
		}
		if s := strings.TrimSpace(text[last:end]); s != "" {
			out = append(out, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		out = append(out, s)
	}
	return out
}

// overlapTail returns the last n characters of chunk, cut at a word
// boundary.
func overlapTail(chunk string, n int) string {
	if len(chunk) <= n {
		return chunk
	}
	tail := chunk[len(chunk)-n:]
	if idx := strings.IndexByte(tail, ' '); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return tail
}

// microChunks extracts short definition windows: "X is ..." sentences
// and the neighborhoods of ALL-CAPS acronyms.
func microChunks(text string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(window string) {
		window = strings.TrimSpace(window)
		if len(window) < microChunkMinSize {
			return
		}
		if len(window) > microChunkMaxSize {
			window = strings.TrimSpace(truncateAtSpace(window, microChunkMaxSize))
		}
		if !seen[window] {
			seen[window] = true
			out = append(out, window)
		}
	}

	for _, loc := range definitionPattern.FindAllStringSubmatchIndex(text, -1) {
		start := loc[4] // start of the defined term
		end := start + microChunkMaxSize
		if end > len(text) {
			end = len(text)
		}
		window := text[start:end]
		if idx := strings.Index(window, ". "); idx >= microChunkMinSize {
			window = window[:idx+1]
		}
		add(window)
	}

	for _, loc := range acronymPattern.FindAllStringIndex(text, -1) {
		token := text[loc[0]:loc[1]]
		// Single capitalized words are caught by the definition pattern;
		// acronyms need at least two capitals.
		if len(token) < 2 || strings.ToUpper(token) != token || !hasTwoLetters(token) {
			continue
		}
		start := loc[0] - microChunkMinSize/2
		if start < 0 {
			start = 0
		}
		end := start + microChunkMaxSize
		if end > len(text) {
			end = len(text)
		}
		add(text[start:end])
	}
	return out
}

func hasTwoLetters(s string) bool {
	n := 0
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			n++
			if n >= 2 {
				return true
			}
		}
	}
	return false
}

func truncateAtSpace(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		return cut[:idx]
	}
	return cut
}
