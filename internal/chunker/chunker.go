// Package chunker splits documents into ordered, bounded chunks ready for
// embedding. Strategy selection is adaptive by default: short texts become a
// single chunk, code keeps fixed windows with overlap, markdown splits on
// headers, conversational text on sentences, and long technical documents
// use a hierarchical header -> paragraph -> sentence split.
package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs/ragcore/internal/models"
)

// Strategy identifies a chunking algorithm.
type Strategy string

const (
	StrategyAdaptive     Strategy = "adaptive"
	StrategyFixed        Strategy = "fixed"
	StrategySentence     Strategy = "sentence"
	StrategyParagraph    Strategy = "paragraph"
	StrategySemantic     Strategy = "semantic"
	StrategyHierarchical Strategy = "hierarchical"
)

// ParseStrategy maps a config string to a Strategy, defaulting to adaptive.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyAdaptive:
		return StrategyAdaptive, nil
	case StrategyFixed:
		return StrategyFixed, nil
	case StrategySentence:
		return StrategySentence, nil
	case StrategyParagraph:
		return StrategyParagraph, nil
	case StrategySemantic:
		return StrategySemantic, nil
	case StrategyHierarchical:
		return StrategyHierarchical, nil
	default:
		return "", &Error{Strategy: Strategy(s), Reason: "unknown strategy"}
	}
}

// Error reports a chunking failure and the strategy that was attempted.
type Error struct {
	Strategy Strategy
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("chunking failed (strategy=%s): %s", e.Strategy, e.Reason)
}

// Options controls chunk sizing. Overlap is a pointer so an explicit zero can
// be told apart from unset.
type Options struct {
	Strategy     Strategy
	MaxChunkSize int  // characters, default 1000
	Overlap      *int // characters, default 100; nil selects the default
}

// Request carries one document to split.
type Request struct {
	Content    string
	DocumentID uuid.UUID
	UserID     *string
	Filename   string
	MimeType   string
	Timestamp  *time.Time
	Importance *float64
	Options    Options
}

// Chunker splits documents into ordered chunks without embeddings.
type Chunker struct {
	defaultMaxSize int
	defaultOverlap int
}

// New returns a chunker with spec defaults (maxChunkSize=1000, overlap=100).
func New() *Chunker {
	return &Chunker{defaultMaxSize: 1000, defaultOverlap: 100}
}

// Chunk splits the request content. Guarantees: chunks preserve source order,
// every character lands in at least one chunk (overlap may duplicate), no
// chunk exceeds maxChunkSize+overlap characters, and empty or whitespace-only
// chunks are filtered out. The second return value is the number of pieces
// dropped by that filter.
func (c *Chunker) Chunk(req Request) ([]models.Chunk, int, error) {
	opts := req.Options
	maxSize := opts.MaxChunkSize
	if maxSize <= 0 {
		maxSize = c.defaultMaxSize
	}
	overlap := c.defaultOverlap
	if opts.Overlap != nil && *opts.Overlap >= 0 {
		overlap = *opts.Overlap
	}
	if overlap >= maxSize {
		overlap = maxSize / 10
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyAdaptive
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, 0, &Error{Strategy: strategy, Reason: "empty content"}
	}
	if strategy == StrategyAdaptive {
		strategy = selectStrategy(req)
	}

	var pieces []string
	switch strategy {
	case StrategyFixed:
		pieces = splitFixed(req.Content, maxSize, overlap)
	case StrategySentence:
		pieces = packUnits(splitSentences(req.Content), " ", maxSize, overlap)
	case StrategyParagraph:
		pieces = packUnits(splitParagraphs(req.Content), "\n\n", maxSize, overlap)
	case StrategySemantic:
		pieces = splitSemantic(req.Content, maxSize, overlap)
	case StrategyHierarchical:
		pieces = splitHierarchical(req.Content, maxSize, overlap)
	default:
		return nil, 0, &Error{Strategy: strategy, Reason: "unknown strategy"}
	}

	chunks := make([]models.Chunk, 0, len(pieces))
	filtered := 0
	idx := 0
	for _, piece := range pieces {
		if strings.TrimSpace(piece) == "" {
			filtered++
			continue
		}
		ts := req.Timestamp
		chunks = append(chunks, models.Chunk{
			ID:         uuid.New(),
			DocumentID: req.DocumentID,
			UserID:     req.UserID,
			ChunkIndex: idx,
			Content:    piece,
			Metadata: models.ChunkMetadata{
				Filename:   req.Filename,
				Timestamp:  ts,
				Importance: req.Importance,
			},
		})
		idx++
	}
	if len(chunks) == 0 {
		return nil, filtered, &Error{Strategy: strategy, Reason: "no non-empty chunks produced"}
	}
	return chunks, filtered, nil
}

// Adaptive selection rules, in priority order.
func selectStrategy(req Request) Strategy {
	switch {
	case len(req.Content) < 500:
		return StrategyFixed
	case isCode(req.MimeType, req.Filename):
		return StrategyFixed
	case isMarkdown(req.MimeType, req.Filename):
		return StrategySemantic
	case isConversational(req.MimeType, req.Filename):
		return StrategySentence
	case len(req.Content) > 8000:
		return StrategyHierarchical
	default:
		return StrategyParagraph
	}
}

var codeMimes = map[string]bool{
	"text/x-go":              true,
	"text/x-python":          true,
	"text/x-java":            true,
	"text/x-c":               true,
	"text/x-rustsrc":         true,
	"application/javascript": true,
	"application/typescript": true,
	"application/x-sh":       true,
	"text/x-script":          true,
}

func isCode(mime, filename string) bool {
	if codeMimes[strings.ToLower(mime)] {
		return true
	}
	for _, ext := range []string{".go", ".py", ".js", ".ts", ".java", ".c", ".cc", ".rs", ".sh", ".rb"} {
		if strings.HasSuffix(strings.ToLower(filename), ext) {
			return true
		}
	}
	return false
}

func isMarkdown(mime, filename string) bool {
	m := strings.ToLower(mime)
	return m == "text/markdown" || m == "text/x-markdown" ||
		strings.HasSuffix(strings.ToLower(filename), ".md") ||
		strings.HasSuffix(strings.ToLower(filename), ".markdown")
}

func isConversational(mime, filename string) bool {
	m := strings.ToLower(mime)
	if strings.HasPrefix(m, "message/") || m == "text/x-chat" {
		return true
	}
	name := strings.ToLower(filename)
	return strings.Contains(name, "chat") || strings.Contains(name, "conversation") ||
		strings.Contains(name, "transcript")
}

// splitFixed windows the content into maxSize slices with overlap carried
// from the previous window. A piece never exceeds maxSize+overlap.
func splitFixed(content string, maxSize, overlap int) []string {
	runes := []rune(content)
	if len(runes) <= maxSize {
		return []string{content}
	}
	step := maxSize - overlap
	if step <= 0 {
		step = maxSize
	}
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + maxSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

var sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?]*\s*`)

func splitSentences(content string) []string {
	matches := sentenceRe.FindAllString(content, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if strings.TrimSpace(m) != "" {
			out = append(out, strings.TrimSpace(m))
		}
	}
	return out
}

func splitParagraphs(content string) []string {
	parts := strings.Split(content, "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}

// packUnits greedily packs small units (sentences, paragraphs) into chunks of
// at most maxSize characters, carrying an overlap tail between chunks. Units
// larger than maxSize fall back to fixed windowing so no content is lost.
func packUnits(units []string, joiner string, maxSize, overlap int) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, unit := range units {
		if len(unit) > maxSize {
			flush()
			out = append(out, splitFixed(unit, maxSize, overlap)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(joiner)+len(unit) > maxSize {
			prev := cur.String()
			flush()
			// carry overlap tail into the next chunk
			if overlap > 0 && len(prev) > overlap {
				cur.WriteString(prev[len(prev)-overlap:])
				cur.WriteString(joiner)
			}
		}
		if cur.Len() > 0 {
			cur.WriteString(joiner)
		}
		cur.WriteString(unit)
	}
	flush()
	return out
}

var headerRe = regexp.MustCompile(`(?m)^#{1,6}\s`)

// splitSemantic splits markdown-like content on headers, then bounds each
// section with paragraph packing.
func splitSemantic(content string, maxSize, overlap int) []string {
	sections := splitOnHeaders(content)
	var out []string
	for _, sec := range sections {
		if len(sec) <= maxSize {
			out = append(out, sec)
			continue
		}
		out = append(out, packUnits(splitParagraphs(sec), "\n\n", maxSize, overlap)...)
	}
	return out
}

func splitOnHeaders(content string) []string {
	idxs := headerRe.FindAllStringIndex(content, -1)
	if len(idxs) == 0 {
		return []string{content}
	}
	var out []string
	prev := 0
	for _, loc := range idxs {
		if loc[0] > prev {
			out = append(out, content[prev:loc[0]])
		}
		prev = loc[0]
	}
	out = append(out, content[prev:])
	return out
}

// splitHierarchical descends header -> paragraph -> sentence until every
// piece fits the size bound.
func splitHierarchical(content string, maxSize, overlap int) []string {
	var out []string
	for _, sec := range splitOnHeaders(content) {
		if len(sec) <= maxSize {
			out = append(out, sec)
			continue
		}
		for _, para := range splitParagraphs(sec) {
			if len(para) <= maxSize {
				out = append(out, para)
				continue
			}
			out = append(out, packUnits(splitSentences(para), " ", maxSize, overlap)...)
		}
	}
	return out
}
