package chunker

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(content string, opts Options) Request {
	return Request{
		Content:    content,
		DocumentID: uuid.New(),
		Filename:   "doc.txt",
		MimeType:   "text/plain",
		Options:    opts,
	}
}

func overlapOf(n int) *int { return &n }

func TestChunkEmptyContent(t *testing.T) {
	_, _, err := New().Chunk(req("   \n\t ", Options{}))
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "empty content", cerr.Reason)
}

func TestChunkShortContentSingleChunk(t *testing.T) {
	chunks, filtered, err := New().Chunk(req("a short note about nothing in particular", Options{}))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Zero(t, filtered)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, "a short note about nothing in particular", chunks[0].Content)
}

func TestChunkIndicesSequential(t *testing.T) {
	content := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 200)
	chunks, _, err := New().Chunk(req(content, Options{Strategy: StrategyFixed, MaxChunkSize: 300, Overlap: overlapOf(50)}))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.LessOrEqual(t, len(c.Content), 350, "chunk must not exceed maxSize+overlap")
		assert.NotEmpty(t, strings.TrimSpace(c.Content))
	}
}

func TestChunkReportsFilteredCount(t *testing.T) {
	// a whitespace-only fixed window must be dropped and counted
	content := strings.Repeat("x", 100) + strings.Repeat(" ", 100) + strings.Repeat("y", 50)
	chunks, filtered, err := New().Chunk(req(content, Options{Strategy: StrategyFixed, MaxChunkSize: 100, Overlap: overlapOf(0)}))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, filtered)
	// indices stay sequential across the dropped piece
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, 1, chunks[1].ChunkIndex)
}

func TestChunkExplicitZeroOverlap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 250; i++ {
		b.WriteByte(byte('a' + i%26))
	}
	content := b.String()
	chunks, _, err := New().Chunk(req(content, Options{Strategy: StrategyFixed, MaxChunkSize: 100, Overlap: overlapOf(0)}))
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, content[100:200], chunks[1].Content, "zero overlap must not be coerced to the default")
	assert.Equal(t, content[200:], chunks[2].Content)
}

func TestFixedOverlapCarriesTail(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 250; i++ {
		b.WriteByte(byte('a' + i%26))
	}
	content := b.String()
	pieces := splitFixed(content, 100, 20)
	require.Len(t, pieces, 3) // steps of 80: 0, 80, 160
	assert.Equal(t, 100, len(pieces[0]))
	// consecutive windows share the overlap region
	assert.Equal(t, pieces[0][80:], pieces[1][:20])
	assert.Equal(t, pieces[1][80:], pieces[2][:20])
}

func TestFixedNoContentLost(t *testing.T) {
	content := "abcdefghijklmnopqrstuvwxyz0123456789"
	pieces := splitFixed(content, 10, 3)
	var rebuilt strings.Builder
	step := 10 - 3
	for i, p := range pieces {
		if i == 0 {
			rebuilt.WriteString(p)
			continue
		}
		start := i * step
		if start < rebuilt.Len() {
			rebuilt.WriteString(p[rebuilt.Len()-start:])
		}
	}
	assert.Equal(t, content, rebuilt.String())
}

func TestAdaptiveSelection(t *testing.T) {
	long := strings.Repeat("Paragraph of technical prose that keeps going for a while. ", 20)
	veryLong := strings.Repeat("More text in a very long technical document. ", 250)
	tests := []struct {
		name     string
		req      Request
		expected Strategy
	}{
		{"short text", Request{Content: "tiny", Filename: "a.txt"}, StrategyFixed},
		{"code file", Request{Content: long, Filename: "main.go"}, StrategyFixed},
		{"code mime", Request{Content: long, MimeType: "text/x-python", Filename: "x"}, StrategyFixed},
		{"markdown", Request{Content: long, Filename: "readme.md"}, StrategySemantic},
		{"chat transcript", Request{Content: long, Filename: "chat-2024.txt"}, StrategySentence},
		{"very long", Request{Content: veryLong, Filename: "spec.txt"}, StrategyHierarchical},
		{"default prose", Request{Content: long, Filename: "notes.txt"}, StrategyParagraph},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, selectStrategy(tt.req))
		})
	}
}

func TestSemanticSplitsOnHeaders(t *testing.T) {
	content := "# Title\n\n" + strings.Repeat("Intro text. ", 50) +
		"\n\n## Section A\n\n" + strings.Repeat("Details about A. ", 50) +
		"\n\n## Section B\n\n" + strings.Repeat("Details about B. ", 50)
	chunks, _, err := New().Chunk(Request{
		Content:    content,
		DocumentID: uuid.New(),
		Filename:   "guide.md",
		Options:    Options{Strategy: StrategySemantic},
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 3)
	assert.True(t, strings.HasPrefix(chunks[0].Content, "# Title"))
	found := false
	for _, c := range chunks {
		if strings.HasPrefix(c.Content, "## Section B") {
			found = true
		}
	}
	assert.True(t, found, "each header should start its own chunk")
}

func TestSentencePackingRespectsBound(t *testing.T) {
	content := strings.Repeat("This is a sentence. And here is another one! Is that all? ", 40)
	chunks, _, err := New().Chunk(req(content, Options{Strategy: StrategySentence, MaxChunkSize: 200, Overlap: overlapOf(40)}))
	require.NoError(t, err)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Content), 240)
	}
}

func TestSameContentSameChunkSequence(t *testing.T) {
	content := strings.Repeat("Deterministic chunking matters for reindexing. ", 60)
	a, _, err := New().Chunk(req(content, Options{Strategy: StrategyParagraph, MaxChunkSize: 400}))
	require.NoError(t, err)
	b, _, err := New().Chunk(req(content, Options{Strategy: StrategyParagraph, MaxChunkSize: 400}))
	require.NoError(t, err)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Content, b[i].Content)
		assert.Equal(t, a[i].ChunkIndex, b[i].ChunkIndex)
		assert.NotEqual(t, a[i].ID, b[i].ID)
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("  Semantic ")
	require.NoError(t, err)
	assert.Equal(t, StrategySemantic, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyAdaptive, s)

	_, err = ParseStrategy("bogus")
	assert.Error(t, err)
}

func TestMetadataPropagated(t *testing.T) {
	imp := 0.9
	r := req("short content here", Options{})
	r.Importance = &imp
	r.Filename = "report.txt"
	chunks, _, err := New().Chunk(r)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "report.txt", chunks[0].Metadata.Filename)
	require.NotNil(t, chunks[0].Metadata.Importance)
	assert.Equal(t, 0.9, *chunks[0].Metadata.Importance)
}
