package chunker

import (
	"slices"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/dataintegration/pkg/textextract"
)

func TestSplit_ShortTextIsOneChunk(t *testing.T) {
	got := Split("  hello world  ", DefaultOptions())
	assert.Equal(t, []string{"hello world"}, got)
}

func TestSplit_EmptyText(t *testing.T) {
	assert.Empty(t, Split(" \n\t ", DefaultOptions()))
}

func TestSplit_RespectsSizeAndWords(t *testing.T) {
	words := make([]string, 300)
	for i := range words {
		words[i] = "word" + strings.Repeat("x", i%7)
	}
	text := strings.Join(words, " ")
	opts := ChunkOptions{ChunkSize: 100, ChunkOverlap: 20}

	chunks := Split(text, opts)
	require.Greater(t, len(chunks), 1)

	vocab := make(map[string]bool, len(words))
	for _, w := range words {
		vocab[w] = true
	}
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 100)
		for _, w := range strings.Fields(c) {
			assert.True(t, vocab[w], "chunk contains split word %q", w)
		}
	}
}

func TestSplit_Overlap(t *testing.T) {
	text := "alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu"
	chunks := Split(text, ChunkOptions{ChunkSize: 30, ChunkOverlap: 12})
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		prev := strings.Fields(chunks[i-1])
		first := strings.Fields(chunks[i])[0]
		assert.Contains(t, prev, first, "chunk %d should start inside the previous chunk", i)
	}
	assert.True(t, strings.HasSuffix(chunks[len(chunks)-1], "mu"))
}

func TestSplit_PrefersParagraphBreak(t *testing.T) {
	para1 := strings.Repeat("a ", 30) + "end."
	para2 := strings.Repeat("b ", 10) + "done."
	chunks := Split(para1+"\n\n"+para2, ChunkOptions{ChunkSize: 80, ChunkOverlap: 0})
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.TrimSpace(para1), chunks[0])
	assert.Equal(t, strings.TrimSpace(para2), chunks[1])
}

func TestSplit_HardSplitsGiantWord(t *testing.T) {
	giant := strings.Repeat("z", 250)
	chunks := Split(giant, ChunkOptions{ChunkSize: 100, ChunkOverlap: 10})
	require.Len(t, chunks, 3)
	assert.Equal(t, giant, strings.Join(chunks, ""))
}

func TestSplit_SentenceStrategy(t *testing.T) {
	text := "One fish. Two fish. Red fish! Blue fish? The end."
	chunks := Split(text, ChunkOptions{ChunkSize: 20, ChunkOverlap: 0, Strategy: StrategySentence})
	assert.Equal(t, []string{"One fish. Two fish.", "Red fish! Blue fish?", "The end."}, chunks)
}

func TestSplit_SentenceStrategyOverlap(t *testing.T) {
	text := "One fish. Two fish. Red fish."
	chunks := Split(text, ChunkOptions{ChunkSize: 20, ChunkOverlap: 10, Strategy: StrategySentence})
	assert.Equal(t, []string{"One fish. Two fish.", "Two fish. Red fish."}, chunks)
}

func TestChunks_SequenceAcrossRecords(t *testing.T) {
	records := []textextract.Record{
		{Index: 0, Text: "short record", Metadata: map[string]string{"row": "2"}},
		{Index: 1, Text: "   "},
		{Index: 2, Text: strings.Repeat("lorem ipsum ", 30)},
	}

	chunks := slices.Collect(Chunks(records, ChunkOptions{ChunkSize: 100, ChunkOverlap: 20}))
	require.Greater(t, len(chunks), 2)

	assert.Equal(t, "short record", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].RecordIndex)
	assert.Equal(t, "2", chunks[0].Metadata["row"])
	assert.Positive(t, chunks[0].TokenCount)

	for i, c := range chunks {
		assert.Equal(t, i, c.Sequence)
		if i > 0 {
			assert.Equal(t, 2, c.RecordIndex)
			assert.Equal(t, i-1, c.Part)
		}
	}
}

func TestChunks_IsLazyAndDeterministic(t *testing.T) {
	records := []textextract.Record{{Index: 0, Text: strings.Repeat("abc def ", 200)}}
	opts := ChunkOptions{ChunkSize: 50, ChunkOverlap: 10}

	var first []Chunk
	for c := range Chunks(records, opts) {
		first = append(first, c)
		if len(first) == 2 {
			break
		}
	}
	require.Len(t, first, 2)

	all := slices.Collect(Chunks(records, opts))
	assert.Equal(t, first, all[:2])
}

func TestNormalize_ClampsOverlap(t *testing.T) {
	opts := normalize(ChunkOptions{ChunkSize: 100, ChunkOverlap: 150})
	assert.Less(t, opts.ChunkOverlap, opts.ChunkSize)

	opts = normalize(ChunkOptions{})
	assert.Equal(t, 1000, opts.ChunkSize)
}
