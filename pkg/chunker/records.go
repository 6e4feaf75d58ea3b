package chunker

import (
	"iter"
	"strings"
	"unicode"

	"github.com/nikhilbhutani/dataintegration/pkg/textextract"
	"github.com/nikhilbhutani/dataintegration/pkg/tokenizer"
)

// Chunk is an indexable piece of one extracted record.
type Chunk struct {
	Sequence    int // 0-based across the whole source
	RecordIndex int
	Part        int // 0-based within the record
	Content     string
	TokenCount  int
	Metadata    map[string]string
}

// Chunks lazily splits each record into pieces of at most opts.ChunkSize
// runes. Records are never merged, so every chunk belongs to exactly one
// record.
func Chunks(records []textextract.Record, opts ChunkOptions) iter.Seq[Chunk] {
	opts = normalize(opts)
	return func(yield func(Chunk) bool) {
		seq := 0
		for _, rec := range records {
			for part, content := range Split(rec.Text, opts) {
				c := Chunk{
					Sequence:    seq,
					RecordIndex: rec.Index,
					Part:        part,
					Content:     content,
					TokenCount:  tokenizer.CountTokens(content),
					Metadata:    rec.Metadata,
				}
				if !yield(c) {
					return
				}
				seq++
			}
		}
	}
}

func normalize(opts ChunkOptions) ChunkOptions {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultOptions().ChunkSize
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = 0
	}
	if opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = opts.ChunkSize / 5
	}
	return opts
}

// splitText cuts text into pieces of at most size runes. A cut prefers a
// paragraph break, then a sentence end, then whitespace, and falls back to a
// hard split only inside a word longer than size. Each following piece
// starts up to overlap runes before the previous cut, on a word boundary.
func splitText(text string, size, overlap int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	var out []string
	start := 0
	for start < len(runes) {
		if len(runes)-start <= size {
			out = appendPiece(out, runes[start:])
			break
		}

		cut := findCut(runes, start, start+size)
		out = appendPiece(out, runes[start:cut])

		next := cut - overlap
		if next <= start {
			next = cut
		}
		for next < cut && !unicode.IsSpace(runes[next-1]) {
			next++
		}
		for next < len(runes) && unicode.IsSpace(runes[next]) {
			next++
		}
		start = next
	}
	return out
}

func appendPiece(out []string, piece []rune) []string {
	if s := strings.TrimSpace(string(piece)); s != "" {
		return append(out, s)
	}
	return out
}

// findCut returns the end (exclusive) of the piece starting at start whose
// hard limit is end. end < len(runes).
func findCut(runes []rune, start, end int) int {
	floor := start + (end-start)/2

	for i := end; i > floor; i-- {
		if runes[i-1] == '\n' && i >= 2 && runes[i-2] == '\n' {
			return i
		}
	}
	for i := end; i > floor; i-- {
		if unicode.IsSpace(runes[i]) && isSentenceEnd(runes[i-1]) {
			return i
		}
	}
	for i := end; i > start; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return end
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
