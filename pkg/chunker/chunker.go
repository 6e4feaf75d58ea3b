// Package chunker splits extracted text into bounded, overlapping pieces
// suitable for embedding.
package chunker

import (
	"strings"
	"unicode/utf8"
)

const (
	StrategyParagraph = "paragraph"
	StrategySentence  = "sentence"
)

type ChunkOptions struct {
	ChunkSize    int    // maximum chunk size in runes
	ChunkOverlap int    // runes shared with the previous chunk
	Strategy     string // "paragraph" (default) or "sentence"
}

func DefaultOptions() ChunkOptions {
	return ChunkOptions{
		ChunkSize:    1000,
		ChunkOverlap: 200,
		Strategy:     StrategyParagraph,
	}
}

// Split cuts a single text with the configured strategy.
func Split(text string, opts ChunkOptions) []string {
	opts = normalize(opts)
	switch opts.Strategy {
	case StrategySentence:
		return splitBySentence(text, opts.ChunkSize, opts.ChunkOverlap)
	default:
		return splitText(text, opts.ChunkSize, opts.ChunkOverlap)
	}
}

// splitBySentence packs whole sentences into chunks. Trailing sentences of a
// chunk that fit in overlap are repeated at the start of the next one. A
// sentence longer than size is cut with splitText.
func splitBySentence(text string, size, overlap int) []string {
	var (
		out     []string
		current []string
		length  int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		out = appendPiece(out, []rune(strings.Join(current, " ")))

		var keep []string
		kept := 0
		for i := len(current) - 1; i >= 0; i-- {
			n := utf8.RuneCountInString(current[i]) + 1
			if kept+n > overlap {
				break
			}
			keep = append([]string{current[i]}, keep...)
			kept += n
		}
		current, length = keep, kept
	}

	for _, s := range splitSentences(text) {
		n := utf8.RuneCountInString(s)
		if n > size {
			flush()
			current, length = nil, 0
			out = append(out, splitText(s, size, overlap)...)
			continue
		}
		if length > 0 && length+n+1 > size {
			flush()
			if length+n+1 > size {
				current, length = nil, 0
			}
		}
		current = append(current, s)
		if length > 0 {
			length++
		}
		length += n
	}
	if len(current) > 0 {
		out = appendPiece(out, []rune(strings.Join(current, " ")))
	}
	return out
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if isSentenceEnd(r) && (i+1 == len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n') {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
