package tokenizer

import (
	"strings"
	"unicode/utf8"
)

// CountTokens estimates the number of model tokens in text. It takes the
// larger of a word-based and a character-based estimate so that dense
// tabular text is not undercounted.
func CountTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	byWords := len(strings.Fields(text)) * 4 / 3
	byChars := utf8.RuneCountInString(text) / 4
	return max(byWords, byChars, 1)
}
