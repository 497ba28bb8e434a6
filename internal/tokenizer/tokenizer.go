// Package tokenizer provides a deterministic stand-in for a BPE tokenizer.
//
// Text is split on whitespace and every word becomes a single token whose
// value is the sum of the code points of its runes. The output is
// self-consistent but does not match any real tokenizer's ids.
package tokenizer

import (
	"strings"
	"unicode"
)

// Encoder converts text into a sequence of token ids.
type Encoder interface {
	Encode(text string) []int
}

// Token is a single encoded word together with its byte span in the input.
type Token struct {
	ID    int    `json:"id"`
	Word  string `json:"word"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Encoding is the checksum encoder handle returned by Registry.
type Encoding struct {
	name string
}

var _ Encoder = Encoding{}

// NewEncoding returns a checksum encoding carrying name.
func NewEncoding(name string) Encoding {
	return Encoding{name: name}
}

// Name returns the encoding name the handle was requested with.
func (e Encoding) Name() string {
	return e.name
}

// IsSpace reports whether r separates words. Besides unicode.IsSpace it
// accepts the ASCII file, group, record and unit separators (U+001C..U+001F).
func IsSpace(r rune) bool {
	return unicode.IsSpace(r) || (r >= 0x1c && r <= 0x1f)
}

// Fields splits text into words around runs of IsSpace runes.
func Fields(text string) []string {
	return strings.FieldsFunc(text, IsSpace)
}

// Encode returns one checksum per whitespace-delimited word of text, in order.
// Empty or whitespace-only input yields an empty slice.
func (e Encoding) Encode(text string) []int {
	words := Fields(text)
	tokens := make([]int, len(words))
	for i, word := range words {
		tokens[i] = Checksum(word)
	}
	return tokens
}

// Count returns the number of tokens Encode would produce for text.
func (e Encoding) Count(text string) int {
	return len(Fields(text))
}

// EncodeWords is Encode with the source word and byte offsets of every token.
func (e Encoding) EncodeWords(text string) []Token {
	tokens := make([]Token, 0)
	start := -1
	for i, r := range text {
		if IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, newToken(text, start, i))
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, newToken(text, start, len(text)))
	}
	return tokens
}

func newToken(text string, start, end int) Token {
	word := text[start:end]
	return Token{ID: Checksum(word), Word: word, Start: start, End: end}
}

// Checksum sums the code points of word. Invalid UTF-8 bytes count as
// utf8.RuneError.
func Checksum(word string) int {
	sum := 0
	for _, r := range word {
		sum += int(r)
	}
	return sum
}
