// Package textutil holds the text primitives shared by chunking, embedding,
// prompt budgeting and summarization. Every size comparison in the module goes
// through EstimateTokens so limits stay comparable across components.
package textutil

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// CharsPerToken is the divisor of the cheap token approximation.
const CharsPerToken = 4

var (
	paragraphSep = regexp.MustCompile(`\n\s*\n`)
	sentenceEnd  = regexp.MustCompile(`[.!?]+\s+`)
	wordPattern  = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`)
)

// EstimateTokens approximates the model token count of s as runes/4.
func EstimateTokens(s string) int {
	return utf8.RuneCountInString(s) / CharsPerToken
}

// Span is a trimmed piece of a larger text with its byte offsets.
type Span struct {
	Text  string
	Start int
	End   int
}

// Paragraphs splits text on blank lines and drops empty paragraphs.
func Paragraphs(text string) []Span {
	var out []Span
	prev := 0
	emit := func(start, end int) {
		raw := text[start:end]
		lead := len(raw) - len(strings.TrimLeftFunc(raw, unicode.IsSpace))
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return
		}
		s := start + lead
		out = append(out, Span{Text: trimmed, Start: s, End: s + len(trimmed)})
	}
	for _, m := range paragraphSep.FindAllStringIndex(text, -1) {
		emit(prev, m[0])
		prev = m[1]
	}
	emit(prev, len(text))
	return out
}

// Sentences splits text after terminal punctuation followed by whitespace.
func Sentences(text string) []string {
	var out []string
	prev := 0
	for _, m := range sentenceEnd.FindAllStringIndex(text, -1) {
		end := m[0] + len(strings.TrimRightFunc(text[m[0]:m[1]], unicode.IsSpace))
		if s := strings.TrimSpace(text[prev:end]); s != "" {
			out = append(out, s)
		}
		prev = m[1]
	}
	if s := strings.TrimSpace(text[prev:]); s != "" {
		out = append(out, s)
	}
	return out
}

// Words returns the lower-cased word tokens of text.
func Words(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

// ContentWords returns Words with stopwords removed.
func ContentWords(text string) []string {
	words := Words(text)
	out := words[:0]
	for _, w := range words {
		if !IsStopword(w) {
			out = append(out, w)
		}
	}
	return out
}

// IsStopword reports whether w is a common English function word.
func IsStopword(w string) bool {
	_, ok := stopwords[w]
	return ok
}

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
		"what", "which", "who", "whom", "how", "why", "where", "when", "do", "does", "did",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
