// Package textnorm holds the case-folding and whole-word matching rules
// shared by shot repair, character resolution and prompt locking.
package textnorm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// Fold returns the Unicode case-folded form of s.
func Fold(s string) string {
	// Caser 有状态，不能跨 goroutine 复用
	return cases.Fold().String(s)
}

// Collapse trims s and squeezes every whitespace run to a single space.
func Collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Normalize is the comparison key for free text: folded and collapsed.
func Normalize(s string) string {
	return Collapse(Fold(s))
}

// IsWordRune reports whether r is part of a word.
func IsWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || unicode.Is(unicode.Mn, r)
}

// IndexWord returns the byte offset of the first whole-word occurrence of
// word in text, or -1. Matching is case-insensitive and whitespace runs
// count as one space; offsets refer to the normalized text.
func IndexWord(text, word string) int {
	ft, fw := Normalize(text), Normalize(word)
	if fw == "" {
		return -1
	}
	return indexBounded(ft, fw)
}

// ContainsWord reports whether word occurs in text as a whole word.
func ContainsWord(text, word string) bool {
	return IndexWord(text, word) >= 0
}

func indexBounded(text, word string) int {
	from := 0
	for from <= len(text)-len(word) {
		i := strings.Index(text[from:], word)
		if i < 0 {
			return -1
		}
		i += from
		if boundaryBefore(text, i) && boundaryAfter(text, i+len(word)) {
			return i
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		from = i + size
	}
	return -1
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !IsWordRune(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !IsWordRune(r)
}

// ReplaceWord replaces every whole-word, case-insensitive occurrence of
// from in text with to.
func ReplaceWord(text, from, to string) string {
	from = strings.TrimSpace(from)
	if from == "" || text == "" {
		return text
	}
	var b strings.Builder
	i := 0
	last := 0
	for i <= len(text)-len(from) {
		cand := text[i : i+len(from)]
		if utf8.ValidString(cand) && strings.EqualFold(cand, from) &&
			boundaryBefore(text, i) && boundaryAfter(text, i+len(from)) {
			b.WriteString(text[last:i])
			b.WriteString(to)
			i += len(from)
			last = i
			continue
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

// RemovePhrase deletes every whole-word, case-insensitive occurrence of phrase.
func RemovePhrase(text, phrase string) string {
	return ReplaceWord(text, phrase, "")
}

// Words splits folded s into word tokens.
func Words(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool { return !IsWordRune(r) && r != '-' && r != '\'' })
}
