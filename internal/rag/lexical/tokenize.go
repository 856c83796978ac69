package lexical

import (
	"strings"
	"unicode"
)

// Tokenize lowercases, strips punctuation, and splits on whitespace
// plus CJK character boundaries — each CJK code point is its own
// token, per spec §4.3. Generalized from blib-picoclaw's regex-split
// tokenize helper, which only handled whitespace-delimited text.
func Tokenize(s string) []string {
	lower := strings.ToLower(s)

	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range lower {
		switch {
		case isCJK(r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r), unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			flush()
		}
	}
	flush()

	return tokens
}

// isCJK reports whether r falls in a CJK Unicode block (Han, Hiragana,
// Katakana, Hangul), where whitespace-based word segmentation does not
// apply.
func isCJK(r rune) bool {
	return unicode.In(r,
		unicode.Han,
		unicode.Hiragana,
		unicode.Katakana,
		unicode.Hangul,
	)
}
