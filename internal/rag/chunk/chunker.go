// Package chunk implements C8: splitting document text into passages
// for ingestion. Grounded on the teacher's Pipeline.ChunkDocument
// (internal/rag/pipeline_test.go) for the paragraph-separator/overlap
// shape; generalized per spec §4.8 with fragment merging for
// below-minimum pieces, sentence-then-hard-boundary splitting for
// oversized ones, and the embedding-only context prefix.
package chunk

import (
	"strings"
	"unicode"
)

const minFragmentChars = 100

// Config controls C8 (spec §4.8 defaults).
type Config struct {
	ChunkSize           int
	Overlap             int
	ContextPrefixMaxLen int // spec §6's context_prefix_max option
}

// DefaultConfig mirrors spec §4.8's defaults.
func DefaultConfig() Config {
	return Config{ChunkSize: 512, Overlap: 50, ContextPrefixMaxLen: 100}
}

// Passage is one emitted chunk (spec §4.8). Text is what callers
// persist and show to users; EmbedText additionally carries the
// (truncated) context prefix and is used only for embedding.
type Passage struct {
	Text      string
	EmbedText string
	StartIdx  int
	EndIdx    int
}

// Chunk splits text into passages per spec §4.8: paragraph-first
// split, merge of sub-minFragmentChars fragments into their neighbor,
// sentence-then-hard-character-boundary splitting of over-ChunkSize
// fragments, and an overlap-character prefix carried from the
// previous chunk. If contextPrefix is non-empty, it is truncated to
// contextPrefixMaxLen and prepended to EmbedText only.
func Chunk(text string, cfg Config, contextPrefix string) []Passage {
	if cfg.ChunkSize <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.ContextPrefixMaxLen <= 0 {
		cfg.ContextPrefixMaxLen = DefaultConfig().ContextPrefixMaxLen
	}

	paragraphs := splitParagraphs(text)
	fragments := mergeShortFragments(paragraphs, minFragmentChars)

	var sized []fragment
	for _, f := range fragments {
		sized = append(sized, splitOversized(f, cfg.ChunkSize)...)
	}

	prefix := contextPrefix
	if len(prefix) > cfg.ContextPrefixMaxLen {
		prefix = prefix[:cfg.ContextPrefixMaxLen]
	}

	passages := make([]Passage, 0, len(sized))
	var prevTail string
	for _, f := range sized {
		chunkText := f.text
		if prevTail != "" {
			chunkText = prevTail + chunkText
		}

		embedText := chunkText
		if prefix != "" {
			embedText = prefix + embedText
		}

		passages = append(passages, Passage{
			Text:      chunkText,
			EmbedText: embedText,
			StartIdx:  f.start,
			EndIdx:    f.end,
		})

		prevTail = tailChars(f.text, cfg.Overlap)
	}

	return passages
}

type fragment struct {
	text       string
	start, end int
}

// splitParagraphs splits on blank-line boundaries (\n\n+), tracking
// byte offsets into the original text.
func splitParagraphs(text string) []fragment {
	if text == "" {
		return nil
	}

	var out []fragment
	start := 0
	for {
		idx := strings.Index(text[start:], "\n\n")
		if idx < 0 {
			if start < len(text) {
				out = append(out, fragment{text: text[start:], start: start, end: len(text)})
			}
			break
		}
		end := start + idx
		if end > start {
			out = append(out, fragment{text: text[start:end], start: start, end: end})
		}
		start = end + 2
		for start < len(text) && text[start] == '\n' {
			start++
		}
	}
	return out
}

// mergeShortFragments folds any fragment shorter than minChars into
// its following neighbor (or the preceding one, if it is last),
// preserving original offsets across the merge.
func mergeShortFragments(fragments []fragment, minChars int) []fragment {
	if len(fragments) == 0 {
		return nil
	}

	var out []fragment
	pending := fragments[0]
	for i := 1; i < len(fragments); i++ {
		if len(pending.text) < minChars {
			pending = fragment{
				text:  pending.text + "\n\n" + fragments[i].text,
				start: pending.start,
				end:   fragments[i].end,
			}
			continue
		}
		out = append(out, pending)
		pending = fragments[i]
	}

	if len(out) > 0 && len(pending.text) < minChars {
		last := out[len(out)-1]
		out[len(out)-1] = fragment{
			text:  last.text + "\n\n" + pending.text,
			start: last.start,
			end:   pending.end,
		}
	} else {
		out = append(out, pending)
	}

	return out
}

// splitOversized splits f on sentence boundaries if it exceeds
// chunkSize, falling back to a hard character boundary for any
// resulting piece that is still too long (spec §4.8).
func splitOversized(f fragment, chunkSize int) []fragment {
	if len(f.text) <= chunkSize {
		return []fragment{f}
	}

	sentences := splitSentences(f.text)

	var out []fragment
	var current strings.Builder
	currentStart := f.start
	offset := f.start

	flush := func(end int) {
		if current.Len() == 0 {
			return
		}
		out = append(out, fragment{text: current.String(), start: currentStart, end: end})
		current.Reset()
	}

	for _, s := range sentences {
		if current.Len() > 0 && current.Len()+len(s) > chunkSize {
			flush(offset)
			currentStart = offset
		}
		current.WriteString(s)
		offset += len(s)
	}
	flush(f.start + len(f.text))

	var final []fragment
	for _, piece := range out {
		final = append(final, hardSplit(piece, chunkSize)...)
	}
	return final
}

func hardSplit(f fragment, chunkSize int) []fragment {
	if len(f.text) <= chunkSize {
		return []fragment{f}
	}
	var out []fragment
	for start := 0; start < len(f.text); start += chunkSize {
		end := start + chunkSize
		if end > len(f.text) {
			end = len(f.text)
		}
		out = append(out, fragment{
			text:  f.text[start:end],
			start: f.start + start,
			end:   f.start + end,
		})
	}
	return out
}

// splitSentences splits on '.', '!', '?' followed by whitespace,
// retaining the terminator with each sentence.
func splitSentences(text string) []string {
	var out []string
	var current strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if isSentenceTerminator(r) && (i == len(runes)-1 || unicode.IsSpace(runes[i+1])) {
			out = append(out, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

func isSentenceTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// tailChars returns the last n characters (rune-safe) of s.
func tailChars(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
