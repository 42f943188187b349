package domain

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultChunkSize is the maximum chunk length in characters.
	DefaultChunkSize = 500

	// DefaultChunkOverlap is the number of trailing characters carried into
	// the next chunk.
	DefaultChunkOverlap = 50
)

var (
	paragraphBreak = regexp.MustCompile(`\n[ \t\r\f\v]*\n`)
	sentenceEnd    = regexp.MustCompile(`[.!?。！？]+["'”’」』）)\]]*\s*`)
)

// SplitText splits text into bounded, overlapping chunks. Paragraphs are packed
// first; paragraphs longer than maxChunkSize are split on sentence boundaries,
// and a sentence that is still too long is emitted as its own chunk.
func SplitText(text string, maxChunkSize, overlap int) []string {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxChunkSize {
		overlap = maxChunkSize / 2
	}

	b := &chunkBuilder{maxSize: maxChunkSize, overlap: overlap}

	for _, paragraph := range paragraphBreak.Split(text, -1) {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}

		if runeLen(paragraph) <= maxChunkSize {
			b.add(paragraph, "\n\n")
			continue
		}

		for i, sentence := range splitSentences(paragraph) {
			if runeLen(sentence) > maxChunkSize {
				b.emitVerbatim(sentence)
				continue
			}
			sep := "\n\n"
			if i > 0 {
				sep = sentenceSeparator(b.buf)
			}
			b.add(sentence, sep)
		}
	}

	return b.finish()
}

type chunkBuilder struct {
	maxSize int
	overlap int
	chunks  []string
	buf     string
	// fresh is true once buf holds content beyond the overlap seed.
	fresh bool
}

func (b *chunkBuilder) add(piece, sep string) {
	switch {
	case b.buf == "":
		b.buf = piece
	case runeLen(b.buf)+runeLen(sep)+runeLen(piece) <= b.maxSize:
		b.buf += sep + piece
	case !b.fresh:
		b.buf = b.seeded(sep, piece)
	default:
		b.seal()
		b.buf = b.seeded(sep, piece)
	}
	b.fresh = true
}

// seeded prefixes piece with as much of the overlap seed in buf as fits in
// maxSize+overlap runes.
func (b *chunkBuilder) seeded(sep, piece string) string {
	seed := b.buf
	if budget := b.maxSize + b.overlap - runeLen(sep) - runeLen(piece); runeLen(seed) > budget {
		seed = tail(seed, budget)
	}
	if seed == "" {
		return piece
	}
	return seed + sep + piece
}

func (b *chunkBuilder) emitVerbatim(sentence string) {
	if b.fresh {
		b.chunks = append(b.chunks, b.buf)
	}
	b.chunks = append(b.chunks, sentence)
	b.buf = tail(sentence, b.overlap)
	b.fresh = false
}

func (b *chunkBuilder) seal() {
	b.chunks = append(b.chunks, b.buf)
	b.buf = tail(b.buf, b.overlap)
	b.fresh = false
}

func (b *chunkBuilder) finish() []string {
	if b.fresh {
		b.chunks = append(b.chunks, b.buf)
	}
	return b.chunks
}

func splitSentences(paragraph string) []string {
	var sentences []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(paragraph, -1) {
		if s := strings.TrimSpace(paragraph[start:loc[1]]); s != "" {
			sentences = append(sentences, s)
		}
		start = loc[1]
	}
	if s := strings.TrimSpace(paragraph[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// sentenceSeparator joins CJK sentences without a space.
func sentenceSeparator(buf string) string {
	last, _ := utf8.DecodeLastRuneInString(buf)
	if last != utf8.RuneError && isCJK(last) {
		return ""
	}
	return " "
}

func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(runes[len(runes)-n:]))
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
