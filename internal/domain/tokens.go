package domain

import (
	"strings"
	"unicode"
)

// EstimateTokens approximates the token count of text. CJK ideographs and kana
// cost one token per 1.5 characters, everything else one token per 4
// characters, and the sum is rounded up.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}

	// cjk/1.5 + other/4 == (8*cjk + 3*other) / 12, kept in integers so the
	// result is exact and monotonic.
	return (8*cjk + 3*other + 11) / 12
}

// EstimateMessages estimates the input side of a request.
func EstimateMessages(req *CompletionRequest) int {
	if req == nil {
		return 0
	}

	parts := make([]string, 0, len(req.Messages)+1)
	if system := req.SystemInstruction(); system != "" {
		parts = append(parts, system)
	}
	for _, msg := range req.ConversationMessages() {
		parts = append(parts, msg.Content)
	}
	return EstimateTokens(strings.Join(parts, "\n"))
}

// ResolveUsage prefers vendor-reported usage and falls back to estimating the
// concatenated input and generated output.
func ResolveUsage(reported *Usage, req *CompletionRequest, output string) Usage {
	if reported != nil && (reported.InputTokens > 0 || reported.OutputTokens > 0) {
		return *reported
	}
	return Usage{
		InputTokens:  EstimateMessages(req),
		OutputTokens: EstimateTokens(output),
		Estimated:    true,
	}
}

func isCJK(r rune) bool {
	switch {
	case unicode.Is(unicode.Han, r),
		unicode.Is(unicode.Hiragana, r),
		unicode.Is(unicode.Katakana, r):
		return true
	case r >= 0x3000 && r <= 0x30FF: // CJK symbols, kana marks
		return true
	case r >= 0xFF61 && r <= 0xFF9F: // half-width katakana
		return true
	default:
		return false
	}
}
