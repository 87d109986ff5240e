package llm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxPromptLen bounds how much message text is sent to the inference
// dependency. Truncation bounds both cost and leakage surface.
const MaxPromptLen = 6000

// injectionPatterns are known prompt-injection phrasings stripped from
// untrusted message text before it is embedded in a prompt.
var injectionPatterns = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard all prior",
	"disregard previous instructions",
	"you are now",
	"pretend you are",
	"act as if",
	"system prompt",
	"new instructions:",
}

// Sanitize prepares untrusted message text for prompt assembly: Unicode
// normalization, control-character removal, injection-pattern stripping,
// and truncation to MaxPromptLen.
func Sanitize(text string) string {
	text = norm.NFKC.String(text)

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	text = b.String()

	text = removeInjectionPatterns(text)

	if len(text) > MaxPromptLen {
		// Never cut a rune in half.
		cut := MaxPromptLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return strings.TrimSpace(text)
}

// removeInjectionPatterns strips every case-insensitive occurrence of the
// known patterns. Matching runs over parallel rune slices: case folding can
// change a rune's byte length, so byte offsets into a lowered copy do not
// line up with the original text.
func removeInjectionPatterns(text string) string {
	runes := []rune(text)
	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}

	for _, pattern := range injectionPatterns {
		want := []rune(pattern)
		for {
			idx := indexRunes(lower, want)
			if idx < 0 {
				break
			}
			runes = append(runes[:idx], runes[idx+len(want):]...)
			lower = append(lower[:idx], lower[idx+len(want):]...)
		}
	}
	return string(runes)
}

func indexRunes(haystack, needle []rune) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
