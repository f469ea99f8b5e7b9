package ledger

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// TEXT MATCHING - Accent and case insensitive keyword tests
// =============================================================================

var (
	nonAlphanumericRegex = regexp.MustCompile(`[^a-z0-9 ]+`)
	whitespaceRegex      = regexp.MustCompile(`\s+`)
)

// Fold lowercases s, strips diacritics and collapses punctuation into single
// spaces, so "Transferência - PIX" becomes "transferencia pix".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(func(r rune) bool {
		return unicode.Is(unicode.Mn, r)
	}), norm.NFC)
	result, _, err := transform.String(t, s)
	if err != nil {
		result = s
	}
	result = strings.ToLower(result)
	result = nonAlphanumericRegex.ReplaceAllString(result, " ")
	result = whitespaceRegex.ReplaceAllString(result, " ")
	return strings.TrimSpace(result)
}

// ContainsPhrase reports whether the folded phrase occurs in folded text on
// word boundaries. Both arguments must already be folded.
func ContainsPhrase(folded, phrase string) bool {
	if phrase == "" || folded == "" {
		return false
	}
	return strings.Contains(" "+folded+" ", " "+phrase+" ")
}

// ContainsAny returns the first phrase of the list found in text. The text
// is folded here; the phrases are folded too so callers may pass accents.
func ContainsAny(text string, phrases []string) (string, bool) {
	folded := Fold(text)
	for _, p := range phrases {
		if ContainsPhrase(folded, Fold(p)) {
			return p, true
		}
	}
	return "", false
}
