// Package matcher pairs internal downloads with the items a client reports.
package matcher

import (
	"regexp"
	"strings"

	"github.com/hbollon/go-edlib"
)

var (
	bracketRegex    = regexp.MustCompile(`\[.*?\]`)
	parenRegex      = regexp.MustCompile(`\(.*?\)`)
	braceRegex      = regexp.MustCompile(`\{.*?\}`)
	separatorRegex  = regexp.MustCompile(`[\-_.]+`)
	qualityRegex    = regexp.MustCompile(`(?i)\b(mp3|m4a|m4b|flac|aac|ogg|opus|320|256|128|v0|v2|audiobook|unabridged|abridged)\b`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

const (
	// prefixMinLength is the length both titles must exceed before a prefix match counts.
	prefixMinLength = 20
	prefixCompare   = 50

	editDistanceFloor = 3
	editDistanceRatio = 0.15
)

// NormalizeTitle strips release decorations so titles from different sources compare equal.
// Bracketed segments, separators and quality tokens are removed; the result is idempotent.
func NormalizeTitle(title string) string {
	if strings.TrimSpace(title) == "" {
		return ""
	}

	s := bracketRegex.ReplaceAllString(title, "")
	s = parenRegex.ReplaceAllString(s, "")
	s = braceRegex.ReplaceAllString(s, "")
	s = separatorRegex.ReplaceAllString(s, " ")
	s = qualityRegex.ReplaceAllString(s, "")
	s = whitespaceRegex.ReplaceAllString(s, " ")
	return strings.Trim(s, " -.,")
}

// AreTitlesSimilar reports whether two titles refer to the same release.
func AreTitlesSimilar(a, b string) bool {
	return similarNormalized(NormalizeTitle(a), NormalizeTitle(b))
}

func similarNormalized(na, nb string) bool {
	if na == "" || nb == "" {
		return false
	}
	if strings.EqualFold(na, nb) {
		return true
	}

	la, lb := strings.ToLower(na), strings.ToLower(nb)
	if strings.Contains(la, lb) || strings.Contains(lb, la) {
		return true
	}

	if len(la) > prefixMinLength && len(lb) > prefixMinLength {
		n := min(prefixCompare, len(la), len(lb))
		if la[:n] == lb[:n] {
			return true
		}
	}
	return false
}

// AreTitlesSimilarStrict extends AreTitlesSimilar with an edit-distance allowance
// of max(3, 15% of the shorter title). Used to de-duplicate queue entries.
func AreTitlesSimilarStrict(a, b string) bool {
	na, nb := NormalizeTitle(a), NormalizeTitle(b)
	if similarNormalized(na, nb) {
		return true
	}
	if na == "" || nb == "" {
		return false
	}

	la, lb := strings.ToLower(na), strings.ToLower(nb)
	shorter := min(len([]rune(la)), len([]rune(lb)))
	allowed := max(editDistanceFloor, int(float64(shorter)*editDistanceRatio))
	return edlib.LevenshteinDistance(la, lb) <= allowed
}
