package locator

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/slipstream/dlsync/internal/pathutil"
)

var (
	// "Book.1" or "Book.mp3.1"
	trailingSuffixRegex = regexp.MustCompile(`\.\d+$`)
	// "Book.1.mp3"
	innerSuffixRegex = regexp.MustCompile(`\.\d+(\.[A-Za-z0-9]+)$`)
)

// StripNumericSuffix removes a numeric disambiguation suffix some clients append
// to duplicate names. It reports false when p carries no such suffix.
func StripNumericSuffix(p string) (string, bool) {
	clean := filepath.Clean(p)
	dir, base := filepath.Split(clean)

	if trailingSuffixRegex.MatchString(base) {
		stripped := trailingSuffixRegex.ReplaceAllString(base, "")
		if stripped != "" {
			return filepath.Join(dir, stripped), true
		}
	}
	if innerSuffixRegex.MatchString(base) {
		stripped := innerSuffixRegex.ReplaceAllString(base, "$1")
		if !strings.HasPrefix(stripped, ".") {
			return filepath.Join(dir, stripped), true
		}
	}
	return p, false
}

// TrailingComponents returns the last n components of a path in slash form.
func TrailingComponents(p string, n int) string {
	return pathutil.TrailingComponents(p, n)
}
