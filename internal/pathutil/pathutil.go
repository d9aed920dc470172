package pathutil

import (
	"path/filepath"
	"strings"
)

// NormalizePath converts all path separators to forward slashes.
// Go's os.Open/os.Stat accept forward slashes on all platforms.
func NormalizePath(p string) string {
	return filepath.ToSlash(p)
}

// NormalizeRemote converts a path reported by another host to forward slashes,
// including Windows backslashes that filepath.ToSlash leaves alone on Unix.
func NormalizeRemote(p string) string {
	return strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
}

// WithTrailingSlash returns p ending in exactly one slash, or "" for an empty path.
func WithTrailingSlash(p string) string {
	if p == "" {
		return ""
	}
	return strings.TrimRight(p, "/") + "/"
}

// HasPrefixFold reports whether s starts with prefix, ignoring case.
func HasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// TrailingComponents returns the last n slash-separated components of p joined by "/".
// It returns "" when p has fewer than n components.
func TrailingComponents(p string, n int) string {
	parts := strings.FieldsFunc(NormalizeRemote(p), func(r rune) bool { return r == '/' })
	if n <= 0 || len(parts) < n {
		return ""
	}
	return strings.Join(parts[len(parts)-n:], "/")
}
