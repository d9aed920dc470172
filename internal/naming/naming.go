// Package naming renders library destination paths for finished downloads.
package naming

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// DefaultPattern places files under author and optional series folders.
const DefaultPattern = "{Author}/{Series}/{Title}"

// IllegalCharacters are characters not allowed in filenames on most filesystems.
var IllegalCharacters = []rune{'\\', '/', ':', '*', '?', '"', '<', '>', '|'}

var (
	authorKeys = []string{"Author", "Authors", "artist", "Artist", "AlbumArtist"}
	seriesKeys = []string{"Series", "series", "SeriesTitle", "Album", "Collection", "Subtitle"}

	tokenRegex = regexp.MustCompile(`\{(\w+)\}`)
)

// Metadata is the set of naming fields resolved for one download.
type Metadata struct {
	Author       string
	Series       string
	Title        string
	SeriesNumber string
	Year         string
}

// Service renders paths under an output root.
type Service struct {
	outputPath string
	pattern    string
}

// NewService creates a naming service. An empty pattern uses DefaultPattern.
func NewService(outputPath, pattern string) *Service {
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultPattern
	}
	if strings.TrimSpace(outputPath) == "" {
		outputPath = "./completed"
	}
	return &Service{outputPath: outputPath, pattern: pattern}
}

// OutputPath returns the library root.
func (s *Service) OutputPath() string {
	return s.outputPath
}

// GenerateFilePath renders the pattern for md and appends ext when missing.
func (s *Service) GenerateFilePath(md Metadata, ext string) string {
	rel := s.render(md)
	if ext != "" && !strings.HasSuffix(strings.ToLower(rel), strings.ToLower(ext)) {
		rel += ext
	}
	return filepath.Join(s.outputPath, rel)
}

// DirectoryFor renders the destination directory of a multi-file release.
func (s *Service) DirectoryFor(md Metadata) string {
	return filepath.Join(s.outputPath, s.render(md))
}

func (s *Service) render(md Metadata) string {
	values := map[string]string{
		"Author":       firstNonEmpty(md.Author, "Unknown Author"),
		"Series":       md.Series,
		"Title":        firstNonEmpty(md.Title, "Unknown Title"),
		"SeriesNumber": md.SeriesNumber,
		"Year":         md.Year,
	}
	out := tokenRegex.ReplaceAllStringFunc(s.pattern, func(tok string) string {
		name := tok[1 : len(tok)-1]
		v, ok := values[name]
		if !ok {
			return tok
		}
		// Slashes inside a value must not create folders.
		return strings.NewReplacer("/", "_", `\`, "_").Replace(v)
	})

	var parts []string
	for _, p := range strings.FieldsFunc(out, func(r rune) bool { return r == '/' || r == '\\' }) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if n := len(parts); n > 0 && strings.EqualFold(parts[n-1], SafeFileName(p)) {
			continue
		}
		parts = append(parts, SafeFileName(p))
	}
	if len(parts) == 0 {
		return "Unknown"
	}
	return filepath.Join(parts...)
}

// Resolve builds naming metadata from a download title and its metadata bag.
// When no author key is present the title is split on " - " or ":".
func Resolve(title string, meta map[string]string) Metadata {
	md := Metadata{
		Title:        strings.TrimSpace(title),
		Author:       lookup(meta, authorKeys),
		Series:       lookup(meta, seriesKeys),
		SeriesNumber: lookup(meta, []string{"SeriesNumber", "SeriesPosition"}),
		Year:         lookup(meta, []string{"Year"}),
	}

	if md.Author == "" && md.Title != "" {
		if author, rest, ok := strings.Cut(md.Title, " - "); ok {
			md.Author, md.Title = strings.TrimSpace(author), strings.TrimSpace(rest)
		} else if author, rest, ok := strings.Cut(md.Title, ":"); ok {
			md.Author, md.Title = strings.TrimSpace(author), strings.TrimSpace(rest)
		}
	}
	return md
}

// SafeFileName replaces characters that are illegal in file names with "_"
// and trims surrounding dots and spaces. An empty result becomes "Unknown".
func SafeFileName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if isIllegalChar(r) || unicode.IsControl(r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), " .")
	if out == "" {
		return "Unknown"
	}
	return out
}

func isIllegalChar(r rune) bool {
	for _, c := range IllegalCharacters {
		if r == c {
			return true
		}
	}
	return false
}

func lookup(meta map[string]string, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(meta[k]); v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
