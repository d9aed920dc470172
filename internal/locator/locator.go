// Package locator finds the files a download client produced on the local filesystem.
package locator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/matcher"
)

// DefaultVariantRoots are alternate mount points tried for containerized deployments.
var DefaultVariantRoots = []string{"/downloads", "/data/downloads", "/data", "/mnt/downloads"}

// maxSearchDepth bounds the recursive search of a client's base download directory.
const maxSearchDepth = 4

// PathTranslator rewrites client paths into local paths.
type PathTranslator interface {
	TranslatePath(ctx context.Context, clientID, remotePath string) string
}

// Request carries everything a strategy may use.
type Request struct {
	Download   *downloads.Download
	Client     *types.ClientConfig
	ClientPath string

	// LocalPath is ClientPath after remote path translation.
	LocalPath string
}

// Result is a located source.
type Result struct {
	Path      string
	MultiFile bool
	Strategy  string
}

// Strategy is one step of the fallback chain.
type Strategy struct {
	Name string
	Find func(ctx context.Context, req *Request) (found bool, path string, multiFile bool)
}

// Locator runs strategies in order until one succeeds.
type Locator struct {
	translator   PathTranslator
	extensions   map[string]struct{}
	variantRoots []string
	strategies   []Strategy
	logger       zerolog.Logger
}

// New creates a locator. translator may be nil.
func New(translator PathTranslator, extensions []string, logger zerolog.Logger) *Locator {
	l := &Locator{
		translator:   translator,
		extensions:   make(map[string]struct{}, len(extensions)),
		variantRoots: DefaultVariantRoots,
		logger:       logger.With().Str("component", "locator").Logger(),
	}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		l.extensions[ext] = struct{}{}
	}
	l.strategies = []Strategy{
		{Name: "direct", Find: l.findDirect},
		{Name: "translated", Find: l.findTranslated},
		{Name: "directory", Find: l.findDirectory},
		{Name: "suffix", Find: l.findSuffixStripped},
		{Name: "record", Find: l.findRecordPaths},
		{Name: "variant", Find: l.findVariants},
		{Name: "base-dir", Find: l.findInBaseDir},
	}
	return l
}

// SetVariantRoots replaces the deployment path prefixes.
func (l *Locator) SetVariantRoots(roots []string) {
	l.variantRoots = roots
}

// Strategies returns the chain in evaluation order.
func (l *Locator) Strategies() []Strategy {
	return l.strategies
}

// Locate returns the first source found by the strategy chain.
func (l *Locator) Locate(ctx context.Context, d *downloads.Download, client *types.ClientConfig, clientPath string) (Result, bool) {
	req := &Request{Download: d, Client: client, ClientPath: clientPath, LocalPath: clientPath}
	if l.translator != nil && client != nil && clientPath != "" {
		req.LocalPath = l.translator.TranslatePath(ctx, client.ID, clientPath)
	}

	for _, s := range l.strategies {
		if ctx.Err() != nil {
			return Result{}, false
		}
		if found, p, multi := s.Find(ctx, req); found {
			l.logger.Debug().Str("downloadId", d.ID).Str("strategy", s.Name).Str("path", p).Bool("multiFile", multi).
				Msg("Located download source")
			return Result{Path: p, MultiFile: multi, Strategy: s.Name}, true
		}
	}

	l.logger.Debug().Str("downloadId", d.ID).Str("clientPath", clientPath).Str("localPath", req.LocalPath).
		Msg("Download source not found")
	return Result{}, false
}

// IsAllowed reports whether the file has an allowed media extension.
func (l *Locator) IsAllowed(p string) bool {
	_, ok := l.extensions[strings.ToLower(filepath.Ext(p))]
	return ok
}

func (l *Locator) findDirect(_ context.Context, req *Request) (bool, string, bool) {
	return l.fileAt(req.ClientPath)
}

func (l *Locator) findTranslated(_ context.Context, req *Request) (bool, string, bool) {
	if req.LocalPath == req.ClientPath {
		return false, "", false
	}
	return l.fileAt(req.LocalPath)
}

func (l *Locator) findDirectory(_ context.Context, req *Request) (bool, string, bool) {
	return l.scanDir(req.LocalPath)
}

func (l *Locator) findSuffixStripped(_ context.Context, req *Request) (bool, string, bool) {
	if req.LocalPath == "" {
		return false, "", false
	}

	stripped, ok := StripNumericSuffix(req.LocalPath)
	if ok {
		if found, p, multi := l.resolve(stripped); found {
			return true, p, multi
		}
	} else {
		stripped = filepath.Clean(req.LocalPath)
	}

	base := strings.ToLower(strings.TrimSuffix(filepath.Base(stripped), filepath.Ext(stripped)))
	if !l.IsAllowed(stripped) {
		base = strings.ToLower(filepath.Base(stripped))
	}
	if base == "" || base == "." || base == "/" {
		return false, "", false
	}

	parent := filepath.Dir(stripped)
	entries, err := os.ReadDir(parent)
	if err != nil {
		return false, "", false
	}

	var files []string
	for _, e := range entries {
		if !strings.Contains(strings.ToLower(e.Name()), base) {
			continue
		}
		found, p, multi := l.resolve(filepath.Join(parent, e.Name()))
		if !found {
			continue
		}
		if multi {
			return true, p, true
		}
		files = append(files, p)
	}
	return l.pickBest(files, req.Download.Title)
}

func (l *Locator) findRecordPaths(_ context.Context, req *Request) (bool, string, bool) {
	for _, p := range []string{req.Download.FinalPath, req.Download.DownloadPath} {
		if found, path, multi := l.resolve(p); found {
			return true, path, multi
		}
	}
	return false, "", false
}

func (l *Locator) findVariants(_ context.Context, req *Request) (bool, string, bool) {
	src := req.LocalPath
	if src == "" {
		return false, "", false
	}

	for n := 2; n >= 1; n-- {
		tail := TrailingComponents(src, n)
		if tail == "" {
			continue
		}
		var files []string
		for _, root := range l.variantRoots {
			found, p, multi := l.resolve(filepath.Join(root, filepath.FromSlash(tail)))
			if !found {
				continue
			}
			if multi {
				return true, p, true
			}
			files = append(files, p)
		}
		if found, p, _ := l.pickBest(files, req.Download.Title); found {
			return true, p, false
		}
	}
	return false, "", false
}

func (l *Locator) findInBaseDir(ctx context.Context, req *Request) (bool, string, bool) {
	if req.Client == nil || req.Client.DownloadPath == "" {
		return false, "", false
	}
	words := titleWords(req.Download.Title)
	if len(words) == 0 {
		return false, "", false
	}
	first := words[0]

	base := req.Client.DownloadPath
	if l.translator != nil {
		base = l.translator.TranslatePath(ctx, req.Client.ID, base)
	}

	var files []string
	rootDepth := strings.Count(filepath.Clean(base), string(filepath.Separator))
	_ = filepath.WalkDir(base, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.Count(p, string(filepath.Separator))-rootDepth >= maxSearchDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if l.IsAllowed(p) && strings.Contains(strings.ToLower(d.Name()), first) {
			files = append(files, p)
		}
		return nil
	})
	return l.pickBest(files, req.Download.Title)
}

// resolve accepts an allowed file or a directory containing allowed files.
func (l *Locator) resolve(p string) (bool, string, bool) {
	if found, path, multi := l.fileAt(p); found {
		return true, path, multi
	}
	return l.scanDir(p)
}

func (l *Locator) fileAt(p string) (bool, string, bool) {
	if p == "" {
		return false, "", false
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() || !l.IsAllowed(p) {
		return false, "", false
	}
	return true, p, false
}

// scanDir returns the single allowed file under dir, or dir itself as a
// multi-file release when it holds more than one.
func (l *Locator) scanDir(dir string) (bool, string, bool) {
	if dir == "" {
		return false, "", false
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false, "", false
	}

	files := l.collect(dir)
	switch len(files) {
	case 0:
		return false, "", false
	case 1:
		return true, files[0], false
	default:
		return true, dir, true
	}
}

func (l *Locator) collect(dir string) []string {
	var files []string
	_ = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && l.IsAllowed(p) {
			files = append(files, p)
		}
		return nil
	})
	return files
}

// pickBest chooses the candidate whose name shares the most title words,
// preferring the larger file on a tie.
func (l *Locator) pickBest(files []string, title string) (bool, string, bool) {
	if len(files) == 0 {
		return false, "", false
	}
	words := titleWords(title)

	type scored struct {
		path  string
		score int
		size  int64
	}
	candidates := make([]scored, 0, len(files))
	for _, f := range files {
		name := strings.ToLower(filepath.Base(f))
		s := scored{path: f}
		for _, w := range words {
			if strings.Contains(name, w) {
				s.score++
			}
		}
		if info, err := os.Stat(f); err == nil {
			s.size = info.Size()
		}
		candidates = append(candidates, s)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].size > candidates[j].size
	})
	return true, candidates[0].path, false
}

func titleWords(title string) []string {
	return strings.FieldsFunc(strings.ToLower(matcher.NormalizeTitle(title)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
