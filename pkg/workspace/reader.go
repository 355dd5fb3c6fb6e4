package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
)

const (
	defaultMaxBytes = 200000
	defaultMaxFiles = 5
)

var referencePattern = regexp.MustCompile(`(?:^|\s)@([\w./*?\-\[\]{},]+)`)

// File is one file read from the workspace.
type File struct {
	Path      string // relative to the root
	Content   string
	Truncated bool
}

// Config configures a Reader.
type Config struct {
	Root string
	// MaxBytes bounds each file read.
	MaxBytes int64
	// MaxFiles bounds how many files one message may pull in.
	MaxFiles int
	Logger   zerolog.Logger
}

// Reader reads files below a fixed root.
type Reader struct {
	root     string
	maxBytes int64
	maxFiles int
	logger   zerolog.Logger
}

// NewReader resolves the root to an absolute directory.
func NewReader(cfg Config) (*Reader, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	root, err := filepath.Abs(ExpandHome(cfg.Root))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", root)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = defaultMaxFiles
	}
	return &Reader{
		root:     root,
		maxBytes: cfg.MaxBytes,
		maxFiles: cfg.MaxFiles,
		logger:   cfg.Logger.With().Str("component", "workspace").Logger(),
	}, nil
}

func (r *Reader) Root() string { return r.root }

// ReadFile reads one file. limit overrides the configured byte limit when
// positive and smaller.
func (r *Reader) ReadFile(path string, limit int64) (File, error) {
	target, err := ResolvePath(r.root, path)
	if err != nil {
		return File{}, err
	}
	if limit <= 0 || limit > r.maxBytes {
		limit = r.maxBytes
	}
	data, truncated, err := readCapped(target, limit)
	if err != nil {
		return File{}, err
	}
	if !utf8.Valid(data) {
		return File{}, fmt.Errorf("%s is not a text file", path)
	}
	rel, _ := filepath.Rel(r.root, target)
	return File{Path: filepath.ToSlash(rel), Content: string(data), Truncated: truncated}, nil
}

// Glob matches a doublestar pattern relative to the root.
func (r *Reader) Glob(pattern string) ([]string, error) {
	pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	if strings.HasPrefix(pattern, "/") || strings.HasPrefix(pattern, "../") || strings.Contains(pattern, "/../") {
		return nil, fmt.Errorf("%w: %q", ErrOutsideRoot, pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(r.root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// References extracts @path tokens from a message in order, deduplicated.
func References(message string) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, m := range referencePattern.FindAllStringSubmatch(message, -1) {
		ref := strings.TrimRight(m[1], ".,")
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs
}

// ReadReferenced reads every file a message references. Unreadable
// references are logged and skipped; only cancellation is an error.
func (r *Reader) ReadReferenced(ctx context.Context, message string) ([]File, error) {
	var files []File
	seen := make(map[string]bool)
	for _, ref := range References(message) {
		paths := []string{ref}
		if strings.ContainsAny(ref, "*?[{") {
			matches, err := r.Glob(ref)
			if err != nil {
				r.logger.Debug().Err(err).Str("ref", ref).Msg("Skipping reference")
				continue
			}
			paths = matches
		}
		for _, p := range paths {
			if err := ctx.Err(); err != nil {
				return files, err
			}
			if len(files) >= r.maxFiles {
				return files, nil
			}
			f, err := r.ReadFile(p, 0)
			if err != nil {
				r.logger.Debug().Err(err).Str("ref", p).Msg("Skipping reference")
				continue
			}
			if seen[f.Path] {
				continue
			}
			seen[f.Path] = true
			files = append(files, f)
		}
	}
	return files, nil
}
