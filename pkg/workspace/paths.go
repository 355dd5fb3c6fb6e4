package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for paths that resolve outside the workspace.
var ErrOutsideRoot = errors.New("path is outside workspace root")

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	rest, ok := strings.CutPrefix(p, "~")
	if !ok || (rest != "" && rest[0] != '/') {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, rest)
}

// ResolvePath maps a user supplied path onto root. Relative paths are joined
// to root; absolute ones must already lie inside it.
func ResolvePath(root, p string) (string, error) {
	p = strings.TrimSpace(p)
	switch {
	case p == "":
		return "", errors.New("path is required")
	case strings.Contains(p, "://"):
		return "", errors.New("path must be a local file")
	}

	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, p)
	}
	return target, nil
}

// readCapped reads at most limit bytes and reports whether more remained.
func readCapped(path string, limit int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	if info, err := f.Stat(); err != nil {
		return nil, false, err
	} else if info.IsDir() {
		return nil, false, fmt.Errorf("%s is a directory", filepath.Base(path))
	}

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
