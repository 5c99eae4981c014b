package util

import (
	"fmt"
	"net/url"
	"os"
	pathpkg "path"
	"path/filepath"
	"strings"
)

// URLPathBase extracts the last element of the URL path, ignoring query and fragment.
// If parsing fails or the path is empty, it falls back to "download".
func URLPathBase(u string) string {
	s := strings.TrimSpace(u)
	if s == "" {
		return "download"
	}
	if pu, err := url.Parse(s); err == nil && pu != nil {
		b := pathpkg.Base(pu.Path)
		if b != "" && b != "/" && b != "." {
			return b
		}
		return "download"
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	b := filepath.Base(s)
	if b == "" || b == "/" || b == "." {
		return "download"
	}
	return b
}

// UniquePath returns a unique path inside dir for the given base filename.
// If a file already exists, it first tries adding a version hint " (v<versionHint>)"
// before the extension (when versionHint != ""). Then it tries numeric suffixes
// " (2)", " (3)", etc., before the extension.
func UniquePath(dir, base, versionHint string) (string, error) {
	base = CleanFileName(base)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	path := filepath.Join(dir, base)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return path, nil
		}
		return "", err
	}
	if strings.TrimSpace(versionHint) != "" {
		cand := filepath.Join(dir, fmt.Sprintf("%s (v%s)%s", name, versionHint, ext))
		if _, err := os.Stat(cand); os.IsNotExist(err) {
			return cand, nil
		}
	}
	for i := 2; ; i++ {
		cand := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", name, i, ext))
		if _, err := os.Stat(cand); os.IsNotExist(err) {
			return cand, nil
		}
	}
}

// IsWithin reports whether path is inside root after cleaning both.
func IsWithin(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
