package library

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Subfolders lists every directory under root as a path relative to root
// with a leading separator, e.g. "/sdxl/styles". Symlinked directories are
// followed (once per real path). With hideDot, any directory with a
// dot-prefixed component is skipped. A missing root yields no entries.
func Subfolders(root string, hideDot bool) ([]string, error) {
	fi, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, &fs.PathError{Op: "subfolders", Path: root, Err: errors.New("not a directory")}
	}
	seen := map[string]bool{}
	visited := map[string]bool{}
	var out []string
	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		real, err := filepath.EvalSymlinks(dir)
		if err != nil {
			return nil
		}
		if visited[real] {
			return nil
		}
		visited[real] = true
		entries, err := os.ReadDir(dir)
		if err != nil {
			if dir == root {
				return err
			}
			return nil
		}
		for _, e := range entries {
			name := e.Name()
			if hideDot && strings.HasPrefix(name, ".") {
				continue
			}
			p := filepath.Join(dir, name)
			isDir := e.IsDir()
			if e.Type()&fs.ModeSymlink != 0 {
				if st, err := os.Stat(p); err == nil && st.IsDir() {
					isDir = true
				}
			}
			if !isDir {
				continue
			}
			r := rel + string(filepath.Separator) + name
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
			if err := walk(p, r); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, ""); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out, nil
}

// SubfolderChoices is "None" followed by Subfolders. Errors collapse to
// just "None".
func SubfolderChoices(root string, hideDot bool) []string {
	subs, err := Subfolders(root, hideDot)
	if err != nil {
		return []string{"None"}
	}
	return append([]string{"None"}, subs...)
}
