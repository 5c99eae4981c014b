package system

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// CheckAvailableSpace returns the available disk space in bytes for the given path.
// A path that does not exist yet is measured at its nearest existing parent,
// so a new model subfolder can be checked before it is created.
func CheckAvailableSpace(path string) (uint64, error) {
	p, err := existingAncestor(path)
	if err != nil {
		return 0, err
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(p, &stat); err != nil {
		return 0, fmt.Errorf("failed to get disk space for %s: %w", p, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// HasSufficientSpace checks if the path has enough space for the required bytes.
// It adds a 10% buffer for filesystem overhead and sidecar files.
func HasSufficientSpace(path string, requiredBytes uint64) (bool, uint64, error) {
	available, err := CheckAvailableSpace(path)
	if err != nil {
		return false, 0, err
	}
	required := uint64(float64(requiredBytes) * 1.1)
	return available >= required, available, nil
}

func existingAncestor(path string) (string, error) {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		p = parent
	}
}
