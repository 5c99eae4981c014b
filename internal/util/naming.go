package util

import (
	"path/filepath"
	"strings"
)

// SafeFileName returns a conservative, cross-platform-safe filename.
// It trims spaces, preserves the extension, and replaces any rune not in
// [A-Za-z0-9._-] with '-'. It also collapses duplicate '-' and trims leading/trailing
// separators. Falls back to "download" when empty after cleaning.
func SafeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "download"
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	var b strings.Builder
	prevDash := false
	for _, r := range base {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
		if ok {
			b.WriteRune(r)
			prevDash = false
		} else if !prevDash {
			b.WriteByte('-')
			prevDash = true
		}
	}
	clean := strings.Trim(b.String(), "-.")
	if clean == "" {
		clean = "download"
	}
	return clean + ext
}

// CleanFileName keeps a CivitAI file name as close to the original as possible:
// only path separators, control characters and characters Windows rejects are replaced.
func CleanFileName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20:
			continue
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), " .")
	if out == "" {
		return "download"
	}
	return out
}

// StripExt returns name without its final extension.
func StripExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
