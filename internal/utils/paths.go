package utils

import (
	"path/filepath"
	"strings"
)

// WithinDir reports whether path lies strictly inside dir. Both are made
// absolute and cleaned first, so "uploads/../etc/passwd" is outside "uploads".
func WithinDir(dir, path string) bool {
	if dir == "" || path == "" {
		return false
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
