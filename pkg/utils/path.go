package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SecureJoin joins path elements onto base and rejects results that escape base.
//
//	dataPath, err := SecureJoin(cacheDir, fileName)
//	if err != nil {
//		return fmt.Errorf("invalid cache file: %w", err)
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !within(cleanBase, fullPath) {
		return "", fmt.Errorf("path escapes base directory")
	}
	return fullPath, nil
}

// ValidatePathWithinBase reports an error when path, absolute or relative to base,
// resolves outside base.
func ValidatePathWithinBase(base, path string) error {
	if base == "" {
		return fmt.Errorf("base path cannot be empty")
	}
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		cleanPath = filepath.Join(cleanBase, cleanPath)
	}

	if !within(cleanBase, cleanPath) {
		return fmt.Errorf("path %s is outside base directory %s", path, base)
	}
	return nil
}

func within(base, path string) bool {
	return path == base || strings.HasPrefix(path, base+string(filepath.Separator))
}
