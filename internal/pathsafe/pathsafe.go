// Package pathsafe confines user-supplied relative paths beneath a base
// directory. Every filesystem-facing component resolves paths through
// Resolve before touching the OS; nothing else may join user input onto a
// base path directly.
package pathsafe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned when a relative path is absolute, contains a
// ".." segment, or canonicalizes outside the base directory.
var ErrUnsafePath = errors.New("unsafe path")

// Resolve canonicalizes base (which must be an existing directory) and
// base/relative, and returns the absolute resolved path. The final
// segments of relative need not exist, so uploads and mkdirs can resolve
// their targets before creation.
func Resolve(base, relative string) (string, error) {
	canonicalBase, err := canonicalDir(base)
	if err != nil {
		return "", err
	}
	relative = filepath.FromSlash(strings.TrimSpace(relative))
	if relative == "" || relative == "." {
		return canonicalBase, nil
	}
	if filepath.IsAbs(relative) {
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafePath, relative)
	}
	for _, segment := range strings.Split(filepath.ToSlash(relative), "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q contains a parent segment", ErrUnsafePath, relative)
		}
	}
	resolved, err := weakCanonical(filepath.Join(canonicalBase, relative))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if !Descends(canonicalBase, resolved) {
		return "", fmt.Errorf("%w: %q escapes %q", ErrUnsafePath, relative, base)
	}
	return resolved, nil
}

// Descends reports whether path equals base or lies beneath it.
func Descends(base, path string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}

// Rel returns path relative to base in forward-slash form, the shape paths
// take on the wire.
func Rel(base, path string) (string, error) {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %q outside %q", ErrUnsafePath, path, base)
	}
	return rel, nil
}

func canonicalDir(base string) (string, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("base %q: %w", base, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("base %q is not a directory", base)
	}
	return resolved, nil
}

// weakCanonical resolves symlinks in the longest existing prefix of path
// and rejoins the non-existent tail, mirroring weakly-canonical semantics.
func weakCanonical(path string) (string, error) {
	path = filepath.Clean(path)
	existing := path
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", fmt.Errorf("no existing ancestor for %q", path)
		}
		tail = append(tail, filepath.Base(existing))
		existing = parent
	}
}
