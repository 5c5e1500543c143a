// Package pathsafe enforces filesystem containment for every path the
// pyramid builder touches. Every read or write performed by internal/slice
// or internal/pyramid goes through ValidatePath or SafeJoin first.
package pathsafe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned when a filename contains forbidden characters.
var ErrInvalidName = errors.New("invalid filename")

// ErrPathEscape is returned when a resolved path would fall outside its base.
var ErrPathEscape = errors.New("path escapes base directory")

// forbiddenNameChars are rejected even on platforms where the core must
// remain portable (colon, quote, pipe, etc. are invalid on Windows).
const forbiddenNameChars = `<>:"|?*`

// ValidateFilename rejects names containing path separators, "..", null
// bytes, or portability-unsafe characters.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q contains a null byte", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	if name == "." || name == ".." || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q contains a directory traversal segment", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, forbiddenNameChars) {
		return fmt.Errorf("%w: %q contains a forbidden character", ErrInvalidName, name)
	}
	return nil
}

// ValidatePath canonicalises path (resolving symlinks and "." / ".."
// segments) and checks that the result is lexically below canonicalised
// base. It returns the canonical path on success.
//
// path need not exist yet (the common case: a temp file about to be
// created). In that case the nearest existing ancestor directory is
// resolved and the missing suffix is re-appended. The check reflects the
// filesystem at the time of the call only: a symlink swapped in after
// validation but before the actual filesystem op is not detected here.
func ValidatePath(path, base string) (string, error) {
	canonBase, err := resolveExisting(base)
	if err != nil {
		return "", fmt.Errorf("resolving base %q: %w", base, err)
	}

	canonPath, err := canonicalize(path)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", path, err)
	}

	rel, err := filepath.Rel(canonBase, canonPath)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not relative to %q", ErrPathEscape, path, base)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves to %q, outside %q", ErrPathEscape, path, canonPath, canonBase)
	}
	return canonPath, nil
}

// SafeJoin composes a child path from base and parts, validating each part
// as a filename and checking the composed result stays under base.
func SafeJoin(base string, parts ...string) (string, error) {
	joined := base
	for _, p := range parts {
		if err := ValidateFilename(p); err != nil {
			return "", err
		}
		joined = filepath.Join(joined, p)
	}
	return ValidatePath(joined, base)
}

// canonicalize resolves symlinks and "."/".." components in path, without
// requiring path itself to exist — it walks up to the nearest existing
// ancestor, resolves that, and re-appends the remainder.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// resolveExisting finds the nearest existing ancestor of path (path itself
// if it exists), resolves symlinks on it via filepath.EvalSymlinks, and
// re-appends whatever suffix didn't exist, cleaning the result.
func resolveExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	var suffix []string
	cur := abs
	for {
		if _, err := os.Lstat(cur); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Reached filesystem root without finding anything that exists.
			break
		}
		suffix = append([]string{filepath.Base(cur)}, suffix...)
		cur = parent
	}

	resolved, err := filepath.EvalSymlinks(cur)
	if err != nil {
		// cur may be the filesystem root on a platform where Lstat never
		// succeeded above; fall back to the cleaned absolute path.
		resolved = cur
	}

	for _, s := range suffix {
		resolved = filepath.Join(resolved, s)
	}
	return filepath.Clean(resolved), nil
}
