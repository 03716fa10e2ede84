package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrPathEscape is returned when a resolved path lands outside the root.
	ErrPathEscape = errors.New("path escapes sandbox root")
	// ErrInvalidName is returned for single-segment names that could address
	// anything other than a direct child.
	ErrInvalidName = errors.New("invalid name")
	// ErrNotRegular is returned when a write target exists as something other
	// than a regular file.
	ErrNotRegular = errors.New("not a regular file")
)

// CleanRelPath turns a client path ("", "/", "a//b/", `a\b`) into the
// slash form relative to the root, "" for the root itself. ok is false when
// the path lexically climbs above the root. Symlinks are left to Resolve.
func CleanRelPath(p string) (rel string, ok bool) {
	p = strings.TrimLeft(strings.ReplaceAll(p, "\\", "/"), "/")
	p = path.Clean(p)
	switch {
	case p == ".":
		return "", true
	case p == "..", strings.HasPrefix(p, "../"):
		return "", false
	}
	return p, true
}

// Resolve joins rel onto root, follows symlinks and "..", and returns the
// canonical absolute path. root must already be canonical (see Canonical).
// The target has to exist; a missing target surfaces as fs.ErrNotExist.
func Resolve(root, rel string) (string, error) {
	if strings.Contains(rel, "\x00") {
		return "", fmt.Errorf("%w: NUL in path", ErrPathEscape)
	}
	joined := filepath.Join(root, filepath.FromSlash(rel))
	real, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", err
	}
	real, err = filepath.Abs(real)
	if err != nil {
		return "", err
	}
	if !Within(root, real) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return real, nil
}

// Within reports whether p equals root or is below it. Both must be clean
// absolute paths.
func Within(root, p string) bool {
	root = filepath.Clean(root)
	p = filepath.Clean(p)
	if p == root {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(p, root)
}

// ValidateName checks a name for a filesystem entry that may not exist yet
// (new directory, upload target, rename target). It must run before the name
// is joined onto a resolved directory.
func ValidateName(name string) error {
	switch name {
	case "", ".", "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// JoinName resolves dirRel under root and appends a validated child name.
// The child itself is not required to exist.
func JoinName(root, dirRel, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dir, err := Resolve(root, dirRel)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Canonical returns the absolute, symlink-free form of dir, which must exist
// and be a directory's path.
func Canonical(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// RelToRoot returns abs relative to root in slash form ("" for the root).
func RelToRoot(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

// RegularOrAbsent fails unless p is missing or a regular file. Writers call
// it before opening p so a symlink planted there is never followed.
func RegularOrAbsent(p string) error {
	st, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrNotRegular, p)
	}
	return nil
}
