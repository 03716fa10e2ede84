// Package manage lists and mutates the shared directory tree. Every path a
// caller hands in goes through fsutil before the filesystem is touched.
//
// Recursive copy and delete are not transactional: a failure halfway leaves
// whatever was already copied or removed.
package manage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"serva/internal/fsutil"
)

var (
	ErrRootOperation    = errors.New("operation not allowed on the root directory")
	ErrCopyIntoSelf     = errors.New("cannot copy a directory into itself")
	ErrUnknownOperation = errors.New("unknown operation")
)

// Operation is the closed set of management operations.
type Operation int32

const (
	CreateDir Operation = iota
	CopyFile
	DeleteFile
	MoveFile
	RenameFile
)

func (o Operation) String() string {
	switch o {
	case CreateDir:
		return "CreateDir"
	case CopyFile:
		return "CopyFile"
	case DeleteFile:
		return "DeleteFile"
	case MoveFile:
		return "MoveFile"
	case RenameFile:
		return "RenameFile"
	}
	return fmt.Sprintf("Operation(%d)", int32(o))
}

// Request is one ManageDirOrFile call. Which fields matter depends on the
// operation:
//
//	CreateDir   DirPath, Target (new directory name)
//	CopyFile    FilePathName (source), DirPath (destination directory)
//	DeleteFile  FilePathName
//	MoveFile    FilePathName (source), DirPath (destination directory)
//	RenameFile  FilePathName, Target (new name)
type Request struct {
	Operation    Operation
	FilePathName string
	DirPath      string
	Target       string
}

type Manager struct {
	root string
	log  *slog.Logger
}

// New returns a Manager confined to root, which must be canonical.
func New(root string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{root: root, log: log}
}

// Do dispatches r to its operation.
func (m *Manager) Do(r Request) error {
	m.log.Debug("manage", "op", r.Operation, "file", r.FilePathName, "dir", r.DirPath, "target", r.Target)
	switch r.Operation {
	case CreateDir:
		return m.CreateDir(r.DirPath, r.Target)
	case CopyFile:
		return m.CopyFile(r.FilePathName, r.DirPath)
	case DeleteFile:
		return m.DeleteFile(r.FilePathName)
	case MoveFile:
		return m.MoveFile(r.FilePathName, r.DirPath)
	case RenameFile:
		return m.RenameFile(r.FilePathName, r.Target)
	default:
		return fmt.Errorf("%w: %v", ErrUnknownOperation, r.Operation)
	}
}

// CreateDir makes an empty directory name inside dirPath.
func (m *Manager) CreateDir(dirPath, name string) error {
	p, err := fsutil.JoinName(m.root, dirPath, name)
	if err != nil {
		return err
	}
	return os.Mkdir(p, 0o755)
}

// CopyFile copies a file to destDir/<base>, or a whole directory tree to
// destDir/<base>. Existing files are overwritten; an existing directory of
// the same name is an error.
func (m *Manager) CopyFile(source, destDir string) error {
	from, err := fsutil.Resolve(m.root, source)
	if err != nil {
		return err
	}
	if from == m.root {
		return ErrRootOperation
	}
	dir, err := fsutil.Resolve(m.root, destDir)
	if err != nil {
		return err
	}
	to := filepath.Join(dir, filepath.Base(from))
	st, err := os.Stat(from)
	if err != nil {
		return err
	}
	switch {
	case st.Mode().IsRegular():
		if to == from {
			return fmt.Errorf("%w: %s", ErrCopyIntoSelf, source)
		}
		return copyFile(from, to, st.Mode().Perm())
	case st.IsDir():
		if fsutil.Within(from, to) {
			return fmt.Errorf("%w: %s", ErrCopyIntoSelf, source)
		}
		return copyTree(from, to)
	default:
		return fmt.Errorf("%s: not a file or directory", source)
	}
}

// DeleteFile removes a file, or a directory and everything below it.
func (m *Manager) DeleteFile(p string) error {
	abs, st, err := m.entry(p)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return os.RemoveAll(abs)
	}
	return os.Remove(abs)
}

// MoveFile renames source into destDir under its own base name. Both ends
// must be on the same volume.
func (m *Manager) MoveFile(source, destDir string) error {
	from, _, err := m.entry(source)
	if err != nil {
		return err
	}
	dir, err := fsutil.Resolve(m.root, destDir)
	if err != nil {
		return err
	}
	return os.Rename(from, filepath.Join(dir, filepath.Base(from)))
}

// RenameFile gives source a new name in the same parent directory.
func (m *Manager) RenameFile(source, newName string) error {
	if err := fsutil.ValidateName(newName); err != nil {
		return err
	}
	from, _, err := m.entry(source)
	if err != nil {
		return err
	}
	return os.Rename(from, filepath.Join(filepath.Dir(from), newName))
}

// entry locates p without following a symlink in its last element, so
// delete/move/rename act on a link rather than on what it points to.
func (m *Manager) entry(p string) (string, fs.FileInfo, error) {
	rel, ok := fsutil.CleanRelPath(p)
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", fsutil.ErrPathEscape, p)
	}
	if rel == "" {
		return "", nil, ErrRootOperation
	}
	abs, err := fsutil.JoinName(m.root, path.Dir(rel), path.Base(rel))
	if err != nil {
		return "", nil, err
	}
	st, err := os.Lstat(abs)
	if err != nil {
		return "", nil, err
	}
	return abs, st, nil
}

func copyFile(from, to string, perm fs.FileMode) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := fsutil.RegularOrAbsent(to); err != nil {
		return err
	}
	dst, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// copyTree recreates the tree at from under to. Symlinks and special files
// inside the tree are skipped.
func copyTree(from, to string) error {
	return filepath.WalkDir(from, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(from, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(to, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.Mkdir(dst, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			return copyFile(p, dst, info.Mode().Perm())
		default:
			return nil
		}
	})
}
