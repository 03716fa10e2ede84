package manage

import (
	"os"
	"path"
	"path/filepath"

	"serva/internal/fsutil"
)

// Kind tells directories from files in a listing.
type Kind int

const (
	KindDirectory Kind = iota
	KindFile
)

// Entry is one child of a listed directory. Path is root-relative with
// forward slashes; Size is only meaningful for files.
type Entry struct {
	Kind       Kind
	Path       string
	ModifiedMs int64
	Size       uint64
}

type Listing struct {
	DirPath     string
	Directories []Entry
	Files       []Entry
}

// ListDir returns the direct children of dirPath. Anything that is neither
// a plain directory nor a regular file (symlinks, devices, sockets) is left
// out.
func (m *Manager) ListDir(dirPath string) (*Listing, error) {
	full, err := fsutil.Resolve(m.root, dirPath)
	if err != nil {
		return nil, err
	}
	// entries are named under the path the client asked for, which differs
	// from full when dirPath passes through a symlink
	base, lexical := fsutil.CleanRelPath(dirPath)
	m.log.Debug("list dir", "dir", dirPath, "full", full)
	ents, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	out := &Listing{
		DirPath:     dirPath,
		Directories: []Entry{},
		Files:       []Entry{},
	}
	for _, e := range ents {
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Lstat
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		rel := path.Join(base, e.Name())
		if !lexical {
			if rel, err = fsutil.RelToRoot(m.root, filepath.Join(full, e.Name())); err != nil {
				return nil, err
			}
		}
		mode := info.Mode()
		switch {
		case mode.IsDir():
			out.Directories = append(out.Directories, Entry{
				Kind:       KindDirectory,
				Path:       rel,
				ModifiedMs: info.ModTime().UnixMilli(),
			})
		case mode.IsRegular():
			out.Files = append(out.Files, Entry{
				Kind:       KindFile,
				Path:       rel,
				ModifiedMs: info.ModTime().UnixMilli(),
				Size:       uint64(info.Size()),
			})
		}
	}
	return out, nil
}
