// Package assets holds the web front-end that is compiled into the binary.
//
// The build of the front-end drops its output (optionally with ".gz"
// siblings) into dist/ before `go build`.
package assets

import (
	"embed"
	"io/fs"
	"path"
	"strings"
)

//go:embed all:dist
var embedded embed.FS

// Bundle is a read-only name -> bytes store.
type Bundle struct {
	fsys fs.FS
}

// Embedded returns the bundle compiled into the binary.
func Embedded() *Bundle {
	sub, err := fs.Sub(embedded, "dist")
	if err != nil {
		// dist is part of the embed pattern; this cannot fail
		panic(err)
	}
	return New(sub)
}

// New wraps any fs.FS, mostly for tests.
func New(fsys fs.FS) *Bundle {
	return &Bundle{fsys: fsys}
}

// Get returns the bytes stored under name ("a/b.js", no leading slash).
func (b *Bundle) Get(name string) ([]byte, bool) {
	name, ok := clean(name)
	if !ok {
		return nil, false
	}
	data, err := fs.ReadFile(b.fsys, name)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Has reports whether name exists in the bundle as a file or a directory.
func (b *Bundle) Has(name string) bool {
	name, ok := clean(name)
	if !ok {
		return false
	}
	_, err := fs.Stat(b.fsys, name)
	return err == nil
}

func clean(name string) (string, bool) {
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimSuffix(name, "/")
	if name == "" {
		return "", false
	}
	name = path.Clean(name)
	if !fs.ValidPath(name) {
		return "", false
	}
	return name, true
}
