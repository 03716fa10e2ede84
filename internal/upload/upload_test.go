package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/blake2b"

	"serva/internal/fsutil"
)

func newSession(t *testing.T) (*Session, string) {
	t.Helper()
	root, err := fsutil.Canonical(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "in"), 0o755); err != nil {
		t.Fatal(err)
	}
	return New(root, nil), root
}

func exists(t *testing.T, p string) bool {
	t.Helper()
	_, err := os.Lstat(p)
	if err == nil {
		return true
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatal(err)
	}
	return false
}

func digest(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestSingleChunk(t *testing.T) {
	s, root := newSession(t)
	data := bytes.Repeat([]byte("abc"), 1000)

	err := s.Apply(Descriptor{DirPath: "in", FileName: "one.bin", FileSize: uint64(len(data)), ChunkData: data, ChunkCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(root, "in", "one.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("target differs from input")
	}
	if exists(t, filepath.Join(root, "in", "one.bin"+TempSuffix)) {
		t.Fatal("temp artifact left behind")
	}
}

func TestSingleChunkClearsStaleTemp(t *testing.T) {
	s, root := newSession(t)
	temp := filepath.Join(root, "in", "re.txt"+TempSuffix)
	// an abandoned multi-chunk upload of the same name
	if err := os.WriteFile(temp, []byte("half"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(Descriptor{DirPath: "in", FileName: "re.txt", FileSize: 4, ChunkData: []byte("done"), ChunkCount: 1}); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(root, "in", "re.txt"))
	if err != nil || string(got) != "done" {
		t.Fatalf("target = %q, %v", got, err)
	}
	if exists(t, temp) {
		t.Fatal("stale temp survived a single-chunk upload")
	}
}

func TestSingleChunkOverwrites(t *testing.T) {
	s, root := newSession(t)
	target := filepath.Join(root, "in", "f.txt")
	if err := os.WriteFile(target, []byte("old content that is longer"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(Descriptor{DirPath: "in", FileName: "f.txt", FileSize: 3, ChunkData: []byte("new"), ChunkCount: 1}); err != nil {
		t.Fatal(err)
	}
	if got, _ := os.ReadFile(target); string(got) != "new" {
		t.Fatalf("target = %q", got)
	}
}

func TestThreeChunks(t *testing.T) {
	s, root := newSession(t)
	chunks := [][]byte{[]byte("hello, "), []byte("chunked "), []byte("world")}
	var all []byte
	for _, c := range chunks {
		all = append(all, c...)
	}
	target := filepath.Join(root, "in", "three.txt")
	temp := target + TempSuffix

	var offset uint64
	for i, c := range chunks {
		d := Descriptor{
			DirPath:     "in",
			FileName:    "three.txt",
			FileSize:    uint64(len(all)),
			FileHash:    digest(all),
			ChunkData:   c,
			ChunkID:     uint64(i),
			ChunkCount:  3,
			ChunkOffset: offset,
			ChunkHash:   digest(c),
		}
		if err := s.Apply(d); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		offset += uint64(len(c))

		if i < len(chunks)-1 {
			st, err := os.Stat(target)
			if err != nil {
				t.Fatalf("chunk %d: placeholder missing: %v", i, err)
			}
			if st.Size() != 0 {
				t.Fatalf("chunk %d: placeholder has %d bytes", i, st.Size())
			}
			if !exists(t, temp) {
				t.Fatalf("chunk %d: temp missing", i)
			}
		}
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, all) {
		t.Fatalf("target = %q, want %q", got, all)
	}
	if exists(t, temp) {
		t.Fatal("temp artifact left behind")
	}
}

func TestAbort(t *testing.T) {
	s, root := newSession(t)
	target := filepath.Join(root, "in", "a.bin")

	// nothing in progress
	if err := s.Apply(Descriptor{DirPath: "in", FileName: "a.bin", Abort: true}); err != nil {
		t.Fatalf("abort without upload: %v", err)
	}
	if exists(t, target) || exists(t, target+TempSuffix) {
		t.Fatal("abort created artifacts")
	}

	// mid-upload
	if err := s.Apply(Descriptor{DirPath: "in", FileName: "a.bin", FileSize: 10, ChunkData: []byte("01234"), ChunkCount: 2}); err != nil {
		t.Fatal(err)
	}
	if !exists(t, target) || !exists(t, target+TempSuffix) {
		t.Fatal("first chunk did not create both artifacts")
	}
	if err := s.Apply(Descriptor{DirPath: "in", FileName: "a.bin", Abort: true}); err != nil {
		t.Fatal(err)
	}
	if exists(t, target) || exists(t, target+TempSuffix) {
		t.Fatal("abort left artifacts")
	}

	// twice is fine, as is a directory that does not exist
	if err := s.Apply(Descriptor{DirPath: "in", FileName: "a.bin", Abort: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(Descriptor{DirPath: "missing", FileName: "a.bin", Abort: true}); err != nil {
		t.Fatal(err)
	}
}

func TestOverflowRejected(t *testing.T) {
	s, root := newSession(t)
	target := filepath.Join(root, "in", "o.bin")

	// first chunk larger than the file: nothing written
	err := s.Apply(Descriptor{DirPath: "in", FileName: "o.bin", FileSize: 2, ChunkData: []byte("abc"), ChunkCount: 2})
	if !errors.Is(err, ErrChunkOverflow) {
		t.Fatalf("err = %v", err)
	}
	if exists(t, target) || exists(t, target+TempSuffix) {
		t.Fatal("rejected first chunk wrote artifacts")
	}

	// later chunk past the end: in-progress artifacts are cleaned up
	if err := s.Apply(Descriptor{DirPath: "in", FileName: "o.bin", FileSize: 6, ChunkData: []byte("abc"), ChunkCount: 3}); err != nil {
		t.Fatal(err)
	}
	err = s.Apply(Descriptor{DirPath: "in", FileName: "o.bin", FileSize: 6, ChunkData: []byte("defg"), ChunkID: 1, ChunkCount: 3, ChunkOffset: 3})
	if !errors.Is(err, ErrChunkOverflow) {
		t.Fatalf("err = %v", err)
	}
	if exists(t, target) || exists(t, target+TempSuffix) {
		t.Fatal("failed chunk left artifacts")
	}
}

func TestRejectedFirstChunkKeepsExistingFile(t *testing.T) {
	s, root := newSession(t)
	target := filepath.Join(root, "in", "keep.txt")
	if err := os.WriteFile(target, []byte("precious"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := s.Apply(Descriptor{DirPath: "in", FileName: "keep.txt", FileSize: 1, ChunkData: []byte("too long"), ChunkCount: 1})
	if !errors.Is(err, ErrChunkOverflow) {
		t.Fatalf("err = %v", err)
	}
	if got, _ := os.ReadFile(target); string(got) != "precious" {
		t.Fatalf("existing file changed: %q", got)
	}
}

func TestMissingTempCleansUp(t *testing.T) {
	s, root := newSession(t)
	target := filepath.Join(root, "in", "m.bin")
	if err := os.WriteFile(target, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	err := s.Apply(Descriptor{DirPath: "in", FileName: "m.bin", FileSize: 10, ChunkData: []byte("x"), ChunkID: 1, ChunkCount: 3, ChunkOffset: 5})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v", err)
	}
	if exists(t, target) {
		t.Fatal("placeholder survived a failed chunk")
	}
}

func TestDigestMismatch(t *testing.T) {
	s, root := newSession(t)
	target := filepath.Join(root, "in", "h.bin")

	err := s.Apply(Descriptor{DirPath: "in", FileName: "h.bin", FileSize: 3, ChunkData: []byte("abc"), ChunkCount: 1, ChunkHash: digest([]byte("xyz"))})
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("chunk hash: err = %v", err)
	}

	if err := s.Apply(Descriptor{DirPath: "in", FileName: "h.bin", FileSize: 6, ChunkData: []byte("abc"), ChunkCount: 2}); err != nil {
		t.Fatal(err)
	}
	err = s.Apply(Descriptor{DirPath: "in", FileName: "h.bin", FileSize: 6, FileHash: digest([]byte("abcxyz")), ChunkData: []byte("def"), ChunkID: 1, ChunkCount: 2, ChunkOffset: 3})
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("file hash: err = %v", err)
	}
	if exists(t, target) || exists(t, target+TempSuffix) {
		t.Fatal("digest failure left artifacts")
	}
}

func TestInvalidDescriptors(t *testing.T) {
	s, root := newSession(t)
	if err := os.Symlink(os.TempDir(), filepath.Join(root, "out")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(os.TempDir(), "planted"), filepath.Join(root, "in", "link.txt")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		d    Descriptor
		want error
	}{
		{"zero count", Descriptor{DirPath: "in", FileName: "x", ChunkCount: 0}, ErrInvalidChunk},
		{"id past count", Descriptor{DirPath: "in", FileName: "x", ChunkID: 2, ChunkCount: 2}, ErrInvalidChunk},
		{"separator in name", Descriptor{DirPath: "in", FileName: "../x", ChunkCount: 1}, fsutil.ErrInvalidName},
		{"dir escapes", Descriptor{DirPath: "..", FileName: "x", ChunkCount: 1}, fsutil.ErrPathEscape},
		{"dir through symlink", Descriptor{DirPath: "out", FileName: "x", ChunkCount: 1}, fsutil.ErrPathEscape},
		{"target is symlink", Descriptor{DirPath: "in", FileName: "link.txt", FileSize: 1, ChunkData: []byte("x"), ChunkCount: 1}, ErrNotRegular},
		{"abort escapes", Descriptor{DirPath: "..", FileName: "x", Abort: true}, fsutil.ErrPathEscape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Apply(tt.d); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		id, count uint64
		want      step
	}{
		{0, 1, stepSingle},
		{0, 2, stepFirst},
		{1, 2, stepLast},
		{1, 3, stepMiddle},
		{4, 5, stepLast},
	}
	for _, tt := range tests {
		got, err := classify(tt.id, tt.count)
		if err != nil || got != tt.want {
			t.Errorf("classify(%d, %d) = %v, %v; want %v", tt.id, tt.count, got, err, tt.want)
		}
	}
}

func TestSweepOnce(t *testing.T) {
	s, root := newSession(t)
	dir := filepath.Join(root, "in")

	// abandoned upload: placeholder + temp
	if err := s.Apply(Descriptor{DirPath: "in", FileName: "old.bin", FileSize: 4, ChunkData: []byte("ab"), ChunkCount: 2}); err != nil {
		t.Fatal(err)
	}
	// fresh upload
	if err := s.Apply(Descriptor{DirPath: "in", FileName: "new.bin", FileSize: 4, ChunkData: []byte("ab"), ChunkCount: 2}); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "old.bin"+TempSuffix), old, old); err != nil {
		t.Fatal(err)
	}

	sw := NewSweeper(root, 24*time.Hour, nil)
	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if exists(t, filepath.Join(dir, "old.bin")) || exists(t, filepath.Join(dir, "old.bin"+TempSuffix)) {
		t.Fatal("abandoned artifacts survived")
	}
	if !exists(t, filepath.Join(dir, "new.bin")) || !exists(t, filepath.Join(dir, "new.bin"+TempSuffix)) {
		t.Fatal("fresh upload was swept")
	}

	if err := sw.Start("not a schedule"); err == nil {
		t.Fatal("expected a schedule parse error")
	}
	if err := sw.Start("@every 1h"); err != nil {
		t.Fatal(err)
	}
	<-sw.Stop().Done()
}
