package upload

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"

	"serva/internal/fsutil"
)

// A chunked upload has no server-side session. Every call carries the full
// descriptor and the state is whatever sits on disk next to the target:
//
//	<dir>/<name>            empty placeholder while chunks are arriving
//	<dir>/<name>.uploading  the bytes received so far
//
// Chunks for one file must arrive in order and must not overlap. Two
// uploaders addressing the same name at the same time race on the
// filesystem; nothing here serializes them.

// TempSuffix is appended to the target name for the in-progress file.
const TempSuffix = ".uploading"

var (
	ErrInvalidChunk   = errors.New("invalid chunk descriptor")
	ErrChunkOverflow  = errors.New("chunk exceeds file size")
	ErrDigestMismatch = errors.New("digest mismatch")
	ErrNotRegular     = fsutil.ErrNotRegular
)

// Descriptor is one UploadFileChunk call.
type Descriptor struct {
	DirPath  string
	FileName string
	FileSize uint64
	// FileHash, when set, is the hex BLAKE2b-256 of the complete file.
	FileHash string

	ChunkData   []byte
	ChunkID     uint64
	ChunkCount  uint64
	ChunkOffset uint64
	// ChunkHash, when set, is the hex BLAKE2b-256 of ChunkData.
	ChunkHash string

	Abort bool
}

type step int

const (
	stepSingle step = iota
	stepFirst
	stepMiddle
	stepLast
)

func (s step) String() string {
	switch s {
	case stepSingle:
		return "single"
	case stepFirst:
		return "first"
	case stepMiddle:
		return "middle"
	case stepLast:
		return "last"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

func classify(id, count uint64) (step, error) {
	switch {
	case count == 0 || id >= count:
		return 0, fmt.Errorf("%w: chunk %d of %d", ErrInvalidChunk, id, count)
	case count == 1:
		return stepSingle, nil
	case id == 0:
		return stepFirst, nil
	case id == count-1:
		return stepLast, nil
	default:
		return stepMiddle, nil
	}
}

// Session applies chunk descriptors under one sandbox root. It holds no
// memory between calls and is safe for concurrent use.
type Session struct {
	root string
	log  *slog.Logger
}

// New returns a Session writing below root, which must be canonical.
func New(root string, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{root: root, log: log}
}

// Apply performs the action the descriptor calls for. On any write failure
// the target and temp artifacts are removed before the error is returned, so
// a failed upload never leaves partial content at the target path.
func (s *Session) Apply(d Descriptor) error {
	if d.Abort {
		return s.abort(d)
	}
	st, err := classify(d.ChunkID, d.ChunkCount)
	if err != nil {
		return err
	}
	target, temp, err := s.paths(d)
	if err != nil {
		return err
	}
	s.log.Debug("upload chunk", "target", target, "step", st, "chunk", d.ChunkID, "count", d.ChunkCount, "offset", d.ChunkOffset, "len", len(d.ChunkData))

	if err := d.check(st); err != nil {
		// a rejected first chunk has not touched anything yet, and target
		// may be an existing file the client never managed to replace
		if st == stepMiddle || st == stepLast {
			s.cleanup(target, temp)
		}
		return err
	}

	switch st {
	case stepSingle:
		err = writeSingle(target, d.ChunkData)
	case stepFirst:
		err = writeFirst(target, temp, d.ChunkData)
	case stepMiddle:
		err = writeAt(temp, d.ChunkData, int64(d.ChunkOffset), false)
	case stepLast:
		err = writeLast(target, temp, d)
	}
	if err != nil {
		s.log.Debug("upload chunk failed", "target", target, "err", err)
		s.cleanup(target, temp)
		return err
	}
	if st == stepSingle {
		// leftover from an earlier multi-chunk attempt at the same name
		if err := os.Remove(temp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("upload stale temp", "temp", temp, "err", err)
		}
	}
	return nil
}

func (s *Session) abort(d Descriptor) error {
	target, temp, err := s.paths(d)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Debug("upload abort", "target", target)
	return removeArtifacts(target, temp)
}

func (s *Session) cleanup(target, temp string) {
	if err := removeArtifacts(target, temp); err != nil {
		s.log.Warn("upload cleanup", "target", target, "err", err)
	}
}

func (s *Session) paths(d Descriptor) (target, temp string, err error) {
	target, err = fsutil.JoinName(s.root, d.DirPath, d.FileName)
	if err != nil {
		return "", "", err
	}
	temp = target + TempSuffix
	for _, p := range []string{target, temp} {
		if err := fsutil.RegularOrAbsent(p); err != nil {
			return "", "", err
		}
	}
	return target, temp, nil
}

func (d Descriptor) check(st step) error {
	offset := d.ChunkOffset
	if st == stepSingle || st == stepFirst {
		offset = 0
	}
	n := uint64(len(d.ChunkData))
	if offset+n < offset || offset+n > d.FileSize {
		return fmt.Errorf("%w: offset=%d data_size=%d file_size=%d", ErrChunkOverflow, offset, n, d.FileSize)
	}
	if d.ChunkHash != "" {
		sum := blake2b.Sum256(d.ChunkData)
		if err := matchDigest("chunk", d.ChunkHash, sum[:]); err != nil {
			return err
		}
	}
	if st == stepSingle && d.FileHash != "" {
		sum := blake2b.Sum256(d.ChunkData)
		if err := matchDigest("file", d.FileHash, sum[:]); err != nil {
			return err
		}
	}
	return nil
}

func writeSingle(target string, data []byte) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeFirst(target, temp string, data []byte) error {
	if err := os.WriteFile(target, nil, 0o644); err != nil {
		return err
	}
	return writeAt(temp, data, 0, true)
}

func writeLast(target, temp string, d Descriptor) error {
	if err := writeAt(temp, d.ChunkData, int64(d.ChunkOffset), false); err != nil {
		return err
	}
	if d.FileHash != "" {
		if err := verifyFile(temp, d.FileHash); err != nil {
			return err
		}
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Rename(temp, target)
}

func writeAt(p string, data []byte, offset int64, create bool) error {
	flag := os.O_WRONLY
	if create {
		flag |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(p, flag, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func verifyFile(p, want string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	return matchDigest("file", want, h.Sum(nil))
}

func matchDigest(what, want string, got []byte) error {
	if !strings.EqualFold(strings.TrimSpace(want), hex.EncodeToString(got)) {
		return fmt.Errorf("%w: %s hash", ErrDigestMismatch, what)
	}
	return nil
}

func removeArtifacts(target, temp string) error {
	var errs []error
	for _, p := range []string{target, temp} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
