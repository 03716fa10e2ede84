// Package fileserver is the plain HTTP side of the server: files below the
// sandbox root (under the shared-file prefix) with single-range support, and
// the embedded front-end for every other path.
package fileserver

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"serva/internal/assets"
	"serva/internal/config"
	"serva/internal/fsutil"
)

type Options struct {
	Info   *config.Info
	Assets *assets.Bundle
	Logger *slog.Logger
}

type Server struct {
	info   *config.Info
	assets *assets.Bundle
	log    *slog.Logger
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{info: opts.Info, assets: opts.Assets, log: log}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/*", s.serve)
	r.Head("/*", s.serve)
	return r
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	prefix := s.info.Prefix
	if p == prefix || p == strings.TrimSuffix(prefix, "/") {
		http.NotFound(w, r)
		return
	}
	if rel, ok := strings.CutPrefix(p, prefix); ok && s.info.Permission.Download {
		s.serveFile(w, r, rel)
		return
	}
	s.serveAsset(w, r, strings.TrimPrefix(p, "/"))
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, rel string) {
	abs, err := fsutil.Resolve(s.info.Root, rel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if st.IsDir() {
		http.Error(w, "is a directory", http.StatusBadRequest)
		return
	}
	if q := r.URL.Query(); q.Has("thumb") {
		s.serveThumb(w, r, abs, q.Get("thumb"))
		return
	}

	size := st.Size()
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentTypeForName(st.Name()))

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		f, err := os.Open(abs)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		defer f.Close()
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": st.Name()}))
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		s.stream(w, r, f, 0, size)
		return
	}

	start, end, err := parseRange(rangeHeader, size)
	if err != nil {
		s.log.Debug("range rejected", "path", rel, "range", rangeHeader, "size", size, "err", err)
		h.Del("Content-Type")
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	f, err := os.Open(abs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer f.Close()
	n := end - start + 1
	s.log.Debug("range", "path", rel, "start", start, "end", end, "size", size)
	// the total after the slash is the length of the slice, not the file
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, n))
	h.Set("Content-Length", strconv.FormatInt(n, 10))
	w.WriteHeader(http.StatusPartialContent)
	s.stream(w, r, f, start, n)
}

func (s *Server) stream(w io.Writer, r *http.Request, f *os.File, off, n int64) {
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, io.NewSectionReader(f, off, n)); err != nil {
		// the client went away; headers are already out
		s.log.Debug("stream aborted", "path", r.URL.Path, "err", err)
	}
}

func (s *Server) serveThumb(w http.ResponseWriter, r *http.Request, abs, size string) {
	px, ok := thumbSize(size)
	if !ok {
		http.Error(w, fmt.Sprintf("thumb must be between %d and %d", thumbMin, thumbMax), http.StatusBadRequest)
		return
	}
	if !isImageExt(abs) {
		http.NotFound(w, r)
		return
	}
	b, err := makeThumb(abs, px)
	if err != nil {
		s.log.Debug("thumbnail", "path", abs, "err", err)
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(b)
}

func (s *Server) serveAsset(w http.ResponseWriter, r *http.Request, name string) {
	if name == "" {
		http.Redirect(w, r, "/index.html", http.StatusPermanentRedirect)
		return
	}
	h := w.Header()
	data, ok := s.assets.Get(name + ".gz")
	if ok {
		h.Set("Content-Encoding", "gzip")
		h.Add("Vary", "Accept-Encoding")
	} else if data, ok = s.assets.Get(name); !ok {
		http.NotFound(w, r)
		return
	}
	h.Set("Content-Type", contentTypeForName(name))
	h.Set("Cache-Control", "public, max-age=3600")
	h.Set("Content-Length", strconv.Itoa(len(data)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error("serve file", "path", r.URL.Path, "err", err)
	} else {
		s.log.Debug("serve file", "path", r.URL.Path, "status", code, "err", err)
	}
	http.Error(w, http.StatusText(code), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fsutil.ErrPathEscape):
		return http.StatusNotAcceptable
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
