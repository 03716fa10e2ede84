// Package rpc serves the api.ServaManager service over gRPC and gRPC-web on
// plain net/http. Every method is unary.
package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"serva/internal/config"
	"serva/internal/manage"
	"serva/internal/upload"
)

// ServiceName is the fully qualified service name used in request paths.
const ServiceName = "api.ServaManager"

type Options struct {
	Info    *config.Info
	Manager *manage.Manager
	Uploads *upload.Session
	Logger  *slog.Logger
}

type Service struct {
	info    *config.Info
	manager *manage.Manager
	uploads *upload.Session
	log     *slog.Logger

	methods map[string]method
}

type method func(req []byte) ([]byte, error)

func New(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		info:    opts.Info,
		manager: opts.Manager,
		uploads: opts.Uploads,
		log:     log,
	}
	s.methods = map[string]method{
		"ListDir":         s.listDir,
		"GetConfig":       s.getConfig,
		"UploadFileChunk": s.uploadFileChunk,
		"ManageDirOrFile": s.manageDirOrFile,
	}
	return s
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/"+ServiceName+"/{method}", s.serve)
	r.NotFound(s.unimplemented)
	r.MethodNotAllowed(s.unimplemented)
	return r
}

func (s *Service) serve(w http.ResponseWriter, r *http.Request) {
	t, ok := transportFor(r.Header.Get("Content-Type"))
	if !ok {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	name := chi.URLParam(r, "method")
	m, ok := s.methods[name]
	if !ok {
		writeResponse(w, t, nil, statusErrorf(Unimplemented, "unknown method %s/%s", ServiceName, name))
		return
	}

	start := time.Now()
	limit := s.info.MaxMessageBytes
	body := http.MaxBytesReader(w, r.Body, wireLimit(t, limit))
	req, err := readMessage(body, t, limit)
	var resp []byte
	if err == nil {
		resp, err = m(req)
	}
	st := statusFromError(err)
	if st.Code == OK {
		s.log.Debug("rpc", "method", name, "dur", time.Since(start))
	} else {
		s.log.Info("rpc failed", "method", name, "code", st.Code, "err", st.Message)
	}
	writeResponse(w, t, resp, st)
}

func (s *Service) unimplemented(w http.ResponseWriter, r *http.Request) {
	t, ok := transportFor(r.Header.Get("Content-Type"))
	if !ok {
		t = transportWeb
	}
	writeResponse(w, t, nil, statusErrorf(Unimplemented, "%s %s is not served", r.Method, r.URL.Path))
}

// wireLimit is the body size that can carry a limit-byte message on t.
func wireLimit(t transport, limit int64) int64 {
	n := limit + frameHeaderLen
	if t == transportWebText {
		n = (n+2)/3*4 + 4
	}
	return n
}

var errDisabled = errors.New("disabled by the server")

func denied(what string) error {
	return &Status{Code: PermissionDenied, Message: fmt.Sprintf("%s %v", what, errDisabled)}
}

func (s *Service) listDir(req []byte) ([]byte, error) {
	dir, err := decodeListDirRequest(req)
	if err != nil {
		return nil, statusErrorf(InvalidArgument, "ListDirRequest: %v", err)
	}
	l, err := s.manager.ListDir(dir)
	if err != nil {
		return nil, err
	}
	return encodeListDirResponse(l), nil
}

func (s *Service) getConfig(req []byte) ([]byte, error) {
	return encodeGetConfigResponse(s.info), nil
}

func (s *Service) uploadFileChunk(req []byte) ([]byte, error) {
	if !s.info.Permission.Upload {
		return nil, denied("upload")
	}
	c, err := decodeUploadFileChunkRequest(req)
	if err != nil {
		return nil, statusErrorf(InvalidArgument, "UploadFileChunkRequest: %v", err)
	}
	if c.ChunkSize != 0 && c.ChunkSize != uint64(len(c.ChunkData)) && !c.Abort {
		return nil, fmt.Errorf("%w: chunk_size=%d but %d bytes sent", upload.ErrInvalidChunk, c.ChunkSize, len(c.ChunkData))
	}
	if err := s.uploads.Apply(c.Descriptor); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Service) manageDirOrFile(req []byte) ([]byte, error) {
	r, err := decodeManageRequest(req)
	if err != nil {
		return nil, statusErrorf(InvalidArgument, "ManageDirOrFileRequest: %v", err)
	}
	if !s.allowed(r.Operation) {
		return nil, denied(r.Operation.String())
	}
	if err := s.manager.Do(r); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Service) allowed(op manage.Operation) bool {
	p := s.info.Permission
	switch op {
	case manage.CreateDir:
		return p.Create
	case manage.CopyFile:
		return p.Copy
	case manage.DeleteFile:
		return p.Delete
	case manage.MoveFile:
		return p.Move
	case manage.RenameFile:
		return p.Rename
	}
	// unknown operations fail in Do
	return p.Manage()
}
