// Package httpserver puts the RPC service and the file server behind one
// listener. Each request is routed on its headers alone; the body is never
// looked at here.
package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"serva/internal/assets"
	"serva/internal/config"
	"serva/internal/fileserver"
	"serva/internal/manage"
	"serva/internal/rpc"
	"serva/internal/upload"
)

type Options struct {
	Info   *config.Info
	Assets *assets.Bundle
	Logger *slog.Logger
}

type Server struct {
	info  *config.Info
	log   *slog.Logger
	rpc   http.Handler
	files http.Handler
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	info := opts.Info
	svc := rpc.New(rpc.Options{
		Info:    info,
		Manager: manage.New(info.Root, log.With("component", "manage")),
		Uploads: upload.New(info.Root, log.With("component", "upload")),
		Logger:  log.With("component", "rpc"),
	})
	fsrv := fileserver.New(fileserver.Options{
		Info:   info,
		Assets: opts.Assets,
		Logger: log.With("component", "fileserver"),
	})
	return &Server{
		info:  info,
		log:   log,
		rpc:   svc.Handler(),
		files: fsrv.Handler(),
	}
}

// Handler returns the root handler. It speaks HTTP/1.1 and cleartext
// HTTP/2, so native gRPC clients and browsers share the port.
func (s *Server) Handler() http.Handler {
	rpcStack, fileStack := s.rpc, s.files
	if s.info.AllowCORS {
		c := corsHandler()
		rpcStack, fileStack = c(rpcStack), c(fileStack)
	}

	mux := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsRPC(r) {
			rpcStack.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == "/healthz" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, "ok\n")
			return
		}
		fileStack.ServeHTTP(w, r)
	})

	h := requestIDMiddleware(s.loggingMiddleware(mux))
	return h2c.NewHandler(h, &http2.Server{})
}

// IsRPC reports whether r belongs to the RPC stack: a gRPC content type, or
// a CORS preflight announcing a gRPC-web call. Everything else is a file
// request.
func IsRPC(r *http.Request) bool {
	if rpc.IsRPCContentType(r.Header.Get("Content-Type")) {
		return true
	}
	if r.Method != http.MethodOptions {
		return false
	}
	for _, v := range r.Header.Values("Access-Control-Request-Headers") {
		for _, h := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(h), "x-grpc-web") {
				return true
			}
		}
	}
	return false
}

func corsHandler() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{
			"Grpc-Status", "Grpc-Message",
			"Content-Range", "Content-Length", "Content-Disposition", "Accept-Ranges",
			"X-Request-Id",
		},
		MaxAge: 300,
	})
}
