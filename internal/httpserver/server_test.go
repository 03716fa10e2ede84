package httpserver

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"serva/internal/assets"
	"serva/internal/config"
	"serva/internal/fsutil"
)

func newServer(t *testing.T, cors bool) http.Handler {
	t.Helper()
	root, err := fsutil.Canonical(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("file body"), 0o644); err != nil {
		t.Fatal(err)
	}
	info := &config.Info{
		Root:            root,
		RootArg:         root,
		Prefix:          "/shared-files/",
		Permission:      config.Permission{Upload: true, Download: true},
		AllowCORS:       cors,
		MaxMessageBytes: 1 << 20,
	}
	bundle := assets.New(fstest.MapFS{"index.html": {Data: []byte("ui")}})
	return New(Options{Info: info, Assets: bundle}).Handler()
}

func TestIsRPC(t *testing.T) {
	tests := []struct {
		name   string
		method string
		hdr    map[string]string
		want   bool
	}{
		{"grpc-web", http.MethodPost, map[string]string{"Content-Type": "application/grpc-web+proto"}, true},
		{"native", http.MethodPost, map[string]string{"Content-Type": "application/grpc"}, true},
		{"plain get", http.MethodGet, nil, false},
		{"json post", http.MethodPost, map[string]string{"Content-Type": "application/json"}, false},
		{"grpc preflight", http.MethodOptions, map[string]string{"Access-Control-Request-Headers": "content-type, X-Grpc-Web"}, true},
		{"other preflight", http.MethodOptions, map[string]string{"Access-Control-Request-Headers": "range"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/x", nil)
			for k, v := range tt.hdr {
				r.Header.Set(k, v)
			}
			if got := IsRPC(r); got != tt.want {
				t.Errorf("IsRPC = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoutesBothStacks(t *testing.T) {
	h := newServer(t, false)

	// same path, different stacks
	req := httptest.NewRequest(http.MethodPost, "/api.ServaManager/GetConfig", bytes.NewReader([]byte{0, 0, 0, 0, 0}))
	req.Header.Set("Content-Type", "application/grpc-web+proto")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if ct := rec.Header().Get("Content-Type"); ct != "application/grpc-web+proto" {
		t.Errorf("rpc Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "grpc-status: 0") {
		t.Errorf("rpc body = %q", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api.ServaManager/GetConfig", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("non-rpc POST status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/shared-files/f.txt", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "file body" {
		t.Errorf("file: status=%d body=%q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Errorf("healthz: status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestRequestIDKept(t *testing.T) {
	h := newServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "abc-123" {
		t.Errorf("X-Request-Id = %q", got)
	}
}

func TestCORS(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		h := newServer(t, enabled)
		req := httptest.NewRequest(http.MethodOptions, "/api.ServaManager/ListDir", nil)
		req.Header.Set("Origin", "http://example.test")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "content-type,x-grpc-web")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		got := rec.Header().Get("Access-Control-Allow-Origin")
		if enabled && got == "" {
			t.Error("preflight not answered with CORS enabled")
		}
		if !enabled && got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q with CORS disabled", got)
		}

		req = httptest.NewRequest(http.MethodGet, "/shared-files/f.txt", nil)
		req.Header.Set("Origin", "http://example.test")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); (got != "") != enabled {
			t.Errorf("cors=%v: file Access-Control-Allow-Origin = %q", enabled, got)
		}
	}
}
