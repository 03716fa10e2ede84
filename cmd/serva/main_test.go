package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "serva.yaml")
	body := "dir: /from/file\nport: 4000\nenable_manage: true\nlog_level: warn\n"
	if err := os.WriteFile(file, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SERVA_PORT", "5000")
	t.Setenv("SERVA_DISABLE_UPLOAD", "true")

	cfg, err := loadConfig([]string{"-config", file, "-log-level", "debug", "/from/arg"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dir != "/from/arg" {
		t.Errorf("Dir = %q", cfg.Dir)
	}
	if cfg.Port != 5000 {
		t.Errorf("Port = %d, env should beat the file", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, flag should beat the file", cfg.LogLevel)
	}
	if !cfg.EnableManage || !cfg.DisableUpload {
		t.Errorf("manage=%v disableUpload=%v", cfg.EnableManage, cfg.DisableUpload)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig([]string{"a", "b"}, io.Discard); err == nil {
		t.Error("two directories accepted")
	}
	if _, err := loadConfig([]string{"-port", "70000"}, io.Discard); err == nil {
		t.Error("bad port accepted")
	}
	if _, err := loadConfig([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, io.Discard); err == nil {
		t.Error("missing config file accepted")
	}
}

func TestRunFailsOnBadRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	if code := run([]string{"-ip", "127.0.0.1", "-port", "0", missing}, io.Discard, io.Discard); code != 1 {
		t.Errorf("exit code = %d", code)
	}
}

func TestWithHeaders(t *testing.T) {
	h := withHeaders("/shared-files/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/shared-files/a.txt", nil))
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("shared Cache-Control = %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}

	// anything outside the prefix, including 404s and /healthz, is left to
	// the inner handler
	for _, p := range []string{"/index.html", "/healthz", "/missing.css"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		if got := rec.Header().Get("Cache-Control"); got != "" {
			t.Errorf("%s Cache-Control = %q", p, got)
		}
	}
}
