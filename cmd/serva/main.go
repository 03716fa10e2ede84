package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"serva/internal/assets"
	"serva/internal/config"
	"serva/internal/httpserver"
	"serva/internal/upload"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "serva: %v\n", err)
		return 2
	}
	log := newLogger(stderr, cfg.LogLevel)

	bundle := assets.Embedded()
	info, err := config.NewInfo(cfg, bundle.Has)
	if err != nil {
		log.Error("startup", "err", err)
		return 1
	}

	addr := net.JoinHostPort(cfg.IP, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("listen", "addr", addr, "err", err)
		return 1
	}

	var sweeper *upload.Sweeper
	if cfg.UploadGC.Schedule != "" {
		maxAge, _ := cfg.GCMaxAge()
		sweeper = upload.NewSweeper(info.Root, maxAge, log.With("component", "sweeper"))
		if err := sweeper.Start(cfg.UploadGC.Schedule); err != nil {
			_ = ln.Close()
			log.Error("upload gc schedule", "schedule", cfg.UploadGC.Schedule, "err", err)
			return 1
		}
	}

	srv := httpserver.New(httpserver.Options{
		Info:   info,
		Assets: bundle,
		Logger: log,
	})
	server := &http.Server{
		Handler:           withHeaders(info.Prefix, srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	fmt.Fprintf(stdout, "serva\n%s\n", info)
	for _, a := range info.Addresses {
		fmt.Fprintf(stdout, "listening on http://%s\n", a)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("shutdown", "err", err)
		}
	}()

	err = server.Serve(ln)
	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("serve", "err", err)
		return 1
	}
	log.Info("stopped")
	return 0
}

// loadConfig layers defaults, the optional config file, SERVA_* variables
// and finally the flags that were set explicitly. A positional argument is
// the directory to share.
func loadConfig(args []string, stderr io.Writer) (config.Config, error) {
	fs := flag.NewFlagSet("serva", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "YAML or TOML config file")
	flags := config.Defaults()
	flags.RegisterFlags(fs)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: serva [flags] [dir]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if fs.NArg() > 1 {
		return config.Config{}, fmt.Errorf("expected at most one directory, got %q", fs.Args())
	}

	cfg := config.Defaults()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return config.Config{}, err
	}
	cfg.Overlay(fs, flags)
	if fs.NArg() == 1 {
		cfg.Dir = fs.Arg(0)
	}
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func withHeaders(prefix string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Basic hardening / UX.
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")

		// Shared files change under us. Assets and thumbnails set their own
		// caching once they are known to exist.
		if strings.HasPrefix(r.URL.Path, prefix) {
			w.Header().Set("Cache-Control", "no-store")
		}

		next.ServeHTTP(w, r)
	})
}
