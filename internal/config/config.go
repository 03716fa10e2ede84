package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is what the operator supplies: flags, an optional YAML/TOML file
// and SERVA_* environment variables. It is turned into an immutable Info
// before any handler is built.
type Config struct {
	// Dir is the directory served, as given by the operator.
	Dir  string `yaml:"dir" toml:"dir"`
	IP   string `yaml:"ip" toml:"ip"`
	Port int    `yaml:"port" toml:"port"`

	EnableCORS      bool `yaml:"enable_cors" toml:"enable_cors"`
	EnableManage    bool `yaml:"enable_manage" toml:"enable_manage"`
	DisableUpload   bool `yaml:"disable_upload" toml:"disable_upload"`
	DisableDownload bool `yaml:"disable_download" toml:"disable_download"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" toml:"log_level"`

	// MaxMessageBytes caps a single RPC message (upload chunks included).
	MaxMessageBytes int64 `yaml:"max_message_bytes" toml:"max_message_bytes"`

	UploadGC UploadGC `yaml:"upload_gc" toml:"upload_gc"`
}

// UploadGC configures the optional sweep of abandoned upload artifacts.
type UploadGC struct {
	// Schedule is a cron expression; empty disables the sweeper.
	Schedule string `yaml:"schedule" toml:"schedule"`
	// MaxAge is a Go duration ("24h"); artifacts untouched for longer are removed.
	MaxAge string `yaml:"max_age" toml:"max_age"`
}

const (
	DefaultPort            = 3000
	DefaultMaxMessageBytes = 64 << 20
	DefaultGCMaxAge        = 24 * time.Hour
)

// Defaults returns the configuration used when nothing else is given.
func Defaults() Config {
	return Config{
		Dir:             ".",
		IP:              "0.0.0.0",
		Port:            DefaultPort,
		LogLevel:        "info",
		MaxMessageBytes: DefaultMaxMessageBytes,
		UploadGC:        UploadGC{MaxAge: DefaultGCMaxAge.String()},
	}
}

// Load reads a config file on top of Defaults. Files ending in .toml are
// parsed as TOML, anything else as YAML.
func Load(path string) (Config, error) {
	c := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(b, &c)
	default:
		err = yaml.Unmarshal(b, &c)
	}
	if err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// ApplyEnv overrides fields from SERVA_* variables. lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("SERVA_DIR", &c.Dir)
	str("SERVA_IP", &c.IP)
	str("SERVA_LOG_LEVEL", &c.LogLevel)
	str("SERVA_UPLOAD_GC_SCHEDULE", &c.UploadGC.Schedule)
	str("SERVA_UPLOAD_GC_MAX_AGE", &c.UploadGC.MaxAge)
	if v, ok := lookup("SERVA_PORT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVA_PORT: %w", err)
		}
		c.Port = n
	}
	if v, ok := lookup("SERVA_MAX_MESSAGE_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SERVA_MAX_MESSAGE_BYTES: %w", err)
		}
		c.MaxMessageBytes = n
	}
	return errors.Join(
		boolean("SERVA_ENABLE_CORS", &c.EnableCORS),
		boolean("SERVA_ENABLE_MANAGE", &c.EnableManage),
		boolean("SERVA_DISABLE_UPLOAD", &c.DisableUpload),
		boolean("SERVA_DISABLE_DOWNLOAD", &c.DisableDownload),
	)
}

// RegisterFlags binds the operator switches on fs to c.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Dir, "dir", c.Dir, "directory to share")
	fs.StringVar(&c.IP, "ip", c.IP, "ip address to bind")
	fs.IntVar(&c.Port, "port", c.Port, "port to listen on")
	fs.BoolVar(&c.EnableCORS, "enable-cors", c.EnableCORS, "answer cross-origin requests")
	fs.BoolVar(&c.EnableManage, "enable-manage", c.EnableManage, "allow create/copy/move/delete/rename")
	fs.BoolVar(&c.DisableUpload, "disable-upload", c.DisableUpload, "reject uploads")
	fs.BoolVar(&c.DisableDownload, "disable-download", c.DisableDownload, "do not serve shared files")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.Int64Var(&c.MaxMessageBytes, "max-message-bytes", c.MaxMessageBytes, "largest accepted rpc message")
	fs.StringVar(&c.UploadGC.Schedule, "upload-gc", c.UploadGC.Schedule, "cron schedule for removing abandoned uploads (empty: never)")
	fs.StringVar(&c.UploadGC.MaxAge, "upload-gc-max-age", c.UploadGC.MaxAge, "age after which an unfinished upload is abandoned")
}

// Overlay copies into c the fields of from whose flags were set explicitly
// on fs, so the command line wins over file and environment.
func (c *Config) Overlay(fs *flag.FlagSet, from Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dir":
			c.Dir = from.Dir
		case "ip":
			c.IP = from.IP
		case "port":
			c.Port = from.Port
		case "enable-cors":
			c.EnableCORS = from.EnableCORS
		case "enable-manage":
			c.EnableManage = from.EnableManage
		case "disable-upload":
			c.DisableUpload = from.DisableUpload
		case "disable-download":
			c.DisableDownload = from.DisableDownload
		case "log-level":
			c.LogLevel = from.LogLevel
		case "max-message-bytes":
			c.MaxMessageBytes = from.MaxMessageBytes
		case "upload-gc":
			c.UploadGC.Schedule = from.UploadGC.Schedule
		case "upload-gc-max-age":
			c.UploadGC.MaxAge = from.UploadGC.MaxAge
		}
	})
}

// Validate checks the fields that do not need the filesystem.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Dir) == "" {
		errs = append(errs, errors.New("dir is required"))
	}
	if net.ParseIP(c.IP) == nil {
		errs = append(errs, fmt.Errorf("invalid ip %q", c.IP))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("max message bytes must be > 0"))
	}
	if _, err := c.GCMaxAge(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GCMaxAge parses UploadGC.MaxAge, falling back to DefaultGCMaxAge.
func (c Config) GCMaxAge() (time.Duration, error) {
	if c.UploadGC.MaxAge == "" {
		return DefaultGCMaxAge, nil
	}
	d, err := time.ParseDuration(c.UploadGC.MaxAge)
	if err != nil {
		return 0, fmt.Errorf("upload gc max age: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("upload gc max age must be > 0")
	}
	return d, nil
}
