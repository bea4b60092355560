package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days

	megabyte = 1024 * 1024

	// DefaultPath is where the supervisor writes its own log.
	DefaultPath = "log/spawn_server.log"
)

// Rotation parameters follow lumberjack semantics.
type Rotation struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

func (r Rotation) writer(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(r.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(r.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(r.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   r.Compress,
	}
}

// FileConfig describes where a task's children write stdout and stderr.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	Rotation   `mapstructure:",squash"`
}

// Enabled reports whether any destination is configured.
func (c FileConfig) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != ""
}

// TaskOutput is a log file that task instances write to through their own
// file descriptor, so an instance keeps logging after the supervisor that
// started it exits. The file is rotated, by lumberjack, only when an instance
// is started: an instance already running keeps its descriptor to the rotated
// file until it is recycled.
type TaskOutput struct {
	mu  sync.Mutex
	rot *lj.Logger
}

// Path is the file new instances write to.
func (o *TaskOutput) Path() string { return o.rot.Filename }

// Open rotates the file when it has reached MaxSize and opens it for
// appending. The caller closes its copy once the child has started.
func (o *TaskOutput) Open() (*os.File, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	path := o.rot.Filename
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if fi, err := os.Stat(path); err == nil && fi.Size() >= int64(o.rot.MaxSize)*megabyte {
		if err := o.rot.Rotate(); err != nil {
			return nil, fmt.Errorf("rotate %s: %w", path, err)
		}
	}
	// #nosec G302 G304
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Close releases the file lumberjack keeps open after a rotation.
func (o *TaskOutput) Close() error { return o.rot.Close() }

// Outputs returns the stdout and stderr files of name. A stream without a
// destination yields nil; both streams share one TaskOutput when they name
// the same file.
func (c FileConfig) Outputs(name string) (stdout, stderr *TaskOutput) {
	outPath := c.StdoutPath
	errPath := c.StderrPath
	if outPath == "" && c.Dir != "" {
		outPath = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if errPath == "" && c.Dir != "" {
		errPath = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if outPath != "" {
		stdout = &TaskOutput{rot: c.writer(outPath)}
	}
	switch {
	case errPath == "":
	case errPath == outPath:
		stderr = stdout
	default:
		stderr = &TaskOutput{rot: c.writer(errPath)}
	}
	return stdout, stderr
}

// Config configures the supervisor's own logger.
type Config struct {
	Level    string `mapstructure:"level"`  // debug, info, warn, error
	Format   string `mapstructure:"format"` // text or json
	Color    bool   `mapstructure:"color"`
	Path     string `mapstructure:"path"` // rotating log file; "-" disables it
	Rotation `mapstructure:",squash"`
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger that writes to stderr and, unless Path is "-", to a
// rotating file (DefaultPath when empty). The returned closer releases the file.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	return newWithConsole(cfg, os.Stderr)
}

func newWithConsole(cfg Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var closer io.Closer = nopCloser{}
	w := console
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	if path != "-" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		fw := cfg.Rotation.writer(path)
		closer = fw
		if console != nil {
			w = io.MultiWriter(console, fw)
		} else {
			w = fw
		}
	}
	if w == nil {
		w = io.Discard
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "", "text":
		if cfg.Color {
			h = NewColorTextHandler(w, opts, true)
		} else {
			h = slog.NewTextHandler(w, opts)
		}
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(h), closer, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
