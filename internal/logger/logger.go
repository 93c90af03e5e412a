// Package logger builds the application slog logger and the rotating file
// writers used for automation script output.
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

// Default rotation settings.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config is the [log] section.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error
	Format string     `mapstructure:"format"` // text or json
	Color  bool       `mapstructure:"color"`
	File   FileConfig `mapstructure:"file"`
}

// FileConfig describes rotated log files. Path is the application log. For
// per-process output, StdoutPath/StderrPath win over Dir, which yields
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func (c FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// Every writer on the same file shares one rotating logger, so concurrent
// holders never rotate the file from under each other. The settings of the
// first opener apply until the last holder closes.
var (
	filesMu sync.Mutex
	files   = make(map[string]*sharedFile)
)

type sharedFile struct {
	out  *lj.Logger
	refs int
}

func (c FileConfig) open(path string) *fileWriter {
	key := filepath.Clean(path)
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}
	filesMu.Lock()
	defer filesMu.Unlock()
	f, ok := files[key]
	if !ok {
		f = &sharedFile{out: c.rotated(path)}
		files[key] = f
	}
	f.refs++
	return &fileWriter{key: key, file: f}
}

// fileWriter is one holder's handle on a shared rotated file.
type fileWriter struct {
	key    string
	file   *sharedFile
	mu     sync.Mutex
	closed bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return 0, os.ErrClosed
	}
	return w.file.out.Write(p)
}

// Close releases the handle. The file itself is closed with the last one.
func (w *fileWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	filesMu.Lock()
	defer filesMu.Unlock()
	w.file.refs--
	if w.file.refs > 0 {
		return nil
	}
	if files[w.key] == w.file {
		delete(files, w.key)
	}
	return w.file.out.Close()
}

// ProcessWriters returns stdout and stderr writers for a child process named
// name. Either is nil when no destination is configured for it.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	f := c.File
	stdout, stderr := f.StdoutPath, f.StderrPath
	if f.Dir != "" {
		if err := os.MkdirAll(f.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		if stdout == "" {
			stdout = filepath.Join(f.Dir, name+".stdout.log")
		}
		if stderr == "" {
			stderr = filepath.Join(f.Dir, name+".stderr.log")
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = f.open(stdout)
	}
	if stderr != "" {
		errW = f.open(stderr)
	}
	return outW, errW, nil
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to w and, when File.Path is set, to a rotated
// file as well. The returned closer releases the file.
func New(cfg Config, w io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var closer io.Closer = nopCloser{}
	out := w
	if cfg.File.Path != "" {
		fw := cfg.File.open(cfg.File.Path)
		closer = fw
		if w != nil {
			out = io.MultiWriter(w, fw)
		} else {
			out = fw
		}
	}
	if out == nil {
		out = io.Discard
	}
	var h slog.Handler
	switch {
	case strings.EqualFold(cfg.Format, "json"):
		h = slog.NewJSONHandler(out, opts)
	case cfg.Color && cfg.File.Path == "":
		h = NewColorTextHandler(out, opts, true)
	default:
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
