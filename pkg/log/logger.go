// Package log provides logging routines based on slog package.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

type logWriterWrapper struct {
	l     *slog.Logger
	level LogLevel
}

func (w *logWriterWrapper) Write(p []byte) (n int, err error) {
	w.l.Log(context.Background(), w.level, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// NewDefaultLogWriter returns a io.Writer that logs to the default logger at the given level.
// Used to capture output of components that only know how to write to an io.Writer
// (e.g. the error log of net/http servers).
func NewDefaultLogWriter(level LogLevel) io.Writer {
	return &logWriterWrapper{l: slog.Default(), level: level}
}

func setLogger(level LogLevel, json bool, w io.Writer) {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		// Remove the directory from the source's filename.
		if a.Key == slog.SourceKey {
			if s, ok := a.Value.Any().(*slog.Source); ok {
				s.File = filepath.Base(s.File)
			}
		}
		return a
	}
	opts := &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: replace,
	}
	logger := slog.New(slog.NewTextHandler(w, opts))
	if json {
		logger = slog.New(slog.NewJSONHandler(w, opts))
	}
	slog.SetDefault(logger)
}

type LogLevel = slog.Level

const (
	DebugLevel = slog.LevelDebug
	InfoLevel  = slog.LevelInfo
	WarnLevel  = slog.LevelWarn
	ErrorLevel = slog.LevelError
)

// Option is a logger option.
type Option func(*options)

type options struct {
	level   LogLevel
	json    bool
	logFile string
	stderr  bool
}

func defaultOptions() *options {
	return &options{
		level:  InfoLevel,
		json:   false,
		stderr: true,
	}
}

// WithDevMode sets the logger to development mode.
// In development mode, the logger logs in human-readable format, the level is set to DebugLevel,
// and logs are also written to stderr.
func WithDevMode() Option {
	return func(o *options) {
		o.json = false
		o.level = DebugLevel
		o.stderr = true
	}
}

// WithLogFile writes logs to the given file. Unless WithAlsoLogToStderr is also
// given, stderr is no longer written to.
func WithLogFile(path string) Option {
	return func(o *options) {
		o.logFile = path
		o.stderr = false
	}
}

// WithAlsoLogToStderr also logs to stderr.
func WithAlsoLogToStderr() Option {
	return func(o *options) {
		o.stderr = true
	}
}

// WithJSON switches the handler to JSON output.
func WithJSON() Option {
	return func(o *options) {
		o.json = true
	}
}

// WithLevel sets the log level.
// The default log level is InfoLevel.
func WithLevel(level LogLevel) Option {
	return func(o *options) {
		o.level = level
	}
}

// WithLevelString sets the log level from its textual form ("debug", "info",
// "warn", "error"). Unknown values leave the level unchanged.
func WithLevelString(level string) Option {
	return func(o *options) {
		if l, err := ParseLevel(level); err == nil {
			o.level = l
		}
	}
}

// ParseLevel parses a textual log level.
func ParseLevel(s string) (LogLevel, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// Init initializes the logger.
func Init(opts ...Option) error {
	sOpts := defaultOptions()
	for _, opt := range opts {
		opt(sOpts)
	}

	var ws []io.Writer
	if sOpts.logFile != "" {
		f, err := os.OpenFile(sOpts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %v", err)
		}
		ws = append(ws, f)
	}
	if sOpts.stderr || len(ws) == 0 {
		ws = append(ws, os.Stderr)
	}

	setLogger(sOpts.level, sOpts.json, io.MultiWriter(ws...))
	return nil
}

func Disable() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func logf(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	logger := slog.Default()
	if !logger.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // skip [Callers, logf, Infof]
	r := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, args...), pcs[0])
	_ = logger.Handler().Handle(ctx, r)
}

// Debugf logs a debug message.
func Debugf(format string, args ...any) {
	level := slog.LevelDebug
	logf(level, format, args...)
}

// Infof logs an info message.
func Infof(format string, args ...any) {
	level := slog.LevelInfo
	logf(level, format, args...)
}

// Warnf logs a warning message.
func Warnf(format string, args ...any) {
	level := slog.LevelWarn
	logf(level, format, args...)
}

// Errorf logs an error message.
func Errorf(format string, args ...any) {
	level := slog.LevelError
	logf(level, format, args...)
}

// Fatalf logs a fatal message.
func Fatalf(format string, args ...any) {
	level := slog.LevelError
	logf(level, format, args...)
	os.Exit(1)
}
