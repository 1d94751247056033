// Package logging provides structured slog logging for knockd.
//
// Loggers carry a component attribute, redact secret-bearing attributes
// (including raw and normalized knock rhythms) and can write to a rotating
// file alongside stderr.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Level is a slog level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat maps "text" or "json" to a Format. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %s", s)
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
func ParseLevel(s string) (Level, error) {
	if strings.EqualFold(s, "warning") {
		return LevelWarn, nil
	}
	var level Level
	if s == "" || level.UnmarshalText([]byte(s)) != nil {
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
	return level, nil
}

// LevelString is the lower-case name ParseLevel accepts for level.
func LevelString(level Level) string {
	return strings.ToLower(level.String())
}

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is one of "stdout", "stderr", "file", "both" or "discard".
	// "both" writes to stderr and the file.
	Output string

	// Writer, when set, replaces Output.
	Writer io.Writer

	// FilePath, MaxSize (megabytes) and MaxBackups configure file output.
	FilePath   string
	MaxSize    int64
	MaxBackups int

	AddSource bool

	// Component tags every record.
	Component string
}

// DefaultConfig logs info and above as text to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		MaxSize:    20,
		MaxBackups: 3,
		Component:  "knockd",
	}
}

// Logger is a slog.Logger that owns its log file.
type Logger struct {
	*slog.Logger
	file *closer
}

// closer closes the shared log file once, whichever derived logger asks.
type closer struct {
	once sync.Once
	c    io.Closer
	err  error
}

func (c *closer) Close() error {
	if c == nil || c.c == nil {
		return nil
	}
	c.once.Do(func() { c.err = c.c.Close() })
	return c.err
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Default returns the process-wide logger, a stderr logger until SetDefault.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = &Logger{Logger: slog.New(newHandler(os.Stderr, DefaultConfig()))}
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger and slog's default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// New creates a Logger from cfg. A nil cfg means DefaultConfig.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	w, file, err := openOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup log output: %w", err)
	}
	l := &Logger{Logger: slog.New(newHandler(w, cfg))}
	if file != nil {
		l.file = &closer{c: file}
	}
	return l, nil
}

func newHandler(w io.Writer, cfg *Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}

	var h slog.Handler
	switch cfg.Format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	return h
}

func openOutput(cfg *Config) (io.Writer, io.Closer, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil, nil
	}

	output := strings.ToLower(cfg.Output)
	switch output {
	case "stdout":
		return os.Stdout, nil, nil
	case "discard":
		return io.Discard, nil, nil
	case "file", "both":
		if cfg.FilePath == "" {
			return nil, nil, errors.New("file output needs a file path")
		}
		rotator, err := NewFileRotator(cfg)
		if err != nil {
			return nil, nil, err
		}
		if output == "both" {
			return io.MultiWriter(os.Stderr, rotator), rotator, nil
		}
		return rotator, rotator, nil
	}
	return os.Stderr, nil, nil
}

// secretKeys are attribute key fragments whose values are never logged. A
// rhythm is the shared secret, so beat and tap payloads count.
var secretKeys = []string{
	"password", "secret", "token", "credential", "cookie", "auth",
	"beats", "taps", "sequence", "rhythm",
}

func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}

// WithComponent returns a logger tagged with another component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name), file: l.file}
}

// WithRequestID returns a logger tagged with a request ID.
func (l *Logger) WithRequestID(id string) *Logger {
	return &Logger{Logger: l.Logger.With("request_id", id), file: l.file}
}

// WithContext returns a logger carrying the request ID stored in ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return l.WithRequestID(id)
	}
	return l
}

// NewRequestID returns a fresh random request ID.
func (l *Logger) NewRequestID() string {
	return uuid.NewString()
}

// Close closes the log file, if any. Loggers derived from the same New
// share the file; closing any of them closes it for all.
func (l *Logger) Close() error {
	return l.file.Close()
}

type requestIDKey struct{}

// ContextWithRequestID returns a copy of ctx carrying id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
