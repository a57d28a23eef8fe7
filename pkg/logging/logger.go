// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the structured loggers used by the FOV binaries.
//
// A Logger wraps a *slog.Logger that writes to stderr and, optionally, to
// a daily JSON file. Packages below cmd/ take a *slog.Logger; only the
// process entry point deals with this package.
//
// # Usage
//
//	logger, err := logging.New(logging.Config{Level: "debug", Service: "fov"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// =============================================================================
// Levels and Formats
// =============================================================================

// ParseLevel maps "debug", "info", "warn" or "error" to a slog level.
// The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Format selects the stderr encoding.
type Format string

const (
	// FormatAuto writes text to a terminal and JSON otherwise.
	FormatAuto Format = "auto"
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Logger. The zero value logs info and above to
// stderr, as text on a terminal and as JSON when piped.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `yaml:"level" json:"level"`

	// Format is auto, json or text. Empty means auto.
	Format Format `yaml:"format" json:"format" validate:"omitempty,oneof=auto json text"`

	// LogDir enables a second, always-JSON, destination named
	// "{Service}_{YYYY-MM-DD}.log". A leading ~ is expanded.
	LogDir string `yaml:"log_dir" json:"log_dir"`

	// Service is added to every record as the "service" attribute.
	Service string `yaml:"service" json:"service"`

	// Quiet disables the stderr destination.
	Quiet bool `yaml:"quiet" json:"quiet"`

	// Output replaces stderr. Used by tests.
	Output io.Writer `yaml:"-" json:"-"`
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the handlers and the optional log file.
//
// # Thread Safety
//
// Safe for concurrent use. Close must be called once, after the last
// record is written.
type Logger struct {
	slog *slog.Logger
	file *os.File
	mu   sync.Mutex
}

// New creates a Logger.
//
// # Description
//
// Builds a stderr handler (unless Quiet) and a file handler (if LogDir is
// set) and fans records out to both. A file that cannot be opened is an
// error, unlike an unset LogDir.
//
// # Outputs
//
//   - *Logger: Ready for use. Close releases the file.
//   - error: Unknown level or format, or the log file could not be opened.
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	logger := &Logger{}

	var handlers []slog.Handler
	if !cfg.Quiet {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		h, err := streamHandler(out, cfg.Format, opts)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}

	if cfg.LogDir != "" {
		dir := expandPath(cfg.LogDir)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		name := cfg.Service
		if name == "" {
			name = "fov"
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", name, time.Now().Format("2006-01-02")))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		logger.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	logger.slog = slog.New(handler)
	return logger, nil
}

func streamHandler(out io.Writer, format Format, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch format {
	case "", FormatAuto:
		if isTerminal(out) {
			return slog.NewTextHandler(out, opts), nil
		}
		return slog.NewJSONHandler(out, opts), nil
	case FormatJSON:
		return slog.NewJSONHandler(out, opts), nil
	case FormatText:
		return slog.NewTextHandler(out, opts), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// isTerminal reports whether w is a character device.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Slog returns the underlying logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// With returns a child logger sharing the same destinations.
func (l *Logger) With(args ...any) *slog.Logger {
	return l.slog.With(args...)
}

// Close syncs and closes the log file, if any. Safe to call twice.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := errors.Join(l.file.Sync(), l.file.Close())
	l.file = nil
	if err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}
	return nil
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
