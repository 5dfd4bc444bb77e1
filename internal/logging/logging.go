package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Options controls where log records are written
type Options struct {
	// Dir receives the debug, progress and error log files. Empty disables
	// file logging.
	Dir string
	// Prefix names the log files, defaulting to today's date.
	Prefix string
	// Level applies to the console only; files always use fixed levels.
	Level   slog.Level
	Console io.Writer
}

// Setup installs a default slog logger that writes to the console and to
// three append-only files partitioned by severity:
//
//	<prefix>_debug.log     every record
//	<prefix>_progress.log  info and above
//	<prefix>_error.log     errors only
//
// The returned function closes the files.
func Setup(opts Options) (*slog.Logger, func() error, error) {
	if opts.Console == nil {
		opts.Console = os.Stderr
	}
	if opts.Prefix == "" {
		opts.Prefix = time.Now().Format("2006-01-02")
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(opts.Console, &slog.HandlerOptions{Level: opts.Level}),
	}
	var files []*os.File
	closeFiles := func() error {
		var errs []error
		for _, f := range files {
			errs = append(errs, f.Close())
		}
		return errors.Join(errs...)
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		sinks := []struct {
			name  string
			level slog.Level
		}{
			{"debug", slog.LevelDebug},
			{"progress", slog.LevelInfo},
			{"error", slog.LevelError},
		}
		for _, sink := range sinks {
			path := filepath.Join(opts.Dir, fmt.Sprintf("%s_%s.log", opts.Prefix, sink.name))
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				_ = closeFiles()
				return nil, nil, fmt.Errorf("failed to open log file %s: %w", path, err)
			}
			files = append(files, f)
			handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: sink.level}))
		}
	}

	logger := slog.New(NewFanout(handlers...))
	slog.SetDefault(logger)
	return logger, closeFiles, nil
}

// Fanout passes each record to every handler that accepts its level
type Fanout struct {
	handlers []slog.Handler
}

func NewFanout(handlers ...slog.Handler) *Fanout {
	return &Fanout{handlers: handlers}
}

func (f *Fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *Fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &Fanout{handlers: handlers}
}

func (f *Fanout) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &Fanout{handlers: handlers}
}
