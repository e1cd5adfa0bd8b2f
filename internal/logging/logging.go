// Package logging configures the process-wide zerolog logger. All
// dispatch packages log through the global zerolog/log facade; this
// package owns level parsing, output selection, and optional file
// logging for persistent debugging.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls logger setup.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Pretty enables human-readable console output instead of JSON.
	Pretty bool
	// File, when set, duplicates output to the given path (JSON).
	File string
}

// Setup installs the global logger according to opts. It returns a
// cleanup function that closes the log file, if one was opened.
func Setup(opts Options) (func(), error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var sink io.Writer = os.Stderr
	if opts.Pretty {
		sink = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	cleanup := func() {}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sink = zerolog.MultiLevelWriter(sink, f)
		cleanup = func() { f.Close() }
	}

	log.Logger = zerolog.New(sink).With().Timestamp().Logger()
	return cleanup, nil
}

// Component returns a logger tagged with a component name, so every
// line from a subsystem carries its origin.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func parseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
