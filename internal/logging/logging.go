// Package logging configures the process-wide slog handler. The TUI owns
// the terminal, so logs always go to a file: an explicit --log-file, or a
// per-user cache file by default.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Options selects the log destination and level.
type Options struct {
	// Level is the explicit level name (debug, info, warn, error); empty
	// means derive from Verbose/Quiet.
	Level string
	// Verbose and Quiet count -v and -q flags; each step moves one level.
	Verbose int
	Quiet   int
	// File is the log file path; empty selects the default cache file.
	File string
}

// Setup installs the default slog handler and returns a closer for the log
// file.
func Setup(opts Options) (io.Closer, error) {
	level, err := resolveLevel(opts)
	if err != nil {
		return nil, err
	}

	path := opts.File
	if path == "" {
		path, err = defaultLogFile()
		if err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}

	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	return f, nil
}

// resolveLevel maps the explicit level name, or the -v/-q counts relative
// to the default of Warn.
func resolveLevel(opts Options) (slog.Level, error) {
	if opts.Level != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return 0, fmt.Errorf("invalid log level %q", opts.Level)
		}
		return level, nil
	}

	level := slog.LevelWarn
	steps := opts.Verbose - opts.Quiet
	// Each -v lowers the threshold by one named level, each -q raises it.
	level -= slog.Level(4 * steps)
	if level < slog.LevelDebug {
		level = slog.LevelDebug
	}
	if level > slog.LevelError {
		level = slog.LevelError
	}
	return level, nil
}

func defaultLogFile() (string, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving cache dir: %w", err)
	}
	dir := filepath.Join(cache, "micromux")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating log dir: %w", err)
	}
	return filepath.Join(dir, "micromux.log"), nil
}
