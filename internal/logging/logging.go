// Package logging builds the session logger and reads back its tail.
package logging

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultTailLines is how many lines Tail returns when n <= 0.
const DefaultTailLines = 100

// MaxTailLines caps how many lines Tail returns.
const MaxTailLines = 10000

// Options configures New.
type Options struct {
	// File is the append-only session log. Empty logs to Stderr only.
	File  string
	Level slog.Level
	// Stderr mirrors records to os.Stderr.
	Stderr bool
}

// ParseLevel maps a config level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// New returns a text logger writing to the session log file. The returned
// closer closes the file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	var writers []io.Writer
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}
	if opts.Stderr || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: opts.Level})
	return slog.New(handler), closer, nil
}

// Tail returns the last n lines of the log at path, oldest first. A missing
// file has no lines. n is clamped to MaxTailLines.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		n = DefaultTailLines
	}
	n = min(n, MaxTailLines)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var ring []string
	start := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) < n {
			ring = append(ring, scanner.Text())
			continue
		}
		ring[start] = scanner.Text()
		start = (start + 1) % n
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	out := make([]string, 0, len(ring))
	return append(append(out, ring[start:]...), ring[:start]...), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
