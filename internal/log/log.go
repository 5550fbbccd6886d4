// Package log provides the per-package structured loggers used across
// resqued. It mirrors the split the supervisor's processes need: dev
// runs want colored console output, daemonized runs want JSON lines a
// log shipper can parse.
package log

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Mode selects the log output encoding.
type Mode string

const (
	// ModeConsole prints human-readable, colorized lines. Default for
	// interactive use.
	ModeConsole Mode = "console"
	// ModeJSON prints one JSON object per line. Used when resqued is
	// daemonized and its output is shipped elsewhere.
	ModeJSON Mode = "json"
)

var (
	mu     sync.Mutex
	target *reopenableWriter
)

// reopenableWriter wraps an *os.File opened from a path so that HUP
// handling can close and reopen it in place (logrotate-compatible),
// matching spec.md §4.6's "reopen logs" instruction.
type reopenableWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func newReopenableWriter(path string) (*reopenableWriter, error) {
	w := &reopenableWriter{path: path}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *reopenableWriter) open() error {
	if w.path == "" {
		w.f = os.Stderr
		return nil
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w.f = f
	return nil
}

func (w *reopenableWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Write(p)
}

// Reopen closes and reopens the underlying file at the configured
// path. A no-op when logging to stderr (no path configured).
func (w *reopenableWriter) Reopen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.path == "" {
		return nil
	}
	_ = w.f.Close()
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w.f = f
	return nil
}

// Configure sets the process-wide log destination and encoding. Call
// once at startup before any logger is obtained with New.
func Configure(path string, mode Mode, level zerolog.Level) error {
	mu.Lock()
	defer mu.Unlock()

	w, err := newReopenableWriter(path)
	if err != nil {
		return err
	}
	target = w

	var out io.Writer = w
	if mode == ModeConsole {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	zerolog.SetGlobalLevel(level)
	base = zerolog.New(out).With().Timestamp().Int("pid", os.Getpid()).Logger()
	return nil
}

// Reopen closes and reopens the log destination file, used by the
// master on HUP. Safe to call before Configure (no-op).
func Reopen() error {
	mu.Lock()
	defer mu.Unlock()
	if target == nil {
		return nil
	}
	return target.Reopen()
}

var base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Int("pid", os.Getpid()).Logger()

// New returns a sub-logger tagged with the given package name, the way
// the teacher's pkg/log attaches "pkg" to every logger it hands out.
func New(pkg string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With().Str("pkg", pkg).Logger()
}
