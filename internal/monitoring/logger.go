// Package monitoring holds the process-wide diagnostic logger used by every
// controller package.
package monitoring

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu   sync.RWMutex
	logf = log.Printf
)

// Logf writes a diagnostic line through the current logger. It defaults to
// log.Printf but may be replaced by SetLogger. Tests or production code can
// redirect or mute it.
func Logf(format string, v ...interface{}) {
	mu.RLock()
	f := logf
	mu.RUnlock()
	f(format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		logf = func(string, ...interface{}) {}
		return
	}
	logf = f
}

// Logger is a printf-style logging function.
type Logger func(format string, v ...interface{})

// Component returns a Logger that prefixes every line with "[name] ". The
// prefix is applied at call time so later SetLogger calls still take effect.
func Component(name string) Logger {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}

// FileOptions bound the rotating log file written by TeeToFile.
type FileOptions struct {
	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept.
	MaxBackups int
	// MaxAgeDays removes rotated files older than this. Zero keeps them.
	MaxAgeDays int
	Compress   bool
}

const (
	DefaultLogMaxSizeMB  = 5
	DefaultLogMaxBackups = 3
)

func newRotatingFile(path string, opts FileOptions) *lumberjack.Logger {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if opts.MaxBackups < 0 {
		opts.MaxBackups = DefaultLogMaxBackups
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}

// TeeToFile writes standard library log output to a rotating file at path
// in addition to stderr. The returned closer restores stderr-only output.
func TeeToFile(path string, opts FileOptions) (io.Closer, error) {
	// lumberjack opens lazily; surface a bad path now.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	f.Close()

	rf := newRotatingFile(path, opts)
	log.SetOutput(io.MultiWriter(os.Stderr, rf))
	return closerFunc(func() error {
		log.SetOutput(os.Stderr)
		return rf.Close()
	}), nil
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }
