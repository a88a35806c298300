// Package logging configures the process-wide logrus logger from
// environment-sourced settings, including a hand-rolled rotation
// scheme layered directly on os.File.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// RotationStrategy controls what happens when a log file crosses
// MaxSizeMB.
type RotationStrategy string

const (
	RotationTruncate RotationStrategy = "truncate"
	RotationRotate   RotationStrategy = "rotate"
)

// Options configures New.
type Options struct {
	Level     string // error|warn|info|debug
	Format    string // text|json
	File      string // empty means stderr only
	MaxSizeMB int
	Strategy  RotationStrategy
	KeepFiles int
}

// rotatingWriter wraps an *os.File, rotating or truncating it once it
// crosses MaxSizeMB.
type rotatingWriter struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	maxBytes  int64
	written   int64
	strategy  RotationStrategy
	keepFiles int
}

func newRotatingWriter(path string, maxSizeMB int, strategy RotationStrategy, keepFiles int) (*rotatingWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	info, _ := f.Stat()
	var size int64
	if info != nil {
		size = info.Size()
	}
	return &rotatingWriter{
		path: path, file: f, maxBytes: int64(maxSizeMB) * 1024 * 1024,
		written: size, strategy: strategy, keepFiles: keepFiles,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxBytes > 0 && w.written+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *rotatingWriter) rotate() error {
	w.file.Close()
	if w.strategy == RotationTruncate {
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		w.file = f
		w.written = 0
		return nil
	}

	for i := w.keepFiles - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", w.path, i)
		dst := fmt.Sprintf("%s.%d", w.path, i+1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}
	if w.keepFiles > 0 {
		os.Rename(w.path, w.path+".1")
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.written = 0
	return nil
}

// New builds a configured logrus.Logger.
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(orDefault(opts.Level, "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if opts.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stderr
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		strategy := opts.Strategy
		if strategy == "" {
			strategy = RotationRotate
		}
		rw, err := newRotatingWriter(opts.File, orDefaultInt(opts.MaxSizeMB, 50), strategy, orDefaultInt(opts.KeepFiles, 5))
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stderr, rw)
	}
	logger.SetOutput(out)
	return logger, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
