// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package file

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pegasus-isi/gpumon/internal/event"
	"github.com/pegasus-isi/gpumon/internal/monitor"
	"github.com/pegasus-isi/gpumon/internal/service"
)

// Compression selects the codec wrapped around the output file
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// Exporter is a monitor sink appending newline delimited documents to a file
type Exporter struct {
	logger      *slog.Logger
	path        string
	compression Compression

	mu     sync.Mutex
	file   *os.File
	writer flushWriter
}

var (
	_ monitor.Sink        = (*Exporter)(nil)
	_ service.Initializer = (*Exporter)(nil)
	_ service.Shutdowner  = (*Exporter)(nil)
)

// flushWriter pushes every buffered document to the file on Flush
type flushWriter interface {
	io.WriteCloser
	Flush() error
}

type Opts struct {
	logger      *slog.Logger
	path        string
	compression Compression
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:      slog.Default(),
		path:        "gpumon.ndjson",
		compression: CompressionNone,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger of the exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithPath sets the output file
func WithPath(path string) OptionFn {
	return func(o *Opts) {
		o.path = path
	}
}

// WithCompression sets the codec used for the output file
func WithCompression(c Compression) OptionFn {
	return func(o *Opts) {
		o.compression = c
	}
}

func NewExporter(applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:      opts.logger.With("service", "file"),
		path:        opts.path,
		compression: opts.compression,
	}
}

func (e *Exporter) Name() string {
	return "file"
}

// Init opens the output file for appending
func (e *Exporter) Init() error {
	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", e.path, err)
	}

	w, err := newWriter(f, e.compression)
	if err != nil {
		return errors.Join(err, f.Close())
	}

	e.mu.Lock()
	e.file, e.writer = f, w
	e.mu.Unlock()

	e.logger.Info("writing telemetry documents", "path", e.path, "compression", e.compression)
	return nil
}

func newWriter(f *os.File, c Compression) (flushWriter, error) {
	switch c {
	case CompressionNone, "":
		return nopFlusher{f}, nil
	case CompressionGzip:
		return gzip.NewWriter(f), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}

// Emit appends doc followed by a newline and flushes it to the file
func (e *Exporter) Emit(_ event.Kind, doc []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.writer == nil {
		return fmt.Errorf("file exporter not initialized")
	}
	if _, err := e.writer.Write(doc); err != nil {
		return err
	}
	if _, err := e.writer.Write([]byte{'\n'}); err != nil {
		return err
	}
	return e.writer.Flush()
}

// Shutdown finishes the compressed stream and closes the file
func (e *Exporter) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.writer == nil {
		return nil
	}

	var errs []error
	if _, ok := e.writer.(nopFlusher); !ok {
		errs = append(errs, e.writer.Close())
	}
	errs = append(errs, e.file.Close())
	e.writer, e.file = nil, nil
	return errors.Join(errs...)
}

type nopFlusher struct {
	io.WriteCloser
}

func (nopFlusher) Flush() error { return nil }
