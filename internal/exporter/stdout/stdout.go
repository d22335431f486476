// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pegasus-isi/gpumon/internal/event"
	"github.com/pegasus-isi/gpumon/internal/monitor"
	"github.com/pegasus-isi/gpumon/internal/service"
)

// Format selects how documents are written
type Format string

const (
	// FormatJSON writes every document on its own line
	FormatJSON Format = "json"

	// FormatTable renders human readable tables
	FormatTable Format = "table"
)

// Formats lists the supported formats
var Formats = []Format{FormatJSON, FormatTable}

// Exporter is a monitor sink that writes telemetry documents to a stream
type Exporter struct {
	logger *slog.Logger
	out    io.WriteCloser
	format Format

	mu    sync.Mutex
	table *tableWriter
}

var (
	_ monitor.Sink        = (*Exporter)(nil)
	_ service.Initializer = (*Exporter)(nil)
	_ service.Shutdowner  = (*Exporter)(nil)
)

type Opts struct {
	logger *slog.Logger
	out    io.WriteCloser
	format Format
	procfs string
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		out:    os.Stdout,
		format: FormatJSON,
		procfs: "/proc",
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

// WithOutput sets the stream documents are written to
func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

// WithFormat sets the output format
func WithFormat(f Format) OptionFn {
	return func(o *Opts) {
		o.format = f
	}
}

// WithProcFS sets the procfs mount used to resolve process names in tables
func WithProcFS(path string) OptionFn {
	return func(o *Opts) {
		o.procfs = path
	}
}

func NewExporter(applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	e := &Exporter{
		logger: opts.logger.With("service", "stdout"),
		out:    opts.out,
		format: opts.format,
	}
	if e.format == FormatTable {
		e.table = newTableWriter(opts.out, newCommResolver(opts.procfs, e.logger))
	}
	return e
}

func (e *Exporter) Name() string {
	return "stdout"
}

func (e *Exporter) Init() error {
	switch e.format {
	case FormatJSON, FormatTable:
		e.logger.Info("writing telemetry documents", "format", e.format)
		return nil
	default:
		return fmt.Errorf("unknown stdout format %q", e.format)
	}
}

// Emit writes doc in the exporter's format. Calls are serialized.
func (e *Exporter) Emit(kind event.Kind, doc []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.format == FormatTable {
		return e.table.write(kind, doc)
	}

	if _, err := e.out.Write(doc); err != nil {
		return err
	}
	_, err := e.out.Write([]byte{'\n'})
	return err
}

// Shutdown closes the output unless it is the process's standard output
func (e *Exporter) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.out == os.Stdout || e.out == os.Stderr {
		return nil
	}
	return e.out.Close()
}
