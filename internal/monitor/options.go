// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"log/slog"
	"time"

	"github.com/pegasus-isi/gpumon/internal/event"
	"k8s.io/utils/clock"
)

// DefaultBufferSize is the capacity of the buffer each document is
// serialized into
const DefaultBufferSize = 16 << 10

type Opts struct {
	logger       *slog.Logger
	interval     time.Duration
	clock        clock.WithTicker
	maxStaleness time.Duration

	includePCIe bool
	processes   bool
	utilization bool

	bufferSize int
	events     []event.Kind
	sinks      []Sink
}

// DefaultOpts returns the options of a monitor that polls only on demand and
// emits every kind of document
func DefaultOpts() Opts {
	return Opts{
		logger:       slog.Default(),
		interval:     0, // no periodic collection
		clock:        clock.RealClock{},
		maxStaleness: 500 * time.Millisecond,
		processes:    true,
		utilization:  true,
		bufferSize:   DefaultBufferSize,
		events:       event.Kinds,
	}
}

// OptionFn sets one or more options in Opts
type OptionFn func(*Opts)

// WithLogger sets the logger of the monitor
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithInterval sets the poll interval; zero disables periodic polls
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithClock sets the clock driving the poll timer
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithMaxStaleness sets how old a snapshot may be before a reader triggers a
// fresh poll
func WithMaxStaleness(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.maxStaleness = d
	}
}

// WithPCIe enables PCIe throughput readings. Each one blocks the driver for
// about 20ms.
func WithPCIe(enabled bool) OptionFn {
	return func(o *Opts) {
		o.includePCIe = enabled
	}
}

// WithProcesses toggles the compute process snapshot
func WithProcesses(enabled bool) OptionFn {
	return func(o *Opts) {
		o.processes = enabled
	}
}

// WithUtilization toggles the per-process utilization window
func WithUtilization(enabled bool) OptionFn {
	return func(o *Opts) {
		o.utilization = enabled
	}
}

// WithBufferSize sets the document buffer capacity
func WithBufferSize(n int) OptionFn {
	return func(o *Opts) {
		o.bufferSize = n
	}
}

// WithEvents restricts the document kinds handed to sinks
func WithEvents(kinds ...event.Kind) OptionFn {
	return func(o *Opts) {
		o.events = kinds
	}
}

// WithSinks appends document sinks
func WithSinks(sinks ...Sink) OptionFn {
	return func(o *Opts) {
		o.sinks = append(o.sinks, sinks...)
	}
}
