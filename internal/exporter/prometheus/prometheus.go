// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	collector "github.com/pegasus-isi/gpumon/internal/exporter/prometheus/collector"
	"github.com/pegasus-isi/gpumon/internal/monitor"
	"github.com/pegasus-isi/gpumon/internal/service"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type (
	Initializer = service.Initializer
	Monitor     = monitor.DataProvider
)

type APIRegistry interface {
	Register(endpoint, summary, description string, handler http.Handler) error
}

type Opts struct {
	logger          *slog.Logger
	debugCollectors map[string]bool
	collectors      map[string]prom.Collector
	pcie            bool
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		debugCollectors: map[string]bool{
			"go": true,
		},
		collectors: map[string]prom.Collector{},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithDebugCollectors replaces the runtime collectors (go, process)
func WithDebugCollectors(c []string) OptionFn {
	return func(o *Opts) {
		o.debugCollectors = make(map[string]bool, len(c))
		for _, name := range c {
			o.debugCollectors[name] = true
		}
	}
}

// WithCollectors sets the telemetry collectors, usually from CreateCollectors
func WithCollectors(c map[string]prom.Collector) OptionFn {
	return func(o *Opts) {
		o.collectors = c
	}
}

// WithPCIe exposes PCIe throughput; enable it only when the monitor samples it
func WithPCIe(enabled bool) OptionFn {
	return func(o *Opts) {
		o.pcie = enabled
	}
}

// Exporter serves the GPU telemetry on /metrics
type Exporter struct {
	logger          *slog.Logger
	monitor         Monitor
	registry        *prom.Registry
	server          APIRegistry
	debugCollectors map[string]bool
	collectors      map[string]prom.Collector
}

var _ Initializer = (*Exporter)(nil)

// NewExporter creates a new Exporter instance
func NewExporter(pm Monitor, s APIRegistry, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		monitor:         pm,
		server:          s,
		logger:          opts.logger.With("service", "prometheus"),
		debugCollectors: opts.debugCollectors,
		collectors:      opts.collectors,
		registry:        prom.NewRegistry(),
	}
}

func collectorForName(name string) (prom.Collector, error) {
	switch name {
	case "go":
		return collectors.NewGoCollector(), nil
	case "process":
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), nil
	default:
		return nil, fmt.Errorf("unknown collector: %s", name)
	}
}

// CreateCollectors returns the gpumon collectors keyed by name
func CreateCollectors(pm Monitor, applyOpts ...OptionFn) map[string]prom.Collector {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return map[string]prom.Collector{
		"build_info": collector.NewBuildInfoCollector(),
		"gpu":        collector.NewGPUCollector(pm, opts.pcie, opts.logger),
	}
}

func (e *Exporter) Init() error {
	e.logger.Info("Initializing Prometheus exporter")

	for _, name := range slices.Sorted(maps.Keys(e.debugCollectors)) {
		c, err := collectorForName(name)
		if err != nil {
			e.logger.Error("Error creating collector", "collector", name, "error", err)
			return err
		}
		if err := e.register(name, c); err != nil {
			return err
		}
	}

	for _, name := range slices.Sorted(maps.Keys(e.collectors)) {
		if err := e.register(name, e.collectors[name]); err != nil {
			return err
		}
	}

	return e.server.Register("/metrics", "Metrics", "Prometheus metrics",
		promhttp.HandlerFor(
			e.registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          e.registry,
				ErrorLog:          slog.NewLogLogger(e.logger.Handler(), slog.LevelError),
			},
		))
}

func (e *Exporter) register(name string, c prom.Collector) error {
	e.logger.Info("Enabling collector", "collector", name)
	if err := e.registry.Register(c); err != nil {
		return fmt.Errorf("failed to register collector %s: %w", name, err)
	}
	return nil
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "prometheus"
}
