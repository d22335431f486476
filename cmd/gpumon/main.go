// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/alecthomas/kingpin/v2"
	"github.com/google/uuid"
	_ "go.uber.org/automaxprocs"
	"k8s.io/utils/ptr"

	"github.com/pegasus-isi/gpumon/config"
	"github.com/pegasus-isi/gpumon/internal/device/gpu"
	_ "github.com/pegasus-isi/gpumon/internal/device/gpu/nvidia"
	"github.com/pegasus-isi/gpumon/internal/exporter/file"
	"github.com/pegasus-isi/gpumon/internal/exporter/mcp"
	"github.com/pegasus-isi/gpumon/internal/exporter/prometheus"
	"github.com/pegasus-isi/gpumon/internal/exporter/stdout"
	"github.com/pegasus-isi/gpumon/internal/logger"
	"github.com/pegasus-isi/gpumon/internal/monitor"
	"github.com/pegasus-isi/gpumon/internal/server"
	"github.com/pegasus-isi/gpumon/internal/service"
	"github.com/pegasus-isi/gpumon/internal/version"
)

func main() {
	cfg, err := parseArgsAndConfig(os.Args[1:])
	if err != nil {
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr).With("run_id", uuid.NewString())
	logVersionInfo(log)
	printConfigInfo(os.Stderr, log, cfg)

	services, err := createServices(log, cfg)
	if err != nil {
		log.Error("failed to create services", "error", err)
		os.Exit(1)
	}

	if err := service.Init(log, services); err != nil {
		log.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	log.Info("Starting gpumon")
	runErr := service.Run(context.Background(), log, services)
	if err := service.Shutdown(log, services); err != nil {
		log.Error("failed to shut down sinks", "error", err)
	}
	if runErr != nil {
		log.Error("gpumon terminated with an error", "error", runErr)
		os.Exit(1)
	}
	log.Info("Graceful shutdown completed")
}

func logVersionInfo(log *slog.Logger) {
	v := version.Info()
	log.Info("gpumon version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func parseArgsAndConfig(args []string) (*config.Config, error) {
	const appName = "gpumon"
	app := kingpin.New(appName, "GPU telemetry collector for batch jobs.")
	app.Version(version.Info().String())

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	overlays := app.Flag("config.overlay", "YAML file merged over the configuration; repeatable").Strings()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(args))

	log := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if *configFile != "" {
		log.Info("Loading configuration file", "path", *configFile)
		loaded, err := config.FromFile(*configFile)
		if err != nil {
			log.Error("Error loading config file", "error", err.Error())
			return nil, err
		}
		cfg = loaded
	}

	if len(*overlays) > 0 {
		merged, err := (&config.Builder{}).Use(cfg).MergeFiles(*overlays...).Build()
		if err != nil {
			log.Error("Error applying configuration overlays", "error", err.Error())
			return nil, err
		}
		cfg = merged
	}

	// command line flags override config file settings
	if err := updateConfig(cfg); err != nil {
		log.Error("Error applying command line flags", "error", err.Error())
		return nil, err
	}

	return cfg, nil
}

func printConfigInfo(w io.Writer, log *slog.Logger, cfg *config.Config) {
	if !log.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Fprintf(w, `
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

func openDriver(log *slog.Logger, cfg *config.Config) (gpu.Driver, error) {
	if ptr.Deref(cfg.Dev.FakeGPU.Enabled, false) {
		log.Warn("using fake GPU driver", "devices", cfg.Dev.FakeGPU.Devices)
		drv := gpu.NewFakeDriver(cfg.Dev.FakeGPU.Devices, gpu.WithFakeLogger(log))
		if err := drv.Init(); err != nil {
			return nil, err
		}
		return drv, nil
	}
	return gpu.Open(gpu.VendorNVIDIA, log)
}

func createSinks(log *slog.Logger, cfg *config.Config) []monitor.Sink {
	var sinks []monitor.Sink
	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
		sinks = append(sinks, stdout.NewExporter(
			stdout.WithLogger(log),
			stdout.WithFormat(stdout.Format(cfg.Exporter.Stdout.Format)),
			stdout.WithProcFS(cfg.Host.ProcFS),
		))
	}
	if ptr.Deref(cfg.Exporter.File.Enabled, false) {
		sinks = append(sinks, file.NewExporter(
			file.WithLogger(log),
			file.WithPath(cfg.Exporter.File.Path),
			file.WithCompression(file.Compression(cfg.Exporter.File.Compression)),
		))
	}
	return sinks
}

// createServices orders the services for Init: sinks come before the monitor
// so that they receive the environment document.
func createServices(log *slog.Logger, cfg *config.Config) ([]service.Service, error) {
	log.Debug("Creating all services")

	drv, err := openDriver(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPU driver: %w", err)
	}

	sinks := createSinks(log, cfg)
	pcie := ptr.Deref(cfg.Monitor.PCIe, false)

	pm := monitor.NewGPUMonitor(drv,
		monitor.WithLogger(log),
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.WithMaxStaleness(cfg.Monitor.Staleness),
		monitor.WithPCIe(pcie),
		monitor.WithProcesses(ptr.Deref(cfg.Monitor.Processes, true)),
		monitor.WithUtilization(ptr.Deref(cfg.Monitor.Utilization, true)),
		monitor.WithBufferSize(cfg.Monitor.BufferSize),
		monitor.WithEvents(cfg.Monitor.Events.Kinds()...),
		monitor.WithSinks(sinks...),
	)

	apiServer := server.NewAPIServer(
		server.WithLogger(log),
		server.WithListen(cfg.Web.ListenAddresses, cfg.Web.Config),
	)

	services := make([]service.Service, 0, len(sinks)+6)
	for _, s := range sinks {
		services = append(services, s)
	}
	services = append(services,
		pm,
		apiServer,
		server.NewTelemetry(apiServer, pm, cfg.Monitor.BufferSize, log),
	)

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		collectors := prometheus.CreateCollectors(pm,
			prometheus.WithLogger(log),
			prometheus.WithPCIe(pcie),
		)
		services = append(services, prometheus.NewExporter(pm, apiServer,
			prometheus.WithLogger(log),
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
			prometheus.WithCollectors(collectors),
		))
	}

	if ptr.Deref(cfg.Exporter.MCP.Enabled, false) {
		var opts []mcp.Option
		if t := mcp.Transport(cfg.Exporter.MCP.Transport); t != mcp.TransportStdio {
			opts = append(opts, mcp.WithHTTPTransport(apiServer, cfg.Exporter.MCP.Path, t))
		}
		services = append(services, mcp.NewServer(pm, log, opts...))
	}

	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer))
	}

	services = append(services,
		server.NewHealthProbe(apiServer, append([]service.Service(nil), services...), log),
		service.NewSignalHandler(log, os.Interrupt, syscall.SIGTERM),
	)
	return services, nil
}
