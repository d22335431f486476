// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// DefaultListenAddress is the address the API server listens on by default
const DefaultListenAddress = ":9402"

// minBufferSize is the smallest document buffer that holds an environment
// document of a single device
const minBufferSize = 1 << 10

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		ProcFS string `yaml:"procfs"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		FakeGPU struct {
			Enabled *bool `yaml:"enabled"`
			Devices int   `yaml:"devices"`
		} `yaml:"fake-gpu"`
	}
	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	Monitor struct {
		Interval  time.Duration `yaml:"interval"`  // Interval between polls; 0 polls only on demand
		Staleness time.Duration `yaml:"staleness"` // Age after which a snapshot is refreshed on read

		PCIe        *bool `yaml:"pcie"`        // sample PCIe throughput; each query blocks for about 20ms
		Processes   *bool `yaml:"processes"`   // sample compute processes every poll
		Utilization *bool `yaml:"utilization"` // sample per process utilization every poll

		// BufferSize is the capacity of a serialized document in bytes. Larger
		// documents are dropped and counted.
		BufferSize int      `yaml:"bufferSize"`
		Events     EventSet `yaml:"events"`
	}

	// Exporter configuration
	StdoutExporter struct {
		Enabled *bool  `yaml:"enabled"`
		Format  string `yaml:"format"`
	}

	FileExporter struct {
		Enabled     *bool  `yaml:"enabled"`
		Path        string `yaml:"path"`
		Compression string `yaml:"compression"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
	}

	// MCPExporter serves Model Context Protocol tools; stdio or over the API server
	MCPExporter struct {
		Enabled   *bool  `yaml:"enabled"`
		Transport string `yaml:"transport"`
		Path      string `yaml:"path"`
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		File       FileExporter       `yaml:"file"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
		MCP        MCPExporter        `yaml:"mcp"`
	}

	// Debug configuration
	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	Config struct {
		Log      Log      `yaml:"log"`
		Host     Host     `yaml:"host"`
		Monitor  Monitor  `yaml:"monitor"`
		Exporter Exporter `yaml:"exporter"`
		Web      Web      `yaml:"web"`
		Debug    Debug    `yaml:"debug"`
		Dev      Dev      `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

var (
	stdoutFormats      = []string{"json", "table"}
	fileCompressions   = []string{"none", "gzip", "zstd"}
	prometheusRuntimes = []string{"go", "process"}
	mcpTransports      = []string{"sse", "streamable", "stdio"}
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostProcFSFlag = "host.procfs"

	MonitorIntervalFlag    = "monitor.interval"
	MonitorStaleness       = "monitor.staleness" // not a flag
	MonitorPCIeFlag        = "monitor.pcie"
	MonitorProcessesFlag   = "monitor.processes"
	MonitorUtilizationFlag = "monitor.utilization"
	MonitorBufferSizeFlag  = "monitor.buffer-size"
	MonitorEventsFlag      = "monitor.event"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterStdoutEnabledFlag = "exporter.stdout"
	ExporterStdoutFormatFlag  = "exporter.stdout.format"

	ExporterFileEnabledFlag     = "exporter.file"
	ExporterFilePathFlag        = "exporter.file.path"
	ExporterFileCompressionFlag = "exporter.file.compression"

	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"

	ExporterMCPEnabledFlag   = "exporter.mcp"
	ExporterMCPTransportFlag = "exporter.mcp.transport"

	// WARN:  dev settings shouldn't be exposed as flags as flags are intended for end users
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			ProcFS: "/proc",
		},
		Monitor: Monitor{
			Interval:    5 * time.Second,
			Staleness:   500 * time.Millisecond,
			PCIe:        ptr.To(false),
			Processes:   ptr.To(true),
			Utilization: ptr.To(true),
			BufferSize:  16 << 10,
			Events:      EventsAll,
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled: ptr.To(false),
				Format:  "json",
			},
			File: FileExporter{
				Enabled:     ptr.To(false),
				Path:        "gpumon.ndjson",
				Compression: "none",
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
			},
			MCP: MCPExporter{
				Enabled:   ptr.To(false),
				Transport: "streamable",
				Path:      "/mcp",
			},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Web: Web{
			ListenAddresses: []string{DefaultListenAddress},
		},
	}

	cfg.Dev.FakeGPU.Enabled = ptr.To(false)
	cfg.Dev.FakeGPU.Devices = 2
	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (cfg *Config, err error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		// Clear the map in case this function is called multiple times
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")
	// host
	hostProcFS := app.Flag(HostProcFSFlag, "Host procfs path").Default("/proc").ExistingDir()

	// monitor
	monitorInterval := app.Flag(MonitorIntervalFlag,
		"Interval between GPU polls; 0 polls only when data is read").Default("5s").Duration()
	monitorPCIe := app.Flag(MonitorPCIeFlag, "Sample PCIe throughput (adds about 20ms per device and direction to each poll)").Default("false").Bool()
	monitorProcesses := app.Flag(MonitorProcessesFlag, "Sample the compute processes of every GPU").Default("true").Bool()
	monitorUtilization := app.Flag(MonitorUtilizationFlag, "Sample per process utilization of every GPU").Default("true").Bool()
	monitorBufferSize := app.Flag(MonitorBufferSizeFlag, "Capacity of a serialized telemetry document in bytes").Default("16384").Int()

	events := EventsAll
	app.Flag(MonitorEventsFlag, "Telemetry documents to emit (environment,stats,stats.max); repeatable").SetValue(NewEventSetValue(&events))

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(DefaultListenAddress).Strings()

	// exporters
	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout exporter").Default("false").Bool()
	stdoutFormat := app.Flag(ExporterStdoutFormatFlag, "Stdout exporter format: json or table").Default("json").Enum(stdoutFormats...)

	fileExporterEnabled := app.Flag(ExporterFileEnabledFlag, "Enable file exporter").Default("false").Bool()
	filePath := app.Flag(ExporterFilePathFlag, "File exporter output path").String()
	fileCompression := app.Flag(ExporterFileCompressionFlag, "File exporter compression: none, gzip or zstd").Default("none").Enum(fileCompressions...)

	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()

	mcpEnabled := app.Flag(ExporterMCPEnabledFlag, "Enable MCP server").Default("false").Bool()
	mcpTransport := app.Flag(ExporterMCPTransportFlag, "MCP transport: sse, streamable or stdio").Default("streamable").Enum(mcpTransports...)

	return func(cfg *Config) error {
		// Logging settings
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}

		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *hostProcFS
		}

		// monitor settings
		if flagsSet[MonitorIntervalFlag] {
			cfg.Monitor.Interval = *monitorInterval
		}
		if flagsSet[MonitorPCIeFlag] {
			cfg.Monitor.PCIe = monitorPCIe
		}
		if flagsSet[MonitorProcessesFlag] {
			cfg.Monitor.Processes = monitorProcesses
		}
		if flagsSet[MonitorUtilizationFlag] {
			cfg.Monitor.Utilization = monitorUtilization
		}
		if flagsSet[MonitorBufferSizeFlag] {
			cfg.Monitor.BufferSize = *monitorBufferSize
		}
		if flagsSet[MonitorEventsFlag] {
			cfg.Monitor.Events = events
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}

		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}
		if flagsSet[ExporterStdoutFormatFlag] {
			cfg.Exporter.Stdout.Format = *stdoutFormat
		}

		if flagsSet[ExporterFileEnabledFlag] {
			cfg.Exporter.File.Enabled = fileExporterEnabled
		}
		if flagsSet[ExporterFilePathFlag] {
			cfg.Exporter.File.Path = *filePath
		}
		if flagsSet[ExporterFileCompressionFlag] {
			cfg.Exporter.File.Compression = *fileCompression
		}

		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}

		if flagsSet[ExporterMCPEnabledFlag] {
			cfg.Exporter.MCP.Enabled = mcpEnabled
		}
		if flagsSet[ExporterMCPTransportFlag] {
			cfg.Exporter.MCP.Transport = *mcpTransport
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}

	c.Exporter.Stdout.Format = strings.ToLower(strings.TrimSpace(c.Exporter.Stdout.Format))
	c.Exporter.File.Path = strings.TrimSpace(c.Exporter.File.Path)
	c.Exporter.File.Compression = strings.ToLower(strings.TrimSpace(c.Exporter.File.Compression))
	c.Exporter.MCP.Transport = strings.ToLower(strings.TrimSpace(c.Exporter.MCP.Transport))
	c.Exporter.MCP.Path = strings.TrimSpace(c.Exporter.MCP.Path)
	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log level
		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		if c.Log.Format != "text" && c.Log.Format != "json" {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}

	{ // Validate host settings
		if _, skip := validationSkipped[SkipHostValidation]; !skip {
			if err := canReadDir(c.Host.ProcFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid procfs path: %s: %s ", c.Host.ProcFS, err.Error()))
			}
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}
	{ // Monitor
		if c.Monitor.Interval < 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor interval: %s can't be negative", c.Monitor.Interval))
		}
		if c.Monitor.Staleness < 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor staleness: %s can't be negative", c.Monitor.Staleness))
		}
		if c.Monitor.BufferSize < minBufferSize {
			errs = append(errs, fmt.Sprintf("invalid monitor buffer size: %d is below %d bytes", c.Monitor.BufferSize, minBufferSize))
		}
		if c.Monitor.Events&^EventsAll != 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor events: %#x", uint8(c.Monitor.Events)))
		}
	}
	{ // Exporters
		if !slices.Contains(stdoutFormats, c.Exporter.Stdout.Format) {
			errs = append(errs, fmt.Sprintf("invalid stdout format: %q (%s)", c.Exporter.Stdout.Format, strings.Join(stdoutFormats, ", ")))
		}
		if !slices.Contains(fileCompressions, c.Exporter.File.Compression) {
			errs = append(errs, fmt.Sprintf("invalid file compression: %q (%s)", c.Exporter.File.Compression, strings.Join(fileCompressions, ", ")))
		}
		if ptr.Deref(c.Exporter.File.Enabled, false) && c.Exporter.File.Path == "" {
			errs = append(errs, fmt.Sprintf("%s not supplied but %s set to true", ExporterFilePathFlag, ExporterFileEnabledFlag))
		}
		for _, name := range c.Exporter.Prometheus.DebugCollectors {
			if !slices.Contains(prometheusRuntimes, name) {
				errs = append(errs, fmt.Sprintf("invalid prometheus debug collector: %q", name))
			}
		}
		if !slices.Contains(mcpTransports, c.Exporter.MCP.Transport) {
			errs = append(errs, fmt.Sprintf("invalid mcp transport: %q (%s)", c.Exporter.MCP.Transport, strings.Join(mcpTransports, ", ")))
		}
		if ptr.Deref(c.Exporter.MCP.Enabled, false) {
			if c.Exporter.MCP.Transport != "stdio" && !strings.HasPrefix(c.Exporter.MCP.Path, "/") {
				errs = append(errs, fmt.Sprintf("invalid mcp path: %q must start with /", c.Exporter.MCP.Path))
			}
			if c.Exporter.MCP.Transport == "stdio" && ptr.Deref(c.Exporter.Stdout.Enabled, false) {
				errs = append(errs, "mcp stdio transport cannot be combined with the stdout exporter")
			}
		}
	}
	{ // Dev
		if ptr.Deref(c.Dev.FakeGPU.Enabled, false) && c.Dev.FakeGPU.Devices < 0 {
			errs = append(errs, fmt.Sprintf("invalid fake gpu device count: %d can't be negative", c.Dev.FakeGPU.Devices))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	_, err = f.ReadDir(1)
	return err
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()
	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	// host can be empty for listening on all interfaces
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostProcFSFlag, c.Host.ProcFS},
		{MonitorIntervalFlag, c.Monitor.Interval.String()},
		{MonitorStaleness, c.Monitor.Staleness.String()},
		{MonitorPCIeFlag, fmt.Sprintf("%v", ptr.Deref(c.Monitor.PCIe, false))},
		{MonitorBufferSizeFlag, strconv.Itoa(c.Monitor.BufferSize)},
		{MonitorEventsFlag, c.Monitor.Events.String()},
		{ExporterStdoutEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Stdout.Enabled, false))},
		{ExporterStdoutFormatFlag, c.Exporter.Stdout.Format},
		{ExporterFileEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.File.Enabled, false))},
		{ExporterFilePathFlag, c.Exporter.File.Path},
		{ExporterPrometheusEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Prometheus.Enabled, false))},
		{ExporterPrometheusDebugCollectors, strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
		{ExporterMCPEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.MCP.Enabled, false))},
		{ExporterMCPTransportFlag, c.Exporter.MCP.Transport},
		{pprofEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Debug.Pprof.Enabled, false))},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
