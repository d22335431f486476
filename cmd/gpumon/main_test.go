// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pegasus-isi/gpumon/config"
	"github.com/pegasus-isi/gpumon/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func procFS(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte("cpu 0 0 0 0\n"), 0o644))
	return dir
}

func TestParseArgsAndConfig(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	overlay := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(base, []byte("monitor:\n  interval: 10s\n  pcie: true\n"), 0o644))
	require.NoError(t, os.WriteFile(overlay, []byte("monitor:\n  pcie: false\nexporter:\n  stdout:\n    enabled: true\n"), 0o644))

	cfg, err := parseArgsAndConfig([]string{
		"--config.file", base,
		"--config.overlay", overlay,
		"--host.procfs", procFS(t),
		"--monitor.interval", "2s",
	})
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Monitor.Interval)
	assert.False(t, *cfg.Monitor.PCIe)
	assert.True(t, *cfg.Exporter.Stdout.Enabled)
}

func TestPrintConfigInfo(t *testing.T) {
	cfg := config.DefaultConfig()
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	var out bytes.Buffer
	printConfigInfo(&out, log, cfg)
	assert.Contains(t, out.String(), "Configuration")

	out.Reset()
	cfg.Log.Format = "json"
	printConfigInfo(&out, log, cfg)
	assert.Empty(t, out.String())
}

func TestCreateServicesWithFakeGPU(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Dev.FakeGPU.Enabled = ptr.To(true)
	cfg.Dev.FakeGPU.Devices = 1
	cfg.Exporter.File.Enabled = ptr.To(true)
	cfg.Exporter.File.Path = filepath.Join(t.TempDir(), "gpu.ndjson")
	cfg.Debug.Pprof.Enabled = ptr.To(true)

	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	services, err := createServices(log, cfg)
	require.NoError(t, err)

	var names []string
	for _, s := range services {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{
		"file", "monitor", "api-server", "telemetry-endpoint", "prometheus",
		"pprof", "health-probe", "signal-handler",
	}, names)

	require.NoError(t, service.Init(log, services))
	// the monitor owns the fake driver and emits the max summary on shutdown
	for _, s := range services {
		if s.Name() == "monitor" {
			require.NoError(t, s.(service.Shutdowner).Shutdown())
		}
	}
	require.NoError(t, service.Shutdown(log, services))

	data, err := os.ReadFile(cfg.Exporter.File.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "kickstart.inv.gpu.environment")
	assert.Contains(t, string(data), "kickstart.inv.gpu.stats.max")
}
