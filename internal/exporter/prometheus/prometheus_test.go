// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pegasus-isi/gpumon/internal/device/gpu"
	"github.com/pegasus-isi/gpumon/internal/event"
	"github.com/pegasus-isi/gpumon/internal/monitor"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockMonitor mocks the Monitor interface
type MockMonitor struct {
	mock.Mock
}

func (m *MockMonitor) Snapshot() (*monitor.Snapshot, error) {
	args := m.Called()
	if s := args.Get(0); s != nil {
		return s.(*monitor.Snapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockMonitor) DataChannel() <-chan struct{} {
	args := m.Called()
	return args.Get(0).(<-chan struct{})
}

func (m *MockMonitor) Omitted(kind event.Kind) uint64 {
	args := m.Called(kind)
	return args.Get(0).(uint64)
}

// MockAPIRegistry mocks the APIRegistry interface
type MockAPIRegistry struct {
	mock.Mock
}

func (m *MockAPIRegistry) Register(endpoint, summary, description string, handler http.Handler) error {
	args := m.Called(endpoint, summary, description, handler)
	return args.Error(0)
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		name string
		opts []OptionFn
	}{{
		name: "default options",
		opts: []OptionFn{},
	}, {
		name: "with custom logger",
		opts: []OptionFn{WithLogger(slog.Default().With("test", "custom"))},
	}, {
		name: "with debug collectors",
		opts: []OptionFn{WithDebugCollectors([]string{"go", "process"})},
	}, {
		name: "with multiple options",
		opts: []OptionFn{
			WithLogger(slog.Default().With("test", "custom")),
			WithDebugCollectors([]string{"process"}),
			WithPCIe(true),
		},
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockMonitor := &MockMonitor{}
			mockRegistry := &MockAPIRegistry{}

			exporter := NewExporter(mockMonitor, mockRegistry, tt.opts...)

			assert.NotNil(t, exporter)
			assert.Equal(t, "prometheus", exporter.Name())
			assert.NotNil(t, exporter.logger)
			assert.NotNil(t, exporter.registry)
			assert.Same(t, mockMonitor, exporter.monitor)
			assert.Same(t, mockRegistry, exporter.server)
		})
	}
}

func TestExporter_Init(t *testing.T) {
	t.Run("starts successfully", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(nil)

		exporter := NewExporter(&MockMonitor{}, mockRegistry)
		assert.NoError(t, exporter.Init())
		mockRegistry.AssertExpectations(t)
	})

	t.Run("registry returns error", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		expectedErr := errors.New("register error")
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(expectedErr)

		exporter := NewExporter(&MockMonitor{}, mockRegistry)
		err := exporter.Init()

		assert.Equal(t, expectedErr, err)
		mockRegistry.AssertExpectations(t)
	})

	t.Run("with invalid collector", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		exporter := NewExporter(&MockMonitor{}, mockRegistry,
			WithDebugCollectors([]string{"unknown_collector"}),
		)

		err := exporter.Init()

		assert.ErrorContains(t, err, "unknown collector: unknown_collector")
		mockRegistry.AssertNotCalled(t, "Register")
	})

	t.Run("with duplicate collector", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		dup := prom.NewGauge(prom.GaugeOpts{Name: "dup"})
		exporter := NewExporter(&MockMonitor{}, mockRegistry,
			WithDebugCollectors(nil),
			WithCollectors(map[string]prom.Collector{"a": dup, "b": dup}),
		)

		err := exporter.Init()

		assert.ErrorContains(t, err, "failed to register collector b")
		mockRegistry.AssertNotCalled(t, "Register")
	})
}

func TestCollectorForName(t *testing.T) {
	for _, name := range []string{"go", "process"} {
		t.Run(name, func(t *testing.T) {
			c, err := collectorForName(name)
			require.NoError(t, err)
			assert.NoError(t, prom.NewRegistry().Register(c))
		})
	}

	t.Run("unknown", func(t *testing.T) {
		c, err := collectorForName("unknown")
		assert.Nil(t, c)
		assert.ErrorContains(t, err, "unknown collector: unknown")
	})
}

func TestWithOptions(t *testing.T) {
	t.Run("WithLogger", func(t *testing.T) {
		customLogger := slog.Default().With("custom", "logger")
		opts := DefaultOpts()
		WithLogger(customLogger)(&opts)
		assert.Equal(t, customLogger, opts.logger)
	})

	t.Run("WithDebugCollectors", func(t *testing.T) {
		opts := DefaultOpts()
		assert.True(t, opts.debugCollectors["go"])

		WithDebugCollectors([]string{"process", "custom"})(&opts)

		assert.False(t, opts.debugCollectors["go"], "replaces the defaults")
		assert.True(t, opts.debugCollectors["process"])
		assert.True(t, opts.debugCollectors["custom"])
	})

	t.Run("WithPCIe", func(t *testing.T) {
		opts := DefaultOpts()
		assert.False(t, opts.pcie)
		WithPCIe(true)(&opts)
		assert.True(t, opts.pcie)
	})
}

func TestExporter_CreateCollectors(t *testing.T) {
	mockMonitor := &MockMonitor{}
	// the gpu collector waits for data in the background
	mockMonitor.On("DataChannel").Return(make(<-chan struct{})).Maybe()

	coll := CreateCollectors(mockMonitor, WithLogger(slog.Default()))
	assert.Len(t, coll, 2)
	assert.Contains(t, coll, "build_info")
	assert.Contains(t, coll, "gpu")
}

func TestExporter_ServesMetrics(t *testing.T) {
	drv := gpu.NewFakeDriver(2, gpu.WithFakeProcesses(1))
	require.NoError(t, drv.Init())

	pm := monitor.NewGPUMonitor(drv, monitor.WithInterval(0))
	require.NoError(t, pm.Init())
	t.Cleanup(func() { assert.NoError(t, pm.Shutdown()) })

	var handler http.Handler
	mockRegistry := &MockAPIRegistry{}
	mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).
		Run(func(args mock.Arguments) { handler = args.Get(3).(http.Handler) }).
		Return(nil)

	exporter := NewExporter(pm, mockRegistry,
		WithDebugCollectors([]string{"process"}),
		WithCollectors(CreateCollectors(pm)),
	)
	require.NoError(t, exporter.Init())
	require.NotNil(t, handler)

	// Init already signalled the data channel
	assert.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusOK {
			return false
		}
		body := rec.Body.String()
		for _, want := range []string{
			`gpumon_build_info{`,
			`gpumon_gpu_info{`,
			`gpumon_gpu_temperature_celsius{gpu="1"}`,
			`gpumon_events_omitted_total{event="stats"} 0`,
			`process_cpu_seconds_total`,
		} {
			if !strings.Contains(body, want) {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}
