// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pegasus-isi/gpumon/internal/device/gpu"
	"github.com/pegasus-isi/gpumon/internal/event"
	"github.com/pegasus-isi/gpumon/internal/service"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

var (
	// ErrNotInitialized is returned by polls before Init has built the environment
	ErrNotInitialized = errors.New("monitor is not initialized")

	// ErrClosed is returned by polls after Shutdown
	ErrClosed = errors.New("monitor is shut down")
)

type DataProvider interface {
	// Snapshot returns a copy of the latest poll, polling first when the
	// latest one is older than the staleness limit
	Snapshot() (*Snapshot, error)

	// DataChannel returns a channel that signals when new data is available
	DataChannel() <-chan struct{}

	// Omitted returns how many documents of kind were dropped because they
	// did not fit the document buffer
	Omitted(kind event.Kind) uint64
}

// Service defines the interface for the GPU monitoring service
type Service interface {
	service.Service
	DataProvider
}

// GPUMonitor owns the GPU environment for the lifetime of the collector. It
// enumerates devices at Init, polls them at a fixed interval or on demand,
// hands every serialized document to its sinks and emits the lifetime max
// summary at Shutdown.
type GPUMonitor struct {
	logger *slog.Logger
	driver gpu.Driver

	interval     time.Duration
	clock        clock.WithTicker
	maxStaleness time.Duration

	includePCIe bool
	processes   bool
	utilization bool

	enabled map[event.Kind]bool
	omitted map[event.Kind]*atomic.Uint64
	sinks   []Sink
	buffers sync.Pool

	// mu serializes every driver call; the core sampler is not reentrant
	mu  sync.Mutex
	env *gpu.Environment

	// signals when a snapshot has been updated
	dataCh chan struct{}

	computeGroup singleflight.Group
	snapshot     atomic.Pointer[Snapshot]

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	// For managing the collection loop
	collectionCtx    context.Context
	collectionCancel context.CancelFunc
}

var (
	_ Service              = (*GPUMonitor)(nil)
	_ service.Initializer  = (*GPUMonitor)(nil)
	_ service.Runner       = (*GPUMonitor)(nil)
	_ service.Shutdowner   = (*GPUMonitor)(nil)
	_ service.LiveChecker  = (*GPUMonitor)(nil)
	_ service.ReadyChecker = (*GPUMonitor)(nil)
)

// NewGPUMonitor creates a monitor over an initialized driver. The monitor
// takes ownership of the driver and shuts it down at Shutdown.
func NewGPUMonitor(driver gpu.Driver, applyOpts ...OptionFn) *GPUMonitor {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &GPUMonitor{
		logger:           opts.logger.With("service", "monitor"),
		driver:           driver,
		interval:         opts.interval,
		clock:            opts.clock,
		maxStaleness:     opts.maxStaleness,
		includePCIe:      opts.includePCIe,
		processes:        opts.processes,
		utilization:      opts.utilization,
		enabled:          make(map[event.Kind]bool, len(opts.events)),
		omitted:          make(map[event.Kind]*atomic.Uint64, len(event.Kinds)),
		sinks:            opts.sinks,
		dataCh:           make(chan struct{}, 1),
		collectionCtx:    ctx,
		collectionCancel: cancel,
	}

	for _, k := range opts.events {
		m.enabled[k] = true
	}
	for _, k := range event.Kinds {
		m.omitted[k] = &atomic.Uint64{}
	}

	size := opts.bufferSize
	m.buffers.New = func() any {
		buf := make([]byte, size)
		return &buf
	}

	return m
}

func (m *GPUMonitor) Name() string {
	return "monitor"
}

// Init enumerates the devices and emits the environment document. On failure
// the driver is shut down.
func (m *GPUMonitor) Init() error {
	env, err := gpu.BuildEnvironment(m.driver, m.logger)
	if err != nil {
		initErr := fmt.Errorf("GPU enumeration failed: %w", err)
		return errors.Join(initErr, m.Shutdown())
	}

	m.mu.Lock()
	m.env = env
	m.emit(event.Environment, func(dst []byte) (int, error) {
		return event.EncodeEnvironment(env, m.clock.Now(), dst)
	})
	m.mu.Unlock()

	// the zero timestamp keeps the static snapshot from counting as fresh
	m.snapshot.Store(&Snapshot{Environment: env.Clone()})

	// signal now so that exporters can construct descriptors
	m.signalNewData()
	return nil
}

func (m *GPUMonitor) signalNewData() {
	select {
	case m.dataCh <- struct{}{}: // send signal to any waiting goroutine
		m.logger.Debug("Data channel updated")
	default:
		m.logger.Debug("Data channel is full")
	}
}

func (m *GPUMonitor) Run(ctx context.Context) error {
	m.logger.Info("Monitor is running...", "interval", m.interval, "pcie", m.includePCIe)
	m.collectionLoop()
	<-ctx.Done()
	m.collectionCancel()
	m.logger.Info("Monitor has terminated.")
	return nil
}

// Shutdown stops polling, emits the max summary, releases every device and
// shuts the driver down. Only the first call has any effect.
func (m *GPUMonitor) Shutdown() error {
	m.shutdownOnce.Do(func() {
		m.shutdownErr = m.shutdown()
	})
	return m.shutdownErr
}

func (m *GPUMonitor) shutdown() error {
	m.logger.Info("shutting down monitor")
	m.closed.Store(true)
	m.collectionCancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if env := m.env; env != nil {
		m.emit(event.MaxSummary, func(dst []byte) (int, error) {
			return event.EncodeMaxSummary(env, m.clock.Now(), dst)
		})
		env.Release()
		m.env = nil
	}

	if err := m.driver.Shutdown(); err != nil {
		return fmt.Errorf("GPU driver shutdown failed: %w", err)
	}
	return nil
}

func (m *GPUMonitor) DataChannel() <-chan struct{} {
	return m.dataCh
}

func (m *GPUMonitor) Omitted(kind event.Kind) uint64 {
	if c, ok := m.omitted[kind]; ok {
		return c.Load()
	}
	return 0
}

func (m *GPUMonitor) Snapshot() (*Snapshot, error) {
	if err := m.ensureFreshData(); err != nil {
		return nil, err
	}

	snapshot := m.snapshot.Load()
	if snapshot == nil {
		return nil, fmt.Errorf("failed to get snapshot")
	}
	return snapshot.Clone(), nil
}

// IsLive reports whether the monitor has not been shut down
func (m *GPUMonitor) IsLive() bool {
	return !m.closed.Load()
}

// IsReady reports whether the environment has been built
func (m *GPUMonitor) IsReady() bool {
	return !m.closed.Load() && m.snapshot.Load() != nil
}

// collectionLoop handles periodic data collection
func (m *GPUMonitor) collectionLoop() {
	if err := m.synchronizedRefresh(); err != nil {
		m.logger.Error("Failed to collect initial GPU data", "error", err)
	}

	if m.interval > 0 {
		m.scheduleNextCollection()
	}
}

// scheduleNextCollection schedules the next data collection
func (m *GPUMonitor) scheduleNextCollection() {
	timer := m.clock.After(m.interval)
	go func() {
		select {
		case <-timer:
			if err := m.synchronizedRefresh(); err != nil {
				m.logger.Error("Failed to collect GPU data", "error", err)
			}
			m.scheduleNextCollection()

		case <-m.collectionCtx.Done():
			m.logger.Info("Collection loop terminated")
			return
		}
	}()
}

// ensureFreshData polls when the latest snapshot is older than maxStaleness.
// A shut down monitor keeps serving its last snapshot.
func (m *GPUMonitor) ensureFreshData() error {
	if m.closed.Load() || m.isFresh() {
		return nil
	}

	return m.synchronizedRefresh()
}

// synchronizedRefresh polls the devices, ensuring that the periodic poll and
// polls triggered by readers never run at the same time.
func (m *GPUMonitor) synchronizedRefresh() error {
	_, err, _ := m.computeGroup.Do("compute", func() (any, error) {
		// a caller that waited behind another poll finds fresh data here
		if m.isFresh() {
			return nil, nil
		}

		return nil, m.refreshSnapshot()
	})

	return err
}

func (m *GPUMonitor) isFresh() bool {
	snapshot := m.snapshot.Load()
	if snapshot == nil || snapshot.Timestamp.IsZero() {
		return false
	}

	age := m.clock.Now().Sub(snapshot.Timestamp)
	return age <= m.maxStaleness
}

// refreshSnapshot runs one poll. Sampling failures do not fail the poll: the
// partially refreshed devices are still emitted and the failure is recorded
// in the snapshot.
func (m *GPUMonitor) refreshSnapshot() error {
	started := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.env == nil {
		if m.closed.Load() {
			return ErrClosed
		}
		return ErrNotInitialized
	}

	pollErr := m.poll()
	if pollErr != nil {
		m.logger.Warn("GPU poll incomplete", "error", pollErr)
	}

	now := m.clock.Now()
	for _, dev := range m.env.Devices {
		if pollErr != nil {
			m.logger.Debug("emitting stale readings", "device", dev.Index)
		}
		m.emit(event.Sample, func(dst []byte) (int, error) {
			return event.EncodeSample(dev, now, dst)
		})
	}

	m.snapshot.Store(&Snapshot{
		Timestamp:   now,
		Environment: m.env.Clone(),
		Err:         pollErr,
	})
	m.signalNewData()
	m.logger.Debug("refreshSnapshot",
		"devices", len(m.env.Devices),
		"duration", m.clock.Since(started))

	return nil
}

const (
	deviceSampleError  = "failed to sample devices: %w"
	processSampleError = "failed to sample compute processes: %w"
	windowSampleError  = "failed to sample utilization window: %w"
)

// poll refreshes the live readings and, when enabled, the process lists of
// every device. Each stage runs even when an earlier one failed.
func (m *GPUMonitor) poll() error {
	var errs []error

	if err := gpu.SampleAll(m.env, m.includePCIe); err != nil {
		errs = append(errs, fmt.Errorf(deviceSampleError, err))
	}

	if m.processes {
		if err := gpu.SampleComputeProcessesAll(m.env); err != nil {
			errs = append(errs, fmt.Errorf(processSampleError, err))
		}
	}

	if m.utilization {
		if err := gpu.SampleUtilizationWindowAll(m.env); err != nil {
			errs = append(errs, fmt.Errorf(windowSampleError, err))
		}
	}

	return errors.Join(errs...)
}

// emit serializes one document into a pooled buffer and hands it to every
// sink. A document that does not fit the buffer is omitted and counted.
func (m *GPUMonitor) emit(kind event.Kind, encode func(dst []byte) (int, error)) {
	if !m.enabled[kind] || len(m.sinks) == 0 {
		return
	}

	bp := m.buffers.Get().(*[]byte)
	defer m.buffers.Put(bp)

	n, err := encode(*bp)
	if err != nil {
		if errors.Is(err, event.ErrOverflow) {
			m.omitted[kind].Add(1)
			m.logger.Warn("telemetry document omitted", "event", kind.String(), "error", err)
			return
		}
		m.logger.Error("failed to encode telemetry document", "event", kind.String(), "error", err)
		return
	}

	doc := (*bp)[:n]
	for _, s := range m.sinks {
		if err := s.Emit(kind, doc); err != nil {
			m.logger.Warn("sink rejected document", "sink", s.Name(), "event", kind.String(), "error", err)
		}
	}
}
