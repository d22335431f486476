// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// NOTE: This fake driver is not intended to be used in production and is for testing only

const (
	defaultFakeDevices    = 1
	defaultFakeProcesses  = 2
	fakeMemoryTotal       = 16 << 30
	fakeBAR1Total         = 256 << 20
	fakePowerLimit        = 300_000
	fakeBasePID           = 4242
	fakeProcessMemoryUnit = 512 << 20
)

var fakeMaxClocks = [ClockCount]uint32{1980, 1980, 1593, 1755}

// fakeDriver implements the Driver interface with synthetic readings
type fakeDriver struct {
	logger    *slog.Logger
	devices   int
	processes int
	now       func() time.Time

	mu          sync.Mutex
	initialized bool
	rnd         *rand.Rand
}

var _ Driver = (*fakeDriver)(nil)

// FakeOptFn is a functional option for configuring the fake driver
type FakeOptFn func(*fakeDriver)

// WithFakeLogger sets the logger of the fake driver
func WithFakeLogger(l *slog.Logger) FakeOptFn {
	return func(d *fakeDriver) {
		d.logger = l.With("driver", "fake-gpu")
	}
}

// WithFakeProcesses sets the number of compute processes reported per device
func WithFakeProcesses(n int) FakeOptFn {
	return func(d *fakeDriver) {
		d.processes = n
	}
}

// WithFakeClock sets the time source used for utilization sample timestamps
func WithFakeClock(now func() time.Time) FakeOptFn {
	return func(d *fakeDriver) {
		d.now = now
	}
}

// NewFakeDriver creates a driver that reports devices GPUs with random live readings
func NewFakeDriver(devices int, opts ...FakeOptFn) Driver {
	if devices <= 0 {
		devices = defaultFakeDevices
	}
	d := &fakeDriver{
		logger:    slog.Default().With("driver", "fake-gpu"),
		devices:   devices,
		processes: defaultFakeProcesses,
		now:       time.Now,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, apply := range opts {
		apply(d)
	}
	return d
}

func (d *fakeDriver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = true
	d.logger.Info("fake GPU driver initialized", "devices", d.devices)
	return nil
}

func (d *fakeDriver) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = false
	return nil
}

func (d *fakeDriver) CUDADriverVersion() (int, error) {
	return 12040, d.check("CUDADriverVersion", NoDevice)
}

func (d *fakeDriver) DriverVersion() (string, error) {
	return "550.54.15", d.check("DriverVersion", NoDevice)
}

func (d *fakeDriver) DeviceCount() (int, error) {
	return d.devices, d.check("DeviceCount", NoDevice)
}

func (d *fakeDriver) DeviceHandle(index int) (DeviceHandle, error) {
	if err := d.check("DeviceHandle", index); err != nil {
		return nil, err
	}
	if index < 0 || index >= d.devices {
		return nil, &DriverError{Code: CodeInvalidArgument, Device: index, Op: "DeviceHandle"}
	}
	return &fakeHandle{driver: d, index: index}, nil
}

func (d *fakeDriver) check(op string, device int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return &DriverError{Code: CodeUninitialized, Device: device, Op: op}
	}
	return nil
}

// between returns a random value in [lo, hi)
func (d *fakeDriver) between(lo, hi uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo + uint32(d.rnd.Int63n(int64(hi-lo)))
}

// fakeHandle implements DeviceHandle for one fake device
type fakeHandle struct {
	driver *fakeDriver
	index  int
}

var _ DeviceHandle = (*fakeHandle)(nil)

func (h *fakeHandle) Name() (string, error) {
	return fmt.Sprintf("Fake GPU %d", h.index), nil
}

func (h *fakeHandle) UUID() (string, error) {
	return fmt.Sprintf("GPU-fake-%04d", h.index), nil
}

func (h *fakeHandle) PCIBusID() (string, error) {
	return fmt.Sprintf("00000000:%02X:00.0", h.index+1), nil
}

func (h *fakeHandle) ComputeMode() (ComputeMode, error) {
	return ComputeModeDefault, nil
}

func (h *fakeHandle) CUDAComputeCapability() (int, int, error) {
	return 8, 0, nil
}

func (h *fakeHandle) MemoryInfo() (Memory, error) {
	used := uint64(h.driver.between(1, 32)) * fakeProcessMemoryUnit / 2
	return Memory{Total: fakeMemoryTotal, Used: used, Free: fakeMemoryTotal - used}, nil
}

func (h *fakeHandle) BAR1MemoryInfo() (Memory, error) {
	used := uint64(h.driver.between(1, 64)) << 20
	return Memory{Total: fakeBAR1Total, Used: used, Free: fakeBAR1Total - used}, nil
}

func (h *fakeHandle) EnforcedPowerLimit() (uint32, error) {
	return fakePowerLimit, nil
}

func (h *fakeHandle) Temperature() (uint32, error) {
	return h.driver.between(30, 85), nil
}

func (h *fakeHandle) PowerUsage() (uint32, error) {
	return h.driver.between(40_000, fakePowerLimit), nil
}

func (h *fakeHandle) UtilizationRates() (Utilization, error) {
	return Utilization{GPU: h.driver.between(0, 101), Memory: h.driver.between(0, 101)}, nil
}

func (h *fakeHandle) ClockInfo(domain ClockDomain) (uint32, error) {
	if domain < 0 || int(domain) >= ClockCount {
		return 0, &DriverError{Code: CodeInvalidArgument, Device: h.index, Op: "ClockInfo"}
	}
	return h.driver.between(fakeMaxClocks[domain]/4, fakeMaxClocks[domain]+1), nil
}

func (h *fakeHandle) MaxClockInfo(domain ClockDomain) (uint32, error) {
	if domain < 0 || int(domain) >= ClockCount {
		return 0, &DriverError{Code: CodeInvalidArgument, Device: h.index, Op: "MaxClockInfo"}
	}
	return fakeMaxClocks[domain], nil
}

func (h *fakeHandle) PCIeThroughput(_ PCIeCounter) (uint32, error) {
	return h.driver.between(0, 1_000_000), nil
}

func (h *fakeHandle) ComputeProcessCount() (int, error) {
	return h.driver.processes, nil
}

func (h *fakeHandle) ComputeProcesses(capacity int) ([]ComputeProcess, error) {
	if capacity < h.driver.processes {
		return nil, &DriverError{Code: CodeInsufficientSize, Device: h.index, Op: "ComputeProcesses"}
	}
	procs := make([]ComputeProcess, h.driver.processes)
	for i := range procs {
		procs[i] = ComputeProcess{
			PID:        uint32(fakeBasePID + h.index*100 + i),
			MemoryUsed: uint64(i+1) * fakeProcessMemoryUnit,
		}
	}
	return procs, nil
}

func (h *fakeHandle) UtilizationSampleCount(lastSeen uint64) (int, error) {
	if uint64(h.driver.now().UnixMicro()) <= lastSeen {
		return 0, &DriverError{Code: CodeNotFound, Device: h.index, Op: "UtilizationSampleCount"}
	}
	return h.driver.processes, nil
}

func (h *fakeHandle) UtilizationSamples(lastSeen uint64, capacity int) ([]UtilizationSample, error) {
	if capacity < h.driver.processes {
		return nil, &DriverError{Code: CodeInsufficientSize, Device: h.index, Op: "UtilizationSamples"}
	}
	ts := uint64(h.driver.now().UnixMicro())
	if ts <= lastSeen {
		return nil, nil
	}
	samples := make([]UtilizationSample, h.driver.processes)
	for i := range samples {
		samples[i] = UtilizationSample{
			PID:       uint32(fakeBasePID + h.index*100 + i),
			Timestamp: ts,
			SMUtil:    h.driver.between(0, 101),
			MemUtil:   h.driver.between(0, 101),
			EncUtil:   h.driver.between(0, 10),
			DecUtil:   h.driver.between(0, 10),
		}
	}
	return samples, nil
}
