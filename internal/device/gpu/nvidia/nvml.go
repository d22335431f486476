// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package nvidia

import (
	"log/slog"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/pegasus-isi/gpumon/internal/device/gpu"
)

func init() {
	gpu.Register(gpu.VendorNVIDIA, func(logger *slog.Logger) (gpu.Driver, error) {
		return NewDriver(logger), nil
	})
}

// nvmlDriver implements gpu.Driver over the NVML library.
//
// Thread-safety: Init and Shutdown are safe for concurrent use; device
// queries must be serialized by the caller.
type nvmlDriver struct {
	logger      *slog.Logger
	lib         nvmlLib
	initialized bool
	mu          sync.RWMutex
}

var _ gpu.Driver = (*nvmlDriver)(nil)

// NewDriver creates an NVML backed driver. The library is loaded by Init.
func NewDriver(logger *slog.Logger) gpu.Driver {
	return newDriverWithLib(logger, newRealNvmlLib())
}

// newDriverWithLib creates a driver with a specific library implementation.
// This is used for testing with mock implementations.
func newDriverWithLib(logger *slog.Logger, lib nvmlLib) *nvmlDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &nvmlDriver{
		logger: logger.With("component", "nvml"),
		lib:    lib,
	}
}

// Init initializes the NVML library
func (d *nvmlDriver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}

	if ret := d.lib.Init(); ret != nvml.SUCCESS {
		return d.fail("nvmlInit", gpu.NoDevice, ret)
	}

	d.initialized = true
	d.logger.Info("NVML initialized")
	return nil
}

// Shutdown releases the NVML library
func (d *nvmlDriver) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return nil
	}

	if ret := d.lib.Shutdown(); ret != nvml.SUCCESS {
		return d.fail("nvmlShutdown", gpu.NoDevice, ret)
	}

	d.initialized = false
	d.logger.Info("NVML shutdown complete")
	return nil
}

func (d *nvmlDriver) CUDADriverVersion() (int, error) {
	v, ret := d.lib.SystemGetCudaDriverVersion()
	if ret != nvml.SUCCESS {
		return 0, d.fail("nvmlSystemGetCudaDriverVersion", gpu.NoDevice, ret)
	}
	return v, nil
}

func (d *nvmlDriver) DriverVersion() (string, error) {
	v, ret := d.lib.SystemGetDriverVersion()
	if ret != nvml.SUCCESS {
		return "", d.fail("nvmlSystemGetDriverVersion", gpu.NoDevice, ret)
	}
	return v, nil
}

func (d *nvmlDriver) DeviceCount() (int, error) {
	n, ret := d.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, d.fail("nvmlDeviceGetCount", gpu.NoDevice, ret)
	}
	return n, nil
}

func (d *nvmlDriver) DeviceHandle(index int) (gpu.DeviceHandle, error) {
	h, ret := d.lib.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return nil, d.fail("nvmlDeviceGetHandleByIndex", index, ret)
	}
	return &nvmlDevice{driver: d, index: index, handle: h}, nil
}

func (d *nvmlDriver) fail(op string, device int, ret nvml.Return) error {
	return &gpu.DriverError{
		Code:   code(ret),
		Device: device,
		Op:     op,
		Msg:    d.lib.ErrorString(ret),
	}
}

// nvmlDevice wraps a single NVML device handle.
//
// NVML's list queries return the whole list in one call, so the size probes
// stage the list they fetched and the following fetch hands it out.
type nvmlDevice struct {
	driver *nvmlDriver
	index  int
	handle nvmlDeviceHandle

	stagedProcs []nvml.ProcessInfo
	procsStaged bool

	stagedSamples   []nvml.ProcessUtilizationSample
	samplesLastSeen uint64
	samplesStaged   bool
}

var _ gpu.DeviceHandle = (*nvmlDevice)(nil)

func (d *nvmlDevice) fail(op string, ret nvml.Return) error {
	return d.driver.fail(op, d.index, ret)
}

func (d *nvmlDevice) Name() (string, error) {
	name, ret := d.handle.GetName()
	if ret != nvml.SUCCESS {
		return "", d.fail("nvmlDeviceGetName", ret)
	}
	return name, nil
}

func (d *nvmlDevice) UUID() (string, error) {
	uuid, ret := d.handle.GetUUID()
	if ret != nvml.SUCCESS {
		return "", d.fail("nvmlDeviceGetUUID", ret)
	}
	return uuid, nil
}

func (d *nvmlDevice) PCIBusID() (string, error) {
	pci, ret := d.handle.GetPciInfo()
	if ret != nvml.SUCCESS {
		return "", d.fail("nvmlDeviceGetPciInfo", ret)
	}
	return busID(pci.BusId), nil
}

func (d *nvmlDevice) ComputeMode() (gpu.ComputeMode, error) {
	mode, ret := d.handle.GetComputeMode()
	if ret != nvml.SUCCESS {
		return gpu.ComputeModeDefault, d.fail("nvmlDeviceGetComputeMode", ret)
	}
	return computeMode(mode), nil
}

func (d *nvmlDevice) CUDAComputeCapability() (int, int, error) {
	major, minor, ret := d.handle.GetCudaComputeCapability()
	if ret != nvml.SUCCESS {
		return 0, 0, d.fail("nvmlDeviceGetCudaComputeCapability", ret)
	}
	return major, minor, nil
}

func (d *nvmlDevice) MemoryInfo() (gpu.Memory, error) {
	mem, ret := d.handle.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return gpu.Memory{}, d.fail("nvmlDeviceGetMemoryInfo", ret)
	}
	return gpu.Memory{Total: mem.Total, Free: mem.Free, Used: mem.Used}, nil
}

func (d *nvmlDevice) BAR1MemoryInfo() (gpu.Memory, error) {
	bar1, ret := d.handle.GetBAR1MemoryInfo()
	if ret != nvml.SUCCESS {
		return gpu.Memory{}, d.fail("nvmlDeviceGetBAR1MemoryInfo", ret)
	}
	return gpu.Memory{Total: bar1.Bar1Total, Free: bar1.Bar1Free, Used: bar1.Bar1Used}, nil
}

func (d *nvmlDevice) EnforcedPowerLimit() (uint32, error) {
	limit, ret := d.handle.GetEnforcedPowerLimit()
	if ret != nvml.SUCCESS {
		return 0, d.fail("nvmlDeviceGetEnforcedPowerLimit", ret)
	}
	return limit, nil
}

func (d *nvmlDevice) Temperature() (uint32, error) {
	temp, ret := d.handle.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return 0, d.fail("nvmlDeviceGetTemperature", ret)
	}
	return temp, nil
}

func (d *nvmlDevice) PowerUsage() (uint32, error) {
	power, ret := d.handle.GetPowerUsage()
	if ret != nvml.SUCCESS {
		return 0, d.fail("nvmlDeviceGetPowerUsage", ret)
	}
	return power, nil
}

func (d *nvmlDevice) UtilizationRates() (gpu.Utilization, error) {
	util, ret := d.handle.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return gpu.Utilization{}, d.fail("nvmlDeviceGetUtilizationRates", ret)
	}
	return gpu.Utilization{GPU: util.Gpu, Memory: util.Memory}, nil
}

func (d *nvmlDevice) ClockInfo(domain gpu.ClockDomain) (uint32, error) {
	if domain < 0 || int(domain) >= gpu.ClockCount {
		return 0, d.fail("nvmlDeviceGetClockInfo", nvml.ERROR_INVALID_ARGUMENT)
	}
	clock, ret := d.handle.GetClockInfo(clockTypes[domain])
	if ret != nvml.SUCCESS {
		return 0, d.fail("nvmlDeviceGetClockInfo", ret)
	}
	return clock, nil
}

func (d *nvmlDevice) MaxClockInfo(domain gpu.ClockDomain) (uint32, error) {
	if domain < 0 || int(domain) >= gpu.ClockCount {
		return 0, d.fail("nvmlDeviceGetMaxClockInfo", nvml.ERROR_INVALID_ARGUMENT)
	}
	clock, ret := d.handle.GetMaxClockInfo(clockTypes[domain])
	if ret != nvml.SUCCESS {
		return 0, d.fail("nvmlDeviceGetMaxClockInfo", ret)
	}
	return clock, nil
}

func (d *nvmlDevice) PCIeThroughput(counter gpu.PCIeCounter) (uint32, error) {
	v, ret := d.handle.GetPcieThroughput(pcieCounter(counter))
	if ret != nvml.SUCCESS {
		return 0, d.fail("nvmlDeviceGetPcieThroughput", ret)
	}
	return v, nil
}

func (d *nvmlDevice) ComputeProcessCount() (int, error) {
	procs, ret := d.handle.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS {
		d.stagedProcs, d.procsStaged = nil, false
		return 0, d.fail("nvmlDeviceGetComputeRunningProcesses", ret)
	}
	d.stagedProcs, d.procsStaged = procs, true
	return len(procs), nil
}

func (d *nvmlDevice) ComputeProcesses(capacity int) ([]gpu.ComputeProcess, error) {
	procs := d.stagedProcs
	if !d.procsStaged {
		var ret nvml.Return
		if procs, ret = d.handle.GetComputeRunningProcesses(); ret != nvml.SUCCESS {
			return nil, d.fail("nvmlDeviceGetComputeRunningProcesses", ret)
		}
	}
	d.stagedProcs, d.procsStaged = nil, false

	if len(procs) > capacity {
		return nil, d.fail("nvmlDeviceGetComputeRunningProcesses", nvml.ERROR_INSUFFICIENT_SIZE)
	}

	result := make([]gpu.ComputeProcess, len(procs), capacity)
	for i, p := range procs {
		result[i] = gpu.ComputeProcess{PID: p.Pid, MemoryUsed: p.UsedGpuMemory}
	}
	return result, nil
}

// UtilizationSampleCount reports zero samples when NVML has none newer than lastSeen
func (d *nvmlDevice) UtilizationSampleCount(lastSeen uint64) (int, error) {
	samples, ret := d.handle.GetProcessUtilization(lastSeen)
	switch ret {
	case nvml.SUCCESS:
	case nvml.ERROR_NOT_FOUND:
		samples = nil
	default:
		d.stagedSamples, d.samplesStaged = nil, false
		return 0, d.fail("nvmlDeviceGetProcessUtilization", ret)
	}
	d.stagedSamples, d.samplesLastSeen, d.samplesStaged = samples, lastSeen, true
	return len(samples), nil
}

func (d *nvmlDevice) UtilizationSamples(lastSeen uint64, capacity int) ([]gpu.UtilizationSample, error) {
	samples := d.stagedSamples
	if !d.samplesStaged || d.samplesLastSeen != lastSeen {
		var ret nvml.Return
		samples, ret = d.handle.GetProcessUtilization(lastSeen)
		switch ret {
		case nvml.SUCCESS:
		case nvml.ERROR_NOT_FOUND:
			samples = nil
		default:
			d.stagedSamples, d.samplesStaged = nil, false
			return nil, d.fail("nvmlDeviceGetProcessUtilization", ret)
		}
	}
	d.stagedSamples, d.samplesStaged = nil, false

	if len(samples) > capacity {
		return nil, d.fail("nvmlDeviceGetProcessUtilization", nvml.ERROR_INSUFFICIENT_SIZE)
	}

	result := make([]gpu.UtilizationSample, len(samples), capacity)
	for i, s := range samples {
		result[i] = gpu.UtilizationSample{
			PID:       s.Pid,
			Timestamp: s.TimeStamp,
			SMUtil:    s.SmUtil,
			MemUtil:   s.MemUtil,
			EncUtil:   s.EncUtil,
			DecUtil:   s.DecUtil,
		}
	}
	return result, nil
}
