// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

// Driver is the vendor device-management library as seen by the collector.
// Every failing query returns a *DriverError.
//
// Implementations are not required to be safe for concurrent use; the
// collector serializes all calls.
type Driver interface {
	// Init loads and initializes the vendor library
	Init() error

	// Shutdown releases the vendor library
	Shutdown() error

	// CUDADriverVersion returns the toolkit version encoded as 1000*major + 10*minor
	CUDADriverVersion() (int, error)

	// DriverVersion returns the kernel driver version string
	DriverVersion() (string, error)

	// DeviceCount returns the number of installed devices
	DeviceCount() (int, error)

	// DeviceHandle returns a handle for the device at index (0-based)
	DeviceHandle(index int) (DeviceHandle, error)
}

// DeviceHandle exposes the per-device queries of a Driver.
type DeviceHandle interface {
	Name() (string, error)
	UUID() (string, error)
	PCIBusID() (string, error)

	// ComputeMode fails with a not-supported DriverError on devices that
	// cannot run compute work
	ComputeMode() (ComputeMode, error)
	CUDAComputeCapability() (major int, minor int, err error)

	MemoryInfo() (Memory, error)
	BAR1MemoryInfo() (Memory, error)

	// EnforcedPowerLimit returns the power limit in milliwatts
	EnforcedPowerLimit() (uint32, error)

	// Temperature returns the core temperature in degrees Celsius
	Temperature() (uint32, error)

	// PowerUsage returns the current draw in milliwatts
	PowerUsage() (uint32, error)

	UtilizationRates() (Utilization, error)

	// ClockInfo returns the current clock of a domain in MHz
	ClockInfo(domain ClockDomain) (uint32, error)

	// MaxClockInfo returns the maximum clock of a domain in MHz
	MaxClockInfo(domain ClockDomain) (uint32, error)

	// PCIeThroughput returns the PCIe throughput in KB/s over the driver's sampling window
	PCIeThroughput(counter PCIeCounter) (uint32, error)

	// ComputeProcessCount is the size probe of the compute process query
	ComputeProcessCount() (int, error)

	// ComputeProcesses fetches at most capacity compute processes. It fails
	// with an insufficient-size DriverError when more are running.
	ComputeProcesses(capacity int) ([]ComputeProcess, error)

	// UtilizationSampleCount is the size probe of the utilization sample
	// query; only samples newer than lastSeen (microseconds) are counted.
	UtilizationSampleCount(lastSeen uint64) (int, error)

	// UtilizationSamples fetches at most capacity samples newer than lastSeen
	UtilizationSamples(lastSeen uint64, capacity int) ([]UtilizationSample, error)
}
