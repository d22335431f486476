// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"slices"
	"time"
)

// Environment is the static inventory of the node's GPUs. It is built once by
// BuildEnvironment; the number of devices never changes afterwards.
type Environment struct {
	// DriverVersion is the kernel driver version string
	DriverVersion string

	// CUDAVersion is the toolkit version supported by the driver
	CUDAVersion Version

	// Devices are ordered by driver index
	Devices []*Device
}

// Device returns the device at index or ErrDeviceNotFound
func (e *Environment) Device(index int) (*Device, error) {
	if e == nil || index < 0 || index >= len(e.Devices) {
		return nil, ErrDeviceNotFound{DeviceIndex: index}
	}
	return e.Devices[index], nil
}

// Clone returns a deep copy that does not share any list with e. The copy
// carries no driver handle and cannot be sampled.
func (e *Environment) Clone() *Environment {
	if e == nil {
		return nil
	}
	c := &Environment{
		DriverVersion: e.DriverVersion,
		CUDAVersion:   e.CUDAVersion,
		Devices:       make([]*Device, len(e.Devices)),
	}
	for i, d := range e.Devices {
		c.Devices[i] = d.Clone()
	}
	return c
}

// MaxMeasurements are the running maxima of a device over its lifetime.
// Fields only ever increase.
type MaxMeasurements struct {
	Temperature    uint32
	PowerUsage     uint32
	GPUUtilization uint32
	MemoryUsed     uint64
	BAR1Used       uint64
}

// ComputeProcessSnapshot is the list of compute processes seen by the last poll
type ComputeProcessSnapshot struct {
	Processes  []ComputeProcess
	CapturedAt time.Time
}

// UtilizationSampleWindow holds the utilization samples newer than the previous
// watermark. LastSeen is the highest sample timestamp incorporated so far.
type UtilizationSampleWindow struct {
	Samples  []UtilizationSample
	LastSeen uint64
}

// Device is one GPU with its static description, the latest live readings and
// the dynamic lists owned by it.
type Device struct {
	Index int
	Name  string
	BusID string
	UUID  string

	// CUDACapable is false when the driver does not support compute mode
	// queries on this device; Capability is then zero.
	CUDACapable bool
	ComputeMode ComputeMode
	Capability  Version

	MemoryTotal uint64
	BAR1Total   uint64
	PowerLimit  uint32 // milliwatts
	MaxClocks   [ClockCount]uint32

	Temperature uint32 // celsius
	PowerUsage  uint32 // milliwatts
	MemoryUsed  uint64
	BAR1Used    uint64
	Utilization Utilization
	PCIeRx      uint32 // KB/s
	PCIeTx      uint32 // KB/s
	Clocks      [ClockCount]uint32

	Max MaxMeasurements

	ComputeProcesses  ComputeProcessSnapshot
	UtilizationWindow UtilizationSampleWindow

	handle   DeviceHandle
	released bool
}

// Released reports whether the device's dynamic state has been released
func (d *Device) Released() bool {
	return d.released
}

// Clone returns a deep copy of the device without its driver handle
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	c.handle = nil
	c.ComputeProcesses.Processes = slices.Clone(d.ComputeProcesses.Processes)
	c.UtilizationWindow.Samples = slices.Clone(d.UtilizationWindow.Samples)
	return &c
}
