// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"fmt"
	"sync"
)

// Vendor represents the GPU manufacturer
type Vendor string

const (
	VendorNVIDIA  Vendor = "nvidia"
	VendorFake    Vendor = "fake"
	VendorUnknown Vendor = "unknown"
)

// ClockDomain identifies one of the clocks reported by the driver.
// The numeric values follow the driver's clock type ordering.
type ClockDomain int

const (
	ClockGraphics ClockDomain = iota
	ClockSM
	ClockMemory
	ClockVideo

	// ClockCount is the number of clock domains tracked per device
	ClockCount = 4
)

// ClockDomains lists every clock domain in driver order
var ClockDomains = [ClockCount]ClockDomain{ClockGraphics, ClockSM, ClockMemory, ClockVideo}

var clockNames = [ClockCount]string{"graphics", "sm", "mem", "video"}

// String returns the reserved name of the clock domain
func (c ClockDomain) String() string {
	if c < 0 || int(c) >= ClockCount {
		return "unknown"
	}
	return clockNames[c]
}

var clockDomainsByName = sync.OnceValue(func() map[string]ClockDomain {
	m := make(map[string]ClockDomain, ClockCount)
	for _, c := range ClockDomains {
		m[c.String()] = c
	}
	return m
})

// ParseClockDomain resolves a reserved clock name (graphics, sm, mem, video)
func ParseClockDomain(name string) (ClockDomain, error) {
	if c, ok := clockDomainsByName()[name]; ok {
		return c, nil
	}
	return 0, fmt.Errorf("unknown clock domain: %q", name)
}

// PCIeCounter selects the direction of a PCIe throughput query
type PCIeCounter int

const (
	PCIeTx PCIeCounter = iota
	PCIeRx
)

func (p PCIeCounter) String() string {
	switch p {
	case PCIeTx:
		return "tx"
	case PCIeRx:
		return "rx"
	default:
		return "unknown"
	}
}

// ComputeMode represents the device's compute mode configuration.
type ComputeMode int

const (
	// ComputeModeDefault allows multiple processes to share the GPU
	ComputeModeDefault ComputeMode = 0

	// ComputeModeExclusiveThread allows only one compute thread (legacy mode)
	ComputeModeExclusiveThread ComputeMode = 1

	// ComputeModeExclusiveProcess allows only one compute process
	ComputeModeExclusiveProcess ComputeMode = 2

	// ComputeModeProhibited disallows compute processes
	ComputeModeProhibited ComputeMode = 3
)

// String returns a human-readable name for the compute mode
func (m ComputeMode) String() string {
	switch m {
	case ComputeModeDefault:
		return "default"
	case ComputeModeExclusiveThread:
		return "exclusive-thread"
	case ComputeModeExclusiveProcess:
		return "exclusive-process"
	case ComputeModeProhibited:
		return "prohibited"
	default:
		return "unknown"
	}
}

// Version is a major.minor pair such as a CUDA toolkit version or a compute capability
type Version struct {
	Major int
	Minor int
}

// CUDAVersion decodes the driver's integer CUDA version (e.g. 12020 -> 12.2)
func CUDAVersion(v int) Version {
	return Version{Major: v / 1000, Minor: v % 1000 / 10}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Memory holds a memory region's capacity and usage in bytes
type Memory struct {
	Total uint64
	Free  uint64
	Used  uint64
}

// Utilization holds device-wide utilization percentages (0-100)
type Utilization struct {
	GPU    uint32
	Memory uint32
}

// ComputeProcess is a process holding a compute context on a device
type ComputeProcess struct {
	// PID is the process ID
	PID uint32

	// MemoryUsed is the device memory used by the process in bytes
	MemoryUsed uint64
}

// UtilizationSample holds one per-process utilization sample
type UtilizationSample struct {
	// PID is the process ID
	PID uint32

	// Timestamp is the driver sample time in microseconds
	Timestamp uint64

	// SMUtil is the streaming multiprocessor utilization percentage (0-100)
	SMUtil uint32

	// MemUtil is the memory utilization percentage (0-100)
	MemUtil uint32

	// EncUtil is the encoder utilization percentage (0-100)
	EncUtil uint32

	// DecUtil is the decoder utilization percentage (0-100)
	DecUtil uint32
}
