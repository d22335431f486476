// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package nvidia

import (
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/pegasus-isi/gpumon/internal/device/gpu"
)

// computeMode maps nvmlComputeMode_t onto gpu.ComputeMode. NVML orders
// prohibited before exclusive-process, so the values are not interchangeable.
func computeMode(mode nvml.ComputeMode) gpu.ComputeMode {
	switch mode {
	case nvml.COMPUTEMODE_EXCLUSIVE_THREAD:
		return gpu.ComputeModeExclusiveThread
	case nvml.COMPUTEMODE_EXCLUSIVE_PROCESS:
		return gpu.ComputeModeExclusiveProcess
	case nvml.COMPUTEMODE_PROHIBITED:
		return gpu.ComputeModeProhibited
	default:
		return gpu.ComputeModeDefault
	}
}

var clockTypes = [gpu.ClockCount]nvml.ClockType{
	gpu.ClockGraphics: nvml.CLOCK_GRAPHICS,
	gpu.ClockSM:       nvml.CLOCK_SM,
	gpu.ClockMemory:   nvml.CLOCK_MEM,
	gpu.ClockVideo:    nvml.CLOCK_VIDEO,
}

func pcieCounter(c gpu.PCIeCounter) nvml.PcieUtilCounter {
	if c == gpu.PCIeRx {
		return nvml.PCIE_UTIL_RX_BYTES
	}
	return nvml.PCIE_UTIL_TX_BYTES
}

// code classifies an NVML return value
func code(ret nvml.Return) gpu.Code {
	switch ret {
	case nvml.ERROR_UNINITIALIZED:
		return gpu.CodeUninitialized
	case nvml.ERROR_INVALID_ARGUMENT:
		return gpu.CodeInvalidArgument
	case nvml.ERROR_NOT_SUPPORTED:
		return gpu.CodeNotSupported
	case nvml.ERROR_NO_PERMISSION:
		return gpu.CodeNoPermission
	case nvml.ERROR_NOT_FOUND:
		return gpu.CodeNotFound
	case nvml.ERROR_INSUFFICIENT_SIZE:
		return gpu.CodeInsufficientSize
	case nvml.ERROR_INSUFFICIENT_POWER:
		return gpu.CodeInsufficientPower
	case nvml.ERROR_DRIVER_NOT_LOADED:
		return gpu.CodeDriverNotLoaded
	case nvml.ERROR_TIMEOUT:
		return gpu.CodeTimeout
	case nvml.ERROR_GPU_IS_LOST:
		return gpu.CodeGPULost
	case nvml.ERROR_LIBRARY_NOT_FOUND:
		return gpu.CodeLibraryNotFound
	case nvml.ERROR_MEMORY:
		return gpu.CodeMemory
	default:
		return gpu.CodeUnknown
	}
}

// busID converts the NUL-terminated PCI bus id of nvmlPciInfo_t
func busID(raw [32]int8) string {
	b := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == 0 {
			break
		}
		b = append(b, byte(c))
	}
	return string(b)
}
