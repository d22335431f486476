// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"log/slog"
)

// BuildEnvironment queries the driver for the static inventory of every
// installed device. The first failing query aborts enumeration; no partially
// built Environment is returned in that case.
//
// A device whose compute mode query is not supported is recorded as not
// CUDA capable and its compute capability is left unqueried.
func BuildEnvironment(drv Driver, logger *slog.Logger) (*Environment, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gpu-enumerator")

	cuda, err := drv.CUDADriverVersion()
	if err != nil {
		return nil, err
	}

	driverVersion, err := drv.DriverVersion()
	if err != nil {
		return nil, err
	}

	count, err := drv.DeviceCount()
	if err != nil {
		return nil, err
	}

	env := &Environment{
		DriverVersion: driverVersion,
		CUDAVersion:   CUDAVersion(cuda),
		Devices:       make([]*Device, 0, count),
	}

	for i := range count {
		dev, err := enumerateDevice(drv, i, logger)
		if err != nil {
			env.Release()
			return nil, err
		}
		env.Devices = append(env.Devices, dev)

		logger.Info("discovered GPU",
			"index", i,
			"name", dev.Name,
			"bus_id", dev.BusID,
			"cuda_capable", dev.CUDACapable)
	}

	logger.Info("GPU environment built",
		"driver_version", env.DriverVersion,
		"cuda_version", env.CUDAVersion.String(),
		"device_count", len(env.Devices))
	return env, nil
}

func enumerateDevice(drv Driver, index int, logger *slog.Logger) (*Device, error) {
	h, err := drv.DeviceHandle(index)
	if err != nil {
		return nil, err
	}

	dev := &Device{
		Index:       index,
		CUDACapable: true,
		handle:      h,
	}

	if dev.Name, err = h.Name(); err != nil {
		return nil, err
	}
	if dev.BusID, err = h.PCIBusID(); err != nil {
		return nil, err
	}

	// UUID is informational only and never part of a document
	if dev.UUID, err = h.UUID(); err != nil {
		logger.Debug("failed to get device UUID", "device", index, "error", err)
		dev.UUID = ""
	}

	mode, err := h.ComputeMode()
	switch {
	case IsNotSupported(err):
		dev.CUDACapable = false
	case err != nil:
		return nil, err
	default:
		dev.ComputeMode = mode
	}

	if dev.CUDACapable {
		major, minor, err := h.CUDAComputeCapability()
		if err != nil {
			return nil, err
		}
		dev.Capability = Version{Major: major, Minor: minor}
	}

	mem, err := h.MemoryInfo()
	if err != nil {
		return nil, err
	}
	dev.MemoryTotal = mem.Total

	bar1, err := h.BAR1MemoryInfo()
	if err != nil {
		return nil, err
	}
	dev.BAR1Total = bar1.Total

	if dev.PowerLimit, err = h.EnforcedPowerLimit(); err != nil {
		return nil, err
	}
	if dev.Temperature, err = h.Temperature(); err != nil {
		return nil, err
	}

	for _, domain := range ClockDomains {
		if dev.MaxClocks[domain], err = h.MaxClockInfo(domain); err != nil {
			return nil, err
		}
	}

	return dev, nil
}
