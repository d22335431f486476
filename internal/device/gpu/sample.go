// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

// SampleDevice refreshes the live readings of dev and folds them into its
// running maxima. PCIe throughput is only queried when includePCIe is set.
//
// On the first failing query the error is returned immediately. Readings
// already taken during this call are kept, so a failed sample may leave the
// device partially refreshed.
func SampleDevice(dev *Device, includePCIe bool) error {
	if dev.released || dev.handle == nil {
		return ErrReleased
	}
	h := dev.handle

	temp, err := h.Temperature()
	if err != nil {
		return err
	}
	dev.Temperature = temp
	dev.Max.Temperature = track(dev.Max.Temperature, temp)

	power, err := h.PowerUsage()
	if err != nil {
		return err
	}
	dev.PowerUsage = power
	dev.Max.PowerUsage = track(dev.Max.PowerUsage, power)

	bar1, err := h.BAR1MemoryInfo()
	if err != nil {
		return err
	}
	dev.BAR1Used = bar1.Used
	dev.Max.BAR1Used = track(dev.Max.BAR1Used, bar1.Used)

	mem, err := h.MemoryInfo()
	if err != nil {
		return err
	}
	dev.MemoryUsed = mem.Used
	dev.Max.MemoryUsed = track(dev.Max.MemoryUsed, mem.Used)

	util, err := h.UtilizationRates()
	if err != nil {
		return err
	}
	dev.Utilization = util
	dev.Max.GPUUtilization = track(dev.Max.GPUUtilization, util.GPU)

	for _, domain := range ClockDomains {
		clock, err := h.ClockInfo(domain)
		if err != nil {
			return err
		}
		dev.Clocks[domain] = clock
	}

	if !includePCIe {
		return nil
	}

	tx, err := h.PCIeThroughput(PCIeTx)
	if err != nil {
		return err
	}
	dev.PCIeTx = tx

	rx, err := h.PCIeThroughput(PCIeRx)
	if err != nil {
		return err
	}
	dev.PCIeRx = rx

	return nil
}

// SampleDeviceByIndex samples the device at index of env
func SampleDeviceByIndex(env *Environment, index int, includePCIe bool) error {
	dev, err := env.Device(index)
	if err != nil {
		return err
	}
	return SampleDevice(dev, includePCIe)
}

// SampleAll samples every device in index order and stops at the first
// failing device. Devices after it keep the readings of the previous poll.
func SampleAll(env *Environment, includePCIe bool) error {
	return forEachDevice(env, func(dev *Device) error {
		return SampleDevice(dev, includePCIe)
	})
}

func forEachDevice(env *Environment, fn func(*Device) error) error {
	if env == nil {
		return nil
	}
	for _, dev := range env.Devices {
		if err := fn(dev); err != nil {
			return err
		}
	}
	return nil
}
