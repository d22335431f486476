// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"slices"
	"time"
)

// sizedFetch runs the driver's two-phase list protocol: probe reports how
// many entries are available, then fetch fills a list of exactly that
// capacity. An insufficient-size answer from the probe is the driver's way of
// saying "need n entries" and a not-found answer means there is nothing to
// fetch; neither is a failure.
func sizedFetch[T any](
	device int,
	op string,
	probe func() (int, error),
	fetch func(capacity int) ([]T, error),
) ([]T, error) {
	n, err := probe()
	switch {
	case err == nil, IsInsufficientSize(err):
	case IsNotFound(err):
		return nil, nil
	default:
		return nil, err
	}

	if n < 0 {
		return nil, &AllocationError{Device: device, Op: op, Capacity: n}
	}
	if n == 0 {
		return nil, nil
	}

	items, err := fetch(n)
	if err != nil {
		return nil, err
	}
	if len(items) > n {
		return nil, &AllocationError{Device: device, Op: op, Capacity: n, Got: len(items)}
	}
	return items, nil
}

// SampleComputeProcesses replaces the device's compute process snapshot with
// the processes currently running on it. The previous snapshot is kept when
// the query fails.
func SampleComputeProcesses(dev *Device) error {
	if dev.released || dev.handle == nil {
		return ErrReleased
	}
	h := dev.handle

	procs, err := sizedFetch(dev.Index, "compute processes", h.ComputeProcessCount, h.ComputeProcesses)
	if err != nil {
		return err
	}

	dev.ComputeProcesses = ComputeProcessSnapshot{
		Processes:  procs,
		CapturedAt: time.Now(),
	}
	return nil
}

// SampleUtilizationWindow replaces the device's utilization window with the
// samples newer than its watermark and advances the watermark to the newest
// sample timestamp. With no new samples the window is emptied and the
// watermark is left unchanged. The window and watermark are never updated
// independently.
func SampleUtilizationWindow(dev *Device) error {
	if dev.released || dev.handle == nil {
		return ErrReleased
	}
	h := dev.handle
	lastSeen := dev.UtilizationWindow.LastSeen

	samples, err := sizedFetch(dev.Index, "process utilization",
		func() (int, error) {
			return h.UtilizationSampleCount(lastSeen)
		},
		func(capacity int) ([]UtilizationSample, error) {
			return h.UtilizationSamples(lastSeen, capacity)
		},
	)
	if err != nil {
		return err
	}

	// samples at or before the watermark were already reported
	if lastSeen > 0 {
		samples = slices.DeleteFunc(samples, func(s UtilizationSample) bool {
			return s.Timestamp <= lastSeen
		})
	}

	watermark := lastSeen
	for _, s := range samples {
		watermark = max(watermark, s.Timestamp)
	}

	dev.UtilizationWindow = UtilizationSampleWindow{
		Samples:  samples,
		LastSeen: watermark,
	}
	return nil
}

// SampleComputeProcessesByIndex refreshes the compute processes of the device at index
func SampleComputeProcessesByIndex(env *Environment, index int) error {
	dev, err := env.Device(index)
	if err != nil {
		return err
	}
	return SampleComputeProcesses(dev)
}

// SampleUtilizationWindowByIndex refreshes the utilization window of the device at index
func SampleUtilizationWindowByIndex(env *Environment, index int) error {
	dev, err := env.Device(index)
	if err != nil {
		return err
	}
	return SampleUtilizationWindow(dev)
}

// SampleComputeProcessesAll refreshes every device in index order, stopping at
// the first failure
func SampleComputeProcessesAll(env *Environment) error {
	return forEachDevice(env, SampleComputeProcesses)
}

// SampleUtilizationWindowAll refreshes every device in index order, stopping at
// the first failure
func SampleUtilizationWindowAll(env *Environment) error {
	return forEachDevice(env, SampleUtilizationWindow)
}
