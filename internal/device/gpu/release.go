// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

// Release drops the device's process snapshot and utilization window and
// detaches it from the driver. Calling Release more than once is a no-op.
func (d *Device) Release() {
	if d == nil || d.released {
		return
	}
	d.ComputeProcesses = ComputeProcessSnapshot{}
	d.UtilizationWindow.Samples = nil
	d.handle = nil
	d.released = true
}

// Release releases every device and then the device list. It is safe on a
// partially built environment and on repeated calls.
func (e *Environment) Release() {
	if e == nil {
		return
	}
	for _, d := range e.Devices {
		d.Release()
	}
	e.Devices = nil
}
