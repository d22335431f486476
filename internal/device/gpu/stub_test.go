// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

// stubDriver is a scriptable Driver used by the package tests
type stubDriver struct {
	cuda    int
	version string
	handles []*stubHandle
	fail    map[string]error
}

var _ Driver = (*stubDriver)(nil)

func newStubDriver(handles ...*stubHandle) *stubDriver {
	for i, h := range handles {
		h.index = i
	}
	return &stubDriver{
		cuda:    12020,
		version: "535.104.05",
		handles: handles,
		fail:    map[string]error{},
	}
}

func (d *stubDriver) Init() error     { return d.fail["Init"] }
func (d *stubDriver) Shutdown() error { return d.fail["Shutdown"] }

func (d *stubDriver) CUDADriverVersion() (int, error) {
	return d.cuda, d.fail["CUDADriverVersion"]
}

func (d *stubDriver) DriverVersion() (string, error) {
	return d.version, d.fail["DriverVersion"]
}

func (d *stubDriver) DeviceCount() (int, error) {
	return len(d.handles), d.fail["DeviceCount"]
}

func (d *stubDriver) DeviceHandle(index int) (DeviceHandle, error) {
	if err := d.fail["DeviceHandle"]; err != nil {
		return nil, err
	}
	return d.handles[index], nil
}

// stubHandle returns fixed readings unless a sequence or a failure is
// scripted for a query. Every list it hands out is counted in allocated.
type stubHandle struct {
	index int
	fail  map[string]error

	temps    []uint32
	tempCall int

	power       uint32
	memUsed     uint64
	bar1Used    uint64
	utilization Utilization

	// procs[i] is returned by the i-th compute process query; the last entry repeats
	procs    [][]ComputeProcess
	procCall int

	// samples is the driver's sample history; queries return those newer than lastSeen
	samples []UtilizationSample

	// ignoreLastSeen makes the fetch return the whole history
	ignoreLastSeen bool

	// overfetch makes fetches return one entry more than the capacity
	overfetch bool

	allocated int
	calls     []string
}

var _ DeviceHandle = (*stubHandle)(nil)

func newStubHandle() *stubHandle {
	return &stubHandle{
		fail:        map[string]error{},
		temps:       []uint32{45},
		power:       120_000,
		memUsed:     2 << 30,
		bar1Used:    4 << 20,
		utilization: Utilization{GPU: 30, Memory: 10},
	}
}

func (h *stubHandle) call(op string) error {
	h.calls = append(h.calls, op)
	if err, ok := h.fail[op]; ok {
		return err
	}
	return nil
}

func (h *stubHandle) Name() (string, error) {
	return "Tesla V100-SXM2-16GB", h.call("Name")
}

func (h *stubHandle) UUID() (string, error) {
	return "GPU-0c8e", h.call("UUID")
}

func (h *stubHandle) PCIBusID() (string, error) {
	return "00000000:3B:00.0", h.call("PCIBusID")
}

func (h *stubHandle) ComputeMode() (ComputeMode, error) {
	return ComputeModeExclusiveProcess, h.call("ComputeMode")
}

func (h *stubHandle) CUDAComputeCapability() (int, int, error) {
	return 7, 0, h.call("CUDAComputeCapability")
}

func (h *stubHandle) MemoryInfo() (Memory, error) {
	return Memory{Total: 16 << 30, Used: h.memUsed, Free: 16<<30 - h.memUsed}, h.call("MemoryInfo")
}

func (h *stubHandle) BAR1MemoryInfo() (Memory, error) {
	return Memory{Total: 16 << 30, Used: h.bar1Used, Free: 16<<30 - h.bar1Used}, h.call("BAR1MemoryInfo")
}

func (h *stubHandle) EnforcedPowerLimit() (uint32, error) {
	return 300_000, h.call("EnforcedPowerLimit")
}

func (h *stubHandle) Temperature() (uint32, error) {
	if err := h.call("Temperature"); err != nil {
		return 0, err
	}
	t := h.temps[min(h.tempCall, len(h.temps)-1)]
	h.tempCall++
	return t, nil
}

func (h *stubHandle) PowerUsage() (uint32, error) {
	return h.power, h.call("PowerUsage")
}

func (h *stubHandle) UtilizationRates() (Utilization, error) {
	return h.utilization, h.call("UtilizationRates")
}

func (h *stubHandle) ClockInfo(domain ClockDomain) (uint32, error) {
	return 1000 + uint32(domain), h.call("ClockInfo")
}

func (h *stubHandle) MaxClockInfo(domain ClockDomain) (uint32, error) {
	return 2000 + uint32(domain), h.call("MaxClockInfo")
}

func (h *stubHandle) PCIeThroughput(counter PCIeCounter) (uint32, error) {
	return 500 + uint32(counter), h.call("PCIeThroughput")
}

func (h *stubHandle) currentProcs() []ComputeProcess {
	if len(h.procs) == 0 {
		return nil
	}
	return h.procs[min(h.procCall, len(h.procs)-1)]
}

func (h *stubHandle) ComputeProcessCount() (int, error) {
	if err := h.call("ComputeProcessCount"); err != nil {
		return 0, err
	}
	n := len(h.currentProcs())
	if n == 0 {
		return 0, nil
	}
	return n, &DriverError{Code: CodeInsufficientSize, Device: h.index, Op: "ComputeProcessCount"}
}

func (h *stubHandle) ComputeProcesses(capacity int) ([]ComputeProcess, error) {
	if err := h.call("ComputeProcesses"); err != nil {
		return nil, err
	}
	procs := h.currentProcs()
	h.procCall++
	if len(procs) > capacity {
		return nil, &DriverError{Code: CodeInsufficientSize, Device: h.index, Op: "ComputeProcesses"}
	}
	out := make([]ComputeProcess, len(procs), capacity)
	copy(out, procs)
	if h.overfetch {
		out = append(out, ComputeProcess{PID: 1})
	}
	h.allocated += len(out)
	return out, nil
}

func (h *stubHandle) newerThan(lastSeen uint64) []UtilizationSample {
	var out []UtilizationSample
	for _, s := range h.samples {
		if h.ignoreLastSeen || s.Timestamp > lastSeen {
			out = append(out, s)
		}
	}
	return out
}

func (h *stubHandle) UtilizationSampleCount(lastSeen uint64) (int, error) {
	if err := h.call("UtilizationSampleCount"); err != nil {
		return 0, err
	}
	n := len(h.newerThan(lastSeen))
	if n == 0 {
		return 0, &DriverError{Code: CodeNotFound, Device: h.index, Op: "UtilizationSampleCount"}
	}
	return n, &DriverError{Code: CodeInsufficientSize, Device: h.index, Op: "UtilizationSampleCount"}
}

func (h *stubHandle) UtilizationSamples(lastSeen uint64, capacity int) ([]UtilizationSample, error) {
	if err := h.call("UtilizationSamples"); err != nil {
		return nil, err
	}
	samples := h.newerThan(lastSeen)
	if len(samples) > capacity {
		return nil, &DriverError{Code: CodeInsufficientSize, Device: h.index, Op: "UtilizationSamples"}
	}
	if h.overfetch {
		samples = append(samples, UtilizationSample{PID: 1})
	}
	h.allocated += len(samples)
	return samples, nil
}

func notSupported(op string) error {
	return &DriverError{Code: CodeNotSupported, Device: 0, Op: op}
}

func unknownFailure(op string) error {
	return &DriverError{Code: CodeUnknown, Device: 0, Op: op, Msg: "unknown error"}
}
