// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pegasus-isi/gpumon/internal/device/gpu"
	"github.com/pegasus-isi/gpumon/internal/event"
	"github.com/pegasus-isi/gpumon/internal/monitor"
	prom "github.com/prometheus/client_golang/prometheus"
)

type DataProvider = monitor.DataProvider

const (
	gpuSubsystem     = "gpu"
	processSubsystem = "process"

	// these labels should remain the same across all descriptors to ease querying
	gpuLabel = "gpu"
	pidLabel = "pid"
)

const (
	milli     = 1e-3
	kibibyte  = 1024
	megahertz = 1e6
	percent   = 1e-2
)

// GPUCollector exposes the devices of the latest snapshot. Every scrape reads
// a single snapshot so all series of a scrape belong to the same poll.
type GPUCollector struct {
	pm     DataProvider
	logger *slog.Logger
	pcie   bool

	mutex sync.RWMutex
	ready bool

	info *prom.Desc

	temperature *prom.Desc
	power       *prom.Desc
	powerLimit  *prom.Desc
	memoryUsed  *prom.Desc
	memoryTotal *prom.Desc
	bar1Used    *prom.Desc
	bar1Total   *prom.Desc
	utilization *prom.Desc
	clock       *prom.Desc
	clockMax    *prom.Desc
	pcieRate    *prom.Desc

	maxTemperature *prom.Desc
	maxPower       *prom.Desc
	maxUtilization *prom.Desc
	maxMemoryUsed  *prom.Desc
	maxBAR1Used    *prom.Desc

	processMemory      *prom.Desc
	processUtilization *prom.Desc

	lastPoll       *prom.Desc
	pollIncomplete *prom.Desc
	omitted        *prom.Desc
}

func gpuDesc(name, help string, labels ...string) *prom.Desc {
	return prom.NewDesc(
		prom.BuildFQName(gpumonNS, gpuSubsystem, name),
		help,
		append([]string{gpuLabel}, labels...), nil)
}

// NewGPUCollector creates a collector over the monitor's snapshots. pcie
// enables the PCIe throughput series, which are only sampled when the monitor
// queries PCIe counters.
func NewGPUCollector(pm DataProvider, pcie bool, logger *slog.Logger) *GPUCollector {
	c := &GPUCollector{
		pm:     pm,
		logger: logger.With("collector", "gpu"),
		pcie:   pcie,

		info: gpuDesc("info",
			"GPU device information for mapping index to name and bus id",
			"gpu_name", "gpu_pci_bus_id", "gpu_uuid", "cuda_capable", "compute_mode"),

		temperature: gpuDesc("temperature_celsius", "Current GPU core temperature in degrees celsius"),
		power:       gpuDesc("power_watts", "Current power draw of the GPU in watts"),
		powerLimit:  gpuDesc("power_limit_watts", "Enforced power limit of the GPU in watts"),
		memoryUsed:  gpuDesc("memory_used_bytes", "Device memory in use in bytes"),
		memoryTotal: gpuDesc("memory_total_bytes", "Total device memory in bytes"),
		bar1Used:    gpuDesc("bar1_memory_used_bytes", "BAR1 memory in use in bytes"),
		bar1Total:   gpuDesc("bar1_memory_total_bytes", "Total BAR1 memory in bytes"),
		utilization: gpuDesc("utilization_ratio", "Device utilization over the last sample period (0.0 - 1.0)", "kind"),
		clock:       gpuDesc("clock_hertz", "Current clock frequency in hertz", "domain"),
		clockMax:    gpuDesc("clock_max_hertz", "Maximum clock frequency in hertz", "domain"),
		pcieRate:    gpuDesc("pcie_bytes_per_second", "PCIe throughput in bytes per second", "direction"),

		maxTemperature: gpuDesc("max_temperature_celsius", "Highest temperature observed since start"),
		maxPower:       gpuDesc("max_power_watts", "Highest power draw observed since start"),
		maxUtilization: gpuDesc("max_utilization_ratio", "Highest GPU utilization observed since start"),
		maxMemoryUsed:  gpuDesc("max_memory_used_bytes", "Highest device memory use observed since start"),
		maxBAR1Used:    gpuDesc("max_bar1_memory_used_bytes", "Highest BAR1 memory use observed since start"),

		processMemory: prom.NewDesc(
			prom.BuildFQName(gpumonNS, processSubsystem, "gpu_memory_used_bytes"),
			"Device memory used by a compute process in bytes",
			[]string{gpuLabel, pidLabel}, nil),
		processUtilization: prom.NewDesc(
			prom.BuildFQName(gpumonNS, processSubsystem, "gpu_utilization_ratio"),
			"Latest per process utilization sample of a GPU engine (0.0 - 1.0)",
			[]string{gpuLabel, pidLabel, "engine"}, nil),

		lastPoll: prom.NewDesc(
			prom.BuildFQName(gpumonNS, "poll", "timestamp_seconds"),
			"Unix time of the latest completed poll",
			nil, nil),
		pollIncomplete: prom.NewDesc(
			prom.BuildFQName(gpumonNS, "poll", "incomplete"),
			"1 when the latest poll could not refresh every device",
			nil, nil),
		omitted: prom.NewDesc(
			prom.BuildFQName(gpumonNS, "events", "omitted_total"),
			"Telemetry documents dropped because they did not fit the document buffer",
			[]string{"event"}, nil),
	}

	go c.waitForData()

	return c
}

func (c *GPUCollector) waitForData() {
	<-c.pm.DataChannel()
	c.mutex.Lock()
	c.ready = true
	c.mutex.Unlock()
}

func (c *GPUCollector) isReady() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.ready
}

// Describe implements the prometheus.Collector interface
func (c *GPUCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.info
	ch <- c.temperature
	ch <- c.power
	ch <- c.powerLimit
	ch <- c.memoryUsed
	ch <- c.memoryTotal
	ch <- c.bar1Used
	ch <- c.bar1Total
	ch <- c.utilization
	ch <- c.clock
	ch <- c.clockMax
	if c.pcie {
		ch <- c.pcieRate
	}

	ch <- c.maxTemperature
	ch <- c.maxPower
	ch <- c.maxUtilization
	ch <- c.maxMemoryUsed
	ch <- c.maxBAR1Used

	ch <- c.processMemory
	ch <- c.processUtilization

	ch <- c.lastPoll
	ch <- c.pollIncomplete
	ch <- c.omitted
}

// Collect implements the prometheus.Collector interface
func (c *GPUCollector) Collect(ch chan<- prom.Metric) {
	for _, kind := range event.Kinds {
		ch <- prom.MustNewConstMetric(c.omitted, prom.CounterValue,
			float64(c.pm.Omitted(kind)), kind.String())
	}

	if !c.isReady() {
		c.logger.Debug("Collect called before monitor is ready")
		return
	}

	started := time.Now()
	snapshot, err := c.pm.Snapshot()
	if err != nil {
		c.logger.Error("Failed to collect GPU data", "error", err)
		return
	}
	defer func() {
		c.logger.Debug("Collected GPU data", "duration", time.Since(started))
	}()

	if !snapshot.Timestamp.IsZero() {
		ch <- prom.MustNewConstMetric(c.lastPoll, prom.GaugeValue,
			float64(snapshot.Timestamp.UnixNano())/1e9)
	}
	incomplete := 0.0
	if snapshot.Stale() {
		incomplete = 1
	}
	ch <- prom.MustNewConstMetric(c.pollIncomplete, prom.GaugeValue, incomplete)

	if snapshot.Environment == nil {
		return
	}
	for _, dev := range snapshot.Environment.Devices {
		c.collectDevice(ch, dev)
		c.collectMax(ch, dev)
		c.collectProcesses(ch, dev)
	}
}

func (c *GPUCollector) collectDevice(ch chan<- prom.Metric, dev *gpu.Device) {
	id := strconv.Itoa(dev.Index)

	ch <- prom.MustNewConstMetric(c.info, prom.GaugeValue, 1,
		id, dev.Name, dev.BusID, dev.UUID,
		strconv.FormatBool(dev.CUDACapable),
		dev.ComputeMode.String(),
	)

	gauge := func(desc *prom.Desc, v float64, labels ...string) {
		ch <- prom.MustNewConstMetric(desc, prom.GaugeValue, v, append([]string{id}, labels...)...)
	}

	gauge(c.temperature, float64(dev.Temperature))
	gauge(c.power, float64(dev.PowerUsage)*milli)
	gauge(c.powerLimit, float64(dev.PowerLimit)*milli)
	gauge(c.memoryUsed, float64(dev.MemoryUsed))
	gauge(c.memoryTotal, float64(dev.MemoryTotal))
	gauge(c.bar1Used, float64(dev.BAR1Used))
	gauge(c.bar1Total, float64(dev.BAR1Total))
	gauge(c.utilization, float64(dev.Utilization.GPU)*percent, "gpu")
	gauge(c.utilization, float64(dev.Utilization.Memory)*percent, "memory")

	for _, domain := range gpu.ClockDomains {
		gauge(c.clock, float64(dev.Clocks[domain])*megahertz, domain.String())
		gauge(c.clockMax, float64(dev.MaxClocks[domain])*megahertz, domain.String())
	}

	if c.pcie {
		gauge(c.pcieRate, float64(dev.PCIeRx)*kibibyte, gpu.PCIeRx.String())
		gauge(c.pcieRate, float64(dev.PCIeTx)*kibibyte, gpu.PCIeTx.String())
	}
}

func (c *GPUCollector) collectMax(ch chan<- prom.Metric, dev *gpu.Device) {
	id := strconv.Itoa(dev.Index)
	peak := dev.Max

	ch <- prom.MustNewConstMetric(c.maxTemperature, prom.GaugeValue, float64(peak.Temperature), id)
	ch <- prom.MustNewConstMetric(c.maxPower, prom.GaugeValue, float64(peak.PowerUsage)*milli, id)
	ch <- prom.MustNewConstMetric(c.maxUtilization, prom.GaugeValue, float64(peak.GPUUtilization)*percent, id)
	ch <- prom.MustNewConstMetric(c.maxMemoryUsed, prom.GaugeValue, float64(peak.MemoryUsed), id)
	ch <- prom.MustNewConstMetric(c.maxBAR1Used, prom.GaugeValue, float64(peak.BAR1Used), id)
}

// collectProcesses exposes the compute process list and the newest utilization
// sample of every process. A pid listed more than once has its memory summed.
func (c *GPUCollector) collectProcesses(ch chan<- prom.Metric, dev *gpu.Device) {
	id := strconv.Itoa(dev.Index)

	memory := make(map[uint32]uint64, len(dev.ComputeProcesses.Processes))
	for _, p := range dev.ComputeProcesses.Processes {
		memory[p.PID] += p.MemoryUsed
	}
	for pid, used := range memory {
		ch <- prom.MustNewConstMetric(c.processMemory, prom.GaugeValue, float64(used),
			id, strconv.FormatUint(uint64(pid), 10))
	}

	latest := make(map[uint32]gpu.UtilizationSample, len(dev.UtilizationWindow.Samples))
	for _, s := range dev.UtilizationWindow.Samples {
		if prev, ok := latest[s.PID]; !ok || s.Timestamp >= prev.Timestamp {
			latest[s.PID] = s
		}
	}
	for pid, s := range latest {
		p := strconv.FormatUint(uint64(pid), 10)
		ch <- prom.MustNewConstMetric(c.processUtilization, prom.GaugeValue, float64(s.SMUtil)*percent, id, p, "sm")
		ch <- prom.MustNewConstMetric(c.processUtilization, prom.GaugeValue, float64(s.MemUtil)*percent, id, p, "mem")
		ch <- prom.MustNewConstMetric(c.processUtilization, prom.GaugeValue, float64(s.EncUtil)*percent, id, p, "enc")
		ch <- prom.MustNewConstMetric(c.processUtilization, prom.GaugeValue, float64(s.DecUtil)*percent, id, p, "dec")
	}
}
