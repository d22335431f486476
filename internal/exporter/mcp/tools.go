// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pegasus-isi/gpumon/internal/device/gpu"
	"github.com/pegasus-isi/gpumon/internal/monitor"
)

const mib = 1 << 20

// ListGPUsParams defines parameters for list_gpus tool
type ListGPUsParams struct {
	SortBy string `json:"sort_by,omitempty" jsonschema:"Sort by index, power, memory, temperature or utilization (default: index)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of results (default: all)"`
}

// GetGPUParams defines parameters for get_gpu tool
type GetGPUParams struct {
	Index int `json:"index" jsonschema:"Driver index of the GPU"`
}

// ListProcessesParams defines parameters for list_gpu_processes tool
type ListProcessesParams struct {
	GPU       *int   `json:"gpu,omitempty" jsonschema:"Only list processes of the GPU with this index"`
	MinMemory uint64 `json:"min_memory_mib,omitempty" jsonschema:"Minimum device memory used by the process in MiB"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum number of results (default: 10)"`
}

// processInfo is one compute process with its latest utilization sample
type processInfo struct {
	GPU        int
	PID        uint32
	MemoryUsed uint64
	SMUtil     uint32
	MemUtil    uint32
	Sampled    bool
}

func textResult(text string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func (s *Server) snapshot() (*monitor.Snapshot, error) {
	snapshot, err := s.monitor.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if snapshot == nil || snapshot.Environment == nil {
		return nil, fmt.Errorf("no GPU data available yet")
	}
	return snapshot, nil
}

// handleListGPUs handles the list_gpus tool call
func (s *Server) handleListGPUs(ctx context.Context, cc *mcp.ServerSession, params *mcp.CallToolParamsFor[ListGPUsParams]) (*mcp.CallToolResultFor[any], error) {
	s.logger.Debug("Handling list_gpus request", "sort_by", params.Arguments.SortBy)

	snapshot, err := s.snapshot()
	if err != nil {
		return nil, err
	}

	devices, err := sortDevices(snapshot.Environment.Devices, params.Arguments.SortBy)
	if err != nil {
		return nil, err
	}
	if limit := params.Arguments.Limit; limit > 0 && limit < len(devices) {
		devices = devices[:limit]
	}

	return textResult(formatDeviceList(snapshot, devices)), nil
}

// handleGetGPU handles the get_gpu tool call
func (s *Server) handleGetGPU(ctx context.Context, cc *mcp.ServerSession, params *mcp.CallToolParamsFor[GetGPUParams]) (*mcp.CallToolResultFor[any], error) {
	s.logger.Debug("Handling get_gpu request", "index", params.Arguments.Index)

	snapshot, err := s.snapshot()
	if err != nil {
		return nil, err
	}

	dev, err := snapshot.Environment.Device(params.Arguments.Index)
	if err != nil {
		return nil, err
	}
	return textResult(formatDeviceDetails(snapshot, dev)), nil
}

// handleListProcesses handles the list_gpu_processes tool call
func (s *Server) handleListProcesses(ctx context.Context, cc *mcp.ServerSession, params *mcp.CallToolParamsFor[ListProcessesParams]) (*mcp.CallToolResultFor[any], error) {
	s.logger.Debug("Handling list_gpu_processes request", "gpu", params.Arguments.GPU)

	snapshot, err := s.snapshot()
	if err != nil {
		return nil, err
	}

	devices := snapshot.Environment.Devices
	if idx := params.Arguments.GPU; idx != nil {
		dev, err := snapshot.Environment.Device(*idx)
		if err != nil {
			return nil, err
		}
		devices = []*gpu.Device{dev}
	}

	var procs []processInfo
	for _, dev := range devices {
		for _, p := range convertProcesses(dev) {
			if p.MemoryUsed >= params.Arguments.MinMemory*mib {
				procs = append(procs, p)
			}
		}
	}

	slices.SortStableFunc(procs, func(a, b processInfo) int {
		return cmp.Compare(b.MemoryUsed, a.MemoryUsed)
	})

	limit := params.Arguments.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit < len(procs) {
		procs = procs[:limit]
	}

	return textResult(formatProcesses(procs)), nil
}

func sortDevices(devices []*gpu.Device, sortBy string) ([]*gpu.Device, error) {
	var key func(*gpu.Device) uint64
	switch sortBy {
	case "", "index":
		return slices.Clone(devices), nil
	case "power":
		key = func(d *gpu.Device) uint64 { return uint64(d.PowerUsage) }
	case "memory":
		key = func(d *gpu.Device) uint64 { return d.MemoryUsed }
	case "temperature":
		key = func(d *gpu.Device) uint64 { return uint64(d.Temperature) }
	case "utilization":
		key = func(d *gpu.Device) uint64 { return uint64(d.Utilization.GPU) }
	default:
		return nil, fmt.Errorf("unsupported sort key: %s", sortBy)
	}

	sorted := slices.Clone(devices)
	slices.SortStableFunc(sorted, func(a, b *gpu.Device) int {
		return cmp.Compare(key(b), key(a))
	})
	return sorted, nil
}

// convertProcesses merges a device's process list with the newest
// utilization sample of each pid. Repeated pids are summed.
func convertProcesses(dev *gpu.Device) []processInfo {
	byPID := map[uint32]*processInfo{}
	var order []uint32
	for _, p := range dev.ComputeProcesses.Processes {
		info, ok := byPID[p.PID]
		if !ok {
			info = &processInfo{GPU: dev.Index, PID: p.PID}
			byPID[p.PID] = info
			order = append(order, p.PID)
		}
		info.MemoryUsed += p.MemoryUsed
	}

	newest := map[uint32]uint64{}
	for _, sample := range dev.UtilizationWindow.Samples {
		info, ok := byPID[sample.PID]
		if !ok || (info.Sampled && sample.Timestamp < newest[sample.PID]) {
			continue
		}
		newest[sample.PID] = sample.Timestamp
		info.SMUtil, info.MemUtil, info.Sampled = sample.SMUtil, sample.MemUtil, true
	}

	procs := make([]processInfo, 0, len(order))
	for _, pid := range order {
		procs = append(procs, *byPID[pid])
	}
	return procs
}

func snapshotHeader(sb *strings.Builder, snapshot *monitor.Snapshot) {
	if snapshot.Timestamp.IsZero() {
		sb.WriteString("No poll completed yet; readings are from enumeration.\n")
	} else {
		fmt.Fprintf(sb, "Polled at %s\n", snapshot.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"))
	}
	if snapshot.Stale() {
		fmt.Fprintf(sb, "Warning: last poll was incomplete: %v\n", snapshot.Err)
	}
	sb.WriteString("\n")
}

func formatDeviceList(snapshot *monitor.Snapshot, devices []*gpu.Device) string {
	env := snapshot.Environment

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d GPUs (driver %s, CUDA %s)\n", len(env.Devices), env.DriverVersion, env.CUDAVersion)
	snapshotHeader(&sb, snapshot)

	for _, d := range devices {
		fmt.Fprintf(&sb, "GPU %d: %s, Power: %.2fW, Temperature: %dC, Utilization: %d%%, Memory: %d/%d MiB\n",
			d.Index, d.Name, float64(d.PowerUsage)/1000, d.Temperature, d.Utilization.GPU,
			d.MemoryUsed/mib, d.MemoryTotal/mib)
	}
	return sb.String()
}

func formatDeviceDetails(snapshot *monitor.Snapshot, d *gpu.Device) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "GPU %d Details:\n", d.Index)
	snapshotHeader(&sb, snapshot)

	fmt.Fprintf(&sb, "Name: %s\n", d.Name)
	fmt.Fprintf(&sb, "UUID: %s\n", d.UUID)
	fmt.Fprintf(&sb, "PCI Bus ID: %s\n", d.BusID)
	if d.CUDACapable {
		fmt.Fprintf(&sb, "Compute Capability: %s\n", d.Capability)
		fmt.Fprintf(&sb, "Compute Mode: %s\n", d.ComputeMode)
	} else {
		sb.WriteString("CUDA Capable: no\n")
	}

	fmt.Fprintf(&sb, "\nPower: %.2fW (limit %.2fW, max %.2fW)\n",
		float64(d.PowerUsage)/1000, float64(d.PowerLimit)/1000, float64(d.Max.PowerUsage)/1000)
	fmt.Fprintf(&sb, "Temperature: %dC (max %dC)\n", d.Temperature, d.Max.Temperature)
	fmt.Fprintf(&sb, "Utilization: GPU %d%%, Memory %d%% (max GPU %d%%)\n",
		d.Utilization.GPU, d.Utilization.Memory, d.Max.GPUUtilization)
	fmt.Fprintf(&sb, "Memory: %d/%d MiB (max %d MiB)\n", d.MemoryUsed/mib, d.MemoryTotal/mib, d.Max.MemoryUsed/mib)
	fmt.Fprintf(&sb, "BAR1 Memory: %d/%d MiB (max %d MiB)\n", d.BAR1Used/mib, d.BAR1Total/mib, d.Max.BAR1Used/mib)
	if d.PCIeRx != 0 || d.PCIeTx != 0 {
		fmt.Fprintf(&sb, "PCIe: rx %d KB/s, tx %d KB/s\n", d.PCIeRx, d.PCIeTx)
	}

	sb.WriteString("\nClocks:\n")
	for _, c := range gpu.ClockDomains {
		fmt.Fprintf(&sb, "  %s: %d/%d MHz\n", c, d.Clocks[c], d.MaxClocks[c])
	}

	if n := len(d.ComputeProcesses.Processes); n > 0 {
		fmt.Fprintf(&sb, "\nCompute Processes: %d\n", n)
	}
	return sb.String()
}

func formatProcesses(procs []processInfo) string {
	if len(procs) == 0 {
		return "No compute processes found."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d compute processes:\n\n", len(procs))
	for i, p := range procs {
		fmt.Fprintf(&sb, "%d. PID: %d, GPU: %d, Memory: %d MiB", i+1, p.PID, p.GPU, p.MemoryUsed/mib)
		if p.Sampled {
			fmt.Fprintf(&sb, ", SM: %d%%, Memory Bandwidth: %d%%", p.SMUtil, p.MemUtil)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
