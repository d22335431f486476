// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/pegasus-isi/gpumon/internal/event"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

type deviceID struct {
	ID    int    `json:"gpu_id"`
	Name  string `json:"gpu_name"`
	BusID string `json:"gpu_pci_bus_id"`
}

type environmentDoc struct {
	Timestamp     int64           `json:"timestamp"`
	CUDAVersion   jsoniter.Number `json:"cuda_version"`
	DriverVersion string          `json:"nvidia_driver_version"`
	Count         int             `json:"gpu_device_count"`
	Devices       []struct {
		deviceID
		CUDACapable   bool            `json:"is_cuda_capable"`
		Capability    jsoniter.Number `json:"cuda_capability"`
		PowerLimit    uint32          `json:"power_limit"`
		BAR1Total     uint64          `json:"total_bar1_memory"`
		MemoryTotal   uint64          `json:"total_memory"`
		MaxGPUClock   uint32          `json:"max_gpu_clock"`
		MaxSMClock    uint32          `json:"max_sm_clock"`
		MaxMemClock   uint32          `json:"max_mem_clock"`
		MaxVideoClock uint32          `json:"max_video_clock"`
	} `json:"gpu_devices"`
}

type sampleDoc struct {
	Timestamp int64 `json:"timestamp"`
	deviceID
	Temperature    uint32 `json:"temp"`
	PowerUsage     uint32 `json:"power_usage"`
	PCIeRx         uint32 `json:"pcie_rx"`
	PCIeTx         uint32 `json:"pcie_tx"`
	BAR1Used       uint64 `json:"bar1_mem_usage"`
	MemoryUsed     uint64 `json:"mem_usage"`
	MemUtilization uint32 `json:"mem_utilization"`
	GPUUtilization uint32 `json:"gpu_utilization"`
	GPUClock       uint32 `json:"gpu_clock"`
	SMClock        uint32 `json:"sm_clock"`
	MemClock       uint32 `json:"mem_clock"`
	VideoClock     uint32 `json:"video_clock"`
	ComputeTasks   []struct {
		PID        uint32 `json:"pid"`
		MemoryUsed uint64 `json:"mem_usage"`
	} `json:"compute_tasks"`
	GraphicTasks []struct {
		PID     uint32 `json:"pid"`
		SMUtil  uint32 `json:"sm_util"`
		MemUtil uint32 `json:"mem_util"`
		EncUtil uint32 `json:"enc_util"`
		DecUtil uint32 `json:"dec_util"`
	} `json:"graphic_tasks"`
}

type maxDoc struct {
	Timestamp int64 `json:"timestamp"`
	Devices   []struct {
		deviceID
		Temperature    uint32 `json:"max_temp"`
		PowerUsage     uint32 `json:"max_power_usage"`
		BAR1Used       uint64 `json:"max_bar1_mem_usage"`
		MemoryUsed     uint64 `json:"max_mem_usage"`
		GPUUtilization uint32 `json:"max_gpu_usage"`
	} `json:"gpu_devices"`
}

// tableWriter renders documents as tables. Sample documents are held back
// until every device of a poll has arrived so that each poll renders as one
// table.
type tableWriter struct {
	out     io.Writer
	comm    commLookup
	devices int
	pending []sampleDoc
}

func newTableWriter(out io.Writer, comm commLookup) *tableWriter {
	return &tableWriter{out: out, comm: comm}
}

func (t *tableWriter) write(kind event.Kind, doc []byte) error {
	switch kind {
	case event.Environment:
		var env environmentDoc
		if err := jsonAPI.Unmarshal(doc, &env); err != nil {
			return fmt.Errorf("failed to decode environment document: %w", err)
		}
		t.devices = env.Count
		return t.writeEnvironment(&env)

	case event.Sample:
		var s sampleDoc
		if err := jsonAPI.Unmarshal(doc, &s); err != nil {
			return fmt.Errorf("failed to decode stats document: %w", err)
		}
		if slices.ContainsFunc(t.pending, func(p sampleDoc) bool { return p.ID == s.ID }) {
			if err := t.flush(); err != nil {
				return err
			}
		}
		t.pending = append(t.pending, s)
		if len(t.pending) >= t.devices {
			return t.flush()
		}
		return nil

	case event.MaxSummary:
		if err := t.flush(); err != nil {
			return err
		}
		var m maxDoc
		if err := jsonAPI.Unmarshal(doc, &m); err != nil {
			return fmt.Errorf("failed to decode max document: %w", err)
		}
		return t.writeMax(&m)
	}
	return fmt.Errorf("unknown document kind %d", kind)
}

func (t *tableWriter) writeEnvironment(env *environmentDoc) error {
	if _, err := fmt.Fprintf(t.out, "GPU environment  driver %s  CUDA %s  devices %d\n",
		env.DriverVersion, env.CUDAVersion, env.Count); err != nil {
		return err
	}

	rows := make([][]string, 0, len(env.Devices))
	for _, d := range env.Devices {
		capability := "-"
		if d.CUDACapable {
			capability = string(d.Capability)
		}
		rows = append(rows, []string{
			strconv.Itoa(d.ID), d.Name, d.BusID, capability,
			mib(d.MemoryTotal), mib(d.BAR1Total), watts(d.PowerLimit),
			fmt.Sprintf("%d/%d/%d/%d", d.MaxGPUClock, d.MaxSMClock, d.MaxMemClock, d.MaxVideoClock),
		})
	}
	return render(t.out,
		[]string{"GPU", "Name", "Bus ID", "CUDA", "Memory", "BAR1", "Power Limit", "Max Clocks (MHz)"}, rows)
}

// flush renders the pending samples of one poll, then their processes
func (t *tableWriter) flush() error {
	if len(t.pending) == 0 {
		return nil
	}
	samples := t.pending
	t.pending = nil
	slices.SortFunc(samples, func(a, b sampleDoc) int { return a.ID - b.ID })

	ts := time.Unix(samples[0].Timestamp, 0).UTC().Format(time.RFC3339)
	if _, err := fmt.Fprintf(t.out, "GPU stats  %s\n", ts); err != nil {
		return err
	}

	rows := make([][]string, 0, len(samples))
	var procs [][]string
	for _, s := range samples {
		rows = append(rows, []string{
			strconv.Itoa(s.ID), s.Name,
			fmt.Sprintf("%dC", s.Temperature), watts(s.PowerUsage),
			mib(s.MemoryUsed), mib(s.BAR1Used),
			fmt.Sprintf("%d%%", s.GPUUtilization), fmt.Sprintf("%d%%", s.MemUtilization),
			fmt.Sprintf("%d/%d/%d/%d", s.GPUClock, s.SMClock, s.MemClock, s.VideoClock),
			fmt.Sprintf("%d/%d", s.PCIeRx, s.PCIeTx),
		})
		procs = append(procs, t.processRows(&s)...)
	}
	if err := render(t.out,
		[]string{"GPU", "Name", "Temp", "Power", "Memory", "BAR1", "GPU Util", "Mem Util", "Clocks (MHz)", "PCIe RX/TX (KB/s)"},
		rows); err != nil {
		return err
	}

	if len(procs) == 0 {
		return nil
	}
	return render(t.out,
		[]string{"GPU", "PID", "Command", "Memory", "SM", "Mem", "Enc", "Dec"}, procs)
}

// processRows joins the compute tasks of a sample with its utilization
// samples by PID
func (t *tableWriter) processRows(s *sampleDoc) [][]string {
	type proc struct {
		memory string
		util   [4]string
	}
	byPID := map[uint32]*proc{}
	var order []uint32
	get := func(pid uint32) *proc {
		p, ok := byPID[pid]
		if !ok {
			p = &proc{memory: "-", util: [4]string{"-", "-", "-", "-"}}
			byPID[pid] = p
			order = append(order, pid)
		}
		return p
	}

	for _, c := range s.ComputeTasks {
		get(c.PID).memory = mib(c.MemoryUsed)
	}
	for _, g := range s.GraphicTasks {
		get(g.PID).util = [4]string{
			fmt.Sprintf("%d%%", g.SMUtil), fmt.Sprintf("%d%%", g.MemUtil),
			fmt.Sprintf("%d%%", g.EncUtil), fmt.Sprintf("%d%%", g.DecUtil),
		}
	}

	rows := make([][]string, 0, len(order))
	for _, pid := range order {
		p := byPID[pid]
		rows = append(rows, []string{
			strconv.Itoa(s.ID), strconv.FormatUint(uint64(pid), 10), t.comm(pid), p.memory,
			p.util[0], p.util[1], p.util[2], p.util[3],
		})
	}
	return rows
}

func (t *tableWriter) writeMax(m *maxDoc) error {
	if _, err := fmt.Fprintf(t.out, "GPU lifetime maxima  %s\n",
		time.Unix(m.Timestamp, 0).UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	rows := make([][]string, 0, len(m.Devices))
	for _, d := range m.Devices {
		rows = append(rows, []string{
			strconv.Itoa(d.ID), d.Name,
			fmt.Sprintf("%dC", d.Temperature), watts(d.PowerUsage),
			mib(d.MemoryUsed), mib(d.BAR1Used), fmt.Sprintf("%d%%", d.GPUUtilization),
		})
	}
	return render(t.out, []string{"GPU", "Name", "Temp", "Power", "Memory", "BAR1", "GPU Util"}, rows)
}

func render(out io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header(header)
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}

func mib(b uint64) string {
	return fmt.Sprintf("%d MiB", b>>20)
}

// watts formats a milliwatt reading
func watts(mw uint32) string {
	return fmt.Sprintf("%.1fW", float64(mw)/1000)
}
