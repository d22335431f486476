// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pegasus-isi/gpumon/internal/device/gpu"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeEnvironment writes the environment document of env into dst and
// returns the number of bytes written.
func EncodeEnvironment(env *gpu.Environment, ts time.Time, dst []byte) (int, error) {
	if env == nil {
		env = &gpu.Environment{}
	}
	return encode(Environment, ts, dst, func(s *jsoniter.Stream) {
		s.WriteMore()
		s.WriteObjectField("cuda_version")
		writeVersion(s, env.CUDAVersion)
		s.WriteMore()
		s.WriteObjectField("nvidia_driver_version")
		s.WriteString(env.DriverVersion)
		s.WriteMore()
		s.WriteObjectField("gpu_device_count")
		s.WriteInt(len(env.Devices))

		s.WriteMore()
		s.WriteObjectField("gpu_devices")
		s.WriteArrayStart()
		for i, dev := range env.Devices {
			if i > 0 {
				s.WriteMore()
			}
			s.WriteObjectStart()
			writeIdentity(s, dev)
			s.WriteMore()
			s.WriteObjectField("is_cuda_capable")
			s.WriteBool(dev.CUDACapable)
			s.WriteMore()
			s.WriteObjectField("cuda_capability")
			writeVersion(s, dev.Capability)
			writeUint32(s, "power_limit", dev.PowerLimit)
			writeUint64(s, "total_bar1_memory", dev.BAR1Total)
			writeUint64(s, "total_memory", dev.MemoryTotal)
			writeUint32(s, "max_gpu_clock", dev.MaxClocks[gpu.ClockGraphics])
			writeUint32(s, "max_sm_clock", dev.MaxClocks[gpu.ClockSM])
			writeUint32(s, "max_mem_clock", dev.MaxClocks[gpu.ClockMemory])
			writeUint32(s, "max_video_clock", dev.MaxClocks[gpu.ClockVideo])
			s.WriteObjectEnd()
		}
		s.WriteArrayEnd()
	})
}

// EncodeSample writes the live sample document of dev into dst and returns
// the number of bytes written. The document carries the device's current
// compute process snapshot and utilization window.
func EncodeSample(dev *gpu.Device, ts time.Time, dst []byte) (int, error) {
	if dev == nil {
		dev = &gpu.Device{}
	}
	return encode(Sample, ts, dst, func(s *jsoniter.Stream) {
		s.WriteMore()
		writeIdentity(s, dev)
		writeUint32(s, "temp", dev.Temperature)
		writeUint32(s, "power_usage", dev.PowerUsage)
		writeUint32(s, "pcie_rx", dev.PCIeRx)
		writeUint32(s, "pcie_tx", dev.PCIeTx)
		writeUint64(s, "bar1_mem_usage", dev.BAR1Used)
		writeUint64(s, "mem_usage", dev.MemoryUsed)
		writeUint32(s, "mem_utilization", dev.Utilization.Memory)
		writeUint32(s, "gpu_utilization", dev.Utilization.GPU)
		writeUint32(s, "gpu_clock", dev.Clocks[gpu.ClockGraphics])
		writeUint32(s, "sm_clock", dev.Clocks[gpu.ClockSM])
		writeUint32(s, "mem_clock", dev.Clocks[gpu.ClockMemory])
		writeUint32(s, "video_clock", dev.Clocks[gpu.ClockVideo])

		s.WriteMore()
		s.WriteObjectField("compute_tasks")
		s.WriteArrayStart()
		for i, p := range dev.ComputeProcesses.Processes {
			if i > 0 {
				s.WriteMore()
			}
			s.WriteObjectStart()
			s.WriteObjectField("pid")
			s.WriteUint32(p.PID)
			writeUint64(s, "mem_usage", p.MemoryUsed)
			s.WriteObjectEnd()
		}
		s.WriteArrayEnd()

		s.WriteMore()
		s.WriteObjectField("graphic_tasks")
		s.WriteArrayStart()
		for i, u := range dev.UtilizationWindow.Samples {
			if i > 0 {
				s.WriteMore()
			}
			s.WriteObjectStart()
			s.WriteObjectField("pid")
			s.WriteUint32(u.PID)
			writeUint32(s, "sm_util", u.SMUtil)
			writeUint32(s, "mem_util", u.MemUtil)
			writeUint32(s, "enc_util", u.EncUtil)
			writeUint32(s, "dec_util", u.DecUtil)
			s.WriteObjectEnd()
		}
		s.WriteArrayEnd()
	})
}

// EncodeMaxSummary writes the lifetime maxima of every device of env into dst
// and returns the number of bytes written.
func EncodeMaxSummary(env *gpu.Environment, ts time.Time, dst []byte) (int, error) {
	if env == nil {
		env = &gpu.Environment{}
	}
	return encode(MaxSummary, ts, dst, func(s *jsoniter.Stream) {
		s.WriteMore()
		s.WriteObjectField("gpu_devices")
		s.WriteArrayStart()
		for i, dev := range env.Devices {
			if i > 0 {
				s.WriteMore()
			}
			s.WriteObjectStart()
			writeIdentity(s, dev)
			writeUint32(s, "max_temp", dev.Max.Temperature)
			writeUint32(s, "max_power_usage", dev.Max.PowerUsage)
			writeUint64(s, "max_bar1_mem_usage", dev.Max.BAR1Used)
			writeUint64(s, "max_mem_usage", dev.Max.MemoryUsed)
			writeUint32(s, "max_gpu_usage", dev.Max.GPUUtilization)
			s.WriteObjectEnd()
		}
		s.WriteArrayEnd()
	})
}

// encode renders a whole document into a pooled stream and copies it into
// dst only when it fits.
func encode(kind Kind, ts time.Time, dst []byte, body func(*jsoniter.Stream)) (int, error) {
	s := jsonAPI.BorrowStream(nil)
	defer jsonAPI.ReturnStream(s)

	s.WriteObjectStart()
	s.WriteObjectField("event")
	s.WriteString(kind.Tag())
	s.WriteMore()
	s.WriteObjectField("timestamp")
	s.WriteInt64(ts.Unix())
	body(s)
	s.WriteObjectEnd()

	if s.Error != nil {
		return 0, s.Error
	}

	doc := s.Buffer()
	if len(doc) > len(dst) {
		return 0, &OverflowError{Kind: kind, Required: len(doc), Capacity: len(dst)}
	}
	return copy(dst, doc), nil
}

// writeIdentity writes gpu_id, gpu_name and gpu_pci_bus_id; the caller has
// already written the separator that precedes them, if any.
func writeIdentity(s *jsoniter.Stream, dev *gpu.Device) {
	s.WriteObjectField("gpu_id")
	s.WriteInt(dev.Index)
	s.WriteMore()
	s.WriteObjectField("gpu_name")
	s.WriteString(dev.Name)
	s.WriteMore()
	s.WriteObjectField("gpu_pci_bus_id")
	s.WriteString(dev.BusID)
}

// writeVersion writes v as a bare major.minor number
func writeVersion(s *jsoniter.Stream, v gpu.Version) {
	s.WriteInt(v.Major)
	s.WriteRaw(".")
	s.WriteInt(v.Minor)
}

func writeUint32(s *jsoniter.Stream, field string, v uint32) {
	s.WriteMore()
	s.WriteObjectField(field)
	s.WriteUint32(v)
}

func writeUint64(s *jsoniter.Stream, field string, v uint64) {
	s.WriteMore()
	s.WriteObjectField(field)
	s.WriteUint64(v)
}
