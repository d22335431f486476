// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/pegasus-isi/gpumon/internal/device/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1700000000, 0)

func testDevice(index int) *gpu.Device {
	return &gpu.Device{
		Index:       index,
		Name:        "Tesla V100-SXM2-16GB",
		BusID:       "00000000:3B:00.0",
		CUDACapable: true,
		Capability:  gpu.Version{Major: 7, Minor: 0},
		MemoryTotal: 16 << 30,
		BAR1Total:   16 << 30,
		PowerLimit:  300_000,
		MaxClocks:   [gpu.ClockCount]uint32{1530, 1530, 877, 1372},
		Temperature: 55,
		PowerUsage:  120_500,
		MemoryUsed:  math.MaxUint64 - 1,
		BAR1Used:    4 << 20,
		Utilization: gpu.Utilization{GPU: 87, Memory: 40},
		PCIeRx:      1200,
		PCIeTx:      800,
		Clocks:      [gpu.ClockCount]uint32{1300, 1300, 877, 1200},
		Max: gpu.MaxMeasurements{
			Temperature:    60,
			PowerUsage:     250_000,
			GPUUtilization: 99,
			MemoryUsed:     12 << 30,
			BAR1Used:       8 << 20,
		},
		ComputeProcesses: gpu.ComputeProcessSnapshot{
			Processes: []gpu.ComputeProcess{
				{PID: 1234, MemoryUsed: 1 << 30},
				{PID: 5678, MemoryUsed: 2 << 30},
			},
		},
		UtilizationWindow: gpu.UtilizationSampleWindow{
			Samples: []gpu.UtilizationSample{
				{PID: 1234, Timestamp: 100, SMUtil: 80, MemUtil: 30, EncUtil: 1, DecUtil: 2},
			},
			LastSeen: 100,
		},
	}
}

func testEnvironment(devices int) *gpu.Environment {
	env := &gpu.Environment{
		DriverVersion: "535.104.05",
		CUDAVersion:   gpu.Version{Major: 12, Minor: 2},
	}
	for i := range devices {
		env.Devices = append(env.Devices, testDevice(i))
	}
	return env
}

// objectKeys returns the keys of the JSON object in doc in document order
func objectKeys(t *testing.T, doc []byte) []string {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(doc))
	tok, err := dec.Token()
	require.NoError(t, err)
	require.Equal(t, json.Delim('{'), tok)

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		require.NoError(t, err)
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		require.NoError(t, dec.Decode(&skip))
	}
	return keys
}

func encodeOK(t *testing.T, fn func(dst []byte) (int, error)) []byte {
	t.Helper()
	buf := make([]byte, 16<<10)
	n, err := fn(buf)
	require.NoError(t, err)
	doc := buf[:n]
	require.True(t, json.Valid(doc), "invalid JSON: %s", doc)
	assert.NotContains(t, string(doc), "\n")
	return doc
}

func TestEncodeEnvironment(t *testing.T) {
	env := testEnvironment(2)
	doc := encodeOK(t, func(dst []byte) (int, error) {
		return EncodeEnvironment(env, testTime, dst)
	})

	assert.Equal(t, []string{
		"event", "timestamp", "cuda_version", "nvidia_driver_version", "gpu_device_count", "gpu_devices",
	}, objectKeys(t, doc))

	var got struct {
		Event       string            `json:"event"`
		Timestamp   int64             `json:"timestamp"`
		CUDAVersion json.Number       `json:"cuda_version"`
		Driver      string            `json:"nvidia_driver_version"`
		Count       int               `json:"gpu_device_count"`
		Devices     []json.RawMessage `json:"gpu_devices"`
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&got))

	assert.Equal(t, "kickstart.inv.gpu.environment", got.Event)
	assert.Equal(t, int64(1700000000), got.Timestamp)
	assert.Equal(t, json.Number("12.2"), got.CUDAVersion)
	assert.Equal(t, "535.104.05", got.Driver)
	assert.Equal(t, 2, got.Count)
	require.Len(t, got.Devices, 2)

	assert.Equal(t, []string{
		"gpu_id", "gpu_name", "gpu_pci_bus_id", "is_cuda_capable", "cuda_capability",
		"power_limit", "total_bar1_memory", "total_memory",
		"max_gpu_clock", "max_sm_clock", "max_mem_clock", "max_video_clock",
	}, objectKeys(t, got.Devices[0]))

	assert.Contains(t, string(got.Devices[1]), `"gpu_id":1,`)
	assert.Contains(t, string(got.Devices[0]), `"is_cuda_capable":true,"cuda_capability":7.0,`)
	assert.Contains(t, string(got.Devices[0]), `"max_gpu_clock":1530,"max_sm_clock":1530,"max_mem_clock":877,"max_video_clock":1372`)
}

func TestEncodeEnvironmentNoDevices(t *testing.T) {
	doc := encodeOK(t, func(dst []byte) (int, error) {
		return EncodeEnvironment(testEnvironment(0), testTime, dst)
	})
	assert.Contains(t, string(doc), `"gpu_device_count":0,"gpu_devices":[]}`)
}

func TestEncodeSample(t *testing.T) {
	doc := encodeOK(t, func(dst []byte) (int, error) {
		return EncodeSample(testDevice(0), testTime, dst)
	})

	assert.Equal(t, []string{
		"event", "timestamp", "gpu_id", "gpu_name", "gpu_pci_bus_id", "temp", "power_usage",
		"pcie_rx", "pcie_tx", "bar1_mem_usage", "mem_usage", "mem_utilization", "gpu_utilization",
		"gpu_clock", "sm_clock", "mem_clock", "video_clock", "compute_tasks", "graphic_tasks",
	}, objectKeys(t, doc))

	var got struct {
		Event    string `json:"event"`
		MemUsage uint64 `json:"mem_usage"`
		Compute  []struct {
			PID      uint32 `json:"pid"`
			MemUsage uint64 `json:"mem_usage"`
		} `json:"compute_tasks"`
		Graphic []map[string]uint32 `json:"graphic_tasks"`
	}
	require.NoError(t, json.Unmarshal(doc, &got))

	assert.Equal(t, "kickstart.inv.gpu.stats", got.Event)
	assert.Equal(t, uint64(math.MaxUint64-1), got.MemUsage, "64-bit memory values are exact")
	require.Len(t, got.Compute, 2)
	assert.Equal(t, uint32(5678), got.Compute[1].PID)
	assert.Equal(t, uint64(2<<30), got.Compute[1].MemUsage)
	assert.Equal(t, []map[string]uint32{
		{"pid": 1234, "sm_util": 80, "mem_util": 30, "enc_util": 1, "dec_util": 2},
	}, got.Graphic)
}

func TestEncodeSampleEmptyLists(t *testing.T) {
	dev := testDevice(0)
	dev.ComputeProcesses = gpu.ComputeProcessSnapshot{}
	dev.UtilizationWindow.Samples = nil

	doc := encodeOK(t, func(dst []byte) (int, error) {
		return EncodeSample(dev, testTime, dst)
	})
	assert.Contains(t, string(doc), `"compute_tasks":[],"graphic_tasks":[]}`)
}

func TestEncodeMaxSummary(t *testing.T) {
	doc := encodeOK(t, func(dst []byte) (int, error) {
		return EncodeMaxSummary(testEnvironment(2), testTime, dst)
	})

	assert.Equal(t, []string{"event", "timestamp", "gpu_devices"}, objectKeys(t, doc))

	var got struct {
		Event   string            `json:"event"`
		Devices []json.RawMessage `json:"gpu_devices"`
	}
	require.NoError(t, json.Unmarshal(doc, &got))
	assert.Equal(t, "kickstart.inv.gpu.stats.max", got.Event)
	require.Len(t, got.Devices, 2)
	assert.Equal(t, []string{
		"gpu_id", "gpu_name", "gpu_pci_bus_id", "max_temp", "max_power_usage",
		"max_bar1_mem_usage", "max_mem_usage", "max_gpu_usage",
	}, objectKeys(t, got.Devices[0]))
	assert.Contains(t, string(got.Devices[0]),
		`"max_temp":60,"max_power_usage":250000,"max_bar1_mem_usage":8388608,"max_mem_usage":12884901888,"max_gpu_usage":99`)
}

func TestEncodeEscapesStrings(t *testing.T) {
	dev := testDevice(0)
	dev.Name = `GPU "quoted" \ name`

	doc := encodeOK(t, func(dst []byte) (int, error) {
		return EncodeSample(dev, testTime, dst)
	})

	var got struct {
		Name string `json:"gpu_name"`
	}
	require.NoError(t, json.Unmarshal(doc, &got))
	assert.Equal(t, dev.Name, got.Name)
}

func TestEncodeExactFit(t *testing.T) {
	env := testEnvironment(1)
	full := encodeOK(t, func(dst []byte) (int, error) {
		return EncodeEnvironment(env, testTime, dst)
	})

	dst := make([]byte, len(full))
	n, err := EncodeEnvironment(env, testTime, dst)
	require.NoError(t, err)
	assert.Equal(t, len(full), n)
	assert.Equal(t, full, dst)
}

func TestEncodeOverflow(t *testing.T) {
	encoders := map[Kind]func(dst []byte) (int, error){
		Environment: func(dst []byte) (int, error) { return EncodeEnvironment(testEnvironment(2), testTime, dst) },
		Sample:      func(dst []byte) (int, error) { return EncodeSample(testDevice(0), testTime, dst) },
		MaxSummary:  func(dst []byte) (int, error) { return EncodeMaxSummary(testEnvironment(2), testTime, dst) },
	}

	for kind, fn := range encoders {
		t.Run(kind.String(), func(t *testing.T) {
			full := encodeOK(t, fn)

			for _, capacity := range []int{0, 10, len(full) - 1} {
				dst := bytes.Repeat([]byte{'x'}, capacity)
				n, err := fn(dst)

				assert.Zero(t, n)
				assert.True(t, errors.Is(err, ErrOverflow))

				var oe *OverflowError
				require.ErrorAs(t, err, &oe)
				assert.Equal(t, kind, oe.Kind)
				assert.Equal(t, len(full), oe.Required)
				assert.Equal(t, capacity, oe.Capacity)
				assert.Equal(t, bytes.Repeat([]byte{'x'}, capacity), dst, "destination untouched")
			}
		})
	}
}

func TestEncodeSampleTenByteBuffer(t *testing.T) {
	dst := make([]byte, 10)
	_, err := EncodeSample(testDevice(0), testTime, dst)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Contains(t, err.Error(), "stats document needs")
}

func TestEncodeNil(t *testing.T) {
	doc := encodeOK(t, func(dst []byte) (int, error) {
		return EncodeMaxSummary(nil, testTime, dst)
	})
	assert.Contains(t, string(doc), `"gpu_devices":[]`)

	doc = encodeOK(t, func(dst []byte) (int, error) {
		return EncodeEnvironment(nil, testTime, dst)
	})
	assert.Contains(t, string(doc), `"cuda_version":0.0`)
}

func TestEncodeSampleDecodesWithStandardLibrary(t *testing.T) {
	dev := testDevice(0)
	dev.MemoryUsed = math.MaxUint64
	dev.Name = "bad \xff name"

	doc := encodeOK(t, func(dst []byte) (int, error) {
		return EncodeSample(dev, testTime, dst)
	})

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var got map[string]any
	require.NoError(t, dec.Decode(&got))

	assert.Equal(t, json.Number("18446744073709551615"), got["mem_usage"])
	assert.Equal(t, "kickstart.inv.gpu.stats", got["event"])
	assert.Contains(t, got["gpu_name"], "bad ")
}
