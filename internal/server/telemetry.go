// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/pegasus-isi/gpumon/internal/device/gpu"
	"github.com/pegasus-isi/gpumon/internal/event"
	"github.com/pegasus-isi/gpumon/internal/monitor"
	"github.com/pegasus-isi/gpumon/internal/service"
)

// Telemetry serves the latest telemetry documents on demand:
//
//	/gpu/environment  the environment document
//	/gpu/stats        one sample document per device, newline delimited
//	/gpu/stats/max    the running max summary
type Telemetry struct {
	logger     *slog.Logger
	api        APIService
	monitor    monitor.DataProvider
	bufferSize int
}

var _ service.Initializer = (*Telemetry)(nil)

// NewTelemetry creates the document endpoints. Every response document must
// fit bufferSize bytes.
func NewTelemetry(api APIService, provider monitor.DataProvider, bufferSize int, logger *slog.Logger) *Telemetry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telemetry{
		logger:     logger.With("service", "telemetry-endpoint"),
		api:        api,
		monitor:    provider,
		bufferSize: bufferSize,
	}
}

func (t *Telemetry) Name() string {
	return "telemetry-endpoint"
}

func (t *Telemetry) Init() error {
	routes := []struct {
		path, summary, description string
		render                     func(*monitor.Snapshot, time.Time, []byte) ([][]byte, error)
	}{
		{"/gpu/environment", "Environment", "Static GPU inventory", renderEnvironment},
		{"/gpu/stats", "Stats", "Latest sample of every GPU", renderSamples},
		{"/gpu/stats/max", "Max stats", "Lifetime maxima of every GPU", renderMax},
	}
	for _, r := range routes {
		if err := t.api.Register(r.path, r.summary, r.description, t.handler(r.render)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telemetry) handler(render func(*monitor.Snapshot, time.Time, []byte) ([][]byte, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		snapshot, err := t.monitor.Snapshot()
		if err != nil {
			t.logger.Warn("no snapshot available", "error", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		ts := snapshot.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}

		docs, err := render(snapshot, ts, make([]byte, t.bufferSize))
		switch {
		case errors.Is(err, event.ErrOverflow):
			t.logger.Warn("document does not fit the buffer", "path", r.URL.Path, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		for _, doc := range docs {
			if _, err := w.Write(append(doc, '\n')); err != nil {
				t.logger.Error("failed to write document", "error", err)
				return
			}
		}
	})
}

func renderEnvironment(s *monitor.Snapshot, ts time.Time, buf []byte) ([][]byte, error) {
	n, err := event.EncodeEnvironment(s.Environment, ts, buf)
	if err != nil {
		return nil, err
	}
	return [][]byte{buf[:n]}, nil
}

func renderMax(s *monitor.Snapshot, ts time.Time, buf []byte) ([][]byte, error) {
	n, err := event.EncodeMaxSummary(s.Environment, ts, buf)
	if err != nil {
		return nil, err
	}
	return [][]byte{buf[:n]}, nil
}

// renderSamples encodes each device into its own copy so that buf can be
// reused between devices
func renderSamples(s *monitor.Snapshot, ts time.Time, buf []byte) ([][]byte, error) {
	var devices []*gpu.Device
	if s.Environment != nil {
		devices = s.Environment.Devices
	}

	docs := make([][]byte, 0, len(devices))
	for _, dev := range devices {
		n, err := event.EncodeSample(dev, ts, buf)
		if err != nil {
			return nil, err
		}
		docs = append(docs, append([]byte(nil), buf[:n]...))
	}
	return docs, nil
}
