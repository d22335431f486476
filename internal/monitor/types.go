// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"time"

	"github.com/pegasus-isi/gpumon/internal/device/gpu"
	"github.com/pegasus-isi/gpumon/internal/event"
)

// Sink receives every serialized telemetry document. doc is only valid for
// the duration of the call; a sink that needs it later must copy it.
type Sink interface {
	Name() string
	Emit(kind event.Kind, doc []byte) error
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(kind event.Kind, doc []byte) error

func (f SinkFunc) Name() string { return "func" }

func (f SinkFunc) Emit(kind event.Kind, doc []byte) error { return f(kind, doc) }

// Snapshot is a point in time copy of the monitored environment. It shares
// nothing with the live devices and may be read concurrently.
type Snapshot struct {
	Timestamp   time.Time        // when the poll completed
	Environment *gpu.Environment // deep copy taken after the poll

	// Err is the sampling error of the poll, if any. Devices that were not
	// reached keep the readings of the previous poll.
	Err error
}

// Clone returns a deep copy of the snapshot
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	return &Snapshot{
		Timestamp:   s.Timestamp,
		Environment: s.Environment.Clone(),
		Err:         s.Err,
	}
}

// Stale reports whether the poll that produced the snapshot failed part way
func (s *Snapshot) Stale() bool {
	return s.Err != nil
}
