// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"

	"github.com/pegasus-isi/gpumon/internal/event"
)

// EventSet selects the telemetry documents handed to the sinks, one bit per
// event kind
type EventSet uint8

const (
	EventEnvironment EventSet = 1 << event.Environment
	EventSample      EventSet = 1 << event.Sample
	EventMaxSummary  EventSet = 1 << event.MaxSummary

	// EventsAll enables every document
	EventsAll = EventEnvironment | EventSample | EventMaxSummary
)

// Has reports whether kind is enabled
func (s EventSet) Has(kind event.Kind) bool {
	return kind >= 0 && s&(1<<kind) != 0
}

// Kinds returns the enabled kinds in document order
func (s EventSet) Kinds() []event.Kind {
	var kinds []event.Kind
	for _, k := range event.Kinds {
		if s.Has(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (s EventSet) names() []string {
	var names []string
	for _, k := range s.Kinds() {
		names = append(names, k.String())
	}
	return names
}

// String returns the short names of the enabled kinds joined by commas
func (s EventSet) String() string {
	return strings.Join(s.names(), ",")
}

// ParseEventSet parses event names (short names or full tags). An empty list
// selects every document.
func ParseEventSet(names []string) (EventSet, error) {
	if len(names) == 0 {
		return EventsAll, nil
	}

	var set EventSet
	for _, name := range names {
		k, err := event.ParseKind(name)
		if err != nil {
			return 0, err
		}
		set |= 1 << k
	}
	return set, nil
}

// MarshalYAML implements yaml.Marshaler interface
func (s EventSet) MarshalYAML() (any, error) {
	return s.names(), nil
}

// UnmarshalYAML accepts a single event name or a list of them
func (s *EventSet) UnmarshalYAML(unmarshal func(any) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		parsed, err := ParseEventSet([]string{single})
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}

	var multiple []string
	if err := unmarshal(&multiple); err == nil {
		parsed, err := ParseEventSet(multiple)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}

	return fmt.Errorf("cannot unmarshal events: must be a string or array of strings")
}

// EventSetValue is a cumulative kingpin.Value; the first value given on the
// command line replaces the default set
type EventSetValue struct {
	set     *EventSet
	touched bool
}

// NewEventSetValue creates a new EventSetValue with the given target
func NewEventSetValue(target *EventSet) *EventSetValue {
	return &EventSetValue{set: target}
}

// Set implements kingpin.Value interface
func (v *EventSetValue) Set(value string) error {
	parsed, err := ParseEventSet([]string{value})
	if err != nil {
		return err
	}
	if !v.touched {
		*v.set = 0
		v.touched = true
	}
	*v.set |= parsed
	return nil
}

// String implements kingpin.Value interface
func (v *EventSetValue) String() string {
	return v.set.String()
}

// IsCumulative implements kingpin.Value interface to support multiple values
func (v *EventSetValue) IsCumulative() bool {
	return true
}
