// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"
	"strings"
	"sync"
)

// Kind identifies one of the telemetry documents
type Kind int

const (
	// Environment is the static device inventory, emitted once at startup
	Environment Kind = iota

	// Sample is the live readings of one device, emitted every poll
	Sample

	// MaxSummary is the lifetime maxima of every device, emitted at shutdown
	MaxSummary
)

// Kinds lists every document kind
var Kinds = []Kind{Environment, Sample, MaxSummary}

var (
	tags    = [...]string{"kickstart.inv.gpu.environment", "kickstart.inv.gpu.stats", "kickstart.inv.gpu.stats.max"}
	aliases = [...]string{"environment", "stats", "stats.max"}
)

// Tag returns the value of the document's event field
func (k Kind) Tag() string {
	if k < 0 || int(k) >= len(tags) {
		return "unknown"
	}
	return tags[k]
}

// String returns the short name of the kind
func (k Kind) String() string {
	if k < 0 || int(k) >= len(aliases) {
		return "unknown"
	}
	return aliases[k]
}

var kindsByName = sync.OnceValue(func() map[string]Kind {
	m := make(map[string]Kind, 2*len(Kinds))
	for _, k := range Kinds {
		m[k.Tag()] = k
		m[k.String()] = k
	}
	return m
})

// ParseKind resolves an event tag or its short name, case-insensitively
func ParseKind(name string) (Kind, error) {
	if k, ok := kindsByName()[strings.ToLower(strings.TrimSpace(name))]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("unknown event kind: %q", name)
}
