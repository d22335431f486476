// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Factory creates a Driver for a specific vendor. It returns an error if the
// vendor's library cannot be loaded.
type Factory func(logger *slog.Logger) (Driver, error)

var (
	registry   = make(map[Vendor]Factory)
	registryMu sync.RWMutex
)

// Register adds a driver factory for the given vendor.
func Register(vendor Vendor, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[vendor] = factory
}

// Open creates and initializes the driver registered for vendor
func Open(vendor Vendor, logger *slog.Logger) (Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registryMu.RLock()
	factory, ok := registry[vendor]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("GPU vendor not registered: %s", vendor)
	}

	drv, err := factory(logger)
	if err != nil {
		return nil, fmt.Errorf("GPU vendor %s factory failed: %w", vendor, err)
	}

	if err := drv.Init(); err != nil {
		return nil, fmt.Errorf("GPU vendor %s init failed: %w", vendor, err)
	}

	logger.Debug("GPU driver opened", "vendor", vendor)
	return drv, nil
}

// RegisteredVendors returns all registered vendors in sorted order.
func RegisteredVendors() []Vendor {
	registryMu.RLock()
	defer registryMu.RUnlock()

	vendors := make([]Vendor, 0, len(registry))
	for vendor := range registry {
		vendors = append(vendors, vendor)
	}
	slices.Sort(vendors)
	return vendors
}

// ClearRegistry removes all registered vendors.
// This is primarily useful for testing.
func ClearRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[Vendor]Factory)
}
