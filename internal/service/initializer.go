// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// Init initializes, in order, every service that implements Initializer.
// When one fails, the services already initialized are shut down in reverse
// order and the init error is returned together with any shutdown errors.
func Init(logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.Default()
	}

	initialized := make([]Service, 0, len(services))
	var initErr error
	for _, s := range services {
		i, ok := s.(Initializer)
		if !ok {
			logger.Debug("service has no init step", "service", s.Name())
			continue
		}

		logger.Info("Initializing service", "service", s.Name())
		if err := i.Init(); err != nil {
			initErr = fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
			break
		}
		initialized = append(initialized, s)
	}

	if initErr == nil {
		return nil
	}

	logger.Warn("rolling back initialized services", "count", len(initialized), "error", initErr)
	errs := []error{initErr}
	for _, s := range slices.Backward(initialized) {
		sd, ok := s.(Shutdowner)
		if !ok {
			continue
		}
		if err := sd.Shutdown(); err != nil {
			logger.Error("rollback shutdown failed", "service", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("failed to shutdown service %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
