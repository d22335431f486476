// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/oklog/run"
)

// Run runs every service that implements Runner in its own actor of a run
// group. The first actor to return cancels the others; each runner that also
// implements Shutdowner is shut down exactly once as the group unwinds.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		r, ok := s.(Runner)
		if !ok {
			logger.Debug("service has no run loop", "service", s.Name())
			continue
		}

		g.Add(
			func() error {
				logger.Info("Running service", "service", r.Name())
				return r.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil && err != context.Canceled {
					logger.Warn("service terminated", "service", r.Name(), "reason", err)
				}
				shutdown(logger, r)
			},
		)
	}

	logger.Info("Running all services")
	return g.Run()
}

func shutdown(logger *slog.Logger, s Service) {
	sd, ok := s.(Shutdowner)
	if !ok {
		return
	}
	logger.Info("shutting down", "service", s.Name())
	if err := sd.Shutdown(); err != nil {
		logger.Warn("service shutdown failed", "service", s.Name(), "error", err)
	}
}

// Shutdown shuts down, in reverse order, every Shutdowner that is not a
// Runner; Run has already shut the runners down. Call it after Run returns.
func Shutdown(logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.Default()
	}

	var errs []error
	for _, s := range slices.Backward(services) {
		if _, ok := s.(Runner); ok {
			continue
		}
		sd, ok := s.(Shutdowner)
		if !ok {
			continue
		}
		logger.Info("shutting down", "service", s.Name())
		if err := sd.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown service %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
