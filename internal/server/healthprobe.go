// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"log/slog"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/pegasus-isi/gpumon/internal/service"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// HealthProbe serves liveness and readiness endpoints aggregated over every
// service that reports its own health
type HealthProbe struct {
	logger    *slog.Logger
	apiServer APIService
	services  []service.Service
}

// ServiceHealth is the health of a single service
type ServiceHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// HealthStatus is the aggregated health reported by a probe endpoint
type HealthStatus struct {
	Status   string          `json:"status"` // "ok" or "unhealthy"
	Services []ServiceHealth `json:"services"`
}

var (
	_ service.Initializer = (*HealthProbe)(nil)
	_ service.Runner      = (*HealthProbe)(nil)
)

// NewHealthProbe creates a new HealthProbe service
func NewHealthProbe(apiServer APIService, services []service.Service, logger *slog.Logger) *HealthProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthProbe{
		logger:    logger.With("service", "health-probe"),
		apiServer: apiServer,
		services:  services,
	}
}

func (h *HealthProbe) Name() string {
	return "health-probe"
}

func (h *HealthProbe) Init() error {
	if err := h.apiServer.Register("/probe/livez", "Liveness Probe",
		"Returns 200 if all services are alive",
		h.handler(func(s service.Service) (bool, bool) {
			c, ok := s.(service.LiveChecker)
			if !ok {
				return false, false
			}
			return c.IsLive(), true
		})); err != nil {
		return err
	}

	if err := h.apiServer.Register("/probe/readyz", "Readiness Probe",
		"Returns 200 if all services are ready",
		h.handler(func(s service.Service) (bool, bool) {
			c, ok := s.(service.ReadyChecker)
			if !ok {
				return false, false
			}
			return c.IsReady(), true
		})); err != nil {
		return err
	}

	h.logger.Info("Health probe endpoints registered")
	return nil
}

// Run blocks until ctx is done; the probe only answers requests routed by the
// API server
func (h *HealthProbe) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// handler reports 200 when check holds for every service it applies to.
// check returns the health of a service and whether the service reports it.
func (h *HealthProbe) handler(check func(service.Service) (healthy, applies bool)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		status := HealthStatus{Status: "ok", Services: []ServiceHealth{}}
		code := http.StatusOK
		for _, svc := range h.services {
			healthy, applies := check(svc)
			if !applies {
				continue
			}
			status.Services = append(status.Services, ServiceHealth{Name: svc.Name(), Healthy: healthy})
			if !healthy {
				status.Status = "unhealthy"
				code = http.StatusServiceUnavailable
			}
		}

		h.writeJSON(w, code, status)
	})
}

func (h *HealthProbe) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := jsonAPI.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}
