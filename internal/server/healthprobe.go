// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sustainable-computing-io/gpu-hotplug/internal/service"
)

// HealthProbe serves liveness and readiness of the daemon's services
type HealthProbe struct {
	logger    *slog.Logger
	apiServer APIService
	services  []service.Service
}

// ServiceHealth represents the health status of a single service
type ServiceHealth struct {
	Name  string `json:"name"`
	Live  bool   `json:"live,omitempty"`
	Ready bool   `json:"ready,omitempty"`
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status   string          `json:"status"` // "ok" or "unhealthy"
	Services []ServiceHealth `json:"services,omitempty"`
}

// NewHealthProbe creates a new HealthProbe service
func NewHealthProbe(apiServer APIService, services []service.Service, logger *slog.Logger) *HealthProbe {
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
	h.logger.Info("Initializing health probe endpoints")

	// Register liveness probe endpoint
	if err := h.apiServer.Register(
		"/probe/livez",
		"Liveness Probe",
		"Returns 200 if the hotplug services are alive",
		http.HandlerFunc(h.handleLiveness),
	); err != nil {
		return err
	}

	// Register readiness probe endpoint
	if err := h.apiServer.Register(
		"/probe/readyz",
		"Readiness Probe",
		"Returns 200 once the core mask table is built and the applier runs",
		http.HandlerFunc(h.handleReadiness),
	); err != nil {
		return err
	}

	h.logger.Info("Health probe endpoints registered")
	return nil
}

// Run blocks until ctx is done; probes are served by the API server
func (h *HealthProbe) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (h *HealthProbe) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, func(svc service.Service) (ServiceHealth, bool) {
		c, ok := svc.(service.LiveChecker)
		if !ok {
			return ServiceHealth{}, false
		}
		return ServiceHealth{Name: svc.Name(), Live: c.IsLive()}, true
	}, func(s ServiceHealth) bool { return s.Live })
}

func (h *HealthProbe) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, func(svc service.Service) (ServiceHealth, bool) {
		c, ok := svc.(service.ReadyChecker)
		if !ok {
			return ServiceHealth{}, false
		}
		return ServiceHealth{Name: svc.Name(), Ready: c.IsReady()}, true
	}, func(s ServiceHealth) bool { return s.Ready })
}

// respond reports 200 when healthy holds for every service check selects,
// 503 otherwise
func (h *HealthProbe) respond(w http.ResponseWriter,
	check func(service.Service) (ServiceHealth, bool),
	healthy func(ServiceHealth) bool,
) {
	status := HealthStatus{
		Status:   "ok",
		Services: make([]ServiceHealth, 0, len(h.services)),
	}

	code := http.StatusOK
	for _, svc := range h.services {
		health, ok := check(svc)
		if !ok {
			continue
		}
		status.Services = append(status.Services, health)
		if !healthy(health) {
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSONResponse(h.logger, w, code, status)
}
