// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/oklog/run"
)

// Run runs every Runner in its own actor of a run group. The first actor to
// return interrupts all others; each service implementing Shutdowner is then
// shut down. The first error is returned wrapped with the service name.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		runner, ok := s.(Runner)
		if !ok {
			logger.Debug("skipping service", "service", s.Name(), "reason", "not a Runner")
			continue
		}

		svc := s
		g.Add(
			func() error {
				logger.Info("Running service", "service", svc.Name())
				if err := runner.Run(ctx); err != nil {
					return fmt.Errorf("service %s: %w", svc.Name(), err)
				}
				return nil
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("service terminated", "service", svc.Name(), "reason", err)
				}
				shutdown(logger, svc)
			},
		)
	}

	logger.Info("Running all services")
	return g.Run()
}

func shutdown(logger *slog.Logger, svc Service) {
	shutdowner, ok := svc.(Shutdowner)
	if !ok {
		logger.Debug("skipping service shutdown", "service", svc.Name(), "reason", "not a Shutdowner")
		return
	}

	logger.Info("shutting down", "service", svc.Name())
	if err := shutdowner.Shutdown(); err != nil {
		logger.Warn("service shutdown failed with error", "service", svc.Name(), "error", err)
	}
}
