// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// Service is the interface that all services must implement
type Service interface {
	// Name returns the name of the service
	Name() string
}

// Initializer is implemented by services that need to be set up before running
type Initializer interface {
	Service
	Init() error
}

// Runner is implemented by services that run in the background
type Runner interface {
	Service
	// Run is expected to block until ctx is done and to be thread safe
	Run(ctx context.Context) error
}

// Shutdowner is implemented by services that must release resources on exit
type Shutdowner interface {
	Service
	// Shutdown stops the service; it must wait for in-flight work
	Shutdown() error
}

// LiveChecker is implemented by services reporting liveness
type LiveChecker interface {
	Service
	IsLive() bool
}

// ReadyChecker is implemented by services reporting readiness
type ReadyChecker interface {
	Service
	IsReady() bool
}
