// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"log/slog"

	"k8s.io/utils/clock"
)

type Opts struct {
	logger          *slog.Logger
	clock           clock.PassiveClock
	operatingPoints []OperatingPoint
}

// DefaultOpts returns Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		clock:  clock.RealClock{},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock used to timestamp hardware writes
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithOperatingPoints sets the virtual operating points used by frequency
// based governor requests
func WithOperatingPoints(points []OperatingPoint) OptionFn {
	return func(o *Opts) {
		o.operatingPoints = points
	}
}
