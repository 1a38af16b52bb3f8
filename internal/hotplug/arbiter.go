// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sustainable-computing-io/gpu-hotplug/internal/device"
)

// Request is the input to arbitration. A Relinquish request restores the
// full present set and ignores DesiredMask.
type Request struct {
	Policy      Policy
	DesiredMask device.CoreMask
	Relinquish  bool
}

// State is the arbitration state. CurrentPolicy is PolicyNone whenever the
// desired mask is the full present set.
type State struct {
	CurrentPolicy Policy
	DesiredMask   device.CoreMask
}

// Scheduler receives every admitted mask. Schedule must not block.
type Scheduler interface {
	Schedule(mask device.CoreMask)
}

// ArbiterStats counts arbitration outcomes
type ArbiterStats struct {
	Admitted uint64
	Rejected uint64
}

// Arbiter decides which caller's core restriction is in force
type Arbiter struct {
	logger    *slog.Logger
	scheduler Scheduler

	mu      sync.Mutex
	present device.CoreMask
	state   State
	stats   ArbiterStats
}

// NewArbiter creates an arbiter for the given present cores. The initial
// state is unrestricted.
func NewArbiter(present device.CoreMask, scheduler Scheduler, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		logger:    logger.With("component", "arbiter"),
		scheduler: scheduler,
		present:   present,
		state: State{
			CurrentPolicy: PolicyNone,
			DesiredMask:   present,
		},
	}
}

// Admit applies the precedence rule to req. A Relinquish request always
// succeeds. Any other request is rejected when the active policy strictly
// outranks req.Policy. An admitted mask equal to the present set clears the
// active policy. Admitted masks are handed to the scheduler even if unchanged.
func (a *Arbiter) Admit(req Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Relinquish {
		req.DesiredMask = a.present
	} else {
		if err := a.validate(req); err != nil {
			return err
		}

		if a.state.CurrentPolicy.Outranks(req.Policy) {
			a.stats.Rejected++
			a.logger.Info("Hotplug request rejected",
				"active", a.state.CurrentPolicy,
				"requested", req.Policy,
				"mask", req.DesiredMask.Hex())
			return RejectedError{Current: a.state.CurrentPolicy, Requested: req.Policy}
		}
	}

	prev := a.state
	a.state.DesiredMask = req.DesiredMask
	if req.DesiredMask == a.present {
		a.state.CurrentPolicy = PolicyNone
	} else {
		a.state.CurrentPolicy = req.Policy
	}
	a.stats.Admitted++

	a.logger.Debug("Hotplug request admitted",
		"requested", req.Policy,
		"relinquish", req.Relinquish,
		"previous", prev.CurrentPolicy,
		"active", a.state.CurrentPolicy,
		"mask", req.DesiredMask.Hex(),
		"cores", req.DesiredMask.CoreList())

	// scheduling under the lock keeps the applier's target in admission
	// order; Schedule never blocks
	a.scheduler.Schedule(a.state.DesiredMask)
	return nil
}

func (a *Arbiter) validate(req Request) error {
	if !req.Policy.IsValid() || req.Policy == PolicyNone {
		return fmt.Errorf("%w: %s cannot restrict cores", ErrInvalidPolicy, req.Policy)
	}
	if req.DesiredMask.IsEmpty() || !req.DesiredMask.IsSubsetOf(a.present) {
		return fmt.Errorf("%w: %s is not a non-empty subset of %s", ErrInvalidCoreMask, req.DesiredMask, a.present)
	}
	return nil
}

// State returns a copy of the current arbitration state
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Stats returns the arbitration counters
func (a *Arbiter) Stats() ArbiterStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// setShaderPresent updates the present cores after a table rebuild. The
// active restriction is kept; an unrestricted state follows the new set.
func (a *Arbiter) setShaderPresent(present device.CoreMask) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.CurrentPolicy == PolicyNone {
		a.state.DesiredMask = present
	}
	a.present = present
}

// rescheduleUnrestricted hands the full present set to the scheduler when no
// policy is active, so hardware follows a rebuilt table
func (a *Arbiter) rescheduleUnrestricted() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.CurrentPolicy != PolicyNone {
		return
	}
	a.logger.Debug("Rescheduling unrestricted mask", "mask", a.state.DesiredMask.Hex())
	a.scheduler.Schedule(a.state.DesiredMask)
}
