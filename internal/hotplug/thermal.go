// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ThermalController serves callers that name their own policy, i.e. thermal
// mitigation and interactive performance boosting
type ThermalController struct {
	logger  *slog.Logger
	table   *atomic.Pointer[CoreMaskTable]
	arbiter *Arbiter
}

func NewThermalController(table *atomic.Pointer[CoreMaskTable], arbiter *Arbiter, logger *slog.Logger) *ThermalController {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThermalController{
		logger:  logger.With("component", "thermal"),
		table:   table,
		arbiter: arbiter,
	}
}

// SetCoreBudget limits the GPU to count active cores under policy. A count
// of 0, or one above the number of present cores, restores the full core set
// and is accepted whatever policy is active.
func (c *ThermalController) SetCoreBudget(policy Policy, count int) error {
	if !policy.IsValid() || policy == PolicyNone {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, policy)
	}

	table := c.table.Load()
	if table == nil {
		return ErrNotInitialized
	}

	mask, err := table.Lookup(count)
	if err != nil {
		return err
	}

	c.logger.Debug("Core budget requested", "policy", policy, "count", count, "mask", mask.Hex())
	return c.arbiter.Admit(Request{Policy: policy, DesiredMask: mask, Relinquish: table.Uncapped(count)})
}
