// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
)

// OperatingPoint is a virtual DVFS step emulated by running Cores shader
// cores instead of changing the clock
type OperatingPoint struct {
	FrequencyKHz uint64 `yaml:"frequencyKHz"`
	Cores        int    `yaml:"cores"`
}

// VirtualFrequencyController turns governor step or frequency selections into
// core counts admitted under PolicyVirtualFreq
type VirtualFrequencyController struct {
	logger  *slog.Logger
	table   *atomic.Pointer[CoreMaskTable]
	arbiter *Arbiter
	points  []OperatingPoint // ascending by frequency
}

// NewVirtualFrequencyController creates a controller reading the current
// table through table
func NewVirtualFrequencyController(table *atomic.Pointer[CoreMaskTable], arbiter *Arbiter, points []OperatingPoint, logger *slog.Logger) *VirtualFrequencyController {
	if logger == nil {
		logger = slog.Default()
	}

	sorted := slices.Clone(points)
	slices.SortStableFunc(sorted, func(a, b OperatingPoint) int {
		return cmp.Compare(a.FrequencyKHz, b.FrequencyKHz)
	})

	return &VirtualFrequencyController{
		logger:  logger.With("component", "virtual-frequency"),
		table:   table,
		arbiter: arbiter,
		points:  sorted,
	}
}

// SetVirtualFrequencyStep requests step active cores. Step 0 or a step
// beyond the number of present cores lifts the restriction whatever policy
// holds it; any other step is subject to precedence.
func (c *VirtualFrequencyController) SetVirtualFrequencyStep(step int) error {
	table := c.table.Load()
	if table == nil {
		return ErrNotInitialized
	}

	mask, err := table.Lookup(step)
	if err != nil {
		return err
	}

	c.logger.Debug("Virtual frequency step requested", "step", step, "mask", mask.Hex())
	return c.arbiter.Admit(Request{Policy: PolicyVirtualFreq, DesiredMask: mask, Relinquish: table.Uncapped(step)})
}

// SetVirtualFrequency selects the lowest operating point at or above khz, or
// the highest point when khz exceeds all of them
func (c *VirtualFrequencyController) SetVirtualFrequency(khz uint64) error {
	point, err := c.operatingPointFor(khz)
	if err != nil {
		return err
	}

	c.logger.Debug("Virtual frequency requested", "khz", khz, "selected", point.FrequencyKHz, "cores", point.Cores)
	return c.SetVirtualFrequencyStep(point.Cores)
}

// AvailableFrequencies returns the configured frequencies in ascending order
func (c *VirtualFrequencyController) AvailableFrequencies() []uint64 {
	freqs := make([]uint64, len(c.points))
	for i, p := range c.points {
		freqs[i] = p.FrequencyKHz
	}
	return freqs
}

func (c *VirtualFrequencyController) operatingPointFor(khz uint64) (OperatingPoint, error) {
	if len(c.points) == 0 {
		return OperatingPoint{}, ErrNoOperatingPoints
	}

	for _, p := range c.points {
		if p.FrequencyKHz >= khz {
			return p, nil
		}
	}
	return c.points[len(c.points)-1], nil
}

// ValidateOperatingPoints checks that frequencies are unique and core counts
// are not negative
func ValidateOperatingPoints(points []OperatingPoint) error {
	seen := make(map[uint64]bool, len(points))
	for _, p := range points {
		if p.Cores < 0 {
			return fmt.Errorf("%w: operating point %dkHz has %d cores", ErrInvalidCoreCount, p.FrequencyKHz, p.Cores)
		}
		if seen[p.FrequencyKHz] {
			return fmt.Errorf("duplicate operating point frequency %dkHz", p.FrequencyKHz)
		}
		seen[p.FrequencyKHz] = true
	}
	return nil
}
