// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// NOTE: This fake power manager is not intended to be used in production and
// is meant for development mode and tests only

var defaultFakeShaderPresent = NewCoreMask(0, 1, 2, 3)

// FakePowerManager implements PowerManager in memory
type FakePowerManager struct {
	logger *slog.Logger

	// powerMu and regMu mirror the lock pair of a real power manager and are
	// always taken in that order
	powerMu sync.Mutex
	regMu   sync.Mutex

	present  CoreMask
	allowed  CoreMask
	live     CoreMask
	applyErr error
	applied  []CoreMask
}

var _ PowerManager = (*FakePowerManager)(nil)

// FakeOptFn is a functional option for configuring FakePowerManager
type FakeOptFn func(*FakePowerManager)

// WithFakeShaderPresent sets the physically present cores; allowed and live
// masks follow it
func WithFakeShaderPresent(m CoreMask) FakeOptFn {
	return func(pm *FakePowerManager) {
		pm.present = m
		pm.allowed = m
		pm.live = m
	}
}

// WithFakeAllowedCores sets the cores the fake power manager permits
func WithFakeAllowedCores(m CoreMask) FakeOptFn {
	return func(pm *FakePowerManager) {
		pm.allowed = m
	}
}

// WithFakeLogger sets the logger for the fake power manager
func WithFakeLogger(l *slog.Logger) FakeOptFn {
	return func(pm *FakePowerManager) {
		pm.logger = l.With("power-manager", pm.Name())
	}
}

// NewFakePowerManager creates a new fake power manager. By default four
// shader cores are present, allowed and active.
func NewFakePowerManager(opts ...FakeOptFn) *FakePowerManager {
	pm := &FakePowerManager{
		logger:  slog.Default().With("power-manager", "fake-power-manager"),
		present: defaultFakeShaderPresent,
		allowed: defaultFakeShaderPresent,
		live:    defaultFakeShaderPresent,
	}
	for _, opt := range opts {
		opt(pm)
	}
	return pm
}

func (pm *FakePowerManager) Name() string {
	return "fake-power-manager"
}

func (pm *FakePowerManager) ShaderPresent() (CoreMask, error) {
	pm.regMu.Lock()
	defer pm.regMu.Unlock()

	if pm.present.IsEmpty() {
		return 0, errors.New("no shader cores present")
	}
	return pm.present, nil
}

func (pm *FakePowerManager) AllowedCores() (CoreMask, error) {
	pm.regMu.Lock()
	defer pm.regMu.Unlock()
	return pm.allowed, nil
}

func (pm *FakePowerManager) LiveCoreMask() (CoreMask, error) {
	pm.regMu.Lock()
	defer pm.regMu.Unlock()
	return pm.live, nil
}

func (pm *FakePowerManager) ApplyCoreMask(mask CoreMask) error {
	pm.powerMu.Lock()
	defer pm.powerMu.Unlock()

	pm.regMu.Lock()
	defer pm.regMu.Unlock()

	if pm.applyErr != nil {
		return pm.applyErr
	}
	if !mask.IsSubsetOf(pm.present) {
		return fmt.Errorf("core mask %s not a subset of present cores %s", mask, pm.present)
	}

	pm.logger.Debug("Writing core mask", "mask", mask.Hex(), "cores", mask.CoreList())
	pm.live = mask
	pm.applied = append(pm.applied, mask)
	return nil
}

// SetShaderPresent replaces the present cores, e.g. to emulate a fused off core
func (pm *FakePowerManager) SetShaderPresent(m CoreMask) {
	pm.regMu.Lock()
	defer pm.regMu.Unlock()
	pm.present = m
}

// SetAllowedCores changes the cores the power manager permits
func (pm *FakePowerManager) SetAllowedCores(m CoreMask) {
	pm.regMu.Lock()
	defer pm.regMu.Unlock()
	pm.allowed = m
}

// FailApply makes subsequent ApplyCoreMask calls return err; nil clears it
func (pm *FakePowerManager) FailApply(err error) {
	pm.regMu.Lock()
	defer pm.regMu.Unlock()
	pm.applyErr = err
}

// Applied returns every mask successfully written so far
func (pm *FakePowerManager) Applied() []CoreMask {
	pm.regMu.Lock()
	defer pm.regMu.Unlock()

	out := make([]CoreMask, len(pm.applied))
	copy(out, pm.applied)
	return out
}
