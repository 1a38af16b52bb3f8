// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sustainable-computing-io/gpu-hotplug/internal/device"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/service"
	"golang.org/x/sync/singleflight"
)

// Controller is the caller facing API of the hotplug subsystem
type Controller interface {
	// CoolingMaxState returns the number of present shader cores
	CoolingMaxState() int

	// CoolingCurState returns the active core count of the live hardware
	// mask, 0 meaning all present cores are active
	CoolingCurState() (int, error)

	// CoolingSetCurState limits active cores on behalf of thermal mitigation
	CoolingSetCurState(state int) error

	// GovernorSetFrequencyStep requests step active cores on behalf of the
	// virtual frequency governor
	GovernorSetFrequencyStep(step int) error

	// GovernorSetFrequency requests the virtual operating point for khz
	GovernorSetFrequency(khz uint64) error

	// PerformanceSetCoreBudget limits active cores on behalf of the
	// interactive performance feature
	PerformanceSetCoreBudget(count int) error

	// Status returns a snapshot of the arbitration and applier state
	Status() (Status, error)
}

// Status is a point in time view of the hotplug subsystem
type Status struct {
	Policy        Policy
	DesiredMask   device.CoreMask
	LiveMask      device.CoreMask
	ShaderPresent device.CoreMask
	AllowedCores  device.CoreMask

	MaxState int
	CurState int

	Arbiter ArbiterStats
	Applier ApplierStats

	OperatingPoints []OperatingPoint
}

// Manager owns the hotplug state of one GPU device: the core mask table,
// the arbiter and the applier worker
type Manager struct {
	logger *slog.Logger
	pm     device.PowerManager

	// gate sequences table rebuilds against admissions and hardware writes
	gate  sync.RWMutex
	table atomic.Pointer[CoreMaskTable]

	arbiter *Arbiter
	applier *Applier
	vfreq   *VirtualFrequencyController
	thermal *ThermalController

	points       []OperatingPoint
	rebuildGroup singleflight.Group
}

var (
	_ Controller           = (*Manager)(nil)
	_ service.Initializer  = (*Manager)(nil)
	_ service.Runner       = (*Manager)(nil)
	_ service.Shutdowner   = (*Manager)(nil)
	_ service.LiveChecker  = (*Manager)(nil)
	_ service.ReadyChecker = (*Manager)(nil)
)

// NewManager creates a hotplug manager for the device behind pm. Init must
// be called before requests are accepted.
func NewManager(pm device.PowerManager, applyOpts ...OptionFn) *Manager {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	logger := opts.logger.With("service", "hotplug")
	m := &Manager{
		logger: logger,
		pm:     pm,
		points: opts.operatingPoints,
	}

	m.applier = NewApplier(pm, 0, WithLogger(logger), WithClock(opts.clock))
	m.applier.gate = m.gate.RLocker()
	m.arbiter = NewArbiter(0, m.applier, logger)
	m.vfreq = NewVirtualFrequencyController(&m.table, m.arbiter, opts.operatingPoints, logger)
	m.thermal = NewThermalController(&m.table, m.arbiter, logger)
	return m
}

func (m *Manager) Name() string {
	return "hotplug"
}

// Init builds the core mask table from the present shader cores
func (m *Manager) Init() error {
	if err := ValidateOperatingPoints(m.points); err != nil {
		return err
	}

	m.gate.Lock()
	defer m.gate.Unlock()

	table, err := m.buildTable()
	if err != nil {
		return err
	}

	m.logger.Info("Initialized core mask table",
		"power-manager", m.pm.Name(),
		"present", table.ShaderPresent().Hex(),
		"cores", table.Size())
	return nil
}

// Run runs the applier worker until ctx is done
func (m *Manager) Run(ctx context.Context) error {
	if m.table.Load() == nil {
		return ErrNotInitialized
	}
	m.logger.Info("Hotplug manager is running...")
	return m.applier.Run(ctx)
}

// Shutdown cancels pending hardware writes and waits for an in-flight one
func (m *Manager) Shutdown() error {
	m.logger.Info("shutting down hotplug manager")
	return m.applier.Shutdown()
}

func (m *Manager) IsLive() bool {
	return true
}

// IsReady reports whether the table is built and the worker is running
func (m *Manager) IsReady() bool {
	return m.table.Load() != nil && m.applier.IsRunning()
}

// Rebuild re-reads the present cores and replaces the table. It waits for
// in-flight admissions and hardware writes; concurrent calls are coalesced.
// Without an active policy the new full set is driven to hardware.
func (m *Manager) Rebuild() error {
	_, err, _ := m.rebuildGroup.Do("rebuild", func() (any, error) {
		m.gate.Lock()
		defer m.gate.Unlock()

		prev := m.table.Load()
		table, err := m.buildTable()
		if err != nil {
			return nil, err
		}

		var prevPresent device.CoreMask
		if prev != nil {
			prevPresent = prev.ShaderPresent()
		}
		m.logger.Info("Rebuilt core mask table",
			"previous", prevPresent.Hex(),
			"present", table.ShaderPresent().Hex())

		if prevPresent != table.ShaderPresent() {
			m.arbiter.rescheduleUnrestricted()
		}
		return nil, nil
	})
	return err
}

// buildTable must be called with the gate held exclusively
func (m *Manager) buildTable() (*CoreMaskTable, error) {
	present, err := m.pm.ShaderPresent()
	if err != nil {
		return nil, fmt.Errorf("failed to read present shader cores: %w", err)
	}

	table, err := BuildCoreMaskTable(present)
	if err != nil {
		return nil, err
	}

	m.table.Store(table)
	m.arbiter.setShaderPresent(present)
	m.applier.setShaderPresent(present)
	return table, nil
}

// Admit submits an explicit mask under policy. The full present set
// relinquishes whatever restriction is active, whatever the caller's policy.
func (m *Manager) Admit(policy Policy, mask device.CoreMask) error {
	m.gate.RLock()
	defer m.gate.RUnlock()

	table := m.table.Load()
	if table == nil {
		return ErrNotInitialized
	}
	return m.arbiter.Admit(Request{
		Policy:      policy,
		DesiredMask: mask,
		Relinquish:  mask == table.ShaderPresent(),
	})
}

func (m *Manager) CoolingMaxState() int {
	table := m.table.Load()
	if table == nil {
		return 0
	}
	return table.Size()
}

func (m *Manager) CoolingCurState() (int, error) {
	table := m.table.Load()
	if table == nil {
		return 0, ErrNotInitialized
	}

	live, err := m.pm.LiveCoreMask()
	if err != nil {
		return 0, fmt.Errorf("failed to read live core mask: %w", err)
	}
	return table.StateFor(live), nil
}

func (m *Manager) CoolingSetCurState(state int) error {
	return m.SetCoreBudget(PolicyThermal, state)
}

func (m *Manager) PerformanceSetCoreBudget(count int) error {
	return m.SetCoreBudget(PolicyInteractivePerformance, count)
}

// SetCoreBudget limits active cores to count under policy
func (m *Manager) SetCoreBudget(policy Policy, count int) error {
	m.gate.RLock()
	defer m.gate.RUnlock()
	return m.thermal.SetCoreBudget(policy, count)
}

func (m *Manager) GovernorSetFrequencyStep(step int) error {
	m.gate.RLock()
	defer m.gate.RUnlock()
	return m.vfreq.SetVirtualFrequencyStep(step)
}

func (m *Manager) GovernorSetFrequency(khz uint64) error {
	m.gate.RLock()
	defer m.gate.RUnlock()
	return m.vfreq.SetVirtualFrequency(khz)
}

// AvailableFrequencies returns the virtual operating point frequencies
func (m *Manager) AvailableFrequencies() []uint64 {
	return m.vfreq.AvailableFrequencies()
}

func (m *Manager) Status() (Status, error) {
	table := m.table.Load()
	if table == nil {
		return Status{}, ErrNotInitialized
	}

	state := m.arbiter.State()
	status := Status{
		Policy:          state.CurrentPolicy,
		DesiredMask:     state.DesiredMask,
		ShaderPresent:   table.ShaderPresent(),
		MaxState:        table.Size(),
		Arbiter:         m.arbiter.Stats(),
		Applier:         m.applier.Stats(),
		OperatingPoints: slices.Clone(m.vfreq.points),
	}

	live, err := m.pm.LiveCoreMask()
	if err != nil {
		return Status{}, fmt.Errorf("failed to read live core mask: %w", err)
	}
	status.LiveMask = live
	status.CurState = table.StateFor(live)

	allowed, err := m.pm.AllowedCores()
	if err != nil {
		return Status{}, fmt.Errorf("failed to read allowed cores: %w", err)
	}
	status.AllowedCores = allowed

	return status, nil
}
