// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sustainable-computing-io/gpu-hotplug/internal/device"
	"k8s.io/utils/clock"
)

// virtualFrequencyState is the single-slot target consumed by the worker
type virtualFrequencyState struct {
	desiredCoreMask device.CoreMask
}

// ApplierStats counts what the worker did with scheduled masks
type ApplierStats struct {
	Scheduled    uint64 // masks queued for the worker
	Deduplicated uint64 // Schedule calls equal to the last scheduled mask
	Applied      uint64 // hardware writes
	Unchanged    uint64 // masks already live in hardware
	Invalid      uint64 // masks failing validation at apply time
	Failed       uint64 // power manager write failures

	LastMask    device.CoreMask
	LastApplied time.Time
	LastError   string
}

// Applier writes admitted masks to hardware from a dedicated worker so that
// callers of Schedule never wait on the power manager's locks. Only the most
// recently scheduled mask is kept.
type Applier struct {
	logger *slog.Logger
	pm     device.PowerManager
	clock  clock.PassiveClock

	// gate, when set, is held while a mask is validated and written
	gate sync.Locker

	mu            sync.Mutex
	present       device.CoreMask
	state         virtualFrequencyState
	pending       bool
	lastScheduled device.CoreMask
	hasScheduled  bool
	stats         ApplierStats

	wake chan struct{}

	started  atomic.Bool
	running  atomic.Bool
	stopCtx  context.Context
	stopFunc context.CancelFunc
	done     chan struct{}
}

var _ Scheduler = (*Applier)(nil)

// NewApplier creates an applier writing to pm
func NewApplier(pm device.PowerManager, present device.CoreMask, applyOpts ...OptionFn) *Applier {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Applier{
		logger:   opts.logger.With("component", "applier"),
		pm:       pm,
		clock:    opts.clock,
		present:  present,
		wake:     make(chan struct{}, 1),
		stopCtx:  ctx,
		stopFunc: cancel,
		done:     make(chan struct{}),
	}
}

// Schedule stores mask as the worker's target and wakes the worker. A mask
// equal to the last scheduled one is dropped.
func (a *Applier) Schedule(mask device.CoreMask) {
	a.mu.Lock()
	if a.hasScheduled && a.lastScheduled == mask {
		a.stats.Deduplicated++
		a.mu.Unlock()
		return
	}
	a.state.desiredCoreMask = mask
	a.lastScheduled = mask
	a.hasScheduled = true
	a.pending = true
	a.stats.Scheduled++
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
		// worker already signalled; it will pick up the newer target
	}
}

// Run processes scheduled masks until ctx is done or Shutdown is called
func (a *Applier) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return fmt.Errorf("applier already running")
	}
	defer close(a.done)

	a.running.Store(true)
	defer a.running.Store(false)

	a.logger.Info("Applier is running...")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Applier has terminated.")
			return nil
		case <-a.stopCtx.Done():
			a.logger.Info("Applier stopped.")
			return nil
		case <-a.wake:
			if ctx.Err() != nil || a.stopCtx.Err() != nil {
				continue
			}
			a.process()
		}
	}
}

// Shutdown discards pending work and waits for an in-flight write to finish
func (a *Applier) Shutdown() error {
	a.logger.Info("shutting down applier")
	a.stopFunc()
	if a.started.Load() {
		<-a.done
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending {
		a.logger.Debug("Dropping pending core mask", "mask", a.state.desiredCoreMask.Hex())
	}
	a.pending = false
	return nil
}

// IsRunning reports whether the worker loop is active
func (a *Applier) IsRunning() bool {
	return a.running.Load()
}

// Stats returns a copy of the applier counters
func (a *Applier) Stats() ApplierStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Applier) setShaderPresent(present device.CoreMask) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.present = present
}

func (a *Applier) process() {
	// the target and present cores are read inside the gate so that a table
	// rebuild never lands between validation and the write
	if a.gate != nil {
		a.gate.Lock()
		defer a.gate.Unlock()
	}

	a.mu.Lock()
	if !a.pending {
		a.mu.Unlock()
		return
	}
	mask := a.state.desiredCoreMask
	present := a.present
	a.pending = false
	a.mu.Unlock()

	written, err := a.apply(mask, present)

	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case errors.Is(err, ErrInvalidCoreMask):
		a.stats.Invalid++
	case err != nil:
		a.stats.Failed++
	case written:
		a.stats.Applied++
		a.stats.LastMask = mask
		a.stats.LastApplied = a.clock.Now()
	default:
		a.stats.Unchanged++
	}

	if err != nil {
		a.stats.LastError = err.Error()
		a.logger.Error("Failed to apply core mask", "mask", mask.Hex(), "error", err)
		// forget the mask so that the next admission of it is retried
		if !a.pending && a.lastScheduled == mask {
			a.hasScheduled = false
		}
		return
	}
	a.stats.LastError = ""
}

// apply validates mask against present and allowed cores and writes it
// unless it is already live. It reports whether hardware was written.
func (a *Applier) apply(mask, present device.CoreMask) (bool, error) {
	allowed, err := a.pm.AllowedCores()
	if err != nil {
		return false, fmt.Errorf("%w: reading allowed cores: %w", ErrApplyFailed, err)
	}

	if mask.IsEmpty() || !mask.IsSubsetOf(present) || !mask.Intersects(allowed) {
		return false, fmt.Errorf("%w: %s (present %s, allowed %s)", ErrInvalidCoreMask, mask, present, allowed)
	}

	live, err := a.pm.LiveCoreMask()
	if err != nil {
		a.logger.Warn("Failed to read live core mask", "error", err)
	} else if live == mask {
		a.logger.Debug("Core mask unchanged", "mask", mask.Hex())
		return false, nil
	}

	if err := a.pm.ApplyCoreMask(mask); err != nil {
		return false, fmt.Errorf("%w: %w", ErrApplyFailed, err)
	}

	a.logger.Info("Applied core mask", "mask", mask.Hex(), "cores", mask.CoreList(), "previous", live.Hex())
	return true, nil
}
