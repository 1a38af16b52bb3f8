// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

// PowerManager is the platform power-management core that owns the GPU
// shader core mask register. One implementation exists per platform and is
// injected into the hotplug manager at construction.
//
// Implementations must be safe for concurrent use. ApplyCoreMask may block on
// the power manager's own locks and must only be called from a context that
// is allowed to sleep.
type PowerManager interface {
	// Name returns a string identifying the power manager
	Name() string

	// ShaderPresent returns the set of physically present shader cores.
	// It does not change for the lifetime of the device.
	ShaderPresent() (CoreMask, error)

	// AllowedCores returns the cores the power manager currently permits.
	// It may shrink independently of any hotplug request.
	AllowedCores() (CoreMask, error)

	// LiveCoreMask returns the mask currently programmed into hardware
	LiveCoreMask() (CoreMask, error)

	// ApplyCoreMask writes mask to hardware, acquiring the power lock and
	// then the register lock.
	ApplyCoreMask(mask CoreMask) error
}
