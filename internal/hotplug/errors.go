// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCoresPresent is returned when the device reports no shader cores
	ErrNoCoresPresent = errors.New("hotplug: no shader cores present")

	// ErrInvalidCoreCount is returned for a negative core count
	ErrInvalidCoreCount = errors.New("hotplug: invalid core count")

	// ErrRejected is returned when a higher precedence policy holds the
	// restriction. It is a lawful outcome of arbitration, not a failure.
	ErrRejected = errors.New("hotplug: request rejected")

	// ErrInvalidCoreMask is returned when a mask is not a usable subset of
	// the present and allowed cores
	ErrInvalidCoreMask = errors.New("hotplug: invalid core mask")

	// ErrApplyFailed is returned when the power manager failed to write the mask
	ErrApplyFailed = errors.New("hotplug: failed to apply core mask")

	// ErrInvalidPolicy is returned when a caller names an unknown policy or
	// tries to restrict cores under PolicyNone
	ErrInvalidPolicy = errors.New("hotplug: invalid policy")

	// ErrNotInitialized is returned when requests arrive before Init
	ErrNotInitialized = errors.New("hotplug: not initialized")

	// ErrNoOperatingPoints is returned by frequency requests when no virtual
	// operating points are configured
	ErrNoOperatingPoints = errors.New("hotplug: no virtual operating points configured")
)

// RejectedError carries the policies involved in a rejected request.
// errors.Is(err, ErrRejected) holds for it.
type RejectedError struct {
	Current   Policy
	Requested Policy
}

func (e RejectedError) Error() string {
	return fmt.Sprintf("%s: policy %s is active and outranks %s", ErrRejected, e.Current, e.Requested)
}

func (e RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// IsRejected reports whether err is a lawful arbitration rejection
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
