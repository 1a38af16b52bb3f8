// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"fmt"

	"github.com/sustainable-computing-io/gpu-hotplug/internal/device"
)

// CoreMaskTable maps a desired active core count to a concrete mask. Entry
// c has exactly c cores set and is a superset of entry c-1; the last entry
// equals the present cores. A table is never mutated once built.
type CoreMaskTable struct {
	present device.CoreMask
	entries []device.CoreMask // entries[c-1] holds c cores
}

// BuildCoreMaskTable builds the table for the given present cores by adding
// the lowest unused core one at a time. The same input yields the same table.
func BuildCoreMaskTable(present device.CoreMask) (*CoreMaskTable, error) {
	if present.IsEmpty() {
		return nil, ErrNoCoresPresent
	}

	entries := make([]device.CoreMask, 0, present.Count())
	var acc device.CoreMask
	for remaining := present; !remaining.IsEmpty(); {
		core := remaining.Lowest()
		acc |= core
		remaining &^= core
		entries = append(entries, acc)
	}

	return &CoreMaskTable{
		present: present,
		entries: entries,
	}, nil
}

// Lookup returns the mask for count active cores. A count of 0 or one
// reaching the table size returns the full present set (uncapped).
func (t *CoreMaskTable) Lookup(count int) (device.CoreMask, error) {
	switch {
	case count < 0:
		return 0, fmt.Errorf("%w: %d", ErrInvalidCoreCount, count)
	case count == 0 || count >= len(t.entries):
		return t.present, nil
	default:
		return t.entries[count-1], nil
	}
}

// Uncapped reports whether count asks for the restriction to be lifted
// rather than for a core count: 0, or more cores than are present
func (t *CoreMaskTable) Uncapped(count int) bool {
	return count == 0 || count > len(t.entries)
}

// Size returns the number of present cores
func (t *CoreMaskTable) Size() int {
	return len(t.entries)
}

// ShaderPresent returns the cores the table was built from
func (t *CoreMaskTable) ShaderPresent() device.CoreMask {
	return t.present
}

// Entries returns a copy of the table, index 0 holding the 1-core mask
func (t *CoreMaskTable) Entries() []device.CoreMask {
	out := make([]device.CoreMask, len(t.entries))
	copy(out, t.entries)
	return out
}

// StateFor converts a mask to a cooling state: 0 when mask is the full
// present set, otherwise its core count
func (t *CoreMaskTable) StateFor(mask device.CoreMask) int {
	if mask == t.present {
		return 0
	}
	return mask.Count()
}
