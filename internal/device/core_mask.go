// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"k8s.io/utils/cpuset"
)

// MaxCores is the number of shader cores a CoreMask can address
const MaxCores = 64

// CoreMask is a bit-set of GPU shader cores; bit i set means core i is
// present, allowed or active depending on where the mask comes from.
type CoreMask uint64

// NewCoreMask returns a mask with the given core indices set. Indices
// outside [0, MaxCores) are ignored.
func NewCoreMask(cores ...int) CoreMask {
	var m CoreMask
	for _, c := range cores {
		if c < 0 || c >= MaxCores {
			continue
		}
		m |= 1 << uint(c)
	}
	return m
}

// ParseCoreList parses a core list such as "0-3,6" into a mask
func ParseCoreList(s string) (CoreMask, error) {
	set, err := cpuset.Parse(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid core list %q: %w", s, err)
	}

	cores := set.List()
	for _, c := range cores {
		if c >= MaxCores {
			return 0, fmt.Errorf("invalid core list %q: core %d out of range", s, c)
		}
	}
	return NewCoreMask(cores...), nil
}

// ParseCoreMask parses a hexadecimal mask such as "0xf" or "f"
func ParseCoreMask(s string) (CoreMask, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid core mask %q: %w", s, err)
	}
	return CoreMask(v), nil
}

// Count returns the number of cores in the mask
func (m CoreMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// IsEmpty reports whether no core is set
func (m CoreMask) IsEmpty() bool {
	return m == 0
}

// Has reports whether core is set
func (m CoreMask) Has(core int) bool {
	return core >= 0 && core < MaxCores && m&(1<<uint(core)) != 0
}

// IsSubsetOf reports whether every core of m is also in other
func (m CoreMask) IsSubsetOf(other CoreMask) bool {
	return m&^other == 0
}

// Intersects reports whether m and other share at least one core
func (m CoreMask) Intersects(other CoreMask) bool {
	return m&other != 0
}

// Lowest returns a mask holding only the lowest set core, or 0
func (m CoreMask) Lowest() CoreMask {
	return m & -m
}

// Cores returns the indices of the set cores in ascending order
func (m CoreMask) Cores() []int {
	cores := make([]int, 0, m.Count())
	for v := uint64(m); v != 0; v &= v - 1 {
		cores = append(cores, bits.TrailingZeros64(v))
	}
	return cores
}

// CoreList returns the mask in core list notation, e.g. "0-3,6"
func (m CoreMask) CoreList() string {
	return cpuset.New(m.Cores()...).String()
}

// Hex returns the mask as a 0x-prefixed hexadecimal string
func (m CoreMask) Hex() string {
	return fmt.Sprintf("%#x", uint64(m))
}

func (m CoreMask) String() string {
	return fmt.Sprintf("%s[%s]", m.Hex(), m.CoreList())
}
