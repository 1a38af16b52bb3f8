// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"fmt"
	"strings"
)

// Policy identifies the class of caller requesting a core restriction
type Policy int

const (
	// PolicyNone means no restriction is in force
	PolicyNone Policy = iota

	// PolicyVirtualFreq is used by the virtual frequency governor
	PolicyVirtualFreq

	// PolicyThermal is used by thermal mitigation
	PolicyThermal

	// PolicyInteractivePerformance is used by the interactive performance boost
	PolicyInteractivePerformance
)

// precedence is the single total order over policies. A greater rank wins.
// New policies only need an entry here.
var precedence = map[Policy]int{
	PolicyNone:                   0,
	PolicyVirtualFreq:            10,
	PolicyThermal:                20,
	PolicyInteractivePerformance: 30,
}

var policyNames = map[Policy]string{
	PolicyNone:                   "none",
	PolicyVirtualFreq:            "virtual-freq",
	PolicyThermal:                "thermal",
	PolicyInteractivePerformance: "interactive-performance",
}

// Policies returns all known policies ordered by precedence
func Policies() []Policy {
	return []Policy{PolicyNone, PolicyVirtualFreq, PolicyThermal, PolicyInteractivePerformance}
}

// IsValid reports whether p is a known policy
func (p Policy) IsValid() bool {
	_, ok := precedence[p]
	return ok
}

// Precedence returns the rank of p; unknown policies rank below PolicyNone
func (p Policy) Precedence() int {
	if rank, ok := precedence[p]; ok {
		return rank
	}
	return -1
}

// Outranks reports whether p has strictly higher precedence than other
func (p Policy) Outranks(other Policy) bool {
	return p.Precedence() > other.Precedence()
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy returns the policy for the given name
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return PolicyNone, fmt.Errorf("%w: unknown hotplug policy %q", ErrInvalidPolicy, s)
}
