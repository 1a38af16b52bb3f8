// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strconv"
	"strings"
)

// OperatingPoint is a virtual frequency emulated by running Cores shader
// cores; 0 cores means every present core
type OperatingPoint struct {
	FrequencyKHz uint64 `yaml:"frequencyKHz"`
	Cores        int    `yaml:"cores"`
}

func (p OperatingPoint) String() string {
	return fmt.Sprintf("%d:%d", p.FrequencyKHz, p.Cores)
}

// ParseOperatingPoint parses "<frequency-khz>:<cores>", e.g. "400000:2"
func ParseOperatingPoint(s string) (OperatingPoint, error) {
	freq, cores, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return OperatingPoint{}, fmt.Errorf("invalid operating point %q: expected <frequency-khz>:<cores>", s)
	}

	khz, err := strconv.ParseUint(strings.TrimSpace(freq), 10, 64)
	if err != nil {
		return OperatingPoint{}, fmt.Errorf("invalid operating point frequency %q: %w", freq, err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(cores))
	if err != nil {
		return OperatingPoint{}, fmt.Errorf("invalid operating point cores %q: %w", cores, err)
	}
	if n < 0 {
		return OperatingPoint{}, fmt.Errorf("invalid operating point cores %d: can't be negative", n)
	}

	return OperatingPoint{FrequencyKHz: khz, Cores: n}, nil
}

// OperatingPointsValue is a custom kingpin.Value accumulating repeated
// operating point flags
type OperatingPointsValue struct {
	points *[]OperatingPoint
}

// NewOperatingPointsValue creates a new OperatingPointsValue with the given target
func NewOperatingPointsValue(target *[]OperatingPoint) *OperatingPointsValue {
	return &OperatingPointsValue{points: target}
}

// Set implements kingpin.Value interface
func (v *OperatingPointsValue) Set(value string) error {
	p, err := ParseOperatingPoint(value)
	if err != nil {
		return err
	}
	*v.points = append(*v.points, p)
	return nil
}

// String implements kingpin.Value interface
func (v *OperatingPointsValue) String() string {
	parts := make([]string, len(*v.points))
	for i, p := range *v.points {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

// IsCumulative implements kingpin.Value interface to support multiple values
func (v *OperatingPointsValue) IsCumulative() bool {
	return true
}
