// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/device"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/hotplug"
)

type (
	GetStatusParams struct{}

	ListOperatingPointsParams struct{}

	SetCoolingStateParams struct {
		State int `json:"state" jsonschema:"Cooling state: number of active shader cores, 0 to lift the limit"`
	}

	SetVirtualFrequencyParams struct {
		Step         *int    `json:"step,omitempty" jsonschema:"Number of active shader cores, 0 to lift the limit"`
		FrequencyKHz *uint64 `json:"frequency_khz,omitempty" jsonschema:"Virtual frequency in kHz, mapped to an operating point"`
	}

	SetCoreBudgetParams struct {
		Cores int `json:"cores" jsonschema:"Number of active shader cores, 0 to lift the limit"`
	}
)

func textResult(text string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// outcome turns a controller error into a tool result. A rejection is an
// expected answer, not a tool failure.
func outcome(err error, accepted string) (*mcp.CallToolResultFor[any], error) {
	switch {
	case err == nil:
		return textResult(accepted), nil
	case hotplug.IsRejected(err):
		return textResult(fmt.Sprintf("Rejected: %v", err)), nil
	default:
		return nil, err
	}
}

func (s *Server) handleGetStatus(ctx context.Context, cc *mcp.ServerSession, params *mcp.CallToolParamsFor[GetStatusParams]) (*mcp.CallToolResultFor[any], error) {
	s.logger.Debug("Handling get_hotplug_status request")

	status, err := s.ctrl.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get hotplug status: %w", err)
	}
	return textResult(formatStatus(status)), nil
}

func (s *Server) handleListOperatingPoints(ctx context.Context, cc *mcp.ServerSession, params *mcp.CallToolParamsFor[ListOperatingPointsParams]) (*mcp.CallToolResultFor[any], error) {
	status, err := s.ctrl.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get hotplug status: %w", err)
	}
	return textResult(formatOperatingPoints(status.OperatingPoints)), nil
}

func (s *Server) handleSetCoolingState(ctx context.Context, cc *mcp.ServerSession, params *mcp.CallToolParamsFor[SetCoolingStateParams]) (*mcp.CallToolResultFor[any], error) {
	state := params.Arguments.State
	s.logger.Debug("Handling set_cooling_state request", "state", state)
	return outcome(s.ctrl.CoolingSetCurState(state), fmt.Sprintf("Cooling state %d accepted", state))
}

func (s *Server) handleSetVirtualFrequency(ctx context.Context, cc *mcp.ServerSession, params *mcp.CallToolParamsFor[SetVirtualFrequencyParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	s.logger.Debug("Handling set_virtual_frequency request", "step", args.Step, "frequency_khz", args.FrequencyKHz)

	switch {
	case args.Step != nil && args.FrequencyKHz != nil:
		return nil, errors.New("step and frequency_khz are mutually exclusive")
	case args.Step != nil:
		return outcome(s.ctrl.GovernorSetFrequencyStep(*args.Step),
			fmt.Sprintf("Virtual frequency step %d accepted", *args.Step))
	case args.FrequencyKHz != nil:
		return outcome(s.ctrl.GovernorSetFrequency(*args.FrequencyKHz),
			fmt.Sprintf("Virtual frequency %dkHz accepted", *args.FrequencyKHz))
	default:
		return nil, errors.New("one of step or frequency_khz is required")
	}
}

func (s *Server) handleSetCoreBudget(ctx context.Context, cc *mcp.ServerSession, params *mcp.CallToolParamsFor[SetCoreBudgetParams]) (*mcp.CallToolResultFor[any], error) {
	cores := params.Arguments.Cores
	s.logger.Debug("Handling set_core_budget request", "cores", cores)
	return outcome(s.ctrl.PerformanceSetCoreBudget(cores), fmt.Sprintf("Core budget %d accepted", cores))
}

func formatMask(m device.CoreMask) string {
	return fmt.Sprintf("%s (cores %s, %d active)", m.Hex(), m.CoreList(), m.Count())
}

func formatStatus(s hotplug.Status) string {
	var b strings.Builder
	b.WriteString("## GPU Shader Core Hotplug\n\n")
	fmt.Fprintf(&b, "- **Policy**: %s\n", s.Policy)
	fmt.Fprintf(&b, "- **Cooling state**: %d of %d\n", s.CurState, s.MaxState)
	fmt.Fprintf(&b, "- **Present**: %s\n", formatMask(s.ShaderPresent))
	fmt.Fprintf(&b, "- **Allowed**: %s\n", formatMask(s.AllowedCores))
	fmt.Fprintf(&b, "- **Desired**: %s\n", formatMask(s.DesiredMask))
	fmt.Fprintf(&b, "- **Live**: %s\n", formatMask(s.LiveMask))

	b.WriteString("\n### Arbitration\n\n")
	fmt.Fprintf(&b, "- Admitted: %d\n", s.Arbiter.Admitted)
	fmt.Fprintf(&b, "- Rejected: %d\n", s.Arbiter.Rejected)

	a := s.Applier
	b.WriteString("\n### Applier\n\n")
	fmt.Fprintf(&b, "- Scheduled: %d, deduplicated: %d\n", a.Scheduled, a.Deduplicated)
	fmt.Fprintf(&b, "- Applied: %d, unchanged: %d\n", a.Applied, a.Unchanged)
	fmt.Fprintf(&b, "- Invalid: %d, failed: %d\n", a.Invalid, a.Failed)
	if !a.LastApplied.IsZero() {
		fmt.Fprintf(&b, "- Last applied: %s at %s\n", a.LastMask.Hex(), a.LastApplied.UTC().Format("2006-01-02T15:04:05Z"))
	}
	if a.LastError != "" {
		fmt.Fprintf(&b, "- Last error: %s\n", a.LastError)
	}
	return b.String()
}

func formatOperatingPoints(points []hotplug.OperatingPoint) string {
	if len(points) == 0 {
		return "No virtual operating points configured; use set_virtual_frequency with step."
	}

	var b strings.Builder
	b.WriteString("| Frequency (kHz) | Cores |\n|---|---|\n")
	for _, p := range points {
		cores := fmt.Sprintf("%d", p.Cores)
		if p.Cores == 0 {
			cores = "all"
		}
		fmt.Fprintf(&b, "| %d | %s |\n", p.FrequencyKHz, cores)
	}
	return b.String()
}
