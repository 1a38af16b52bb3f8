// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/device"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/hotplug"
	"k8s.io/utils/ptr"
)

type mockAPIRegistry struct {
	mock.Mock
}

func (m *mockAPIRegistry) Register(endpoint, summary, description string, handler http.Handler) error {
	args := m.Called(endpoint, summary, description, handler)
	return args.Error(0)
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *device.FakePowerManager) {
	t.Helper()

	pm := device.NewFakePowerManager(device.WithFakeShaderPresent(0xf))
	m := hotplug.NewManager(pm, hotplug.WithOperatingPoints([]hotplug.OperatingPoint{
		{FrequencyKHz: 300_000, Cores: 1},
		{FrequencyKHz: 600_000, Cores: 2},
		{FrequencyKHz: 900_000, Cores: 0},
	}))
	require.NoError(t, m.Init())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()
	require.Eventually(t, m.IsReady, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errCh)
	})

	return NewServer(m, slog.Default(), opts...), pm
}

func text(t *testing.T, res *mcp.CallToolResultFor[any]) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func waitLive(t *testing.T, pm device.PowerManager, want device.CoreMask) {
	t.Helper()
	require.Eventually(t, func() bool {
		live, err := pm.LiveCoreMask()
		return err == nil && live == want
	}, time.Second, 5*time.Millisecond)
}

func TestServerInit(t *testing.T) {
	t.Run("stdio registers nothing", func(t *testing.T) {
		s, _ := newTestServer(t)
		assert.Equal(t, "mcp", s.Name())
		assert.NoError(t, s.Init())
	})

	for _, tc := range []struct {
		name string
		opt  func(APIRegistry) Option
	}{
		{"sse", func(r APIRegistry) Option { return WithSSETransport(r, "/mcp") }},
		{"streamable", func(r APIRegistry) Option { return WithStreamableHTTP(r, "/mcp") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			registry := &mockAPIRegistry{}
			registry.On("Register", "/mcp", "MCP Server", mock.Anything, mock.Anything).Return(nil)

			s, _ := newTestServer(t, tc.opt(registry))
			assert.NoError(t, s.Init())
			registry.AssertExpectations(t)
		})
	}

	t.Run("register error", func(t *testing.T) {
		registry := &mockAPIRegistry{}
		registry.On("Register", "/mcp", "MCP Server", mock.Anything, mock.Anything).Return(errors.New("taken"))

		s, _ := newTestServer(t, WithSSETransport(registry, "/mcp"))
		assert.ErrorContains(t, s.Init(), "taken")
	})

	t.Run("http transport without api server", func(t *testing.T) {
		s, _ := newTestServer(t, WithStreamableHTTP(nil, "/mcp"))
		assert.ErrorContains(t, s.Init(), "requires an API server")
	})
}

func TestReadOnly(t *testing.T) {
	s, _ := newTestServer(t, WithReadOnly(true))
	assert.True(t, s.readOnly)
	assert.NoError(t, s.Init())
}

func TestServerRunHTTP(t *testing.T) {
	registry := &mockAPIRegistry{}
	registry.On("Register", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	s, _ := newTestServer(t, WithSSETransport(registry, "/mcp"))
	require.NoError(t, s.Init())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Run(ctx))
}

func TestGetStatus(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleGetStatus(context.Background(), nil, &mcp.CallToolParamsFor[GetStatusParams]{})
	require.NoError(t, err)

	got := text(t, res)
	assert.Contains(t, got, "**Policy**: none")
	assert.Contains(t, got, "**Cooling state**: 0 of 4")
	assert.Contains(t, got, "**Present**: 0xf (cores 0-3, 4 active)")
	assert.NotContains(t, got, "Last error")
}

func TestListOperatingPoints(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleListOperatingPoints(context.Background(), nil, &mcp.CallToolParamsFor[ListOperatingPointsParams]{})
	require.NoError(t, err)

	got := text(t, res)
	assert.Contains(t, got, "| 300000 | 1 |")
	assert.Contains(t, got, "| 900000 | all |")
	assert.Contains(t, formatOperatingPoints(nil), "No virtual operating points")
}

func TestControlTools(t *testing.T) {
	s, pm := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleSetVirtualFrequency(ctx, nil, &mcp.CallToolParamsFor[SetVirtualFrequencyParams]{
		Arguments: SetVirtualFrequencyParams{FrequencyKHz: ptr.To[uint64](500_000)},
	})
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "accepted")
	waitLive(t, pm, 0x3)

	res, err = s.handleSetCoolingState(ctx, nil, &mcp.CallToolParamsFor[SetCoolingStateParams]{
		Arguments: SetCoolingStateParams{State: 1},
	})
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "Cooling state 1 accepted")
	waitLive(t, pm, 0x1)

	// the governor is outranked by thermal: an answer, not a failure
	res, err = s.handleSetVirtualFrequency(ctx, nil, &mcp.CallToolParamsFor[SetVirtualFrequencyParams]{
		Arguments: SetVirtualFrequencyParams{Step: ptr.To(3)},
	})
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "Rejected")

	res, err = s.handleSetCoreBudget(ctx, nil, &mcp.CallToolParamsFor[SetCoreBudgetParams]{
		Arguments: SetCoreBudgetParams{Cores: 2},
	})
	require.NoError(t, err)
	assert.Contains(t, text(t, res), "Core budget 2 accepted")
	waitLive(t, pm, 0x3)
}

func TestControlToolErrors(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleSetVirtualFrequency(ctx, nil, &mcp.CallToolParamsFor[SetVirtualFrequencyParams]{})
	assert.ErrorContains(t, err, "required")

	_, err = s.handleSetVirtualFrequency(ctx, nil, &mcp.CallToolParamsFor[SetVirtualFrequencyParams]{
		Arguments: SetVirtualFrequencyParams{Step: ptr.To(1), FrequencyKHz: ptr.To[uint64](1)},
	})
	assert.ErrorContains(t, err, "mutually exclusive")

	_, err = s.handleSetCoolingState(ctx, nil, &mcp.CallToolParamsFor[SetCoolingStateParams]{
		Arguments: SetCoolingStateParams{State: -1},
	})
	assert.ErrorIs(t, err, hotplug.ErrInvalidCoreCount)
}

func TestFormatStatus(t *testing.T) {
	got := formatStatus(hotplug.Status{
		Policy:        hotplug.PolicyThermal,
		ShaderPresent: 0xf,
		DesiredMask:   0x1,
		LiveMask:      0x3,
		Applier: hotplug.ApplierStats{
			Applied:     2,
			LastMask:    0x3,
			LastApplied: time.Date(2025, 5, 15, 1, 1, 1, 0, time.UTC),
			LastError:   "hotplug: invalid core mask",
		},
	})

	assert.Contains(t, got, "**Policy**: thermal")
	assert.Contains(t, got, "**Desired**: 0x1 (cores 0, 1 active)")
	assert.Contains(t, got, "- Last applied: 0x3 at 2025-05-15T01:01:01Z")
	assert.Contains(t, got, "- Last error: hotplug: invalid core mask")
}
