// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/device"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/hotplug"
)

var testPoints = []hotplug.OperatingPoint{
	{FrequencyKHz: 200_000, Cores: 1},
	{FrequencyKHz: 400_000, Cores: 2},
	{FrequencyKHz: 800_000, Cores: 0},
}

// newHotplugAPI starts a hotplug manager on a fake 4 core GPU and registers
// its HTTP surface on a mock API server
func newHotplugAPI(t *testing.T) (*mockAPIServer, *device.FakePowerManager) {
	t.Helper()

	pm := device.NewFakePowerManager(device.WithFakeShaderPresent(0xf))
	m := hotplug.NewManager(pm, hotplug.WithOperatingPoints(testPoints))
	require.NoError(t, m.Init())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()
	require.Eventually(t, m.IsReady, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errCh)
	})

	api := newMockAPIServer()
	require.NoError(t, NewHotplugAPI(api, m, slog.Default()).Init())
	return api, pm
}

func do(api http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	api.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func waitLive(t *testing.T, pm device.PowerManager, want device.CoreMask) {
	t.Helper()
	require.Eventually(t, func() bool {
		live, err := pm.LiveCoreMask()
		return err == nil && live == want
	}, time.Second, 5*time.Millisecond)
}

func TestHotplugAPIRegister(t *testing.T) {
	api := newMockAPIServer()
	h := NewHotplugAPI(api, nil, slog.Default())
	assert.Equal(t, "hotplug-api", h.Name())
	require.NoError(t, h.Init())

	for _, path := range []string{
		"/hotplug/status",
		"/hotplug/cooling",
		"/hotplug/governor",
		"/hotplug/performance",
		"/hotplug/mask",
		"/hotplug/rebuild",
	} {
		assert.Contains(t, api.handlers, path)
	}
}

func TestHotplugAPIStatus(t *testing.T) {
	api, _ := newHotplugAPI(t)

	w := do(api, http.MethodGet, "/hotplug/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var status StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "none", status.Policy)
	assert.Equal(t, MaskResponse{Hex: "0xf", Cores: "0-3", Count: 4}, status.ShaderPresent)
	assert.Equal(t, 4, status.Live.Count)
	assert.Equal(t, 4, status.MaxState)
	assert.Zero(t, status.CurState)
	assert.Len(t, status.OperatingPoints, 3)
	assert.Nil(t, status.Applier.LastApplied)
}

func TestHotplugAPICooling(t *testing.T) {
	api, pm := newHotplugAPI(t)

	w := do(api, http.MethodPost, "/hotplug/cooling?state=1")
	require.Equal(t, http.StatusAccepted, w.Code)
	waitLive(t, pm, 0x1)

	w = do(api, http.MethodGet, "/hotplug/cooling")
	require.Equal(t, http.StatusOK, w.Code)
	var cooling CoolingResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cooling))
	assert.Equal(t, CoolingResponse{MaxState: 4, CurState: 1}, cooling)

	// thermal outranks the governor
	w = do(api, http.MethodPost, "/hotplug/governor?step=3")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(api, http.MethodGet, "/hotplug/status")
	var status StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, hotplug.PolicyThermal.String(), status.Policy)
	assert.Equal(t, uint64(1), status.Arbiter.Rejected)
	assert.NotNil(t, status.Applier.LastApplied)

	w = do(api, http.MethodPost, "/hotplug/cooling?state=0")
	require.Equal(t, http.StatusAccepted, w.Code)
	waitLive(t, pm, 0xf)
}

func TestHotplugAPIGovernor(t *testing.T) {
	api, pm := newHotplugAPI(t)

	w := do(api, http.MethodGet, "/hotplug/governor")
	require.Equal(t, http.StatusOK, w.Code)
	var freqs []uint64
	require.NoError(t, json.NewDecoder(w.Body).Decode(&freqs))
	assert.Equal(t, []uint64{200_000, 400_000, 800_000}, freqs)

	w = do(api, http.MethodPost, "/hotplug/governor?frequency=300000")
	require.Equal(t, http.StatusAccepted, w.Code)
	waitLive(t, pm, 0x3)

	w = do(api, http.MethodPost, "/hotplug/governor?step=1")
	require.Equal(t, http.StatusAccepted, w.Code)
	waitLive(t, pm, 0x1)
}

func TestHotplugAPIPerformance(t *testing.T) {
	api, pm := newHotplugAPI(t)

	w := do(api, http.MethodPost, "/hotplug/performance?cores=2")
	require.Equal(t, http.StatusAccepted, w.Code)
	waitLive(t, pm, 0x3)

	// performance outranks thermal
	w = do(api, http.MethodPost, "/hotplug/cooling?state=1")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(api, http.MethodPost, "/hotplug/rebuild")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHotplugAPIMask(t *testing.T) {
	api, pm := newHotplugAPI(t)

	w := do(api, http.MethodPost, "/hotplug/mask?policy=interactive-performance&mask=0x5")
	require.Equal(t, http.StatusAccepted, w.Code)
	waitLive(t, pm, 0x5)

	w = do(api, http.MethodPost, "/hotplug/mask?policy=thermal&mask=0x1")
	assert.Equal(t, http.StatusConflict, w.Code)

	// the full set is admitted from a lower policy and clears the restriction
	w = do(api, http.MethodPost, "/hotplug/mask?policy=thermal&mask=0xf")
	require.Equal(t, http.StatusAccepted, w.Code)
	waitLive(t, pm, 0xf)

	w = do(api, http.MethodGet, "/hotplug/status")
	var status StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, hotplug.PolicyNone.String(), status.Policy)
}

func TestHotplugAPIBadRequests(t *testing.T) {
	api, _ := newHotplugAPI(t)

	tt := []struct {
		name   string
		method string
		target string
		code   int
	}{
		{"status post", http.MethodPost, "/hotplug/status", http.StatusMethodNotAllowed},
		{"performance get", http.MethodGet, "/hotplug/performance", http.StatusMethodNotAllowed},
		{"rebuild get", http.MethodGet, "/hotplug/rebuild", http.StatusMethodNotAllowed},
		{"missing state", http.MethodPost, "/hotplug/cooling", http.StatusBadRequest},
		{"non numeric state", http.MethodPost, "/hotplug/cooling?state=hot", http.StatusBadRequest},
		{"negative state", http.MethodPost, "/hotplug/cooling?state=-1", http.StatusBadRequest},
		{"negative cores", http.MethodPost, "/hotplug/performance?cores=-3", http.StatusBadRequest},
		{"governor without params", http.MethodPost, "/hotplug/governor", http.StatusBadRequest},
		{"step and frequency", http.MethodPost, "/hotplug/governor?step=1&frequency=100", http.StatusBadRequest},
		{"bad frequency", http.MethodPost, "/hotplug/governor?frequency=-5", http.StatusBadRequest},
		{"mask get", http.MethodGet, "/hotplug/mask", http.StatusMethodNotAllowed},
		{"unknown policy", http.MethodPost, "/hotplug/mask?policy=turbo&mask=0x1", http.StatusBadRequest},
		{"missing mask", http.MethodPost, "/hotplug/mask?policy=thermal", http.StatusBadRequest},
		{"bad mask", http.MethodPost, "/hotplug/mask?policy=thermal&mask=zz", http.StatusBadRequest},
		{"mask outside present", http.MethodPost, "/hotplug/mask?policy=thermal&mask=0x30", http.StatusBadRequest},
		{"none restricting", http.MethodPost, "/hotplug/mask?policy=none&mask=0x1", http.StatusBadRequest},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			w := do(api, tc.method, tc.target)
			assert.Equal(t, tc.code, w.Code)
			if tc.code == http.StatusMethodNotAllowed {
				assert.NotEmpty(t, w.Header().Values("Allow"))
				return
			}
			var resp errorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestHotplugAPINotInitialized(t *testing.T) {
	m := hotplug.NewManager(device.NewFakePowerManager())
	api := newMockAPIServer()
	require.NoError(t, NewHotplugAPI(api, m, slog.Default()).Init())

	assert.Equal(t, http.StatusServiceUnavailable, do(api, http.MethodGet, "/hotplug/status").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(api, http.MethodPost, "/hotplug/cooling?state=1").Code)
}

func TestStatusCodeFor(t *testing.T) {
	tt := []struct {
		err  error
		code int
	}{
		{hotplug.RejectedError{Current: hotplug.PolicyThermal, Requested: hotplug.PolicyVirtualFreq}, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", hotplug.ErrInvalidCoreCount), http.StatusBadRequest},
		{hotplug.ErrInvalidPolicy, http.StatusBadRequest},
		{hotplug.ErrInvalidCoreMask, http.StatusBadRequest},
		{hotplug.ErrNoOperatingPoints, http.StatusBadRequest},
		{hotplug.ErrNotInitialized, http.StatusServiceUnavailable},
		{errors.New("sysfs exploded"), http.StatusInternalServerError},
	}
	for _, tc := range tt {
		assert.Equal(t, tc.code, statusCodeFor(tc.err), tc.err.Error())
	}
}
