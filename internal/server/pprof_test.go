// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockAPIService is an implementation of the APIService interface for testing.
type MockAPIService struct {
	mock.Mock
}

func (m *MockAPIService) Register(path, name, description string, handler http.Handler) error {
	args := m.Called(path, name, description, handler)
	return args.Error(0)
}

func (m *MockAPIService) Name() string {
	return "mockApiService"
}

func TestPprofInit(t *testing.T) {
	t.Run("registers profiling endpoints", func(t *testing.T) {
		api := &MockAPIService{}
		api.On("Register", "/debug/pprof/", "pprof", mock.Anything, mock.AnythingOfType("*http.ServeMux")).Return(nil)

		p := NewPprof(api, slog.Default())
		assert.Equal(t, "pprof", p.Name())
		assert.NoError(t, p.Init())
		api.AssertExpectations(t)

		// a negative fraction reads the current value
		assert.Equal(t, defaultMutexProfileFraction, runtime.SetMutexProfileFraction(-1))

		assert.NoError(t, p.Shutdown())
		assert.Zero(t, runtime.SetMutexProfileFraction(-1))
	})

	t.Run("registration failure", func(t *testing.T) {
		api := &MockAPIService{}
		api.On("Register", "/debug/pprof/", "pprof", mock.Anything, mock.Anything).Return(assert.AnError)

		p := NewPprof(api, nil)
		assert.ErrorIs(t, p.Init(), assert.AnError)
		// profiling stays off when the endpoints could not be served
		assert.Zero(t, runtime.SetMutexProfileFraction(-1))
	})
}

func TestPprofHandlers(t *testing.T) {
	mux := pprofHandlers()

	for _, path := range []string{
		"/debug/pprof/",
		"/debug/pprof/cmdline",
		"/debug/pprof/symbol",
		"/debug/pprof/mutex",
		"/debug/pprof/block",
		"/debug/pprof/goroutine",
	} {
		t.Run(path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rr.Code)
		})
	}
}
