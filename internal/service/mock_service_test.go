// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"sync/atomic"
)

// calls counts lifecycle invocations. Run and Shutdown are invoked from the
// run group's goroutines.
type calls struct {
	initN, runN, shutdownN atomic.Int32
}

func (c *calls) inits() int     { return int(c.initN.Load()) }
func (c *calls) runs() int      { return int(c.runN.Load()) }
func (c *calls) shutdowns() int { return int(c.shutdownN.Load()) }

func invoke(n *atomic.Int32, fn func() error) error {
	n.Add(1)
	if fn == nil {
		return nil
	}
	return fn()
}

// mockService only has a name
type mockService struct {
	name string
}

func (m *mockService) Name() string {
	return m.name
}

type mockInitializer struct {
	mockService
	calls
	initFn func() error
}

func (m *mockInitializer) Init() error {
	return invoke(&m.initN, m.initFn)
}

type mockInitShutdownService struct {
	mockService
	calls
	initFn     func() error
	shutdownFn func() error
}

func (m *mockInitShutdownService) Init() error {
	return invoke(&m.initN, m.initFn)
}

func (m *mockInitShutdownService) Shutdown() error {
	return invoke(&m.shutdownN, m.shutdownFn)
}

type mockRunner struct {
	mockService
	calls
	runFn func(ctx context.Context) error
}

func (m *mockRunner) Run(ctx context.Context) error {
	m.runN.Add(1)
	if m.runFn == nil {
		return nil
	}
	return m.runFn(ctx)
}

type mockRunShutdownService struct {
	mockRunner
	shutdownFn func() error
}

func (m *mockRunShutdownService) Shutdown() error {
	return invoke(&m.shutdownN, m.shutdownFn)
}
