// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"slices"
	"sync"

	"github.com/stretchr/testify/mock"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/device"
)

type mockPowerManager struct {
	mock.Mock
}

var _ device.PowerManager = (*mockPowerManager)(nil)

func (m *mockPowerManager) Name() string {
	return "mock-power-manager"
}

func (m *mockPowerManager) ShaderPresent() (device.CoreMask, error) {
	args := m.Called()
	return args.Get(0).(device.CoreMask), args.Error(1)
}

func (m *mockPowerManager) AllowedCores() (device.CoreMask, error) {
	args := m.Called()
	return args.Get(0).(device.CoreMask), args.Error(1)
}

func (m *mockPowerManager) LiveCoreMask() (device.CoreMask, error) {
	args := m.Called()
	return args.Get(0).(device.CoreMask), args.Error(1)
}

func (m *mockPowerManager) ApplyCoreMask(mask device.CoreMask) error {
	args := m.Called(mask)
	return args.Error(0)
}

// recordingScheduler remembers every scheduled mask
type recordingScheduler struct {
	mu    sync.Mutex
	masks []device.CoreMask
}

func (s *recordingScheduler) Schedule(mask device.CoreMask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masks = append(s.masks, mask)
}

func (s *recordingScheduler) Scheduled() []device.CoreMask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.masks)
}
