// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	shaderPresentFile    = "shader_present"
	coreAvailabilityFile = "core_availability"
	coreMaskFile         = "core_mask"
)

// sysfsPowerManager implements PowerManager on top of the core mask
// attributes exported by the GPU kernel driver under its device directory
type sysfsPowerManager struct {
	logger *slog.Logger
	dir    string

	powerMu sync.Mutex
	regMu   sync.Mutex
}

var _ PowerManager = (*sysfsPowerManager)(nil)

// SysfsOptionFn is a function that configures sysfsPowerManager options
type SysfsOptionFn func(*sysfsPowerManager)

// WithSysfsLogger sets the logger for sysfsPowerManager
func WithSysfsLogger(logger *slog.Logger) SysfsOptionFn {
	return func(pm *sysfsPowerManager) {
		pm.logger = logger.With("power-manager", "sysfs")
	}
}

// NewSysfsPowerManager creates a power manager reading and writing the core
// mask attributes found in deviceDir (e.g. /sys/class/misc/mali0/device)
func NewSysfsPowerManager(deviceDir string, opts ...SysfsOptionFn) (*sysfsPowerManager, error) {
	pm := &sysfsPowerManager{
		logger: slog.Default().With("power-manager", "sysfs"),
		dir:    deviceDir,
	}
	for _, opt := range opts {
		opt(pm)
	}

	if _, err := os.Stat(filepath.Join(deviceDir, shaderPresentFile)); err != nil {
		return nil, fmt.Errorf("gpu device %s has no %s: %w", deviceDir, shaderPresentFile, err)
	}
	if _, err := os.Stat(filepath.Join(deviceDir, coreMaskFile)); err != nil {
		return nil, fmt.Errorf("gpu device %s has no %s: %w", deviceDir, coreMaskFile, err)
	}
	return pm, nil
}

func (pm *sysfsPowerManager) Name() string {
	return "sysfs"
}

func (pm *sysfsPowerManager) ShaderPresent() (CoreMask, error) {
	return pm.readMask(shaderPresentFile)
}

// AllowedCores falls back to the present cores when the driver does not
// export core_availability
func (pm *sysfsPowerManager) AllowedCores() (CoreMask, error) {
	m, err := pm.readMask(coreAvailabilityFile)
	if errors.Is(err, fs.ErrNotExist) {
		return pm.ShaderPresent()
	}
	return m, err
}

func (pm *sysfsPowerManager) LiveCoreMask() (CoreMask, error) {
	pm.regMu.Lock()
	defer pm.regMu.Unlock()
	return pm.readMask(coreMaskFile)
}

func (pm *sysfsPowerManager) ApplyCoreMask(mask CoreMask) error {
	pm.powerMu.Lock()
	defer pm.powerMu.Unlock()

	pm.regMu.Lock()
	defer pm.regMu.Unlock()

	path := filepath.Join(pm.dir, coreMaskFile)
	if err := os.WriteFile(path, []byte(mask.Hex()+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	pm.logger.Debug("Wrote core mask", "path", path, "mask", mask.Hex())
	return nil
}

func (pm *sysfsPowerManager) readMask(name string) (CoreMask, error) {
	path := filepath.Join(pm.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	m, err := ParseCoreMask(string(data))
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return m, nil
}
