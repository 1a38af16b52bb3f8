// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import "github.com/prometheus/procfs/sysfs"

// sysFS is an interface to prometheus/procfs/sysfs
type sysFS interface {
	ThermalZones() ([]sysfs.ClassThermalZoneStats, error)
}

type realSysFS struct {
	fs sysfs.FS
}

func (s *realSysFS) ThermalZones() ([]sysfs.ClassThermalZoneStats, error) {
	return s.fs.ClassThermalZoneStats()
}

func newSysFS(mountPoint string) (sysFS, error) {
	fs, err := sysfs.NewFS(mountPoint)
	if err != nil {
		return nil, err
	}
	return &realSysFS{fs: fs}, nil
}
