// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"log/slog"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
)

// thermalZone reports the kernel thermal zones that drive cooling requests
type thermalZone struct {
	sync.Mutex

	logger *slog.Logger
	sysfs  sysFS
	temp   *prom.Desc
}

var _ prom.Collector = (*thermalZone)(nil)

// NewThermalZoneCollector reads thermal zones below the sysfs mount point
func NewThermalZoneCollector(sysPath string, logger *slog.Logger) (*thermalZone, error) {
	fs, err := newSysFS(sysPath)
	if err != nil {
		return nil, fmt.Errorf("creating sysfs failed: %w", err)
	}
	return newThermalZoneCollectorWithFS(fs, logger), nil
}

func newThermalZoneCollectorWithFS(fs sysFS, logger *slog.Logger) *thermalZone {
	return &thermalZone{
		logger: logger.With("collector", "thermal-zone"),
		sysfs:  fs,
		temp: prom.NewDesc(
			prom.BuildFQName(namespace, "thermal_zone", "temp_celsius"),
			"Temperature of a kernel thermal zone in degrees celsius",
			[]string{"zone", "type", "policy"},
			nil,
		),
	}
}

func (z *thermalZone) Describe(ch chan<- *prom.Desc) {
	ch <- z.temp
}

func (z *thermalZone) Collect(ch chan<- prom.Metric) {
	z.Lock()
	defer z.Unlock()

	zones, err := z.sysfs.ThermalZones()
	if err != nil {
		z.logger.Debug("Failed to read thermal zones", "error", err)
		return
	}
	for _, tz := range zones {
		ch <- prom.MustNewConstMetric(
			z.temp,
			prom.GaugeValue,
			float64(tz.Temp)/1000,
			tz.Name,
			tz.Type,
			tz.Policy,
		)
	}
}
