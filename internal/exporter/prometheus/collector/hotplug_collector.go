// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/hotplug"
)

const deviceLabel = "device"

// StatusProvider returns a consistent view of the hotplug subsystem
type StatusProvider interface {
	Status() (hotplug.Status, error)
}

// HotplugCollector exposes arbitration and applier state taken from a single
// status snapshot per scrape
type HotplugCollector struct {
	provider StatusProvider
	logger   *slog.Logger

	presentCores *prometheus.Desc
	allowedCores *prometheus.Desc
	desiredCores *prometheus.Desc
	liveCores    *prometheus.Desc
	coreActive   *prometheus.Desc

	coolingMaxState *prometheus.Desc
	coolingCurState *prometheus.Desc

	policyActive *prometheus.Desc

	arbiterRequests *prometheus.Desc
	applierMasks    *prometheus.Desc
	lastApplied     *prometheus.Desc
}

var _ prometheus.Collector = (*HotplugCollector)(nil)

func gaugeDesc(name, help string, labels []string, device string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", name),
		help, labels, prometheus.Labels{deviceLabel: device})
}

// NewHotplugCollector creates a collector for the hotplug state of device
func NewHotplugCollector(provider StatusProvider, device string, logger *slog.Logger) *HotplugCollector {
	return &HotplugCollector{
		provider: provider,
		logger:   logger.With("collector", "hotplug"),

		presentCores: gaugeDesc("shader_cores_present", "Number of shader cores physically present", nil, device),
		allowedCores: gaugeDesc("shader_cores_allowed", "Number of shader cores the power manager permits", nil, device),
		desiredCores: gaugeDesc("shader_cores_desired", "Number of shader cores in the arbitrated core mask", nil, device),
		liveCores:    gaugeDesc("shader_cores_live", "Number of shader cores in the core mask programmed in hardware", nil, device),
		coreActive:   gaugeDesc("shader_core_active", "Whether a present shader core is enabled in hardware (1) or not (0)", []string{"core"}, device),

		coolingMaxState: gaugeDesc("cooling_max_state", "Maximum cooling state, the number of present shader cores", nil, device),
		coolingCurState: gaugeDesc("cooling_cur_state", "Current cooling state, the live active core count or 0 when unrestricted", nil, device),

		policyActive: gaugeDesc("policy_active", "Whether a hotplug policy holds the core restriction (1) or not (0)", []string{"policy"}, device),

		arbiterRequests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "arbiter", "requests_total"),
			"Hotplug requests by arbitration result",
			[]string{"result"}, prometheus.Labels{deviceLabel: device}),
		applierMasks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "applier", "masks_total"),
			"Core masks handled by the applier by outcome",
			[]string{"outcome"}, prometheus.Labels{deviceLabel: device}),
		lastApplied: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "applier", "last_applied_timestamp_seconds"),
			"Unix time of the last core mask written to hardware",
			nil, prometheus.Labels{deviceLabel: device}),
	}
}

// Describe implements the prometheus.Collector interface
func (c *HotplugCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.presentCores
	ch <- c.allowedCores
	ch <- c.desiredCores
	ch <- c.liveCores
	ch <- c.coreActive
	ch <- c.coolingMaxState
	ch <- c.coolingCurState
	ch <- c.policyActive
	ch <- c.arbiterRequests
	ch <- c.applierMasks
	ch <- c.lastApplied
}

// Collect implements the prometheus.Collector interface
func (c *HotplugCollector) Collect(ch chan<- prometheus.Metric) {
	status, err := c.provider.Status()
	if err != nil {
		c.logger.Error("Failed to collect hotplug status", "error", err)
		return
	}

	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}
	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.presentCores, float64(status.ShaderPresent.Count()))
	gauge(c.allowedCores, float64(status.AllowedCores.Count()))
	gauge(c.desiredCores, float64(status.DesiredMask.Count()))
	gauge(c.liveCores, float64(status.LiveMask.Count()))

	for _, core := range status.ShaderPresent.Cores() {
		active := 0.0
		if status.LiveMask.Has(core) {
			active = 1
		}
		gauge(c.coreActive, active, strconv.Itoa(core))
	}

	gauge(c.coolingMaxState, float64(status.MaxState))
	gauge(c.coolingCurState, float64(status.CurState))

	for _, p := range hotplug.Policies() {
		active := 0.0
		if p == status.Policy {
			active = 1
		}
		gauge(c.policyActive, active, p.String())
	}

	counter(c.arbiterRequests, status.Arbiter.Admitted, "admitted")
	counter(c.arbiterRequests, status.Arbiter.Rejected, "rejected")

	applier := status.Applier
	counter(c.applierMasks, applier.Scheduled, "scheduled")
	counter(c.applierMasks, applier.Deduplicated, "deduplicated")
	counter(c.applierMasks, applier.Applied, "applied")
	counter(c.applierMasks, applier.Unchanged, "unchanged")
	counter(c.applierMasks, applier.Invalid, "invalid")
	counter(c.applierMasks, applier.Failed, "failed")

	if !applier.LastApplied.IsZero() {
		gauge(c.lastApplied, float64(applier.LastApplied.UnixNano())/1e9)
	}
}
