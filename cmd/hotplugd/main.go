// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sustainable-computing-io/gpu-hotplug/config"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/device"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/exporter/mcp"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/exporter/prometheus/collector"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/exporter/stdout"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/hotplug"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/logger"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/server"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/service"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/version"
	"k8s.io/utils/ptr"
)

func main() {
	cfg, err := parseArgsAndConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logVersionInfo(logger)
	printConfigInfo(logger, cfg)

	services, err := createServices(logger, cfg)
	if err != nil {
		logger.Error("failed to create services", "error", err)
		os.Exit(1)
	}

	if err := service.Init(logger, services); err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting hotplugd")
	if err := service.Run(context.Background(), logger, services); err != nil {
		logger.Error("hotplugd terminated with an error", "error", err)
		os.Exit(1)
	}
	logger.Info("Graceful shutdown completed")
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Info("hotplugd version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "hotplugd"
	app := kingpin.New(appName, "GPU shader core hotplug and virtual frequency daemon.")
	app.Version(version.Info().String())

	configFiles := app.Flag("config.file", "Path to YAML configuration file; repeat to layer files").Strings()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	builder := &config.Builder{}
	cfg, err := builder.MergeFiles(*configFiles...).Build()
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	// command line flags override config file settings
	if err := updateConfig(cfg); err != nil {
		return nil, fmt.Errorf("error applying command line flags: %w", err)
	}
	return cfg, nil
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config) {
	if !logger.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Fprintf(os.Stderr, `
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

func createServices(logger *slog.Logger, cfg *config.Config) ([]service.Service, error) {
	logger.Debug("Creating all services")

	pm, err := createPowerManager(logger, cfg)
	if err != nil {
		return nil, err
	}

	manager := hotplug.NewManager(pm,
		hotplug.WithLogger(logger),
		hotplug.WithOperatingPoints(operatingPoints(cfg.Hotplug.VirtualFrequency.OperatingPoints)),
	)

	apiServer := server.NewAPIServer(
		server.WithLogger(logger),
		server.WithListenAddress(cfg.Web.ListenAddresses),
		server.WithWebConfig(cfg.Web.Config),
	)

	services := []service.Service{
		manager,
		apiServer,
		server.NewHotplugAPI(apiServer, manager, logger),
	}

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		services = append(services, createPrometheusExporter(logger, cfg, apiServer, manager))
	}

	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
		services = append(services, stdout.NewExporter(manager,
			stdout.WithLogger(logger),
			stdout.WithInterval(cfg.Exporter.Stdout.Interval),
		))
	}

	if ptr.Deref(cfg.Exporter.MCP.Enabled, false) {
		opts := []mcp.Option{mcp.WithReadOnly(ptr.Deref(cfg.Exporter.MCP.ReadOnly, true))}
		switch cfg.Exporter.MCP.Transport {
		case mcp.TransportSSE:
			opts = append(opts, mcp.WithSSETransport(apiServer, cfg.Exporter.MCP.Path))
		case mcp.TransportStreamable:
			opts = append(opts, mcp.WithStreamableHTTP(apiServer, cfg.Exporter.MCP.Path))
		}
		services = append(services, mcp.NewServer(manager, logger, opts...))
	}

	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer, logger))
	}

	services = append(services,
		server.NewHealthProbe(apiServer, services, logger),
		service.NewSignalHandler(logger, os.Interrupt, syscall.SIGTERM),
	)
	return services, nil
}

func createPowerManager(logger *slog.Logger, cfg *config.Config) (device.PowerManager, error) {
	fake := cfg.Dev.FakePowerManager
	if !ptr.Deref(fake.Enabled, false) {
		pm, err := device.NewSysfsPowerManager(cfg.Device.SysFS, device.WithSysfsLogger(logger))
		if err != nil {
			return nil, err
		}
		return pm, nil
	}

	logger.Warn("Using fake power manager; shader core masks are not written to hardware")
	present, err := device.ParseCoreList(fake.ShaderPresent)
	if err != nil {
		return nil, err
	}
	opts := []device.FakeOptFn{device.WithFakeLogger(logger), device.WithFakeShaderPresent(present)}
	if fake.Allowed != "" {
		allowed, err := device.ParseCoreList(fake.Allowed)
		if err != nil {
			return nil, err
		}
		opts = append(opts, device.WithFakeAllowedCores(allowed))
	}
	return device.NewFakePowerManager(opts...), nil
}

func createPrometheusExporter(logger *slog.Logger, cfg *config.Config, registry prometheus.APIRegistry, provider prometheus.StatusProvider) *prometheus.Exporter {
	collectors := prometheus.CreateCollectors(provider,
		prometheus.WithLogger(logger),
		prometheus.WithDeviceName(deviceName(cfg)),
	)

	if ptr.Deref(cfg.Exporter.Prometheus.ThermalZones, false) {
		thermal, err := collector.NewThermalZoneCollector(cfg.Host.SysFS, logger)
		if err != nil {
			logger.Warn("Thermal zone metrics disabled", "sysfs", cfg.Host.SysFS, "error", err)
		} else {
			collectors["thermal_zone"] = thermal
		}
	}

	return prometheus.NewExporter(registry,
		prometheus.WithLogger(logger),
		prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
		prometheus.WithCollectors(collectors),
	)
}

func operatingPoints(points []config.OperatingPoint) []hotplug.OperatingPoint {
	out := make([]hotplug.OperatingPoint, len(points))
	for i, p := range points {
		out[i] = hotplug.OperatingPoint{FrequencyKHz: p.FrequencyKHz, Cores: p.Cores}
	}
	return out
}

// deviceName labels metrics, e.g. mali0 for /sys/class/misc/mali0/device
func deviceName(cfg *config.Config) string {
	if ptr.Deref(cfg.Dev.FakePowerManager.Enabled, false) {
		return "fake"
	}
	name := filepath.Base(cfg.Device.SysFS)
	if name == "device" {
		name = filepath.Base(filepath.Dir(cfg.Device.SysFS))
	}
	return name
}
