// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/device"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	// Device locates the GPU whose shader cores are hotplugged
	Device struct {
		// SysFS is the GPU device directory exporting shader_present and core_mask
		SysFS string `yaml:"sysfs"`
	}

	Host struct {
		SysFS string `yaml:"sysfs"`
	}

	VirtualFrequency struct {
		OperatingPoints []OperatingPoint `yaml:"operatingPoints"`
	}

	Hotplug struct {
		VirtualFrequency VirtualFrequency `yaml:"virtualFrequency"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		FakePowerManager struct {
			Enabled       *bool  `yaml:"enabled"`
			ShaderPresent string `yaml:"shaderPresent"` // core list, e.g. "0-7"
			Allowed       string `yaml:"allowed"`       // core list; defaults to shaderPresent
		} `yaml:"fake-power-manager"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	// Exporter configuration
	StdoutExporter struct {
		Enabled  *bool         `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
		ThermalZones    *bool    `yaml:"thermalZones"` // thermal zones read from host sysfs
	}

	MCPExporter struct {
		Enabled   *bool  `yaml:"enabled"`
		Transport string `yaml:"transport"` // stdio, sse or streamable
		Path      string `yaml:"path"`      // HTTP path for sse and streamable
		ReadOnly  *bool  `yaml:"readOnly"`  // status tools only
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
		MCP        MCPExporter        `yaml:"mcp"`
	}

	// Debug configuration
	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	Config struct {
		Log      Log      `yaml:"log"`
		Host     Host     `yaml:"host"`
		Device   Device   `yaml:"device"`
		Hotplug  Hotplug  `yaml:"hotplug"`
		Exporter Exporter `yaml:"exporter"`
		Web      Web      `yaml:"web"`
		Debug    Debug    `yaml:"debug"`
		Dev      Dev      `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

type SkipValidation int

const (
	SkipDeviceValidation SkipValidation = iota + 1
	SkipHostValidation
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag   = "host.sysfs"
	DeviceSysFSFlag = "device.sysfs"

	HotplugOperatingPointFlag = "hotplug.operating-point"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterStdoutEnabledFlag  = "exporter.stdout"
	ExporterStdoutIntervalFlag = "exporter.stdout.interval"

	ExporterPrometheusEnabledFlag      = "exporter.prometheus"
	ExporterPrometheusThermalZonesFlag = "exporter.prometheus.thermal-zones"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"

	ExporterMCPEnabledFlag   = "exporter.mcp"
	ExporterMCPTransportFlag = "exporter.mcp.transport"
	ExporterMCPReadOnlyFlag  = "exporter.mcp.read-only"

	// NOTE: not flags
	DevFakePowerManagerEnabled = "dev.fake-power-manager.enabled"
	DevFakePowerManagerPresent = "dev.fake-power-manager.shader-present"

// WARN:  dev settings shouldn't be exposed as flags as flags are intended for end users
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS: "/sys",
		},
		Device: Device{
			SysFS: "/sys/class/misc/mali0/device",
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled:  ptr.To(false),
				Interval: 5 * time.Second,
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
				ThermalZones:    ptr.To(true),
			},
			MCP: MCPExporter{
				Enabled:   ptr.To(false),
				Transport: "streamable",
				Path:      "/mcp",
				ReadOnly:  ptr.To(true),
			},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Web: Web{
			ListenAddresses: []string{":28290"},
		},
	}

	cfg.Dev.FakePowerManager.Enabled = ptr.To(false)
	cfg.Dev.FakePowerManager.ShaderPresent = "0-3"
	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader, skips ...SkipValidation) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(skips...); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string, skips ...SkipValidation) (cfg *Config, err error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return Load(file, skips...)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		// Clear the map in case this function is called multiple times
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	hostSysFS := app.Flag(HostSysFSFlag, "Host sysfs path").Default("/sys").ExistingDir()
	deviceSysFS := app.Flag(DeviceSysFSFlag, "GPU device directory exporting shader_present and core_mask").
		Default("/sys/class/misc/mali0/device").String()

	var operatingPoints []OperatingPoint
	app.Flag(HotplugOperatingPointFlag,
		"Virtual operating point as <frequency-khz>:<cores>; repeat for each point").
		SetValue(NewOperatingPointsValue(&operatingPoints))

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(":28290").Strings()

	// exporters
	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout exporter").Default("false").Bool()
	stdoutExporterInterval := app.Flag(ExporterStdoutIntervalFlag, "Interval between stdout status tables").Default("5s").Duration()

	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()
	prometheusThermalZones := app.Flag(ExporterPrometheusThermalZonesFlag, "Export kernel thermal zone temperatures").Default("true").Bool()

	mcpEnabled := app.Flag(ExporterMCPEnabledFlag, "Enable MCP server").Default("false").Bool()
	mcpTransport := app.Flag(ExporterMCPTransportFlag, "MCP transport: stdio, sse or streamable").Default("streamable").Enum("stdio", "sse", "streamable")
	mcpReadOnly := app.Flag(ExporterMCPReadOnlyFlag, "Expose only read-only MCP tools").Default("true").Bool()

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}

		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *hostSysFS
		}

		if flagsSet[DeviceSysFSFlag] {
			cfg.Device.SysFS = *deviceSysFS
		}

		if flagsSet[HotplugOperatingPointFlag] {
			cfg.Hotplug.VirtualFrequency.OperatingPoints = operatingPoints
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}

		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}

		if flagsSet[ExporterStdoutIntervalFlag] {
			cfg.Exporter.Stdout.Interval = *stdoutExporterInterval
		}

		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}

		if flagsSet[ExporterPrometheusThermalZonesFlag] {
			cfg.Exporter.Prometheus.ThermalZones = prometheusThermalZones
		}

		if flagsSet[ExporterMCPEnabledFlag] {
			cfg.Exporter.MCP.Enabled = mcpEnabled
		}

		if flagsSet[ExporterMCPTransportFlag] {
			cfg.Exporter.MCP.Transport = *mcpTransport
		}

		if flagsSet[ExporterMCPReadOnlyFlag] {
			cfg.Exporter.MCP.ReadOnly = mcpReadOnly
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	if sysfs := strings.TrimSpace(c.Device.SysFS); sysfs != "" {
		c.Device.SysFS = filepath.Clean(sysfs)
	} else {
		c.Device.SysFS = ""
	}
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}

	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}

	c.Exporter.MCP.Transport = strings.TrimSpace(c.Exporter.MCP.Transport)
	c.Exporter.MCP.Path = strings.TrimSpace(c.Exporter.MCP.Path)

	c.Dev.FakePowerManager.ShaderPresent = strings.TrimSpace(c.Dev.FakePowerManager.ShaderPresent)
	c.Dev.FakePowerManager.Allowed = strings.TrimSpace(c.Dev.FakePowerManager.Allowed)
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log level
		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}

		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}

	fake := ptr.Deref(c.Dev.FakePowerManager.Enabled, false)
	{ // device
		if !fake && !validationSkipped[SkipDeviceValidation] {
			if c.Device.SysFS == "" {
				errs = append(errs, "device sysfs path cannot be empty")
			} else if err := canReadDir(c.Device.SysFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid device sysfs path: %s: %s", c.Device.SysFS, err.Error()))
			}
		}
	}
	{ // host sysfs, read for thermal zones
		thermalZones := ptr.Deref(c.Exporter.Prometheus.Enabled, false) &&
			ptr.Deref(c.Exporter.Prometheus.ThermalZones, false)
		if thermalZones && !validationSkipped[SkipHostValidation] {
			if err := canReadDir(c.Host.SysFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid host sysfs path: %s: %s", c.Host.SysFS, err.Error()))
			}
		}
	}
	{ // fake power manager
		if fake {
			present, err := device.ParseCoreList(c.Dev.FakePowerManager.ShaderPresent)
			switch {
			case err != nil:
				errs = append(errs, fmt.Sprintf("invalid %s: %s", DevFakePowerManagerPresent, err.Error()))
			case present.IsEmpty():
				errs = append(errs, fmt.Sprintf("%s must name at least one core", DevFakePowerManagerPresent))
			}

			if allowed := c.Dev.FakePowerManager.Allowed; allowed != "" {
				if _, err := device.ParseCoreList(allowed); err != nil {
					errs = append(errs, fmt.Sprintf("invalid fake power manager allowed cores: %s", err.Error()))
				}
			}
		}
	}
	{ // virtual operating points
		seen := map[uint64]bool{}
		for _, p := range c.Hotplug.VirtualFrequency.OperatingPoints {
			if p.FrequencyKHz == 0 {
				errs = append(errs, "operating point frequency must be positive")
			}
			if p.Cores < 0 {
				errs = append(errs, fmt.Sprintf("operating point %dkHz: cores can't be negative", p.FrequencyKHz))
			}
			if seen[p.FrequencyKHz] {
				errs = append(errs, fmt.Sprintf("duplicate operating point %dkHz", p.FrequencyKHz))
			}
			seen[p.FrequencyKHz] = true
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if addr == "" {
				errs = append(errs, "web listen address cannot be empty")
				continue
			}
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}
	{ // mcp
		if ptr.Deref(c.Exporter.MCP.Enabled, false) {
			switch c.Exporter.MCP.Transport {
			case "stdio":
				if ptr.Deref(c.Exporter.Stdout.Enabled, false) {
					errs = append(errs, "MCP stdio transport cannot be combined with the stdout exporter")
				}
			case "sse", "streamable":
				if !strings.HasPrefix(c.Exporter.MCP.Path, "/") {
					errs = append(errs, fmt.Sprintf("invalid MCP path %q: must start with /", c.Exporter.MCP.Path))
				}
			default:
				errs = append(errs, fmt.Sprintf("invalid MCP transport: %s", c.Exporter.MCP.Transport))
			}
		}
	}
	{ // stdout exporter
		if ptr.Deref(c.Exporter.Stdout.Enabled, false) && c.Exporter.Stdout.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid stdout exporter interval: %s must be positive", c.Exporter.Stdout.Interval))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	_, err = f.ReadDir(1)
	return err
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()
	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateListenAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	// host can be empty for listening on all interfaces
	return validatePort(port)
}

func validatePort(port string) error {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE:  this code path should not happen but if it does (i.e if yaml marshal) fails
	// for some reason, manually build the string
	return c.manualString()
}

func (c *Config) manualString() string {
	points := make([]string, len(c.Hotplug.VirtualFrequency.OperatingPoints))
	for i, p := range c.Hotplug.VirtualFrequency.OperatingPoints {
		points[i] = p.String()
	}

	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostSysFSFlag, c.Host.SysFS},
		{DeviceSysFSFlag, c.Device.SysFS},
		{HotplugOperatingPointFlag, strings.Join(points, ", ")},
		{ExporterStdoutEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Stdout.Enabled, false))},
		{ExporterStdoutIntervalFlag, c.Exporter.Stdout.Interval.String()},
		{ExporterPrometheusEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Prometheus.Enabled, false))},
		{ExporterPrometheusDebugCollectors, strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
		{ExporterPrometheusThermalZonesFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Prometheus.ThermalZones, false))},
		{ExporterMCPEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.MCP.Enabled, false))},
		{ExporterMCPTransportFlag, c.Exporter.MCP.Transport},
		{ExporterMCPReadOnlyFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.MCP.ReadOnly, false))},
		{pprofEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Debug.Pprof.Enabled, false))},
		{DevFakePowerManagerEnabled, fmt.Sprintf("%v", ptr.Deref(c.Dev.FakePowerManager.Enabled, false))},
		{DevFakePowerManagerPresent, c.Dev.FakePowerManager.ShaderPresent},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
