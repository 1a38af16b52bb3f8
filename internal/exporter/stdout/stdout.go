// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/hotplug"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/service"
	"k8s.io/utils/clock"
)

// StatusProvider returns a view of the hotplug subsystem
type StatusProvider interface {
	Status() (hotplug.Status, error)
}

// Exporter periodically prints the hotplug status as a table
type Exporter struct {
	logger   *slog.Logger
	provider StatusProvider
	out      io.WriteCloser
	clock    clock.WithTicker
	ticker   clock.Ticker
	interval time.Duration
}

var (
	_ service.Initializer = (*Exporter)(nil)
	_ service.Runner      = (*Exporter)(nil)
	_ service.Shutdowner  = (*Exporter)(nil)
)

type Opts struct {
	logger   *slog.Logger
	out      io.WriteCloser
	clock    clock.WithTicker
	interval time.Duration
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		out:      os.Stdout,
		clock:    clock.RealClock{},
		interval: 5 * time.Second,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

func WithInterval(interval time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = interval
	}
}

// WithClock sets the clock driving the print interval
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

func NewExporter(provider StatusProvider, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:   opts.logger.With("service", "stdout"),
		provider: provider,
		out:      opts.out,
		clock:    opts.clock,
		interval: opts.interval,
	}
}

func (e *Exporter) Init() error {
	if e.interval <= 0 {
		return fmt.Errorf("invalid stdout interval %s", e.interval)
	}
	e.ticker = e.clock.NewTicker(e.interval)
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	defer e.ticker.Stop()
	for {
		select {
		case now := <-e.ticker.C():
			status, err := e.provider.Status()
			if err != nil {
				e.logger.Warn("Failed to read hotplug status", "error", err)
				continue
			}
			write(e.out, now, status)
		case <-ctx.Done():
			e.logger.Info("Exiting ticker")
			return nil
		}
	}
}

func write(out io.Writer, now time.Time, status hotplug.Status) {
	fmt.Fprintf(out, "%s  policy: %s  cooling state: %d/%d\n",
		now.Format(time.RFC3339), status.Policy, status.CurState, status.MaxState)
	writeMasks(out, status)
	writeApplier(out, status.Applier)
}

func writeMasks(out io.Writer, status hotplug.Status) {
	rows := [][]string{
		{"present", status.ShaderPresent.Hex(), status.ShaderPresent.CoreList(), strconv.Itoa(status.ShaderPresent.Count())},
		{"allowed", status.AllowedCores.Hex(), status.AllowedCores.CoreList(), strconv.Itoa(status.AllowedCores.Count())},
		{"desired", status.DesiredMask.Hex(), status.DesiredMask.CoreList(), strconv.Itoa(status.DesiredMask.Count())},
		{"live", status.LiveMask.Hex(), status.LiveMask.CoreList(), strconv.Itoa(status.LiveMask.Count())},
	}

	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"Mask", "Hex", "Cores", "Count"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func writeApplier(out io.Writer, stats hotplug.ApplierStats) {
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }

	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"Scheduled", "Dedup", "Applied", "Unchanged", "Invalid", "Failed"})
	_ = table.Bulk([][]string{{
		u(stats.Scheduled), u(stats.Deduplicated), u(stats.Applied),
		u(stats.Unchanged), u(stats.Invalid), u(stats.Failed),
	}})
	_ = table.Render()

	if stats.LastError != "" {
		fmt.Fprintf(out, "last error: %s\n", stats.LastError)
	}
}

func (e *Exporter) Shutdown() error {
	return e.out.Close()
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "stdout"
}
