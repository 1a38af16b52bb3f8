// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/hotplug"
	testingclock "k8s.io/utils/clock/testing"
)

type mockStatusProvider struct {
	mock.Mock
}

func (m *mockStatusProvider) Status() (hotplug.Status, error) {
	args := m.Called()
	return args.Get(0).(hotplug.Status), args.Error(1)
}

// syncBuffer is a WriteCloser safe for a writer goroutine and a reading test
type syncBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testStatus() hotplug.Status {
	return hotplug.Status{
		Policy:        hotplug.PolicyVirtualFreq,
		DesiredMask:   0x3,
		LiveMask:      0x3,
		ShaderPresent: 0xf,
		AllowedCores:  0xf,
		MaxState:      4,
		CurState:      2,
		Applier: hotplug.ApplierStats{
			Scheduled: 7,
			Applied:   5,
			Failed:    1,
			LastError: "hotplug: failed to apply core mask: busy",
		},
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		name     string
		opts     []OptionFn
		out      io.WriteCloser
		interval time.Duration
	}{{
		name:     "default options",
		out:      os.Stdout,
		interval: 5 * time.Second,
	}, {
		name: "custom options",
		opts: []OptionFn{
			WithLogger(slog.Default()),
			WithOutput(os.Stderr),
			WithInterval(20 * time.Second),
		},
		out:      os.Stderr,
		interval: 20 * time.Second,
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &mockStatusProvider{}
			exporter := NewExporter(provider, tt.opts...)
			assert.Equal(t, "stdout", exporter.Name())
			assert.NotNil(t, exporter.logger)
			assert.Same(t, provider, exporter.provider)
			assert.Same(t, tt.out, exporter.out)
			assert.Equal(t, tt.interval, exporter.interval)
		})
	}
}

func TestExporter_InvalidInterval(t *testing.T) {
	exporter := NewExporter(&mockStatusProvider{}, WithInterval(0))
	assert.ErrorContains(t, exporter.Init(), "invalid stdout interval")
}

func TestExporter_InitRunShutdown(t *testing.T) {
	provider := &mockStatusProvider{}
	provider.On("Status").Return(hotplug.Status{}, errors.New("not yet")).Once()
	provider.On("Status").Return(testStatus(), nil)

	fakeClock := testingclock.NewFakeClock(time.Date(2025, 5, 15, 1, 1, 1, 0, time.UTC))
	out := &syncBuffer{}
	exporter := NewExporter(provider, WithOutput(out), WithInterval(time.Second), WithClock(fakeClock))
	require.NoError(t, exporter.Init())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- exporter.Run(ctx) }()

	// a failed status read is skipped; the next tick prints
	require.Eventually(t, func() bool {
		fakeClock.Step(time.Second)
		return out.String() != ""
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-errCh)
	assert.NoError(t, exporter.Shutdown())
	assert.True(t, out.closed)
	provider.AssertExpectations(t)
}

func Test_write(t *testing.T) {
	buf := bytes.Buffer{}
	now, err := time.Parse(time.RFC3339, "2025-05-15T01:01:01Z")
	require.NoError(t, err)

	write(&buf, now, testStatus())
	got := buf.String()

	assert.Contains(t, got, "2025-05-15T01:01:01Z  policy: virtual-freq  cooling state: 2/4\n")
	for _, s := range []string{"MASK", "HEX", "CORES", "COUNT", "present", "0xf", "0-3", "desired", "0x3", "0-1", "live", "allowed"} {
		assert.Contains(t, got, s)
	}
	for _, s := range []string{"SCHEDULED", "APPLIED", "FAILED"} {
		assert.Contains(t, got, s)
	}
	assert.Contains(t, got, "last error: hotplug: failed to apply core mask: busy\n")
}
