// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/gpu-hotplug/internal/device"
)

func TestBuildCoreMaskTable(t *testing.T) {
	tt := []struct {
		name    string
		present device.CoreMask
		entries []device.CoreMask
	}{{
		name:    "single core",
		present: 0x1,
		entries: []device.CoreMask{0x1},
	}, {
		name:    "contiguous",
		present: 0xf,
		entries: []device.CoreMask{0x1, 0x3, 0x7, 0xf},
	}, {
		name:    "sparse",
		present: 0xb5, // cores 0,2,4,5,7
		entries: []device.CoreMask{0x1, 0x5, 0x15, 0x35, 0xb5},
	}, {
		name:    "high cores",
		present: device.NewCoreMask(62, 63),
		entries: []device.CoreMask{device.NewCoreMask(62), device.NewCoreMask(62, 63)},
	}}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			table, err := BuildCoreMaskTable(tc.present)
			require.NoError(t, err)
			assert.Equal(t, tc.entries, table.Entries())
			assert.Equal(t, len(tc.entries), table.Size())
			assert.Equal(t, tc.present, table.ShaderPresent())
		})
	}

	t.Run("no cores present", func(t *testing.T) {
		table, err := BuildCoreMaskTable(0)
		assert.ErrorIs(t, err, ErrNoCoresPresent)
		assert.Nil(t, table)
	})
}

func TestCoreMaskTableMonotonic(t *testing.T) {
	for _, present := range []device.CoreMask{0x1, 0xf, 0xb5, 0xdead_beef, ^device.CoreMask(0)} {
		table, err := BuildCoreMaskTable(present)
		require.NoError(t, err)

		entries := table.Entries()
		require.Len(t, entries, present.Count())
		for c, entry := range entries {
			assert.Equal(t, c+1, entry.Count(), "entry %d of %s", c+1, present)
			assert.True(t, entry.IsSubsetOf(present))
			if c > 0 {
				prev := entries[c-1]
				assert.True(t, prev.IsSubsetOf(entry))
				assert.NotEqual(t, prev, entry)
			}
		}
		assert.Equal(t, present, entries[len(entries)-1])
	}
}

func TestCoreMaskTableIdempotentBuild(t *testing.T) {
	a, err := BuildCoreMaskTable(0x3c3c)
	require.NoError(t, err)
	b, err := BuildCoreMaskTable(0x3c3c)
	require.NoError(t, err)
	assert.Equal(t, a.Entries(), b.Entries())
}

func TestCoreMaskTableLookup(t *testing.T) {
	table, err := BuildCoreMaskTable(0xf)
	require.NoError(t, err)

	tt := []struct {
		count int
		mask  device.CoreMask
		err   error
	}{
		{count: -1, err: ErrInvalidCoreCount},
		{count: 0, mask: 0xf},
		{count: 1, mask: 0x1},
		{count: 2, mask: 0x3},
		{count: 3, mask: 0x7},
		{count: 4, mask: 0xf},
		{count: 5, mask: 0xf},
		{count: 64, mask: 0xf},
	}

	for _, tc := range tt {
		mask, err := table.Lookup(tc.count)
		if tc.err != nil {
			assert.ErrorIs(t, err, tc.err, "count %d", tc.count)
			continue
		}
		assert.NoError(t, err, "count %d", tc.count)
		assert.Equal(t, tc.mask, mask, "count %d", tc.count)
	}
}

func TestCoreMaskTableUncapped(t *testing.T) {
	table, err := BuildCoreMaskTable(0xf)
	require.NoError(t, err)

	assert.True(t, table.Uncapped(0))
	assert.False(t, table.Uncapped(1))
	assert.False(t, table.Uncapped(4))
	assert.True(t, table.Uncapped(5))
}

func TestCoreMaskTableStateFor(t *testing.T) {
	table, err := BuildCoreMaskTable(0xf)
	require.NoError(t, err)

	assert.Equal(t, 0, table.StateFor(0xf))
	assert.Equal(t, 1, table.StateFor(0x1))
	assert.Equal(t, 3, table.StateFor(0x7))
	assert.Equal(t, 0, table.StateFor(0))
}

func TestCoreMaskTableEntriesIsCopy(t *testing.T) {
	table, err := BuildCoreMaskTable(0x3)
	require.NoError(t, err)

	entries := table.Entries()
	entries[0] = 0x2
	mask, err := table.Lookup(1)
	require.NoError(t, err)
	assert.Equal(t, device.CoreMask(0x1), mask)
}
