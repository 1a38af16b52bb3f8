// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	info := Info()

	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS, info.GoOS)
	assert.Equal(t, runtime.GOARCH, info.GoArch)
}

func TestVersionValues(t *testing.T) {
	tt := []struct {
		name   string
		ver    string
		time   string
		branch string
		commit string
	}{
		{name: "typical values", ver: "v1.2.3", time: "2025-04-01T12:00:00Z", branch: "main", commit: "abcdef123456"},
		{name: "dev values", ver: "dev", time: "unknown", branch: "feature-branch", commit: "deadbeef"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			version, buildTime, gitBranch, gitCommit = tc.ver, tc.time, tc.branch, tc.commit
			t.Cleanup(func() {
				version, buildTime, gitBranch, gitCommit = "", "", "", ""
			})

			info := Info()
			assert.Equal(t, tc.ver, info.Version)
			assert.Equal(t, tc.time, info.BuildTime)
			assert.Equal(t, tc.branch, info.GitBranch)
			assert.Equal(t, tc.commit, info.GitCommit)

			s := info.String()
			assert.Contains(t, s, "hotplugd "+tc.ver)
			assert.Contains(t, s, tc.commit)
		})
	}
}
