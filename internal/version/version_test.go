// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func setLinkValues(t *testing.T, ver, time, branch, commit string) {
	t.Helper()
	prev := [4]string{version, buildTime, gitBranch, gitCommit}
	version, buildTime, gitBranch, gitCommit = ver, time, branch, commit
	t.Cleanup(func() {
		version, buildTime, gitBranch, gitCommit = prev[0], prev[1], prev[2], prev[3]
	})
}

func stubBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	t.Helper()
	prev := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
	t.Cleanup(func() { readBuildInfo = prev })
}

func TestInfo(t *testing.T) {
	info := Info()

	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS, info.GoOS)
	assert.Equal(t, runtime.GOARCH, info.GoArch)
}

func TestLinkValuesTakePrecedence(t *testing.T) {
	setLinkValues(t, "v1.2.3", "2025-04-01T12:00:00Z", "main", "abcdef123456")
	stubBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Version: "v0.0.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0000000"},
			{Key: "vcs.time", Value: "1999-01-01T00:00:00Z"},
		},
	})

	info := Info()
	assert.Equal(t, "v1.2.3", info.Version)
	assert.Equal(t, "2025-04-01T12:00:00Z", info.BuildTime)
	assert.Equal(t, "main", info.GitBranch)
	assert.Equal(t, "abcdef123456", info.GitCommit)
}

func TestBuildInfoFallback(t *testing.T) {
	setLinkValues(t, "", "", "", "")
	stubBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "deadbeef"},
			{Key: "vcs.time", Value: "2025-05-01T00:00:00Z"},
			{Key: "GOARCH", Value: "amd64"},
		},
	})

	info := Info()
	assert.Equal(t, "v0.3.0", info.Version)
	assert.Equal(t, "deadbeef", info.GitCommit)
	assert.Equal(t, "2025-05-01T00:00:00Z", info.BuildTime)
	assert.Empty(t, info.GitBranch)
}

func TestDevelBuild(t *testing.T) {
	setLinkValues(t, "", "", "", "")
	stubBuildInfo(t, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	assert.Empty(t, Info().Version)

	stubBuildInfo(t, nil)
	assert.Empty(t, Info().Version)
}

func TestString(t *testing.T) {
	v := VersionInfo{Version: "v1.0.0", GitCommit: "abc", BuildTime: "today", GoVersion: "go1.24", GoOS: "linux", GoArch: "amd64"}
	assert.Equal(t, "gpumon v1.0.0 (commit abc, built today, go1.24 linux/amd64)", v.String())

	v.Version = ""
	assert.Contains(t, v.String(), "gpumon unknown")
}
