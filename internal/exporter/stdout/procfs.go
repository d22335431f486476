// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"log/slog"

	"github.com/prometheus/procfs"
)

// commLookup returns the command name of a process, or "-" when unknown
type commLookup func(pid uint32) string

// newCommResolver resolves command names through the procfs mounted at path.
// Processes of other PID namespaces and exited processes resolve to "-".
func newCommResolver(path string, logger *slog.Logger) commLookup {
	fs, err := procfs.NewFS(path)
	if err != nil {
		logger.Warn("procfs unavailable, process names will not be resolved", "path", path, "error", err)
		return func(uint32) string { return "-" }
	}

	return func(pid uint32) string {
		p, err := fs.Proc(int(pid))
		if err != nil {
			return "-"
		}
		comm, err := p.Comm()
		if err != nil || comm == "" {
			return "-"
		}
		return comm
	}
}
