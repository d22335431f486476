// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

type unsigned interface {
	~uint32 | ~uint64
}

// track returns the new running maximum for a metric
func track[T unsigned](current, observed T) T {
	if observed > current {
		return observed
	}
	return current
}
