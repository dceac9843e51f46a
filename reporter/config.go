// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "github.com/lua-ebpf/luaprof/reporter"

// DefaultMaxSamples is the number of samples kept when Config.MaxSamples is 0.
const DefaultMaxSamples = 2000

type Config struct {
	// Name is printed as the command of every sample. The comm of the
	// sampled thread is used when empty.
	Name string
	// MaxSamples is the number of most recent samples kept for output.
	MaxSamples int
	// Compress selects zstd compressed output.
	Compress bool
}
