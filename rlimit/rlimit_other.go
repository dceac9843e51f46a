//go:build !linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package rlimit // import "github.com/lua-ebpf/luaprof/rlimit"

import (
	"fmt"
	"runtime"
)

// MaximizeMemlock always fails outside of Linux.
func MaximizeMemlock() (func(), error) {
	return nil, fmt.Errorf("memlock limit: unsupported os %s", runtime.GOOS)
}
