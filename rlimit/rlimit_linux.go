//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package rlimit raises the locked memory limit needed to create eBPF maps
// on kernels without memcg based accounting.
package rlimit // import "github.com/lua-ebpf/luaprof/rlimit"

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MaximizeMemlock raises RLIMIT_MEMLOCK to infinity. The returned function
// restores the previous limit.
func MaximizeMemlock() (func(), error) {
	var prev unix.Rlimit
	infinite := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, &infinite, &prev); err != nil {
		return nil, fmt.Errorf("failed to raise memlock limit: %w", err)
	}
	return func() {
		if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &prev); err != nil {
			log.Warnf("Failed to restore memlock limit %d: %v", prev.Cur, err)
		}
	}, nil
}
