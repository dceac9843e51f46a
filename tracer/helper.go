// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/lua-ebpf/luaprof/tracer"

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const onlineCPUsPath = "/sys/devices/system/cpu/online"

// getOnlineCPUIDs returns the CPUs a sampling event is opened on.
func getOnlineCPUIDs() ([]int, error) {
	buf, err := os.ReadFile(onlineCPUsPath)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %v", onlineCPUsPath, err)
	}
	return readCPURange(string(buf))
}

// readCPURange parses a kernel CPU list such as "0-3,8,10-11".
func readCPURange(list string) ([]int, error) {
	var cpus []int
	for _, part := range strings.Split(strings.TrimSpace(list), ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid CPU list %q: %v", list, err)
		}
		last := first
		if isRange {
			if last, err = strconv.ParseUint(hi, 10, 32); err != nil {
				return nil, fmt.Errorf("invalid CPU list %q: %v", list, err)
			}
		}
		for n := first; n <= last; n++ {
			cpus = append(cpus, int(n))
		}
	}
	return cpus, nil
}
