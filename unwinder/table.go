// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "github.com/lua-ebpf/luaprof/unwinder"

import (
	"sort"

	log "github.com/sirupsen/logrus"

	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
)

// Table is the installed recovery table: instruction pointers sorted
// ascending, and the state that applies from each of them on.
type Table struct {
	ips    []uint64
	states []sdtypes.FrameRecoveryState
}

// NewTable merges the entries of all mapped binaries into one table. On
// equal instruction pointers the entry added last wins.
func NewTable(tables ...sdtypes.UnwindEntryArray) *Table {
	num := 0
	for _, entries := range tables {
		num += len(entries)
	}
	merged := make(sdtypes.UnwindEntryArray, 0, num)
	for _, entries := range tables {
		merged = append(merged, entries...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].IP < merged[j].IP
	})

	t := &Table{
		ips:    make([]uint64, 0, num),
		states: make([]sdtypes.FrameRecoveryState, 0, num),
	}
	for i := range merged {
		e := &merged[i]
		if n := len(t.ips); n > 0 && t.ips[n-1] == e.IP {
			t.states[n-1] = e.State
			continue
		}
		t.ips = append(t.ips, e.IP)
		t.states = append(t.states, e.State)
	}
	if len(t.ips) > 1<<maxSearchSteps {
		log.Warnf("Recovery table has %d entries, lookups cover only the first %d",
			len(t.ips), 1<<maxSearchSteps)
	}
	return t
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.ips)
}

// IPs returns the sorted instruction pointers. The slice must not be
// modified.
func (t *Table) IPs() []uint64 {
	return t.ips
}

// States returns the recovery states, parallel to IPs. The slice must not
// be modified.
func (t *Table) States() []sdtypes.FrameRecoveryState {
	return t.states
}

// Search returns the state of the entry with the greatest instruction
// pointer not above ip. It fails if ip precedes the table, or if the entry
// marks a range without unwind information.
func (t *Table) Search(ip uint64) (*sdtypes.FrameRecoveryState, bool) {
	key := -1
	left, right := 0, len(t.ips)
	for i := 0; i < maxSearchSteps && left < right; i++ {
		mid := (left + right) / 2
		if t.ips[mid] > ip {
			right = mid
		} else {
			key = mid
			left = mid + 1
		}
	}
	if key < 0 || !t.states[key].Valid() {
		return nil, false
	}
	return &t.states[key], true
}
