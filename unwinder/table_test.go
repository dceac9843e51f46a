// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
)

func framedState(off int64) sdtypes.FrameRecoveryState {
	var s sdtypes.FrameRecoveryState
	s.CFA = sdtypes.CFARule{Kind: sdtypes.CFARegisterOffset, Register: sdtypes.RegRBP, Offset: off}
	s.Regs[sdtypes.RegRIP] = sdtypes.RegisterRule{Kind: sdtypes.RuleAtCFA, Value: -8}
	s.Regs[sdtypes.RegRBP] = sdtypes.RegisterRule{Kind: sdtypes.RuleAtCFA, Value: -16}
	return s
}

func TestSearch(t *testing.T) {
	entries := sdtypes.UnwindEntryArray{
		{IP: 0x400, State: framedState(40)},
		{IP: 0x100, State: framedState(10)},
		{IP: 0x300, State: sdtypes.StateInvalid},
		{IP: 0x200, State: framedState(20)},
	}
	table := NewTable(entries)
	require.Equal(t, 4, table.Len())
	assert.IsIncreasing(t, table.IPs())

	tests := map[uint64]int64{
		0x100: 10,
		0x1ff: 10,
		0x200: 20,
		0x2ff: 20,
		0x400: 40,
		0x999: 40,
	}
	for ip, off := range tests {
		state, ok := table.Search(ip)
		require.True(t, ok, "ip %#x", ip)
		assert.Equal(t, off, state.CFA.Offset, "ip %#x", ip)
	}

	for _, ip := range []uint64{0, 0xff, 0x300, 0x3ff} {
		_, ok := table.Search(ip)
		assert.False(t, ok, "ip %#x", ip)
	}

	_, ok := NewTable().Search(0x100)
	assert.False(t, ok)
}

func TestSearchMatchesLinearScan(t *testing.T) {
	var entries sdtypes.UnwindEntryArray
	for i := range 1000 {
		entries = append(entries, sdtypes.UnwindEntry{
			IP:    uint64(0x1000 + 7*i),
			State: framedState(int64(i)),
		})
	}
	table := NewTable(entries)
	for ip := uint64(0xff0); ip < 0x1000+7*1000+16; ip++ {
		want := -1
		for i, e := range entries {
			if e.IP <= ip {
				want = i
			}
		}
		state, ok := table.Search(ip)
		if want < 0 {
			assert.False(t, ok, "ip %#x", ip)
			continue
		}
		require.True(t, ok, "ip %#x", ip)
		assert.Equal(t, int64(want), state.CFA.Offset, "ip %#x", ip)
	}
}

func TestNewTableLastWriteWins(t *testing.T) {
	first := sdtypes.UnwindEntryArray{
		{IP: 0x100, State: framedState(1)},
		{IP: 0x200, State: framedState(2)},
	}
	second := sdtypes.UnwindEntryArray{
		{IP: 0x200, State: framedState(3)},
	}
	table := NewTable(first, second)
	assert.Equal(t, []uint64{0x100, 0x200}, table.IPs())
	require.Len(t, table.States(), 2)
	assert.Equal(t, int64(3), table.States()[1].CFA.Offset)
}
