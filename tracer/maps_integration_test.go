//go:build integration && linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
	"github.com/lua-ebpf/luaprof/tracer"
	"github.com/lua-ebpf/luaprof/unwinder"
)

func TestInstallMaps(t *testing.T) {
	var state sdtypes.FrameRecoveryState
	state.CFA = sdtypes.CFARule{Kind: sdtypes.CFARegisterOffset, Register: sdtypes.RegRSP, Offset: 8}
	state.Regs[sdtypes.RegRIP] = sdtypes.RegisterRule{Kind: sdtypes.RuleAtCFA, Value: -8}
	table := unwinder.NewTable(sdtypes.UnwindEntryArray{
		{IP: 0x1000, State: state},
		{IP: 0x1010, State: sdtypes.StateInvalid},
	})

	maps, err := tracer.InstallMaps(table, &unwinder.EntryPoint{Start: 0x1000, End: 0x100f,
		Param: sdtypes.InRegister(sdtypes.RegR14)}, "")
	require.NoError(t, err)
	defer maps.Close()

	var ip uint64
	require.NoError(t, maps.IPs.Lookup(uint32(1), &ip))
	assert.Equal(t, uint64(0x1010), ip)

	_, err = tracer.InstallMaps(unwinder.NewTable(), &unwinder.EntryPoint{}, "")
	assert.Error(t, err)
}
