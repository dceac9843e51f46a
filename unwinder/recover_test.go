// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
	"github.com/lua-ebpf/luaprof/remotememory/memtest"
)

func TestRecover(t *testing.T) {
	var mem memtest.Memory
	mem.PutUint64(0x7ff8, 0xcafe)
	rm := mem.RemoteMemory()

	f := &Frame{IP: 0x1000, SP: 0x7f00, FP: 0x7f80, Param: 0x5555, ParamReg: sdtypes.RegR14}
	const cfa = 0x8000

	tests := map[string]struct {
		reg  uint8
		rule sdtypes.RegisterRule
		want uint64
	}{
		"unused rip":       {sdtypes.RegRIP, sdtypes.RegisterRule{}, 0},
		"unused rbp":       {sdtypes.RegRBP, sdtypes.RegisterRule{}, 0x7f80},
		"unused param":     {sdtypes.RegR14, sdtypes.RegisterRule{}, 0x5555},
		"unused untracked": {sdtypes.RegRBX, sdtypes.RegisterRule{}, 0},
		"at cfa": {sdtypes.RegRIP,
			sdtypes.RegisterRule{Kind: sdtypes.RuleAtCFA, Value: -8}, 0xcafe},
		"at cfa fault": {sdtypes.RegRIP,
			sdtypes.RegisterRule{Kind: sdtypes.RuleAtCFA, Value: 0x100}, 0},
		"val cfa": {sdtypes.RegRBP,
			sdtypes.RegisterRule{Kind: sdtypes.RuleValCFA, Value: -16}, 0x7ff0},
		"register": {sdtypes.RegRBP,
			sdtypes.RegisterRule{Kind: sdtypes.RuleRegister, Value: int64(sdtypes.RegR14)}, 0x5555},
		"register sp": {sdtypes.RegR14,
			sdtypes.RegisterRule{Kind: sdtypes.RuleRegister, Value: int64(sdtypes.RegRSP)}, 0x7f00},
		"register out of range": {sdtypes.RegRBP,
			sdtypes.RegisterRule{Kind: sdtypes.RuleRegister, Value: 99}, 0},
		"same": {sdtypes.RegRBP,
			sdtypes.RegisterRule{Kind: sdtypes.RuleSame}, 0x7f80},
		"constant": {sdtypes.RegR14,
			sdtypes.RegisterRule{Kind: sdtypes.RuleConstant, Value: 7}, 7},
		"expression": {sdtypes.RegRIP,
			sdtypes.RegisterRule{Kind: sdtypes.RuleAtExpression}, 0},
		"bad register": {sdtypes.NumRegisters,
			sdtypes.RegisterRule{Kind: sdtypes.RuleSame}, 0},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Recover(rm, f, tc.reg, tc.rule, cfa))
		})
	}
}

func TestStep(t *testing.T) {
	var mem memtest.Memory
	mem.PutUint64(0x7000, 0x7100) // saved rbp
	mem.PutUint64(0x7008, 0x4321) // return address
	mem.PutUint64(0x6ff8, 0x9999) // saved r14
	rm := mem.RemoteMemory()

	state := framedState(16)
	state.Regs[sdtypes.RegR14] = sdtypes.RegisterRule{Kind: sdtypes.RuleAtCFA, Value: -24}

	f := Frame{IP: 0x1234, SP: 0x6f00, FP: 0x7000, Param: 1, ParamReg: sdtypes.RegR14}
	require.True(t, Step(rm, &f, &state))
	assert.Equal(t, Frame{IP: 0x4321, SP: 0x7010, FP: 0x7100, Param: 0x9999,
		ParamReg: sdtypes.RegR14}, f)

	state.CFA = sdtypes.CFARule{Kind: sdtypes.CFAExpression}
	assert.False(t, Step(rm, &f, &state))
}

func TestStepParamInFrameRegister(t *testing.T) {
	var mem memtest.Memory
	mem.PutUint64(0x7000, 0x7100)
	mem.PutUint64(0x7008, 0x4321)
	rm := mem.RemoteMemory()
	state := framedState(16)

	f := Frame{IP: 0x1234, SP: 0x6f00, FP: 0x7000, Param: 0x6f00, ParamReg: sdtypes.RegRSP}
	require.True(t, Step(rm, &f, &state))
	assert.Equal(t, uint64(0x7010), f.Param)

	f = Frame{IP: 0x1234, SP: 0x6f00, FP: 0x7000, Param: 0x7000, ParamReg: sdtypes.RegRBP}
	require.True(t, Step(rm, &f, &state))
	assert.Equal(t, uint64(0x7100), f.Param)
}

func TestCFA(t *testing.T) {
	f := Frame{IP: 0x1000, SP: 0x6f00, FP: 0x7000, Param: 0x8000, ParamReg: sdtypes.RegR14}
	tests := map[string]struct {
		reg  uint8
		want uint64
		ok   bool
	}{
		"rsp":       {sdtypes.RegRSP, 0x6f10, true},
		"rbp":       {sdtypes.RegRBP, 0x7010, true},
		"param":     {sdtypes.RegR14, 0x8010, true},
		"untracked": {sdtypes.RegRBX, 0, false},
		"invalid":   {sdtypes.NumRegisters, 0, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			state := framedState(16)
			state.CFA.Register = tc.reg
			cfa, ok := CFA(&f, &state)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, cfa)
		})
	}
}
