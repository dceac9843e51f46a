// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "github.com/lua-ebpf/luaprof/unwinder"

import (
	"github.com/lua-ebpf/luaprof/libpf"
	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
	"github.com/lua-ebpf/luaprof/remotememory"
)

// Frame holds the registers tracked across native frames: the instruction,
// stack and frame pointers, and the register designated by the parameter
// location of the interpreter entry point.
type Frame struct {
	IP uint64
	SP uint64
	FP uint64
	// Param is the value of register ParamReg.
	Param    uint64
	ParamReg uint8
}

// tracked reports whether the value of reg is known in f.
func (f *Frame) tracked(reg uint8) bool {
	switch reg {
	case sdtypes.RegRIP, sdtypes.RegRBP, sdtypes.RegRSP:
		return true
	}
	return reg < sdtypes.NumRegisters && reg == f.ParamReg
}

// Reg returns the value of a tracked register, or zero for registers that
// are not tracked.
func (f *Frame) Reg(reg uint8) uint64 {
	switch reg {
	case sdtypes.RegRIP:
		return f.IP
	case sdtypes.RegRBP:
		return f.FP
	case sdtypes.RegRSP:
		return f.SP
	}
	if reg == f.ParamReg {
		return f.Param
	}
	return 0
}

// Recover computes the caller's value of register reg from its rule. A
// faulting read, and any rule needing an expression, yields zero.
func Recover(rm remotememory.RemoteMemory, f *Frame, reg uint8,
	rule sdtypes.RegisterRule, cfa uint64) uint64 {
	if reg >= sdtypes.NumRegisters {
		return 0
	}
	switch rule.Kind {
	case sdtypes.RuleUnused:
		if reg == sdtypes.RegRIP {
			return 0
		}
		return f.Reg(reg)
	case sdtypes.RuleAtCFA:
		return rm.Uint64(libpf.Address(cfa + uint64(rule.Value)))
	case sdtypes.RuleValCFA:
		return cfa + uint64(rule.Value)
	case sdtypes.RuleRegister:
		if rule.Value < 0 || rule.Value >= sdtypes.NumRegisters {
			return 0
		}
		return f.Reg(uint8(rule.Value))
	case sdtypes.RuleSame:
		return f.Reg(reg)
	case sdtypes.RuleConstant:
		return uint64(rule.Value)
	default:
		return 0
	}
}

// CFA computes the canonical frame address of state. Rules based on a
// register whose value is not tracked are not supported.
func CFA(f *Frame, state *sdtypes.FrameRecoveryState) (uint64, bool) {
	cfa := &state.CFA
	if cfa.Kind != sdtypes.CFARegisterOffset || !f.tracked(cfa.Register) {
		return 0, false
	}
	return f.Reg(cfa.Register) + uint64(cfa.Offset), true
}

// Step replaces f with the caller frame described by state.
func Step(rm remotememory.RemoteMemory, f *Frame,
	state *sdtypes.FrameRecoveryState) bool {
	cfa, ok := CFA(f, state)
	if !ok {
		return false
	}
	caller := Frame{
		IP:       Recover(rm, f, sdtypes.RegRIP, state.Regs[sdtypes.RegRIP], cfa),
		SP:       cfa,
		FP:       Recover(rm, f, sdtypes.RegRBP, state.Regs[sdtypes.RegRBP], cfa),
		ParamReg: f.ParamReg,
	}
	switch f.ParamReg {
	case sdtypes.RegRIP, sdtypes.RegRSP, sdtypes.RegRBP:
		// The caller's stack pointer is the CFA, whatever the rule says.
		caller.Param = caller.Reg(f.ParamReg)
	default:
		if f.ParamReg < sdtypes.NumRegisters {
			caller.Param = Recover(rm, f, f.ParamReg, state.Regs[f.ParamReg], cfa)
		}
	}
	*f = caller
	return true
}
