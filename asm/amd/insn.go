// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package amd // import "github.com/lua-ebpf/luaprof/asm/amd"

import (
	"golang.org/x/arch/x86/x86asm"

	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
)

// IsEndbr64 returns true if the first 4 bytes of the code is endbr64 instruction
// https://www.felixcloutier.com/x86/endbr64
// The second returned argument is the size of the instruction which is always 4
func IsEndbr64(code []byte) (isEndbr bool, size int) {
	if len(code) >= 4 &&
		code[0] == 0xf3 &&
		code[1] == 0x0f &&
		code[2] == 0x1e &&
		code[3] == 0xfa {
		return true, 4
	}
	return false, 0
}

// DecodeSkippable reports instructions x86asm does not decode but which can
// be skipped over without changing register state.
func DecodeSkippable(code []byte) (ok bool, size int) {
	return IsEndbr64(code)
}

type regEntry struct {
	// dwarf is the DWARF number of the containing 64-bit register
	dwarf uint8
	bits  int
	valid bool
}

var regs [128]regEntry

func init() {
	gprs := [...]struct {
		r8, r16, r32, r64 x86asm.Reg
		dwarf             uint8
	}{
		{x86asm.AL, x86asm.AX, x86asm.EAX, x86asm.RAX, sdtypes.RegRAX},
		{x86asm.DL, x86asm.DX, x86asm.EDX, x86asm.RDX, sdtypes.RegRDX},
		{x86asm.CL, x86asm.CX, x86asm.ECX, x86asm.RCX, sdtypes.RegRCX},
		{x86asm.BL, x86asm.BX, x86asm.EBX, x86asm.RBX, sdtypes.RegRBX},
		{x86asm.SIB, x86asm.SI, x86asm.ESI, x86asm.RSI, sdtypes.RegRSI},
		{x86asm.DIB, x86asm.DI, x86asm.EDI, x86asm.RDI, sdtypes.RegRDI},
		{x86asm.BPB, x86asm.BP, x86asm.EBP, x86asm.RBP, sdtypes.RegRBP},
		{x86asm.SPB, x86asm.SP, x86asm.ESP, x86asm.RSP, sdtypes.RegRSP},
		{x86asm.R8B, x86asm.R8W, x86asm.R8L, x86asm.R8, sdtypes.RegR8},
		{x86asm.R9B, x86asm.R9W, x86asm.R9L, x86asm.R9, sdtypes.RegR9},
		{x86asm.R10B, x86asm.R10W, x86asm.R10L, x86asm.R10, sdtypes.RegR10},
		{x86asm.R11B, x86asm.R11W, x86asm.R11L, x86asm.R11, sdtypes.RegR11},
		{x86asm.R12B, x86asm.R12W, x86asm.R12L, x86asm.R12, sdtypes.RegR12},
		{x86asm.R13B, x86asm.R13W, x86asm.R13L, x86asm.R13, sdtypes.RegR13},
		{x86asm.R14B, x86asm.R14W, x86asm.R14L, x86asm.R14, sdtypes.RegR14},
		{x86asm.R15B, x86asm.R15W, x86asm.R15L, x86asm.R15, sdtypes.RegR15},
	}
	for _, r := range gprs {
		regs[r.r8] = regEntry{dwarf: r.dwarf, bits: 8, valid: true}
		regs[r.r16] = regEntry{dwarf: r.dwarf, bits: 16, valid: true}
		regs[r.r32] = regEntry{dwarf: r.dwarf, bits: 32, valid: true}
		regs[r.r64] = regEntry{dwarf: r.dwarf, bits: 64, valid: true}
	}
	// The legacy high byte registers alias the low 16 bits.
	regs[x86asm.AH] = regEntry{dwarf: sdtypes.RegRAX, bits: 8, valid: true}
	regs[x86asm.CH] = regEntry{dwarf: sdtypes.RegRCX, bits: 8, valid: true}
	regs[x86asm.DH] = regEntry{dwarf: sdtypes.RegRDX, bits: 8, valid: true}
	regs[x86asm.BH] = regEntry{dwarf: sdtypes.RegRBX, bits: 8, valid: true}
}

func regEntryFor(reg x86asm.Reg) regEntry {
	if reg > 0 && int(reg) < len(regs) {
		return regs[reg]
	}
	return regEntry{}
}

// DwarfRegister returns the DWARF number of the 64-bit general purpose
// register containing reg.
func DwarfRegister(reg x86asm.Reg) (uint8, bool) {
	e := regEntryFor(reg)
	return e.dwarf, e.valid
}
