// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackdeltatypes // import "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"

import "fmt"

// ParamKind tells where a function argument lives.
type ParamKind uint8

const (
	ParamNone ParamKind = iota
	ParamInStack
	ParamInRegister
)

// ParameterLocation describes where a function argument resides at a given
// instruction: in a register, or in a stack slot relative to a base
// register.
type ParameterLocation struct {
	Kind ParamKind
	// Reg is the DWARF number of the register, or of the base register for
	// a stack slot
	Reg    uint8
	Offset int32
}

// InRegister returns the location of a value held in reg.
func InRegister(reg uint8) ParameterLocation {
	return ParameterLocation{Kind: ParamInRegister, Reg: reg}
}

// InStack returns the location of a value spilled to [base+offset].
func InStack(base uint8, offset int32) ParameterLocation {
	return ParameterLocation{Kind: ParamInStack, Reg: base, Offset: offset}
}

func (p ParameterLocation) String() string {
	switch p.Kind {
	case ParamInRegister:
		return RegName(p.Reg)
	case ParamInStack:
		sign := '+'
		off := int64(p.Offset)
		if off < 0 {
			sign = '-'
			off = -off
		}
		return fmt.Sprintf("[%s %c %#x]", RegName(p.Reg), sign, off)
	default:
		return "none"
	}
}
