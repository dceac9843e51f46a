// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackdeltatypes provides the types describing how to recover the
// caller's registers at a given instruction: the per-register rules, the CFA
// rule and the per-address entries produced from the DWARF call frame
// information.
package stackdeltatypes // import "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"

import (
	"fmt"
	"sort"
	"strings"
)

// x86-64 DWARF register numbers.
// https://refspecs.linuxbase.org/elf/x86_64-abi-0.99.pdf §3.38
const (
	RegRAX uint8 = iota
	RegRDX
	RegRCX
	RegRBX
	RegRSI
	RegRDI
	RegRBP
	RegRSP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	// RegRIP is the return address column.
	RegRIP

	// NumRegisters is the number of tracked DWARF registers.
	NumRegisters = 17
)

var regNames = [NumRegisters]string{
	"rax", "rdx", "rcx", "rbx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip",
}

// RegName returns the name of a DWARF register number.
func RegName(reg uint8) string {
	if int(reg) < len(regNames) {
		return regNames[reg]
	}
	return fmt.Sprintf("r%d", reg)
}

// RegByName returns the DWARF register number for a 64-bit register name.
func RegByName(name string) (uint8, bool) {
	for i, n := range regNames {
		if n == name {
			return uint8(i), true
		}
	}
	return 0, false
}

// RuleKind selects how a register of the caller is recovered.
type RuleKind uint8

const (
	// RuleUnused keeps the architectural default: the return address becomes
	// zero and other registers keep their current value.
	RuleUnused RuleKind = iota
	// RuleAtCFA reads the value from memory at CFA+Value.
	RuleAtCFA
	// RuleValCFA is the address CFA+Value itself.
	RuleValCFA
	// RuleRegister copies register number Value.
	RuleRegister
	// RuleSame keeps the value the register has in the callee.
	RuleSame
	// RuleAtExpression reads memory at the address computed by an expression.
	RuleAtExpression
	// RuleIsExpression is the value computed by an expression.
	RuleIsExpression
	// RuleConstant is the constant Value.
	RuleConstant
)

// RegisterRule is the recovery rule of one register.
type RegisterRule struct {
	Kind  RuleKind
	Value int64
}

func (r RegisterRule) String() string {
	switch r.Kind {
	case RuleUnused:
		return "u"
	case RuleAtCFA:
		return fmt.Sprintf("c%+d", r.Value)
	case RuleValCFA:
		return fmt.Sprintf("&c%+d", r.Value)
	case RuleRegister:
		return RegName(uint8(r.Value))
	case RuleSame:
		return "s"
	case RuleAtExpression:
		return "*expr"
	case RuleIsExpression:
		return "expr"
	case RuleConstant:
		return fmt.Sprintf("=%d", r.Value)
	default:
		return "?"
	}
}

// CFAKind selects how the canonical frame address is computed.
type CFAKind uint8

const (
	// CFARegisterOffset is Register + Offset.
	CFARegisterOffset CFAKind = iota
	// CFAExpression is computed by a DWARF expression. The runtime cannot
	// evaluate it and stops the walk.
	CFAExpression
	// CFAInvalid marks an address without unwind information.
	CFAInvalid
)

// CFARule describes the canonical frame address.
type CFARule struct {
	Kind     CFAKind
	Register uint8
	Offset   int64
}

func (c CFARule) String() string {
	switch c.Kind {
	case CFARegisterOffset:
		return fmt.Sprintf("%s%+d", RegName(c.Register), c.Offset)
	case CFAExpression:
		return "expr"
	default:
		return "invalid"
	}
}

// FrameRecoveryState holds the rules to recover the caller frame.
type FrameRecoveryState struct {
	CFA  CFARule
	Regs [NumRegisters]RegisterRule
}

func (s *FrameRecoveryState) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cfa=%v", s.CFA)
	for i, r := range s.Regs {
		if r.Kind == RuleUnused {
			continue
		}
		fmt.Fprintf(&sb, " %s=%v", RegName(uint8(i)), r)
	}
	return sb.String()
}

// Valid reports whether the state can be used to unwind.
func (s *FrameRecoveryState) Valid() bool {
	return s.CFA.Kind != CFAInvalid
}

// StateInvalid marks addresses not covered by unwind information.
var StateInvalid = FrameRecoveryState{CFA: CFARule{Kind: CFAInvalid}}

// UnwindEntry is the recovery state valid from IP for Length bytes.
// Lookup is by nearest preceding IP, Length is informational.
type UnwindEntry struct {
	IP     uint64
	Length uint64
	State  FrameRecoveryState
}

// UnwindEntryArray collects entries while decoding.
type UnwindEntryArray []UnwindEntry

// AddEx appends an entry. If sorted is set and the previous entry has the same
// IP, it is replaced: the later write wins.
func (entries *UnwindEntryArray) AddEx(entry UnwindEntry, sorted bool) {
	num := len(*entries)
	if num > 0 && sorted {
		prev := &(*entries)[num-1]
		if prev.IP == entry.IP {
			*prev = entry
			return
		}
	}
	*entries = append(*entries, entry)
}

// Add appends an entry from a sorted source.
func (entries *UnwindEntryArray) Add(entry UnwindEntry) {
	entries.AddEx(entry, true)
}

// Sort orders the entries by IP and keeps one entry per IP. Among entries
// with the same IP the last added valid one wins. An invalid end marker is
// kept only if no valid entry shares its IP, so a function end never hides
// the start of the function following it.
func (entries UnwindEntryArray) Sort() UnwindEntryArray {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].IP < entries[j].IP
	})
	out := entries[:0]
	for _, e := range entries {
		if n := len(out); n > 0 && out[n-1].IP == e.IP {
			if e.State.Valid() || !out[n-1].State.Valid() {
				out[n-1] = e
			}
			continue
		}
		out = append(out, e)
	}
	return out
}
