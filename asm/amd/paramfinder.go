// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package amd // import "github.com/lua-ebpf/luaprof/asm/amd"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
)

// maxCandidates bounds the number of tracked copies of the argument.
const maxCandidates = 10

// ErrNotFound is returned when the argument is never copied out of its
// entry register.
var ErrNotFound = errors.New("parameter location not found")

// location is a register or a [base+disp] memory operand.
type location struct {
	mem  bool
	reg  uint8
	disp int64
}

func (l location) param() sdtypes.ParameterLocation {
	if l.mem {
		return sdtypes.InStack(l.reg, int32(l.disp))
	}
	return sdtypes.InRegister(l.reg)
}

func (l location) String() string {
	return l.param().String()
}

// sourceLocation converts a mov source operand. Only full width registers
// and plain base+displacement memory operands carry the argument.
func sourceLocation(arg x86asm.Arg) (location, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		e := regEntryFor(a)
		if !e.valid || e.bits != 64 {
			return location{}, false
		}
		return location{reg: e.dwarf}, true
	case x86asm.Mem:
		return memLocation(a)
	}
	return location{}, false
}

// destLocation converts a destination operand. Any write to a part of a
// register clobbers the whole location.
func destLocation(arg x86asm.Arg) (location, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		e := regEntryFor(a)
		if !e.valid {
			return location{}, false
		}
		return location{reg: e.dwarf}, true
	case x86asm.Mem:
		return memLocation(a)
	}
	return location{}, false
}

func memLocation(m x86asm.Mem) (location, bool) {
	if m.Segment != 0 || m.Index != 0 {
		return location{}, false
	}
	e := regEntryFor(m.Base)
	if !e.valid || e.bits != 64 {
		return location{}, false
	}
	return location{mem: true, reg: e.dwarf, disp: m.Disp}, true
}

// candidate is one location holding a copy of the argument. It is live from
// start until end, or open ended while end is negative.
type candidate struct {
	loc   location
	start int
	end   int
}

type paramFinder struct {
	cands []candidate
}

func (pf *paramFinder) has(loc location) bool {
	for i := range pf.cands {
		if pf.cands[i].loc == loc {
			return true
		}
	}
	return false
}

// step processes instruction number idx.
func (pf *paramFinder) step(idx int, inst *x86asm.Inst) {
	if inst.Op != x86asm.MOV && inst.Op != x86asm.LEA {
		return
	}
	dst, dstOK := destLocation(inst.Args[0])
	src, srcOK := location{}, false
	if inst.Op == x86asm.MOV {
		src, srcOK = sourceLocation(inst.Args[1])
	}

	num := len(pf.cands)
	for i := 0; i < num; i++ {
		c := &pf.cands[i]
		if c.end >= 0 {
			continue
		}
		if srcOK && src == c.loc && len(pf.cands) < maxCandidates {
			if !dstOK || pf.has(dst) {
				continue
			}
			pf.cands = append(pf.cands, candidate{loc: dst, start: idx, end: -1})
			continue
		}
		if dstOK && dst == c.loc {
			c.end = idx
		}
	}
}

// best selects the first open ended candidate, or else the one with the
// longest live range. The seed itself is never selected.
func (pf *paramFinder) best() (location, bool) {
	sel := -1
	maxRange := -1
	for i := 1; i < len(pf.cands); i++ {
		c := &pf.cands[i]
		if c.end < 0 {
			return c.loc, true
		}
		if r := c.end - c.start; r > maxRange {
			maxRange = r
			sel = i
		}
	}
	if sel < 0 {
		return location{}, false
	}
	return pf.cands[sel].loc, true
}

func decodeAll(code []byte) []x86asm.Inst {
	insts := make([]x86asm.Inst, 0, len(code)/4)
	for len(code) > 0 {
		if ok, sz := DecodeSkippable(code); ok {
			insts = append(insts, x86asm.Inst{Op: x86asm.NOP, Len: sz})
			code = code[sz:]
			continue
		}
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			break
		}
		insts = append(insts, inst)
		code = code[inst.Len:]
	}
	return insts
}

// FindParamLocation determines where the argument passed in the seed
// register is kept inside the function whose code starts at address start.
// code holds the function bytes and only the first size bytes are decoded.
// The scan covers the first half of the decoded instructions, following
// mov copies of the argument to other registers and stack slots.
func FindParamLocation(code []byte, start, size uint64, seed uint8) (
	sdtypes.ParameterLocation, error) {
	if size < uint64(len(code)) {
		code = code[:size]
	}
	insts := decodeAll(code)

	pf := paramFinder{cands: make([]candidate, 0, maxCandidates)}
	pf.cands = append(pf.cands, candidate{loc: location{reg: seed}, start: 0, end: -1})
	for i := 0; i < len(insts)/2; i++ {
		pf.step(i, &insts[i])
	}

	loc, ok := pf.best()
	if !ok {
		return sdtypes.ParameterLocation{}, fmt.Errorf("function at %#x: %w", start, ErrNotFound)
	}
	log.Debugf("Function at %#x keeps %s in %v (%d candidates, %d instructions)",
		start, sdtypes.RegName(seed), loc, len(pf.cands), len(insts))
	return loc.param(), nil
}
