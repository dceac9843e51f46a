// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "github.com/lua-ebpf/luaprof/nativeunwind/elfunwindinfo"

import (
	"errors"
	"fmt"

	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
)

const (
	// Maximum number of nested DW_CFA_remember_state/DW_CFA_restore_state
	// pairs supported.
	maxRememberStack = 8
)

// cfaOpcode is the type for the Call Frame Information opcodes.
type cfaOpcode uint8

// DWARF Call Frame Instruction opcodes as defined in DWARF5 6.4.2
const (
	// Primary opcodes carry an operand in the low 6 bits
	cfaAdvanceLoc cfaOpcode = 0x40
	cfaOffset     cfaOpcode = 0x80
	cfaRestore    cfaOpcode = 0xc0
	cfaHighOpMask cfaOpcode = 0xc0
	cfaLowOpMask  cfaOpcode = 0x3f

	// Extended opcodes
	cfaNop              cfaOpcode = 0x00
	cfaSetLoc           cfaOpcode = 0x01
	cfaAdvanceLoc1      cfaOpcode = 0x02
	cfaAdvanceLoc2      cfaOpcode = 0x03
	cfaAdvanceLoc4      cfaOpcode = 0x04
	cfaOffsetExtended   cfaOpcode = 0x05
	cfaRestoreExtended  cfaOpcode = 0x06
	cfaUndefined        cfaOpcode = 0x07
	cfaSameValue        cfaOpcode = 0x08
	cfaRegister         cfaOpcode = 0x09
	cfaRememberState    cfaOpcode = 0x0a
	cfaRestoreState     cfaOpcode = 0x0b
	cfaDefCfa           cfaOpcode = 0x0c
	cfaDefCfaRegister   cfaOpcode = 0x0d
	cfaDefCfaOffset     cfaOpcode = 0x0e
	cfaDefCfaExpression cfaOpcode = 0x0f
	cfaExpression       cfaOpcode = 0x10
	cfaOffsetExtendedSf cfaOpcode = 0x11
	cfaDefCfaSf         cfaOpcode = 0x12
	cfaDefCfaOffsetSf   cfaOpcode = 0x13
	cfaValOffset        cfaOpcode = 0x14
	cfaValOffsetSf      cfaOpcode = 0x15
	cfaValExpression    cfaOpcode = 0x16

	// GNU extensions
	cfaGNUWindowSave             cfaOpcode = 0x2d
	cfaGNUArgsSize               cfaOpcode = 0x2e
	cfaGNUNegativeOffsetExtended cfaOpcode = 0x2f
)

var (
	errUnexpectedType = errors.New("unexpected FDE/CIE type")
	errEmptyEntry     = errors.New("unexpected empty FDE/CIE entry")
	// errCFAExpression is returned when the CFA rule becomes an expression.
	// Everything decoded before that point stays in the table.
	errCFAExpression = errors.New("CFA expression is not supported")
)

// CIE holds the shared prologue of one Common Information Entry. Every
// UnwindRegion owned by the CIE starts from Initial.
type CIE struct {
	CodeAlign uint64
	DataAlign int64
	// ReturnRegister is the DWARF column holding the return address
	ReturnRegister uint8
	// Initial is the state established by the CIE initial instructions
	Initial sdtypes.FrameRecoveryState
	// SignalHandler is set for the 'S' augmentation of signal trampolines
	SignalHandler bool

	enc             encoding
	ldaEnc          encoding
	hasAugmentation bool
	isDebugFrame    bool
}

// UnwindRegion is one Frame Description Entry: a contiguous code range and
// the instruction stream describing how its frames are recovered.
type UnwindRegion struct {
	// Base is the first covered code address
	Base uint64
	// Length is the number of covered code bytes
	Length uint64
	// CIE is the owning shared prologue
	CIE *CIE
	// Program is the raw call frame instruction stream of this region
	Program []byte
	// ProgramAddr is the virtual address where Program is located, needed
	// for PC relative DW_CFA_set_loc operands
	ProgramAddr uint64
	// DebugFrame is set when the region comes from .debug_frame
	DebugFrame bool
}

// End returns the first address after the region.
func (r *UnwindRegion) End() uint64 {
	return r.Base + r.Length
}

// state is the virtual machine state of the CFA program
type state struct {
	cie      *CIE
	loc      uint64
	cur      sdtypes.FrameRecoveryState
	stackNdx int
	stack    [maxRememberStack]sdtypes.FrameRecoveryState
}

func (st *state) setRule(reg uint64, kind sdtypes.RuleKind, value int64) {
	if reg >= sdtypes.NumRegisters {
		// Vector and other registers do not take part in unwinding
		return
	}
	st.cur.Regs[reg] = sdtypes.RegisterRule{Kind: kind, Value: value}
}

func (st *state) restoreRule(reg uint64) {
	if reg >= sdtypes.NumRegisters {
		return
	}
	st.cur.Regs[reg] = st.cie.Initial.Regs[reg]
}

func (st *state) setCFARegister(reg uint64) error {
	if reg >= sdtypes.NumRegisters {
		return fmt.Errorf("CFA register %d out of range", reg)
	}
	st.cur.CFA.Kind = sdtypes.CFARegisterOffset
	st.cur.CFA.Register = uint8(reg)
	return nil
}

// advance moves the location counter forward.
func (st *state) advance(delta uint64) {
	st.loc += delta * st.cie.CodeAlign
}

// step executes the CFA opcode at the reader position. It returns true when
// the opcode moved the location counter, in which case the caller must emit
// the state valid before the move first.
func (st *state) step(r *reader) (advanced bool, err error) {
	var opcode, operand cfaOpcode

	opcode = cfaOpcode(r.u8())
	if opcode&cfaHighOpMask != 0 {
		operand = opcode & cfaLowOpMask
		opcode &= cfaHighOpMask
	}

	switch opcode {
	case cfaNop, cfaGNUWindowSave:
	case cfaAdvanceLoc:
		st.advance(uint64(operand))
		return true, nil
	case cfaOffset:
		st.setRule(uint64(operand), sdtypes.RuleAtCFA,
			int64(r.uleb())*st.cie.DataAlign)
	case cfaRestore:
		st.restoreRule(uint64(operand))
	case cfaSetLoc:
		loc, err := r.ptr(st.cie.enc)
		if err != nil {
			return false, err
		}
		st.loc = loc
		return true, nil
	case cfaAdvanceLoc1:
		st.advance(uint64(r.u8()))
		return true, nil
	case cfaAdvanceLoc2:
		st.advance(uint64(r.u16()))
		return true, nil
	case cfaAdvanceLoc4:
		st.advance(uint64(r.u32()))
		return true, nil
	case cfaOffsetExtended:
		reg := uint64(r.uleb())
		st.setRule(reg, sdtypes.RuleAtCFA, int64(r.uleb())*st.cie.DataAlign)
	case cfaOffsetExtendedSf:
		reg := uint64(r.uleb())
		st.setRule(reg, sdtypes.RuleAtCFA, int64(r.sleb())*st.cie.DataAlign)
	case cfaGNUNegativeOffsetExtended:
		reg := uint64(r.uleb())
		st.setRule(reg, sdtypes.RuleAtCFA, -int64(r.uleb())*st.cie.DataAlign)
	case cfaRestoreExtended:
		st.restoreRule(uint64(r.uleb()))
	case cfaUndefined:
		st.setRule(uint64(r.uleb()), sdtypes.RuleUnused, 0)
	case cfaSameValue:
		st.setRule(uint64(r.uleb()), sdtypes.RuleSame, 0)
	case cfaRegister:
		reg := uint64(r.uleb())
		st.setRule(reg, sdtypes.RuleRegister, int64(r.uleb()))
	case cfaRememberState:
		if st.stackNdx >= len(st.stack) {
			return false, errors.New("DW_CFA_remember_state nesting too deep")
		}
		st.stack[st.stackNdx] = st.cur
		st.stackNdx++
	case cfaRestoreState:
		if st.stackNdx == 0 {
			return false, errors.New("DW_CFA_restore_state without remembered state")
		}
		st.stackNdx--
		st.cur = st.stack[st.stackNdx]
	case cfaDefCfa:
		if err := st.setCFARegister(uint64(r.uleb())); err != nil {
			return false, err
		}
		st.cur.CFA.Offset = int64(r.uleb())
	case cfaDefCfaSf:
		if err := st.setCFARegister(uint64(r.uleb())); err != nil {
			return false, err
		}
		st.cur.CFA.Offset = int64(r.sleb()) * st.cie.DataAlign
	case cfaDefCfaRegister:
		if err := st.setCFARegister(uint64(r.uleb())); err != nil {
			return false, err
		}
	case cfaDefCfaOffset:
		st.cur.CFA.Offset = int64(r.uleb())
	case cfaDefCfaOffsetSf:
		st.cur.CFA.Offset = int64(r.sleb()) * st.cie.DataAlign
	case cfaDefCfaExpression:
		r.skip(int64(r.uleb()))
		st.cur.CFA = sdtypes.CFARule{Kind: sdtypes.CFAExpression}
		return false, errCFAExpression
	case cfaExpression:
		reg := uint64(r.uleb())
		r.skip(int64(r.uleb()))
		st.setRule(reg, sdtypes.RuleAtExpression, 0)
	case cfaValExpression:
		reg := uint64(r.uleb())
		r.skip(int64(r.uleb()))
		st.setRule(reg, sdtypes.RuleIsExpression, 0)
	case cfaValOffset:
		reg := uint64(r.uleb())
		st.setRule(reg, sdtypes.RuleValCFA, int64(r.uleb())*st.cie.DataAlign)
	case cfaValOffsetSf:
		reg := uint64(r.uleb())
		st.setRule(reg, sdtypes.RuleValCFA, int64(r.sleb())*st.cie.DataAlign)
	case cfaGNUArgsSize:
		r.uleb()
	default:
		return false, fmt.Errorf("DWARF opcode %#02x not implemented", opcode)
	}
	if !r.isValid() {
		return false, errors.New("truncated call frame instruction")
	}
	return false, nil
}

// initialState is the state before any CIE instruction ran: no CFA and all
// registers keeping their callee value, with the return address lost.
func initialState() sdtypes.FrameRecoveryState {
	return sdtypes.StateInvalid
}

// runProgram executes the CIE initial instructions to produce the shared
// prologue state.
func (cie *CIE) runProgram(r *reader) error {
	st := state{
		cie: cie,
		cur: initialState(),
	}
	cie.Initial = st.cur
	for r.hasData() {
		if _, err := st.step(r); err != nil {
			return err
		}
	}
	cie.Initial = st.cur
	return nil
}

// CompileRegion appends the unwind table entries of one region to entries.
//
// An entry is emitted for every location the region program moves away
// from, carrying the state in force from that location on. A terminating
// invalid marker at the end of the region makes lookups in the gap after it
// report no entry. On a decoding failure the prefix decoded so far is kept,
// a marker is placed at the failure location and the error is returned.
func CompileRegion(region *UnwindRegion, entries *sdtypes.UnwindEntryArray) error {
	if region.CIE == nil {
		return errors.New("region without CIE")
	}
	st := state{
		cie: region.CIE,
		loc: region.Base,
		cur: region.CIE.Initial,
	}
	r := newReader(region.Program, region.ProgramAddr, region.DebugFrame)
	end := region.End()

	var last sdtypes.FrameRecoveryState
	emitted := false
	emit := func(ip uint64, s sdtypes.FrameRecoveryState) {
		if emitted && last == s {
			return
		}
		entries.Add(sdtypes.UnwindEntry{IP: ip, State: s})
		last = s
		emitted = true
	}

	var err error
	for r.hasData() {
		before := st.cur
		beforeLoc := st.loc
		var advanced bool
		advanced, err = st.step(&r)
		if err != nil {
			st.loc = beforeLoc
			break
		}
		if !advanced {
			continue
		}
		if st.loc < beforeLoc {
			err = fmt.Errorf("location moved backwards to %#x", st.loc)
			st.loc = beforeLoc
			break
		}
		if beforeLoc < st.loc && beforeLoc < end && before.Valid() {
			emit(beforeLoc, before)
		}
	}

	if err == nil && st.loc < end && st.cur.Valid() {
		emit(st.loc, st.cur)
	}
	if err != nil && st.loc < end {
		entries.Add(sdtypes.UnwindEntry{IP: st.loc, State: sdtypes.StateInvalid})
	}
	entries.Add(sdtypes.UnwindEntry{IP: end, State: sdtypes.StateInvalid})
	if err != nil {
		return fmt.Errorf("region %#x-%#x: %w", region.Base, end, err)
	}
	return nil
}
