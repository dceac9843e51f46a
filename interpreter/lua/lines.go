// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package lua // import "github.com/lua-ebpf/luaprof/interpreter/lua"

import (
	"encoding/binary"

	"github.com/lua-ebpf/luaprof/libpf"
	"github.com/lua-ebpf/luaprof/remotememory"
)

const (
	// maxIWthAbs is the maximum number of instructions between two
	// absolute line info entries (MAXIWTHABS).
	maxIWthAbs = 128
	// sizeofAbsLineInfo is sizeof(AbsLineInfo{int pc; int line})
	sizeofAbsLineInfo = 8
	// maxAbsLineSteps bounds the forward search in the absolute line table.
	maxAbsLineSteps = 64
	// maxLineDeltas bounds the number of relative line deltas summed up.
	maxLineDeltas = 4 * maxIWthAbs
)

// LineLookup maps an instruction index of a function to its source line.
// Implementations return a negative line when no debug information is
// available or it can not be read.
type LineLookup interface {
	Line(rm remotememory.RemoteMemory, p *Proto, pc int32) int32
}

// directLines looks up lines in a per instruction int table (Lua 5.3).
type directLines struct{}

func (directLines) Line(rm remotememory.RemoteMemory, p *Proto, pc int32) int32 {
	if p.LineInfo == 0 || pc >= p.SizeLineInfo {
		return -1
	}
	var buf [4]byte
	if rm.Read(p.LineInfo+libpf.Address(4*pc), buf[:]) != nil {
		return -1
	}
	return int32(binary.LittleEndian.Uint32(buf[:]))
}

// absLines sums up the signed byte line deltas starting from the closest
// absolute line info entry (Lua 5.4).
type absLines struct{}

func (absLines) readAbs(rm remotememory.RemoteMemory, p *Proto, i int32) (pc, line int32, ok bool) {
	var buf [sizeofAbsLineInfo]byte
	if rm.Read(p.AbsLineInfo+libpf.Address(i*sizeofAbsLineInfo), buf[:]) != nil {
		return 0, 0, false
	}
	return int32(binary.LittleEndian.Uint32(buf[0:])),
		int32(binary.LittleEndian.Uint32(buf[4:])), true
}

// baseline returns the line and instruction index of the last absolute line
// info entry at or before pc. A basePC of -1 means the start of the function.
func (l absLines) baseline(rm remotememory.RemoteMemory, p *Proto, pc int32) (
	line, basePC int32, ok bool) {
	if p.SizeAbsLineInfo == 0 {
		return p.LineDefined, -1, true
	}
	firstPC, _, ok := l.readAbs(rm, p, 0)
	if !ok {
		return 0, 0, false
	}
	if pc < firstPC {
		return p.LineDefined, -1, true
	}

	// Start from an estimate which is never past the wanted entry.
	i := min(pc/maxIWthAbs-1, p.SizeAbsLineInfo-1)
	if i < 0 {
		i = 0
	}
	for n := 0; n < maxAbsLineSteps && i+1 < p.SizeAbsLineInfo; n++ {
		nextPC, _, ok := l.readAbs(rm, p, i+1)
		if !ok {
			return 0, 0, false
		}
		if pc < nextPC {
			break
		}
		i++
	}
	basePC, line, ok = l.readAbs(rm, p, i)
	return line, basePC, ok
}

func (l absLines) Line(rm remotememory.RemoteMemory, p *Proto, pc int32) int32 {
	if p.LineInfo == 0 {
		return -1
	}
	line, basePC, ok := l.baseline(rm, p, pc)
	if !ok {
		return -1
	}
	n := pc - basePC
	if n <= 0 {
		return line
	}
	if n > maxLineDeltas {
		return -1
	}
	deltas := make([]byte, n)
	if rm.Read(p.LineInfo+libpf.Address(basePC+1), deltas) != nil {
		return -1
	}
	for _, d := range deltas {
		line += int32(int8(d))
	}
	return line
}
