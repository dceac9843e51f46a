// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package luatest lays out synthetic Lua interpreter objects in a test
// address space, following the layout of a lua.ABI.
package luatest // import "github.com/lua-ebpf/luaprof/interpreter/lua/luatest"

import (
	"github.com/lua-ebpf/luaprof/interpreter/lua"
	"github.com/lua-ebpf/luaprof/remotememory/memtest"
)

const (
	shortStringType = 4
	longStringType  = 4 | 1<<4
	maxShortLen     = 40
	absLineInfo     = -0x80
	limLineDiff     = 0x80
	maxIWthAbs      = 128
	stackValueSize  = 16
)

// Heap allocates objects from a bump pointer.
type Heap struct {
	Mem  *memtest.Memory
	ABI  *lua.ABI
	next uint64
}

// New returns a Heap allocating from base.
func New(mem *memtest.Memory, abi *lua.ABI, base uint64) *Heap {
	return &Heap{Mem: mem, ABI: abi, next: base}
}

// Alloc reserves size zeroed bytes.
func (h *Heap) Alloc(size uint64) uint64 {
	addr := h.next
	h.next = (h.next + size + 15) &^ 15
	h.Mem.Write(addr, make([]byte, size))
	return addr
}

// String allocates a TString.
func (h *Heap) String(s string) uint64 {
	l := &h.ABI.Layout
	addr := h.Alloc(l.StrContents + uint64(len(s)) + 1)
	if len(s) <= maxShortLen {
		h.Mem.Write(addr+l.StrType, []byte{shortStringType})
		h.Mem.Write(addr+l.StrShortLen, []byte{byte(len(s))})
	} else {
		h.Mem.Write(addr+l.StrType, []byte{longStringType})
		h.Mem.PutUint64(addr+l.StrLongLen, uint64(len(s)))
	}
	h.Mem.PutString(addr+l.StrContents, s)
	return addr
}

// Function describes a Lua function prototype.
type Function struct {
	Source          string
	LineDefined     int32
	LastLineDefined int32
	// Lines holds the source line of each instruction
	Lines []int32
}

// Closure is an allocated Lua closure.
type Closure struct {
	Addr  uint64
	Proto uint64
	Code  uint64
}

// Closure allocates the prototype of f and a closure referring to it.
func (h *Heap) Closure(f *Function) Closure {
	l := &h.ABI.Layout
	proto := h.Alloc(uint64(l.ProtoSize))
	code := h.Alloc(4 * uint64(len(f.Lines)+1))

	putInt := func(addr uint64, v int32) {
		h.Mem.PutUint32(addr, uint32(v))
	}
	putInt(proto+l.ProtoLineDefined, f.LineDefined)
	putInt(proto+l.ProtoLastLineDefined, f.LastLineDefined)
	h.Mem.PutUint64(proto+l.ProtoCode, code)
	h.Mem.PutUint64(proto+l.ProtoSource, h.String(f.Source))

	if l.HasAbsLineInfo {
		deltas, abs := encodeLines(f)
		lineinfo := h.Alloc(uint64(len(deltas)))
		h.Mem.Write(lineinfo, deltas)
		h.Mem.PutUint64(proto+l.ProtoLineInfo, lineinfo)
		putInt(proto+l.ProtoSizeLineInfo, int32(len(deltas)))
		if len(abs) > 0 {
			absAddr := h.Alloc(uint64(4 * len(abs)))
			for i, v := range abs {
				putInt(absAddr+uint64(4*i), v)
			}
			h.Mem.PutUint64(proto+l.ProtoAbsLineInfo, absAddr)
			putInt(proto+l.ProtoSizeAbsLineInfo, int32(len(abs)/2))
		}
	} else {
		lineinfo := h.Alloc(4 * uint64(len(f.Lines)))
		for i, line := range f.Lines {
			putInt(lineinfo+uint64(4*i), line)
		}
		h.Mem.PutUint64(proto+l.ProtoLineInfo, lineinfo)
		putInt(proto+l.ProtoSizeLineInfo, int32(len(f.Lines)))
	}

	closure := h.Alloc(l.ClosureProto + 8)
	h.Mem.PutUint64(closure+l.ClosureProto, proto)
	return Closure{Addr: closure, Proto: proto, Code: code}
}

// encodeLines produces the relative line deltas and the flattened
// {pc, line} absolute entries the way the Lua 5.4 compiler does.
func encodeLines(f *Function) (deltas []byte, abs []int32) {
	prev := f.LineDefined
	iwthabs := 0
	for pc, line := range f.Lines {
		diff := line - prev
		if diff >= limLineDiff || diff <= -limLineDiff || iwthabs >= maxIWthAbs {
			abs = append(abs, int32(pc), line)
			diff = absLineInfo
			iwthabs = 1
		} else {
			iwthabs++
		}
		deltas = append(deltas, byte(int8(diff)))
		prev = line
	}
	return deltas, abs
}

// Frame describes one call frame of a thread.
type Frame struct {
	// Closure is nil for a C function frame
	Closure *Closure
	// PC is the index of the executing instruction
	PC    int32
	Fresh bool
}

// Thread allocates a lua_State whose call chain holds frames, innermost
// first, and returns its address.
func (h *Heap) Thread(frames ...Frame) uint64 {
	l := &h.ABI.Layout
	state := h.Alloc(l.StateStack + 8)
	stack := h.Alloc(stackValueSize * uint64(len(frames)+1))
	h.Mem.PutUint64(state+l.StateStack, stack)

	var previous uint64
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		ci := h.Alloc(uint64(l.CallInfoSize))
		slot := stack + stackValueSize*uint64(len(frames)-i)
		h.Mem.PutUint64(ci+l.CIFunc, slot)
		h.Mem.PutUint64(ci+l.CIPrevious, previous)

		var status uint16
		isLua := f.Closure != nil
		if isLua == l.StatusLuaSet {
			status |= l.StatusLua
		}
		if f.Fresh {
			status |= l.StatusFresh
		}
		if isLua {
			h.Mem.PutUint64(slot, f.Closure.Addr)
			h.Mem.PutUint64(ci+l.CISavedPC, f.Closure.Code+4*uint64(f.PC+1))
		}
		h.Mem.PutUint16(ci+l.CICallStatus, status)
		previous = ci
	}
	h.Mem.PutUint64(state+l.StateCI, previous)
	return state
}
