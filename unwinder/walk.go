// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "github.com/lua-ebpf/luaprof/unwinder"

import (
	"github.com/lua-ebpf/luaprof/interpreter/lua"
	"github.com/lua-ebpf/luaprof/libpf"
	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
	"github.com/lua-ebpf/luaprof/remotememory"
)

// WalkNative walks the native stack from the sampled registers. Every
// instruction pointer is recorded, including the final zero. Frames inside
// the interpreter entry point record the lua_State they run, unless it is
// the one recorded last.
func (s *Session) WalkNative(rm remotememory.RemoteMemory, regs *Registers,
	st *Stack) HaltReason {
	f := Frame{
		IP:       regs[sdtypes.RegRIP],
		SP:       regs[sdtypes.RegRSP],
		FP:       regs[sdtypes.RegRBP],
		ParamReg: sdtypes.NumRegisters,
	}
	if s.entry.Param.Kind != sdtypes.ParamNone && s.entry.Param.Reg < sdtypes.NumRegisters {
		f.ParamReg = s.entry.Param.Reg
		f.Param = regs[f.ParamReg]
	}

	var last libpf.Address
	for st.nativeLen < s.maxDepth {
		idx := st.nativeLen
		st.pushNative(libpf.Address(f.IP))
		if f.IP == 0 {
			return HaltZeroIP
		}
		if s.entry.Contains(f.IP) {
			if thread, ok := s.entry.stateOf(rm, &f); ok && thread != 0 && thread != last {
				if st.pushThread(ThreadHandle{State: thread, NativeIndex: idx}) {
					last = thread
				}
			}
		}

		state, ok := s.table.Search(f.IP)
		if !ok {
			return HaltNoEntry
		}
		if !Step(rm, &f, state) {
			return HaltUnsupportedCFA
		}
	}
	return HaltDepth
}

type collectResult uint8

const (
	collectLua collectResult = iota
	collectForeign
	collectFull
	collectDiscard
)

// collect appends the interpreter frame of ci.
func (s *Session) collect(rm remotememory.RemoteMemory, thread *lua.State, ci *lua.CallInfo,
	anchor int, st *Stack) collectResult {
	fr := st.nextInterp()
	if fr == nil {
		return collectFull
	}
	fr.Anchor = anchor
	if !s.abi.IsLua(ci) {
		fr.Kind = FrameForeign
		st.interpLen++
		return collectForeign
	}

	p, ok := s.abi.ReadProto(rm, thread, ci)
	if !ok || p.LineDefined < 0 || p.LastLineDefined < 0 {
		return collectDiscard
	}
	line := s.abi.CurrentLine(rm, ci, &p)
	if line < 0 {
		return collectDiscard
	}
	source, ok := s.abi.ReadSource(rm, &p, lua.MaxSourceLen)
	if !ok {
		return collectDiscard
	}

	fr.Kind = FrameLua
	fr.Fresh = s.abi.IsFresh(ci)
	fr.Source = source
	fr.LineDefined = p.LineDefined
	fr.LastLineDefined = p.LastLineDefined
	fr.CurrentLine = line
	st.interpLen++
	return collectLua
}

// WalkInterpreter walks the call frame list of every lua_State recorded by
// WalkNative. A foreign frame ends the walk of its thread. Malformed debug
// information discards the native and interpreter stacks.
func (s *Session) WalkInterpreter(rm remotememory.RemoteMemory, st *Stack) HaltReason {
	var (
		threadIdx int
		first     = true
		thread    lua.State
		ciAddr    libpf.Address
	)
	for range s.maxDepth {
		if threadIdx >= st.numThreads {
			return HaltDone
		}
		th := &st.threads[threadIdx]
		if first {
			var ok bool
			if thread, ok = s.abi.ReadState(rm, th.State); !ok {
				return HaltReadFault
			}
			ciAddr = thread.CI
			first = false
		}

		exhausted := false
		ci, ok := s.abi.ReadCallInfo(rm, ciAddr)
		if ok {
			switch s.collect(rm, &thread, &ci, th.NativeIndex, st) {
			case collectFull:
				return HaltDepth
			case collectDiscard:
				st.nativeLen = 0
				st.interpLen = 0
				return HaltDiscarded
			case collectForeign:
				exhausted = true
			}
		} else {
			exhausted = true
		}

		if exhausted {
			threadIdx++
			first = true
		} else {
			ciAddr = ci.Previous
		}
	}
	if threadIdx >= st.numThreads {
		return HaltDone
	}
	return HaltDepth
}
