// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "github.com/lua-ebpf/luaprof/unwinder"

import (
	"fmt"

	"github.com/lua-ebpf/luaprof/libpf"
)

// FrameKind tells interpreted and foreign interpreter frames apart.
type FrameKind uint8

const (
	// FrameLua is a frame running Lua bytecode.
	FrameLua FrameKind = iota + 1
	// FrameForeign is a call into a C function.
	FrameForeign
)

// InterpreterFrame is one frame of a Lua call stack.
type InterpreterFrame struct {
	// Anchor is the index of the native frame of the luaV_execute invocation
	// running the thread this frame belongs to.
	Anchor int
	Kind   FrameKind
	// Fresh marks the first Lua frame of a luaV_execute invocation. The
	// following frames were called from C, or by an outer invocation.
	Fresh bool

	// The remaining fields are only set for FrameLua.
	Source          string
	LineDefined     int32
	LastLineDefined int32
	CurrentLine     int32
}

func (f *InterpreterFrame) String() string {
	if f.Kind != FrameLua {
		return fmt.Sprintf("%d <foreign>", f.Anchor)
	}
	return fmt.Sprintf("%d function<%s:%d,%d> (line:%d)", f.Anchor, f.Source,
		f.LineDefined, f.LastLineDefined, f.CurrentLine)
}

// ThreadHandle records a lua_State seen while walking the native stack.
type ThreadHandle struct {
	State libpf.Address
	// NativeIndex is the index of the native frame it was found in.
	NativeIndex int
}

// Stack holds the stacks of one sample in fixed capacity arrays.
type Stack struct {
	kernel    [MaxStackDepth]libpf.Address
	kernelLen int
	native    [MaxStackDepth]libpf.Address
	nativeLen int
	interp    [MaxStackDepth]InterpreterFrame
	interpLen int

	threads    [MaxThreads]ThreadHandle
	numThreads int

	// seq identifies the sample written last.
	seq uint64
}

// Reset empties all stacks.
func (s *Stack) Reset() {
	s.kernelLen = 0
	s.nativeLen = 0
	s.interpLen = 0
	s.numThreads = 0
}

// Kernel returns the kernel stack, innermost first.
func (s *Stack) Kernel() []libpf.Address {
	return s.kernel[:s.kernelLen]
}

// Native returns the native stack, innermost first.
func (s *Stack) Native() []libpf.Address {
	return s.native[:s.nativeLen]
}

// Interpreter returns the Lua frames, innermost first per thread.
func (s *Stack) Interpreter() []InterpreterFrame {
	return s.interp[:s.interpLen]
}

// Threads returns the lua_States found by the native walk.
func (s *Stack) Threads() []ThreadHandle {
	return s.threads[:s.numThreads]
}

// SetKernel copies the kernel stack, truncated to MaxStackDepth.
func (s *Stack) SetKernel(frames []libpf.Address) {
	s.kernelLen = copy(s.kernel[:], frames)
}

func (s *Stack) pushNative(ip libpf.Address) bool {
	if s.nativeLen >= len(s.native) {
		return false
	}
	s.native[s.nativeLen] = ip
	s.nativeLen++
	return true
}

func (s *Stack) pushThread(th ThreadHandle) bool {
	if s.numThreads >= len(s.threads) {
		return false
	}
	s.threads[s.numThreads] = th
	s.numThreads++
	return true
}

// nextInterp returns the next free interpreter frame slot.
func (s *Stack) nextInterp() *InterpreterFrame {
	if s.interpLen >= len(s.interp) {
		return nil
	}
	f := &s.interp[s.interpLen]
	*f = InterpreterFrame{}
	return f
}
