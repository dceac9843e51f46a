// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "github.com/lua-ebpf/luaprof/unwinder"

import (
	"sync/atomic"

	"github.com/lua-ebpf/luaprof/interpreter/lua"
	"github.com/lua-ebpf/luaprof/libpf"
	"github.com/lua-ebpf/luaprof/libpf/xsync"
	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
	"github.com/lua-ebpf/luaprof/remotememory"
)

// EntryPoint is the address range of the interpreter's bytecode dispatch
// function, and the location of its lua_State argument inside it.
type EntryPoint struct {
	// Start and End are inclusive.
	Start libpf.Address
	End   libpf.Address
	Param sdtypes.ParameterLocation
}

// Contains reports whether ip is inside the entry point.
func (e *EntryPoint) Contains(ip uint64) bool {
	return uint64(e.Start) <= ip && ip <= uint64(e.End)
}

// stateOf returns the lua_State argument as seen from frame f.
func (e *EntryPoint) stateOf(rm remotememory.RemoteMemory, f *Frame) (libpf.Address, bool) {
	switch e.Param.Kind {
	case sdtypes.ParamInRegister:
		return libpf.Address(f.Reg(e.Param.Reg)), true
	case sdtypes.ParamInStack:
		base := f.Reg(e.Param.Reg)
		v, ok := rm.Uint64Checked(libpf.Address(base + uint64(int64(e.Param.Offset))))
		return libpf.Address(v), ok
	default:
		return 0, false
	}
}

// Config holds the state installed before sampling starts.
type Config struct {
	Table *Table
	Entry EntryPoint
	ABI   *lua.ABI
	// MaxDepth limits the frames of each stack. Zero selects MaxStackDepth.
	MaxDepth int
}

// Sample is the input of one unwinding run.
type Sample struct {
	PID  libpf.PID
	TID  libpf.PID
	CPU  int
	Comm string
	Regs Registers
	// Kernel is the kernel callchain, innermost first.
	Kernel []libpf.Address
	// Memory reads the memory of the sampled process.
	Memory remotememory.RemoteMemory
}

// Event announces a completed sample stored in the ring.
type Event struct {
	PID  libpf.PID
	CPU  int
	Comm string
	Slot int
	seq  uint64
}

// Stats holds session counters.
type Stats struct {
	Samples   uint64
	Dropped   uint64
	Discarded uint64
	Halts     [numHaltReasons]uint64
}

// Session is the runtime state of one profiled process. The recovery table
// and entry point are read-only once the session exists.
type Session struct {
	table    *Table
	entry    EntryPoint
	abi      *lua.ABI
	maxDepth int

	slots  [MaxStackDepth]xsync.RWMutex[Stack]
	cursor atomic.Uint32
	seq    atomic.Uint64
	events chan Event

	samples   atomic.Uint64
	dropped   atomic.Uint64
	discarded atomic.Uint64
	halts     [numHaltReasons]atomic.Uint64
}

// NewSession installs the recovery table and entry point.
func NewSession(cfg *Config) (*Session, error) {
	if cfg.Table == nil {
		return nil, ErrNoTable
	}
	if cfg.Entry.End < cfg.Entry.Start || cfg.Entry.End == 0 {
		return nil, ErrNoEntryPoint
	}
	if cfg.ABI == nil {
		return nil, ErrNoABI
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 || maxDepth > MaxStackDepth {
		maxDepth = MaxStackDepth
	}
	return &Session{
		table:    cfg.Table,
		entry:    cfg.Entry,
		abi:      cfg.ABI,
		maxDepth: maxDepth,
		events:   make(chan Event, eventQueueSize),
	}, nil
}

// Events returns the channel of completed samples.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Close closes the event channel. Unwind must not be called afterwards.
func (s *Session) Close() {
	close(s.events)
}

// Unwind reconstructs the stacks of a sample into the next ring slot and
// publishes it. The slot cursor wraps, so a slow consumer finds older slots
// overwritten. It reports whether an event was published.
func (s *Session) Unwind(in *Sample) bool {
	slot := int((s.cursor.Add(1) - 1) % MaxStackDepth)

	st := s.slots[slot].WLock()
	st.Reset()
	st.SetKernel(in.Kernel)
	halt := s.WalkNative(in.Memory, &in.Regs, st)
	s.halts[halt].Add(1)
	if st.numThreads > 0 {
		halt = s.WalkInterpreter(in.Memory, st)
		s.halts[halt].Add(1)
	}
	seq := s.seq.Add(1)
	st.seq = seq
	s.slots[slot].WUnlock(&st)

	if halt == HaltDiscarded {
		s.discarded.Add(1)
		return false
	}
	s.samples.Add(1)

	comm := in.Comm
	if len(comm) >= CommLen {
		comm = comm[:CommLen-1]
	}
	select {
	case s.events <- Event{PID: in.PID, CPU: in.CPU, Comm: comm, Slot: slot, seq: seq}:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Read copies the stacks of ev into dst. It fails if the slot was
// overwritten by a later sample.
func (s *Session) Read(ev *Event, dst *Stack) bool {
	if ev.Slot < 0 || ev.Slot >= MaxStackDepth {
		return false
	}
	st := s.slots[ev.Slot].RLock()
	defer s.slots[ev.Slot].RUnlock(&st)
	if st.seq != ev.seq {
		return false
	}
	*dst = *st
	return true
}

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats {
	stats := Stats{
		Samples:   s.samples.Load(),
		Dropped:   s.dropped.Load(),
		Discarded: s.discarded.Load(),
	}
	for i := range s.halts {
		stats.Halts[i] = s.halts[i].Load()
	}
	return stats
}
