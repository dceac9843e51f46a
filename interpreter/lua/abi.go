// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package lua // import "github.com/lua-ebpf/luaprof/interpreter/lua"

import (
	"encoding/binary"

	"github.com/lua-ebpf/luaprof/libpf"
	"github.com/lua-ebpf/luaprof/remotememory"
)

// Type tag of short strings, the same in 5.3 and 5.4
const shortStringType = 4

// Offsets of CallInfo.func smaller than this are relative to L.stack.
const relativeFuncLimit = 1024 * 1024

// Layout holds the field offsets and flag bits of one Lua build.
type Layout struct {
	// lua_State
	StateCI    uint64
	StateStack uint64

	// CallInfo
	CallInfoSize int
	CIFunc       uint64
	CIPrevious   uint64
	CISavedPC    uint64
	CICallStatus uint64
	// StatusLua is the callstatus bit telling Lua and C frames apart. A
	// Lua frame has it set if StatusLuaSet.
	StatusLua    uint16
	StatusLuaSet bool
	StatusFresh  uint16
	// RelativeFunc is set when CallInfo.func may be an offset from L.stack
	RelativeFunc bool

	// LClosure
	ClosureProto uint64

	// Proto
	ProtoSize            int
	ProtoSizeLineInfo    uint64
	ProtoSizeAbsLineInfo uint64
	ProtoLineDefined     uint64
	ProtoLastLineDefined uint64
	ProtoCode            uint64
	ProtoLineInfo        uint64
	ProtoAbsLineInfo     uint64
	ProtoSource          uint64
	HasAbsLineInfo       bool

	// TString
	StrType     uint64
	StrShortLen uint64
	StrLongLen  uint64
	StrContents uint64
}

// ABI describes one Lua build.
type ABI struct {
	Name string
	Layout
	// Lines maps instructions to source lines.
	Lines LineLookup
}

// Lua 5.3: CIST_LUA (1<<1) marks Lua frames, CIST_FRESH is 1<<3.
var abi53 = ABI{
	Name: Lua53,
	Layout: Layout{
		StateCI:      32,
		StateStack:   56,
		CallInfoSize: 72,
		CIFunc:       0,
		CIPrevious:   16,
		CISavedPC:    40,
		CICallStatus: 66,
		StatusLua:    1 << 1,
		StatusLuaSet: true,
		StatusFresh:  1 << 3,

		ClosureProto: 24,

		ProtoSize:            112,
		ProtoSizeLineInfo:    28,
		ProtoLineDefined:     40,
		ProtoLastLineDefined: 44,
		ProtoCode:            56,
		ProtoLineInfo:        72,
		ProtoSource:          104,

		StrType:     8,
		StrShortLen: 11,
		StrLongLen:  16,
		StrContents: 24,
	},
	Lines: directLines{},
}

// Lua 5.4: CIST_C (1<<1) marks C frames, CIST_FRESH is 1<<2.
var abi54 = ABI{
	Name: Lua54,
	Layout: Layout{
		StateCI:      32,
		StateStack:   48,
		CallInfoSize: 64,
		CIFunc:       0,
		CIPrevious:   16,
		CISavedPC:    32,
		CICallStatus: 62,
		StatusLua:    1 << 1,
		StatusLuaSet: false,
		StatusFresh:  1 << 2,
		RelativeFunc: true,

		ClosureProto: 24,

		ProtoSize:            120,
		ProtoSizeLineInfo:    28,
		ProtoSizeAbsLineInfo: 40,
		ProtoLineDefined:     44,
		ProtoLastLineDefined: 48,
		ProtoCode:            64,
		ProtoLineInfo:        88,
		ProtoAbsLineInfo:     96,
		ProtoSource:          112,
		HasAbsLineInfo:       true,

		StrType:     8,
		StrShortLen: 11,
		StrLongLen:  16,
		StrContents: 24,
	},
	Lines: absLines{},
}

// abiSky is Lua 5.4 with an id field added to TString.
var abiSky = func() ABI {
	abi := abi54
	abi.Name = LuaSky
	abi.StrLongLen = 24
	abi.StrContents = 32
	return abi
}()

// State holds the fields of a lua_State used for unwinding.
type State struct {
	Addr  libpf.Address
	CI    libpf.Address
	Stack libpf.Address
}

// CallInfo holds the fields of one CallInfo record.
type CallInfo struct {
	Addr     libpf.Address
	Func     libpf.Address
	Previous libpf.Address
	SavedPC  libpf.Address
	Status   uint16
}

// Proto holds the debug fields of a function prototype.
type Proto struct {
	Addr            libpf.Address
	SizeLineInfo    int32
	SizeAbsLineInfo int32
	LineDefined     int32
	LastLineDefined int32
	Code            libpf.Address
	LineInfo        libpf.Address
	AbsLineInfo     libpf.Address
	Source          libpf.Address
}

func u64(b []byte, off uint64) uint64 {
	return binary.LittleEndian.Uint64(b[off:])
}

func i32(b []byte, off uint64) int32 {
	return int32(binary.LittleEndian.Uint32(b[off:]))
}

// ReadState reads the lua_State at addr.
func (a *ABI) ReadState(rm remotememory.RemoteMemory, addr libpf.Address) (State, bool) {
	buf := make([]byte, a.StateStack+8)
	if rm.Read(addr, buf) != nil {
		return State{}, false
	}
	return State{
		Addr:  addr,
		CI:    libpf.Address(u64(buf, a.StateCI)),
		Stack: libpf.Address(u64(buf, a.StateStack)),
	}, true
}

// ReadCallInfo reads the CallInfo record at addr in a single read.
func (a *ABI) ReadCallInfo(rm remotememory.RemoteMemory, addr libpf.Address) (CallInfo, bool) {
	buf := make([]byte, a.CallInfoSize)
	if rm.Read(addr, buf) != nil {
		return CallInfo{}, false
	}
	return CallInfo{
		Addr:     addr,
		Func:     libpf.Address(u64(buf, a.CIFunc)),
		Previous: libpf.Address(u64(buf, a.CIPrevious)),
		SavedPC:  libpf.Address(u64(buf, a.CISavedPC)),
		Status:   binary.LittleEndian.Uint16(buf[a.CICallStatus:]),
	}, true
}

// IsLua reports whether ci runs a Lua function.
func (a *ABI) IsLua(ci *CallInfo) bool {
	return (ci.Status&a.StatusLua != 0) == a.StatusLuaSet
}

// IsFresh reports whether ci is the first frame of a luaV_execute
// invocation.
func (a *ABI) IsFresh(ci *CallInfo) bool {
	return ci.Status&a.StatusFresh != 0
}

// ReadProto follows the function slot of a Lua frame to its prototype.
func (a *ABI) ReadProto(rm remotememory.RemoteMemory, st *State,
	ci *CallInfo) (Proto, bool) {
	fn := ci.Func
	if a.RelativeFunc && fn < relativeFuncLimit {
		fn += st.Stack
	}
	// TValue.value_.gc is the first field
	closure, ok := rm.Uint64Checked(fn)
	if !ok {
		return Proto{}, false
	}
	protoAddr, ok := rm.Uint64Checked(libpf.Address(closure) + libpf.Address(a.ClosureProto))
	if !ok {
		return Proto{}, false
	}
	buf := make([]byte, a.ProtoSize)
	if rm.Read(libpf.Address(protoAddr), buf) != nil {
		return Proto{}, false
	}
	p := Proto{
		Addr:            libpf.Address(protoAddr),
		SizeLineInfo:    i32(buf, a.ProtoSizeLineInfo),
		LineDefined:     i32(buf, a.ProtoLineDefined),
		LastLineDefined: i32(buf, a.ProtoLastLineDefined),
		Code:            libpf.Address(u64(buf, a.ProtoCode)),
		LineInfo:        libpf.Address(u64(buf, a.ProtoLineInfo)),
		Source:          libpf.Address(u64(buf, a.ProtoSource)),
	}
	if a.HasAbsLineInfo {
		p.SizeAbsLineInfo = i32(buf, a.ProtoSizeAbsLineInfo)
		p.AbsLineInfo = libpf.Address(u64(buf, a.ProtoAbsLineInfo))
	}
	return p, true
}

// CurrentPC returns the index of the instruction being executed.
func CurrentPC(ci *CallInfo, p *Proto) int32 {
	pc := int32((int64(ci.SavedPC)-int64(p.Code))/4) - 1
	if pc < 0 {
		return 0
	}
	return pc
}

// CurrentLine returns the source line being executed by ci, or a negative
// value when it is unknown.
func (a *ABI) CurrentLine(rm remotememory.RemoteMemory, ci *CallInfo, p *Proto) int32 {
	return a.Lines.Line(rm, p, CurrentPC(ci, p))
}

// ReadSource reads the source name of p, truncated to maxLen bytes.
func (a *ABI) ReadSource(rm remotememory.RemoteMemory, p *Proto, maxLen int) (string, bool) {
	buf := make([]byte, a.StrContents)
	if rm.Read(p.Source, buf) != nil {
		return "", false
	}
	var n uint64
	if buf[a.StrType] == shortStringType {
		n = uint64(buf[a.StrShortLen])
	} else {
		n = u64(buf, a.StrLongLen)
	}
	if n > uint64(maxLen) {
		n = uint64(maxLen)
	}
	if n == 0 {
		return "", true
	}
	str := make([]byte, n)
	if rm.Read(p.Source+libpf.Address(a.StrContents), str) != nil {
		return "", false
	}
	return libpf.CString(str), true
}
