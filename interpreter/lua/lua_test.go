// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package lua_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lua-ebpf/luaprof/interpreter/lua"
	"github.com/lua-ebpf/luaprof/interpreter/lua/luatest"
	"github.com/lua-ebpf/luaprof/libpf"
	"github.com/lua-ebpf/luaprof/libpf/pfelf"
	"github.com/lua-ebpf/luaprof/libpf/pfelf/elftest"
	"github.com/lua-ebpf/luaprof/remotememory/memtest"
)

const heapBase = 0x7f0000100000

func allABIs(t *testing.T) []*lua.ABI {
	t.Helper()
	var abis []*lua.ABI
	for _, name := range []string{lua.Lua53, lua.Lua54, lua.LuaSky} {
		abi, err := lua.ABIByName(name)
		require.NoError(t, err)
		abis = append(abis, abi)
	}
	return abis
}

func TestABIByName(t *testing.T) {
	abi, err := lua.ABIByName(lua.LuaSky)
	require.NoError(t, err)
	assert.Equal(t, lua.LuaSky, abi.Name)
	assert.Equal(t, uint64(32), abi.StrContents)

	_, err = lua.ABIByName("5.1")
	require.ErrorIs(t, err, lua.ErrUnknownABI)
}

func TestDetect(t *testing.T) {
	build := func(symbols ...string) *pfelf.File {
		var b elftest.Builder
		b.AddSection(".text", make([]byte, 64))
		for i, sym := range symbols {
			b.AddSymbol(sym, uint64(0x100+16*i), 16)
		}
		ef, err := pfelf.NewFile(b.Bytes())
		require.NoError(t, err)
		t.Cleanup(func() { ef.Close() })
		return ef
	}

	abi, err := lua.Detect(build("luaV_execute", "luaG_getfuncline"), lua.Auto)
	require.NoError(t, err)
	assert.Equal(t, lua.Lua54, abi.Name)

	abi, err = lua.Detect(build("luaV_execute"), "")
	require.NoError(t, err)
	assert.Equal(t, lua.Lua53, abi.Name)

	abi, err = lua.Detect(build("luaV_execute"), lua.LuaSky)
	require.NoError(t, err)
	assert.Equal(t, lua.LuaSky, abi.Name)
}

// testLines returns a line table with small steps, large jumps and enough
// instructions to need several absolute line entries.
func testLines() []int32 {
	lines := make([]int32, 0, 400)
	line := int32(10)
	for pc := 0; pc < 400; pc++ {
		switch {
		case pc == 50:
			line += 300
		case pc == 120:
			line -= 250
		case pc%7 == 0:
			line++
		}
		lines = append(lines, line)
	}
	return lines
}

func TestLines(t *testing.T) {
	for _, abi := range allABIs(t) {
		t.Run(abi.Name, func(t *testing.T) {
			var mem memtest.Memory
			heap := luatest.New(&mem, abi, heapBase)
			fn := &luatest.Function{
				Source:          "@lines.lua",
				LineDefined:     9,
				LastLineDefined: 500,
				Lines:           testLines(),
			}
			cl := heap.Closure(fn)
			L := heap.Thread(luatest.Frame{Closure: &cl})

			rm := mem.RemoteMemory()
			st, ok := abi.ReadState(rm, libpf.Address(L))
			require.True(t, ok)
			ci, ok := abi.ReadCallInfo(rm, st.CI)
			require.True(t, ok)
			p, ok := abi.ReadProto(rm, &st, &ci)
			require.True(t, ok)
			assert.Equal(t, libpf.Address(cl.Proto), p.Addr)

			for pc, want := range fn.Lines {
				assert.Equal(t, want, abi.Lines.Line(rm, &p, int32(pc)), "pc %d", pc)
			}
			assert.Equal(t, int32(-1), abi.Lines.Line(rm, &lua.Proto{}, 3))
		})
	}
}

func TestDirectLinesOutOfRange(t *testing.T) {
	abi, err := lua.ABIByName(lua.Lua53)
	require.NoError(t, err)
	var mem memtest.Memory
	heap := luatest.New(&mem, abi, heapBase)
	cl := heap.Closure(&luatest.Function{Source: "=x", Lines: []int32{1, 2}})

	rm := mem.RemoteMemory()
	L := heap.Thread(luatest.Frame{Closure: &cl, PC: 5})
	st, _ := abi.ReadState(rm, libpf.Address(L))
	ci, _ := abi.ReadCallInfo(rm, st.CI)
	p, ok := abi.ReadProto(rm, &st, &ci)
	require.True(t, ok)
	assert.Equal(t, int32(5), lua.CurrentPC(&ci, &p))
	assert.Equal(t, int32(-1), abi.CurrentLine(rm, &ci, &p))
}

func TestCallInfo(t *testing.T) {
	for _, abi := range allABIs(t) {
		t.Run(abi.Name, func(t *testing.T) {
			var mem memtest.Memory
			heap := luatest.New(&mem, abi, heapBase)
			longName := "@" + strings.Repeat("d/", 80) + "main.lua"
			inner := heap.Closure(&luatest.Function{
				Source: "@inner.lua", LineDefined: 3, LastLineDefined: 8,
				Lines: []int32{4, 5, 6, 7},
			})
			outer := heap.Closure(&luatest.Function{
				Source: longName, LineDefined: 0, LastLineDefined: 0,
				Lines: []int32{1, 2},
			})
			L := heap.Thread(
				luatest.Frame{Closure: &inner, PC: 2},
				luatest.Frame{Closure: &outer, PC: 1, Fresh: true},
				luatest.Frame{},
			)

			rm := mem.RemoteMemory()
			st, ok := abi.ReadState(rm, libpf.Address(L))
			require.True(t, ok)

			ci, ok := abi.ReadCallInfo(rm, st.CI)
			require.True(t, ok)
			require.True(t, abi.IsLua(&ci))
			assert.False(t, abi.IsFresh(&ci))
			p, ok := abi.ReadProto(rm, &st, &ci)
			require.True(t, ok)
			assert.Equal(t, int32(3), p.LineDefined)
			assert.Equal(t, int32(8), p.LastLineDefined)
			assert.Equal(t, int32(6), abi.CurrentLine(rm, &ci, &p))
			src, ok := abi.ReadSource(rm, &p, lua.MaxSourceLen)
			require.True(t, ok)
			assert.Equal(t, "@inner.lua", src)

			ci, ok = abi.ReadCallInfo(rm, ci.Previous)
			require.True(t, ok)
			require.True(t, abi.IsLua(&ci))
			assert.True(t, abi.IsFresh(&ci))
			p, ok = abi.ReadProto(rm, &st, &ci)
			require.True(t, ok)
			assert.Equal(t, int32(2), abi.CurrentLine(rm, &ci, &p))
			src, ok = abi.ReadSource(rm, &p, lua.MaxSourceLen)
			require.True(t, ok)
			assert.Equal(t, longName[:lua.MaxSourceLen], src)

			ci, ok = abi.ReadCallInfo(rm, ci.Previous)
			require.True(t, ok)
			assert.False(t, abi.IsLua(&ci))
			assert.Equal(t, libpf.Address(0), ci.Previous)

			_, ok = abi.ReadCallInfo(rm, ci.Previous)
			assert.False(t, ok)
		})
	}
}

func TestRelativeFunc(t *testing.T) {
	abi, err := lua.ABIByName(lua.Lua54)
	require.NoError(t, err)
	var mem memtest.Memory
	heap := luatest.New(&mem, abi, heapBase)
	cl := heap.Closure(&luatest.Function{Source: "@rel.lua", Lines: []int32{1}})
	L := heap.Thread(luatest.Frame{Closure: &cl})

	rm := mem.RemoteMemory()
	st, ok := abi.ReadState(rm, libpf.Address(L))
	require.True(t, ok)
	ci, ok := abi.ReadCallInfo(rm, st.CI)
	require.True(t, ok)

	// Rewrite func as an offset from the stack base, as done while the
	// stack is reallocated.
	mem.PutUint64(uint64(st.CI)+abi.CIFunc, uint64(ci.Func-st.Stack))
	ci, ok = abi.ReadCallInfo(rm, st.CI)
	require.True(t, ok)
	require.Less(t, uint64(ci.Func), uint64(1<<20))

	p, ok := abi.ReadProto(rm, &st, &ci)
	require.True(t, ok)
	assert.Equal(t, libpf.Address(cl.Proto), p.Addr)
}

func TestReadProtoFault(t *testing.T) {
	abi, err := lua.ABIByName(lua.Lua54)
	require.NoError(t, err)
	var mem memtest.Memory
	heap := luatest.New(&mem, abi, heapBase)
	cl := heap.Closure(&luatest.Function{Source: "@f.lua", Lines: []int32{1}})
	L := heap.Thread(luatest.Frame{Closure: &cl})

	rm := mem.RemoteMemory()
	st, _ := abi.ReadState(rm, libpf.Address(L))
	ci, _ := abi.ReadCallInfo(rm, st.CI)
	mem.PutUint64(cl.Addr+abi.ClosureProto, 0xdead0000)
	_, ok := abi.ReadProto(rm, &st, &ci)
	assert.False(t, ok)
}
