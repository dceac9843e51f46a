// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolMap(t *testing.T) {
	symmap := NewSymbolMap(4)
	symmap.Add(Symbol{Name: "luaV_execute", Address: 0x1000, Size: 0x800})
	symmap.Add(Symbol{Name: "main", Address: 0x400, Size: 0x20})
	symmap.Add(Symbol{Name: "_start", Address: 0x300})
	symmap.Finalize()

	sym, err := symmap.LookupSymbol("luaV_execute")
	require.NoError(t, err)
	assert.Equal(t, SymbolValue(0x1000), sym.Address)

	_, err = symmap.LookupSymbol("lua_pcall")
	assert.Error(t, err)

	tests := map[string]struct {
		addr   SymbolValue
		name   SymbolName
		offset Address
		found  bool
	}{
		"inside sized":   {addr: 0x1010, name: "luaV_execute", offset: 0x10, found: true},
		"past sized":     {addr: 0x1800, offset: 0x1800},
		"unsized":        {addr: 0x350, name: "_start", offset: 0x50, found: true},
		"gap after main": {addr: 0x420, offset: 0x420},
		"below all":      {addr: 0x10, offset: 0x10},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			n, off, ok := symmap.LookupByAddress(tc.addr)
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.name, n)
			assert.Equal(t, tc.offset, off)
		})
	}
}

func TestCString(t *testing.T) {
	assert.Equal(t, "lua", CString([]byte{'l', 'u', 'a', 0, 'x'}))
	assert.Equal(t, "lua", CString([]byte("lua")))
	assert.Empty(t, CString(nil))
}
