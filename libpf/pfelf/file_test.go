// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lua-ebpf/luaprof/libpf"
	"github.com/lua-ebpf/luaprof/libpf/pfelf/elftest"
)

func buildImage(t *testing.T) (data []byte, textAddr uint64) {
	t.Helper()
	var b elftest.Builder
	textAddr = b.AddSection(".text", []byte{0x55, 0x48, 0x89, 0xe5, 0xc3})
	b.AddSection(".eh_frame_hdr", []byte{1, 2, 3, 4})
	b.AddSymbol("luaV_execute", textAddr, 5)
	b.AddSymbol("main", textAddr+4, 1)
	b.WithEHFrameHeader()
	return b.Bytes(), textAddr
}

func TestNewFile(t *testing.T) {
	data, textAddr := buildImage(t)
	f, err := NewFile(data)
	require.NoError(t, err)

	assert.Equal(t, elf.EM_X86_64, f.Machine)

	text := f.Section(".text")
	require.NotNil(t, text)
	assert.Equal(t, textAddr, text.Addr)
	raw, err := text.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55, 0x48, 0x89, 0xe5, 0xc3}, raw)

	assert.Nil(t, f.Section(".debug_frame"))

	code, err := f.VirtualMemory(textAddr+1, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x48, 0x89, 0xe5}, code)

	eh, err := f.EHFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, eh.Data()[:4])
}

func TestLookupSymbol(t *testing.T) {
	data, textAddr := buildImage(t)
	f, err := NewFile(data)
	require.NoError(t, err)

	sym, err := f.LookupSymbol("luaV_execute")
	require.NoError(t, err)
	assert.Equal(t, libpf.SymbolValue(textAddr), sym.Address)
	assert.Equal(t, uint64(5), sym.Size)

	_, err = f.LookupSymbol("luaG_getfuncline")
	require.ErrorIs(t, err, ErrSymbolNotFound)

	symmap, err := f.ReadSymbols()
	require.NoError(t, err)
	name, off, ok := symmap.LookupByAddress(libpf.SymbolValue(textAddr + 2))
	assert.True(t, ok)
	assert.Equal(t, libpf.SymbolName("luaV_execute"), name)
	assert.Equal(t, libpf.Address(2), off)
}

func TestNotELF(t *testing.T) {
	_, err := NewFile([]byte("#!/bin/sh\necho not an elf image, just some text\n" +
		"padding padding padding padding"))
	require.ErrorIs(t, err, ErrNotELF)

	data, _ := buildImage(t)
	data[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	_, err = NewFile(data)
	require.ErrorIs(t, err, ErrNotELF)

	_, err = NewFile(nil)
	require.ErrorIs(t, err, ErrNotELF)
}

func TestOpen(t *testing.T) {
	data, _ := buildImage(t)
	name := filepath.Join(t.TempDir(), "image")
	require.NoError(t, os.WriteFile(name, data, 0o600))

	f, err := Open(name)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.LookupSymbol("main")
	assert.NoError(t, err)

	_, err = Open(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestLoadBias(t *testing.T) {
	data, _ := buildImage(t)
	f, err := NewFile(data)
	require.NoError(t, err)
	f.Progs[0].Filesz = 0x10000

	assert.Equal(t, uint64(0x7f0000000000), f.LoadBias(0x7f0000000000, 0))
	assert.Equal(t, uint64(0x7f0000000000), f.LoadBias(0x7f0000001000, 0x1000))

	f.Progs[0].Vaddr = 0x400000
	assert.Equal(t, uint64(0), f.LoadBias(0x401000, 0x1000))

	// Offsets outside every segment assume vaddr equals offset.
	assert.Equal(t, uint64(0x500000), f.LoadBias(0x520000, 0x20000))
}
