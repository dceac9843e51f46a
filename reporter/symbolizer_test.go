// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lua-ebpf/luaprof/libpf"
	"github.com/lua-ebpf/luaprof/libpf/pfelf"
	"github.com/lua-ebpf/luaprof/libpf/pfelf/elftest"
	"github.com/lua-ebpf/luaprof/process"
)

const imageBase = 0x7f0000000000

func buildImage(t *testing.T) (data []byte, text uint64) {
	t.Helper()
	var b elftest.Builder
	text = b.AddSection(".text", make([]byte, 0x40))
	b.AddSymbol("luaV_execute", text, 0x20)
	b.AddSymbol("_ZN3foo3barEv", text+0x20, 0x10)
	return b.Bytes(), text
}

func testMapping(path string) process.Mapping {
	return process.Mapping{
		Vaddr:  imageBase,
		Length: 0x10000,
		Path:   path,
	}
}

func TestSymbolize(t *testing.T) {
	data, text := buildImage(t)
	ef, err := pfelf.NewFile(data)
	require.NoError(t, err)

	s, err := NewSymbolizer(64)
	require.NoError(t, err)
	m := testMapping("/usr/local/bin/skynet")
	require.NoError(t, s.AddImage(&m, ef))

	f, ok := s.Symbolize(libpf.Address(imageBase + text + 4))
	require.True(t, ok)
	assert.Equal(t, Frame{Name: "luaV_execute", Module: "skynet"}, f)

	f, ok = s.Symbolize(libpf.Address(imageBase + text + 0x24))
	require.True(t, ok)
	assert.Equal(t, "foo::bar()", f.Name)

	_, ok = s.Symbolize(libpf.Address(imageBase + text + 0x38))
	assert.False(t, ok)
	_, ok = s.Symbolize(0x1000)
	assert.False(t, ok)

	// Repeated lookups are served from the cache, including misses.
	_, ok = s.Symbolize(libpf.Address(imageBase + text + 4))
	assert.True(t, ok)
	_, ok = s.Symbolize(0x1000)
	assert.False(t, ok)
	stats := s.Statistics()
	assert.Equal(t, uint64(2), stats.Hit)
	assert.Equal(t, uint64(4), stats.Miss)
}

func TestAddImageWithoutSymbols(t *testing.T) {
	var b elftest.Builder
	b.AddSection(".text", []byte{0xc3})
	ef, err := pfelf.NewFile(b.Bytes())
	require.NoError(t, err)

	s, err := NewSymbolizer(16)
	require.NoError(t, err)
	m := testMapping("/lib/stripped.so")
	require.ErrorIs(t, s.AddImage(&m, ef), pfelf.ErrSymbolNotFound)
}

func TestLoadMappings(t *testing.T) {
	data, text := buildImage(t)
	dir := t.TempDir()
	name := filepath.Join(dir, "skynet")
	require.NoError(t, os.WriteFile(name, data, 0o600))

	missing := testMapping(filepath.Join(dir, "missing"))
	missing.Vaddr = 0x1000
	s, err := NewSymbolizer(16)
	require.NoError(t, err)
	s.LoadMappings([]process.Mapping{missing, testMapping(name)})

	f, ok := s.Symbolize(libpf.Address(imageBase + text))
	require.True(t, ok)
	assert.Equal(t, Frame{Name: "luaV_execute", Module: "skynet"}, f)
}

func TestNewSymbolizerZeroSize(t *testing.T) {
	_, err := NewSymbolizer(0)
	assert.Error(t, err)
}
