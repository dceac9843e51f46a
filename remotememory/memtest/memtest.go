// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package memtest provides a sparse in-memory address space for tests of
// code reading remote process memory. Reads touching an unwritten page fail.
package memtest // import "github.com/lua-ebpf/luaprof/remotememory/memtest"

import (
	"encoding/binary"
	"io"

	"github.com/lua-ebpf/luaprof/remotememory"
)

const pageSize = 4096

// Memory is a sparse address space. The zero value is empty.
type Memory struct {
	pages map[uint64]*[pageSize]byte
}

var _ io.ReaderAt = &Memory{}

func (m *Memory) page(addr uint64, create bool) *[pageSize]byte {
	base := addr &^ (pageSize - 1)
	p := m.pages[base]
	if p == nil && create {
		if m.pages == nil {
			m.pages = make(map[uint64]*[pageSize]byte)
		}
		p = new([pageSize]byte)
		m.pages[base] = p
	}
	return p
}

// Write stores data at addr, mapping pages as needed.
func (m *Memory) Write(addr uint64, data []byte) {
	for len(data) > 0 {
		p := m.page(addr, true)
		n := copy(p[addr%pageSize:], data)
		data = data[n:]
		addr += uint64(n)
	}
}

// PutUint64 stores a little endian 64-bit value.
func (m *Memory) PutUint64(addr, v uint64) {
	m.Write(addr, binary.LittleEndian.AppendUint64(nil, v))
}

// PutUint32 stores a little endian 32-bit value.
func (m *Memory) PutUint32(addr uint64, v uint32) {
	m.Write(addr, binary.LittleEndian.AppendUint32(nil, v))
}

// PutUint16 stores a little endian 16-bit value.
func (m *Memory) PutUint16(addr uint64, v uint16) {
	m.Write(addr, binary.LittleEndian.AppendUint16(nil, v))
}

// PutString stores s followed by a terminating zero.
func (m *Memory) PutString(addr uint64, s string) {
	m.Write(addr, append([]byte(s), 0))
}

// Unmap removes the page containing addr.
func (m *Memory) Unmap(addr uint64) {
	delete(m.pages, addr&^(pageSize-1))
}

// ReadAt implements io.ReaderAt. Reads are all or nothing.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for a := addr &^ (pageSize - 1); a < addr+uint64(len(p)); a += pageSize {
		if m.page(a, false) == nil {
			return 0, io.EOF
		}
	}
	n := 0
	for n < len(p) {
		pg := m.page(addr, false)
		c := copy(p[n:], pg[addr%pageSize:])
		n += c
		addr += uint64(c)
	}
	return n, nil
}

// RemoteMemory returns a RemoteMemory reading from m.
func (m *Memory) RemoteMemory() remotememory.RemoteMemory {
	return remotememory.RemoteMemory{ReaderAt: m}
}
