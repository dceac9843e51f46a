// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/lua-ebpf/luaprof/process"

import (
	"debug/elf"
)

// Mapping contains information about a memory mapping.
type Mapping struct {
	// Vaddr is the virtual memory start for this mapping
	Vaddr uint64
	// Length is the length of the mapping
	Length uint64
	// Flags contains the mapping flags and permissions
	Flags elf.ProgFlag
	// FileOffset contains for file backed mappings the offset from the file start
	FileOffset uint64
	// Device holds the device ID where the file is located
	Device uint64
	// Inode holds the mapped file's inode number
	Inode uint64
	// Path contains the file name for file backed mappings
	Path string
}

func (m *Mapping) IsExecutable() bool {
	return m.Flags&elf.PF_X == elf.PF_X
}

func (m *Mapping) IsAnonymous() bool {
	return m.Path == ""
}

// End returns the first address after the mapping.
func (m *Mapping) End() uint64 {
	return m.Vaddr + m.Length
}

// Contains reports whether addr falls inside the mapping.
func (m *Mapping) Contains(addr uint64) bool {
	return addr >= m.Vaddr && addr < m.End()
}

// Bias returns the value to add to a file virtual address to get the runtime
// address, given the file virtual address of the segment that starts at
// FileOffset. For the usual case of vaddr == file offset this is Vaddr-FileOffset.
func (m *Mapping) Bias() uint64 {
	return m.Vaddr - m.FileOffset
}
