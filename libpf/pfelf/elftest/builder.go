// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package elftest assembles small synthetic x86-64 ELF images for tests.
// The image is mapped by a single PT_LOAD with virtual address equal to file
// offset, so section addresses and file offsets are interchangeable.
package elftest // import "github.com/lua-ebpf/luaprof/libpf/pfelf/elftest"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
	symSize  = 24
	align    = 16
)

type section struct {
	name string
	typ  elf.SectionType
	off  uint64
	data []byte
}

// Symbol is one function symbol emitted into .symtab.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// Builder collects sections and symbols. The zero value is ready to use.
type Builder struct {
	sections []section
	symbols  []Symbol
	next     uint64
	ehFrame  bool
}

func alignUp(v uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Offset returns the file offset (and virtual address) that the next section
// added will be placed at.
func (b *Builder) Offset() uint64 {
	if b.next == 0 {
		b.next = alignUp(ehdrSize + 2*phdrSize)
	}
	return b.next
}

// AddSection appends a PROGBITS section and returns its address.
func (b *Builder) AddSection(name string, data []byte) uint64 {
	off := b.Offset()
	b.sections = append(b.sections, section{
		name: name, typ: elf.SHT_PROGBITS, off: off, data: data,
	})
	b.next = alignUp(off + uint64(len(data)))
	return off
}

// AddSymbol records a function symbol.
func (b *Builder) AddSymbol(name string, value, size uint64) {
	b.symbols = append(b.symbols, Symbol{Name: name, Value: value, Size: size})
}

// WithEHFrameHeader emits a PT_GNU_EH_FRAME program header pointing at the
// .eh_frame_hdr section if one was added.
func (b *Builder) WithEHFrameHeader() {
	b.ehFrame = true
}

// Bytes lays out the image.
func (b *Builder) Bytes() []byte {
	body := &bytes.Buffer{}
	le := binary.LittleEndian
	pad := func(to uint64) {
		for uint64(body.Len()) < to {
			body.WriteByte(0)
		}
	}

	pad(alignUp(ehdrSize + 2*phdrSize))
	for _, s := range b.sections {
		pad(s.off)
		body.Write(s.data)
	}

	shstr := &bytes.Buffer{}
	shstr.WriteByte(0)
	addName := func(buf *bytes.Buffer, name string) uint32 {
		idx := uint32(buf.Len())
		buf.WriteString(name)
		buf.WriteByte(0)
		return idx
	}

	all := append([]section{}, b.sections...)
	textNdx := uint16(1)
	for i, s := range all {
		if s.name == ".text" {
			textNdx = uint16(i + 1)
		}
	}

	var symtabNdx int
	if len(b.symbols) > 0 {
		strtab := &bytes.Buffer{}
		strtab.WriteByte(0)
		symtab := make([]byte, symSize, symSize*(len(b.symbols)+1))
		for _, sym := range b.symbols {
			raw := make([]byte, symSize)
			le.PutUint32(raw[0:], addName(strtab, sym.Name))
			raw[4] = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC)
			le.PutUint16(raw[6:], textNdx)
			le.PutUint64(raw[8:], sym.Value)
			le.PutUint64(raw[16:], sym.Size)
			symtab = append(symtab, raw...)
		}
		pad(alignUp(uint64(body.Len())))
		all = append(all, section{name: ".symtab", typ: elf.SHT_SYMTAB,
			off: uint64(body.Len()), data: symtab})
		body.Write(symtab)
		symtabNdx = len(all)
		all = append(all, section{name: ".strtab", typ: elf.SHT_STRTAB,
			off: uint64(body.Len()), data: strtab.Bytes()})
		body.Write(strtab.Bytes())
	}

	nameIdx := make([]uint32, len(all)+1)
	for i, s := range all {
		nameIdx[i+1] = addName(shstr, s.name)
	}
	shstrNdx := len(all) + 1
	nameIdx = append(nameIdx, addName(shstr, ".shstrtab"))
	all = append(all, section{name: ".shstrtab", typ: elf.SHT_STRTAB,
		off: uint64(body.Len()), data: shstr.Bytes()})
	body.Write(shstr.Bytes())

	pad(alignUp(uint64(body.Len())))
	shoff := uint64(body.Len())
	body.Write(make([]byte, shdrSize))
	for i, s := range all {
		raw := make([]byte, shdrSize)
		le.PutUint32(raw[0:], nameIdx[i+1])
		le.PutUint32(raw[4:], uint32(s.typ))
		if s.typ == elf.SHT_PROGBITS {
			le.PutUint64(raw[8:], uint64(elf.SHF_ALLOC))
			le.PutUint64(raw[16:], s.off)
		}
		le.PutUint64(raw[24:], s.off)
		le.PutUint64(raw[32:], uint64(len(s.data)))
		if s.typ == elf.SHT_SYMTAB {
			le.PutUint32(raw[40:], uint32(symtabNdx+1))
			le.PutUint64(raw[56:], symSize)
		}
		body.Write(raw)
	}

	out := body.Bytes()
	copy(out, b.header(shoff, uint16(len(all)+1), uint16(shstrNdx), uint64(len(out))))
	return out
}

func (b *Builder) header(shoff uint64, shnum, shstrndx uint16, size uint64) []byte {
	le := binary.LittleEndian
	hdr := make([]byte, ehdrSize+2*phdrSize)
	copy(hdr, elf.ELFMAG)
	hdr[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(hdr[16:], uint16(elf.ET_DYN))
	le.PutUint16(hdr[18:], uint16(elf.EM_X86_64))
	le.PutUint32(hdr[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(hdr[32:], ehdrSize)
	le.PutUint64(hdr[40:], shoff)
	le.PutUint16(hdr[52:], ehdrSize)
	le.PutUint16(hdr[54:], phdrSize)
	le.PutUint16(hdr[58:], shdrSize)
	le.PutUint16(hdr[60:], shnum)
	le.PutUint16(hdr[62:], shstrndx)

	phnum := uint16(1)
	load := hdr[ehdrSize:]
	le.PutUint32(load[0:], uint32(elf.PT_LOAD))
	le.PutUint32(load[4:], uint32(elf.PF_R|elf.PF_X))
	le.PutUint64(load[32:], size)
	le.PutUint64(load[40:], size)
	le.PutUint64(load[48:], 0x1000)

	if b.ehFrame {
		for _, s := range b.sections {
			if s.name != ".eh_frame_hdr" {
				continue
			}
			ph := hdr[ehdrSize+phdrSize:]
			le.PutUint32(ph[0:], uint32(elf.PT_GNU_EH_FRAME))
			le.PutUint32(ph[4:], uint32(elf.PF_R))
			le.PutUint64(ph[8:], s.off)
			le.PutUint64(ph[16:], s.off)
			le.PutUint64(ph[24:], s.off)
			le.PutUint64(ph[32:], uint64(len(s.data)))
			le.PutUint64(ph[40:], uint64(len(s.data)))
			phnum++
		}
	}
	le.PutUint16(hdr[56:], phnum)
	return hdr
}
