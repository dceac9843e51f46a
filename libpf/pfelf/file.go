// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pfelf implements read-only access to 64-bit little endian ELF files
// mapped into memory. Only the parts the unwinder needs are parsed: program
// headers, section headers and the symbol tables.
//
// The Executable and Linking Format (ELF) specification is available at:
//
//	https://refspecs.linuxfoundation.org/elf/elf.pdf
package pfelf // import "github.com/lua-ebpf/luaprof/libpf/pfelf"

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/lua-ebpf/luaprof/libpf"
	"github.com/lua-ebpf/luaprof/libpf/pfelf/internal/mmap"
)

// ErrSymbolNotFound is returned when requested symbol was not found
var ErrSymbolNotFound = errors.New("symbol not found")

// ErrNotELF is returned when the file is not a 64-bit little endian ELF
var ErrNotELF = errors.New("not a 64-bit ELF file")

const sym64Size = 24

// File represents an open ELF file
type File struct {
	// closer is called internally when resources for this File are to be released
	closer io.Closer

	// data is the whole file contents
	data []byte

	// elfHeader is the ELF file header
	elfHeader elf.Header64

	// ehFrame is a pointer to the PT_GNU_EH_FRAME segment of the ELF
	ehFrame *Prog

	// Progs contains the program header
	Progs []Prog

	// Sections contains the section headers
	Sections []Section

	Type    elf.Type
	Machine elf.Machine
}

// Prog represents a program header, and data associated with it
type Prog struct {
	elf.ProgHeader

	data []byte
}

// Section represents a section header, and data associated with it
type Section struct {
	elf.SectionHeader

	data []byte
}

// Open maps the named file and prepares it for use as an ELF binary.
func Open(name string) (*File, error) {
	r, err := mmap.Open(name)
	if err != nil {
		return nil, err
	}
	data, err := r.Subslice(0, r.Len())
	if err != nil {
		r.Close()
		return nil, err
	}
	f, err := newFile(data, r)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}

// NewFile creates an ELF file object that borrows the given bytes.
func NewFile(data []byte) (*File, error) {
	return newFile(data, nil)
}

// Close releases the file mapping.
func (f *File) Close() (err error) {
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	f.data = nil
	return
}

func newFile(data []byte, closer io.Closer) (*File, error) {
	f := &File{data: data, closer: closer}

	hdr := &f.elfHeader
	if len(data) < len(libpf.SliceFrom(hdr)) {
		return nil, ErrNotELF
	}
	copy(libpf.SliceFrom(hdr), data)
	if !bytes.Equal(hdr.Ident[0:4], []byte(elf.ELFMAG)) ||
		elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 ||
		elf.Data(hdr.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, ErrNotELF
	}
	f.Machine = elf.Machine(hdr.Machine)
	f.Type = elf.Type(hdr.Type)

	if err := f.loadProgs(); err != nil {
		return nil, err
	}
	if err := f.loadSections(); err != nil {
		return nil, err
	}
	return f, nil
}

// slice returns the file bytes [off, off+size) or an error when out of bounds.
func (f *File) slice(off, size uint64) ([]byte, error) {
	end := off + size
	if end < off || end > uint64(len(f.data)) {
		return nil, fmt.Errorf("range 0x%x+0x%x beyond file size 0x%x",
			off, size, len(f.data))
	}
	return f.data[off:end:end], nil
}

func (f *File) loadProgs() error {
	hdr := &f.elfHeader
	if hdr.Phnum == 0 {
		return nil
	}
	var ph elf.Prog64
	phSize := uint64(len(libpf.SliceFrom(&ph)))
	raw, err := f.slice(hdr.Phoff, uint64(hdr.Phnum)*phSize)
	if err != nil {
		return fmt.Errorf("program headers: %w", err)
	}

	f.Progs = make([]Prog, hdr.Phnum)
	for i := range f.Progs {
		copy(libpf.SliceFrom(&ph), raw[uint64(i)*phSize:])
		p := &f.Progs[i]
		p.ProgHeader = elf.ProgHeader{
			Type:   elf.ProgType(ph.Type),
			Flags:  elf.ProgFlag(ph.Flags),
			Off:    ph.Off,
			Vaddr:  ph.Vaddr,
			Paddr:  ph.Paddr,
			Filesz: ph.Filesz,
			Memsz:  ph.Memsz,
			Align:  ph.Align,
		}
		// Truncated segments keep a nil data view.
		p.data, _ = f.slice(ph.Off, ph.Filesz)
		if p.Type == elf.PT_GNU_EH_FRAME {
			f.ehFrame = p
		}
	}
	return nil
}

func (f *File) loadSections() error {
	hdr := &f.elfHeader
	if hdr.Shnum == 0 {
		return nil
	}
	if hdr.Shstrndx >= hdr.Shnum {
		return fmt.Errorf("invalid ELF section string table index (%d / %d)",
			hdr.Shstrndx, hdr.Shnum)
	}
	var sh elf.Section64
	shSize := uint64(len(libpf.SliceFrom(&sh)))
	raw, err := f.slice(hdr.Shoff, uint64(hdr.Shnum)*shSize)
	if err != nil {
		return fmt.Errorf("section headers: %w", err)
	}

	names := make([]uint32, hdr.Shnum)
	f.Sections = make([]Section, hdr.Shnum)
	for i := range f.Sections {
		copy(libpf.SliceFrom(&sh), raw[uint64(i)*shSize:])
		s := &f.Sections[i]
		s.SectionHeader = elf.SectionHeader{
			Type:      elf.SectionType(sh.Type),
			Flags:     elf.SectionFlag(sh.Flags),
			Addr:      sh.Addr,
			Offset:    sh.Off,
			Size:      sh.Size,
			Link:      sh.Link,
			Info:      sh.Info,
			Addralign: sh.Addralign,
			Entsize:   sh.Entsize,
			FileSize:  sh.Size,
		}
		if s.Type != elf.SHT_NOBITS {
			s.data, _ = f.slice(sh.Off, sh.Size)
		}
		names[i] = sh.Name
	}

	strtab := f.Sections[hdr.Shstrndx].data
	for i := range f.Sections {
		var ok bool
		f.Sections[i].Name, ok = getString(strtab, int(names[i]))
		if !ok {
			return fmt.Errorf("bad section name index (section %d, index %d/%d)",
				i, names[i], len(strtab))
		}
	}
	return nil
}

// getString extracts a null terminated string from an ELF string table
func getString(section []byte, start int) (string, bool) {
	if start < 0 || start >= len(section) {
		return "", false
	}
	slen := bytes.IndexByte(section[start:], 0)
	if slen < 0 {
		return "", false
	}
	return string(section[start : start+slen]), true
}

// Section returns a section with the given name, or nil if no such section exists.
func (f *File) Section(name string) *Section {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return &f.Sections[i]
		}
	}
	return nil
}

// Data returns the section contents. The slice aliases the file mapping.
func (sh *Section) Data() ([]byte, error) {
	if sh.Type == elf.SHT_NOBITS {
		return nil, fmt.Errorf("section %s has no file data", sh.Name)
	}
	if sh.data == nil && sh.FileSize != 0 {
		return nil, fmt.Errorf("section %s extends beyond file end", sh.Name)
	}
	return sh.data, nil
}

// Data returns the segment file contents. The slice aliases the file mapping.
func (ph *Prog) Data() []byte {
	return ph.data
}

// ReadAt implements io.ReaderAt over the raw file contents.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(f.data)) {
		return 0, fmt.Errorf("invalid offset %d", off)
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// VirtualMemory returns size bytes of the loaded image starting at the virtual
// address addr. The range must be backed by file data of a single PT_LOAD.
func (f *File) VirtualMemory(addr, size uint64) ([]byte, error) {
	for i := range f.Progs {
		ph := &f.Progs[i]
		if ph.Type != elf.PT_LOAD || addr < ph.Vaddr || addr >= ph.Vaddr+ph.Filesz {
			continue
		}
		off := addr - ph.Vaddr
		if off+size > uint64(len(ph.data)) {
			return nil, fmt.Errorf("0x%x+0x%x crosses segment end", addr, size)
		}
		return ph.data[off : off+size], nil
	}
	return nil, fmt.Errorf("no matching segment for 0x%x", addr)
}

// EHFrame returns a synthetic segment spanning from PT_GNU_EH_FRAME to the end
// of its containing PT_LOAD. It is used when the section headers are stripped.
func (f *File) EHFrame() (*Prog, error) {
	if f.ehFrame == nil {
		return nil, errors.New("no PT_GNU_EH_FRAME tag found")
	}
	p := f.ehFrame
	for i := range f.Progs {
		ph := &f.Progs[i]
		if ph.Type != elf.PT_LOAD || p.Vaddr < ph.Vaddr ||
			p.Vaddr >= ph.Vaddr+ph.Filesz {
			continue
		}
		offs := p.Vaddr - ph.Vaddr
		if ph.data == nil {
			break
		}
		return &Prog{
			ProgHeader: elf.ProgHeader{
				Type:   ph.Type,
				Flags:  ph.Flags,
				Off:    ph.Off + offs,
				Vaddr:  ph.Vaddr + offs,
				Paddr:  ph.Paddr + offs,
				Filesz: ph.Filesz - offs,
				Memsz:  ph.Memsz - offs,
				Align:  ph.Align,
			},
			data: ph.data[offs:],
		}, nil
	}
	return nil, errors.New("no PT_LOAD segment for PT_GNU_EH_FRAME found")
}

// LoadBias returns what must be added to a virtual address of the file to
// obtain its runtime address, given a mapping of file offset off at vaddr.
func (f *File) LoadBias(vaddr, off uint64) uint64 {
	for i := range f.Progs {
		ph := &f.Progs[i]
		if ph.Type != elf.PT_LOAD || off < ph.Off || off >= ph.Off+ph.Filesz {
			continue
		}
		return vaddr - off - (ph.Vaddr - ph.Off)
	}
	return vaddr - off
}
