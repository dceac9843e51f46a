// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pfelf // import "github.com/lua-ebpf/luaprof/libpf/pfelf"

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/lua-ebpf/luaprof/libpf"
)

// symbolTable is a decoded view of one SHT_SYMTAB or SHT_DYNSYM section.
type symbolTable struct {
	syms    []byte
	strings []byte
}

// symbolTables returns the static table first, then the dynamic one.
func (f *File) symbolTables() []symbolTable {
	tables := make([]symbolTable, 0, 2)
	for _, typ := range []elf.SectionType{elf.SHT_SYMTAB, elf.SHT_DYNSYM} {
		for i := range f.Sections {
			sh := &f.Sections[i]
			if sh.Type != typ || int(sh.Link) >= len(f.Sections) {
				continue
			}
			syms, err := sh.Data()
			if err != nil {
				continue
			}
			strs, err := f.Sections[sh.Link].Data()
			if err != nil {
				continue
			}
			tables = append(tables, symbolTable{syms: syms, strings: strs})
			break
		}
	}
	return tables
}

// visit calls cb for each named symbol in the table until cb returns false.
func (t *symbolTable) visit(cb func(name string, sym *elf.Sym64) bool) {
	var sym elf.Sym64
	for off := sym64Size; off+sym64Size <= len(t.syms); off += sym64Size {
		raw := t.syms[off : off+sym64Size]
		sym.Name = binary.LittleEndian.Uint32(raw[0:])
		sym.Info = raw[4]
		sym.Other = raw[5]
		sym.Shndx = binary.LittleEndian.Uint16(raw[6:])
		sym.Value = binary.LittleEndian.Uint64(raw[8:])
		sym.Size = binary.LittleEndian.Uint64(raw[16:])
		name, ok := getString(t.strings, int(sym.Name))
		if !ok || name == "" {
			continue
		}
		if !cb(name, &sym) {
			return
		}
	}
}

// LookupSymbol searches .symtab and then .dynsym for a defined symbol.
func (f *File) LookupSymbol(symbol libpf.SymbolName) (*libpf.Symbol, error) {
	var found *libpf.Symbol
	for _, table := range f.symbolTables() {
		table.visit(func(name string, sym *elf.Sym64) bool {
			if name != string(symbol) || sym.Shndx == uint16(elf.SHN_UNDEF) {
				return true
			}
			found = &libpf.Symbol{
				Name:    symbol,
				Address: libpf.SymbolValue(sym.Value),
				Size:    sym.Size,
			}
			return false
		})
		if found != nil {
			return found, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", symbol, ErrSymbolNotFound)
}

// ReadSymbols loads all defined function symbols into a SymbolMap. The static
// table is used when present, otherwise the dynamic one.
func (f *File) ReadSymbols() (*libpf.SymbolMap, error) {
	tables := f.symbolTables()
	if len(tables) == 0 {
		return nil, ErrSymbolNotFound
	}
	table := tables[0]
	symmap := libpf.NewSymbolMap(len(table.syms) / sym64Size)
	table.visit(func(name string, sym *elf.Sym64) bool {
		if elf.ST_TYPE(sym.Info) == elf.STT_FUNC && sym.Shndx != uint16(elf.SHN_UNDEF) {
			symmap.Add(libpf.Symbol{
				Name:    libpf.SymbolName(name),
				Address: libpf.SymbolValue(sym.Value),
				Size:    sym.Size,
			})
		}
		return true
	})
	symmap.Finalize()
	return symmap, nil
}
