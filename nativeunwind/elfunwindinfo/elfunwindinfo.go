// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfunwindinfo compiles the DWARF call frame information of an ELF
// file into a flat table of per instruction frame recovery states.
package elfunwindinfo // import "github.com/lua-ebpf/luaprof/nativeunwind/elfunwindinfo"

import (
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/lua-ebpf/luaprof/libpf/pfelf"
	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
)

// ErrNoUnwindInfo is returned when a file carries no usable call frame
// information.
var ErrNoUnwindInfo = errors.New("no unwind information")

// Table is the compiled unwind information of one ELF file, in file
// virtual addresses.
type Table struct {
	Regions []UnwindRegion
	// Entries are sorted ascending by IP
	Entries sdtypes.UnwindEntryArray
	// Partial counts the regions whose program could be decoded only up to
	// some point
	Partial int
}

// BuildTable compiles all regions and returns the sorted entries. Failing
// regions keep their decodable prefix.
func BuildTable(regions []UnwindRegion) (sdtypes.UnwindEntryArray, int) {
	entries := make(sdtypes.UnwindEntryArray, 0, 4*len(regions))
	partial := 0
	for i := range regions {
		if err := CompileRegion(&regions[i], &entries); err != nil {
			log.Debugf("Partial unwind info: %v", err)
			partial++
		}
	}
	entries = entries.Sort()
	for i := 0; i+1 < len(entries); i++ {
		entries[i].Length = entries[i+1].IP - entries[i].IP
	}
	return entries, partial
}

// Extract reads and compiles the call frame information of ef.
func Extract(ef *pfelf.File) (*Table, error) {
	regions, err := ExtractRegions(ef)
	if err != nil {
		return nil, err
	}
	entries, partial := BuildTable(regions)
	return &Table{
		Regions: regions,
		Entries: entries,
		Partial: partial,
	}, nil
}

// ExtractFile opens the ELF file at path and compiles its call frame
// information.
func ExtractFile(path string) (*Table, error) {
	ef, err := pfelf.Open(path)
	if err != nil {
		return nil, err
	}
	defer ef.Close()
	table, err := Extract(ef)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// Relocate returns a copy of the entries moved by bias, as needed when the
// file is mapped at a different address than its link address.
func (t *Table) Relocate(bias uint64) sdtypes.UnwindEntryArray {
	out := make(sdtypes.UnwindEntryArray, len(t.Entries))
	for i, e := range t.Entries {
		e.IP += bias
		out[i] = e
	}
	return out
}

// DumpTable writes one line per entry in a human readable form.
func DumpTable(w io.Writer, entries sdtypes.UnwindEntryArray) error {
	for i := range entries {
		e := &entries[i]
		if _, err := fmt.Fprintf(w, "%016x %v\n", e.IP, &e.State); err != nil {
			return err
		}
	}
	return nil
}
