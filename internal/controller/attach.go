// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "github.com/lua-ebpf/luaprof/internal/controller"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lua-ebpf/luaprof/asm/amd"
	"github.com/lua-ebpf/luaprof/interpreter/lua"
	"github.com/lua-ebpf/luaprof/libpf"
	"github.com/lua-ebpf/luaprof/libpf/freelru"
	"github.com/lua-ebpf/luaprof/libpf/pfelf"
	"github.com/lua-ebpf/luaprof/nativeunwind/elfunwindinfo"
	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
	"github.com/lua-ebpf/luaprof/process"
	"github.com/lua-ebpf/luaprof/unwinder"
)

// tableCacheSize is the number of compiled binaries kept.
const tableCacheSize = 64

// tableCache compiles the unwind information of each distinct binary once,
// however often and under whichever path it is mapped.
type tableCache struct {
	tables *freelru.LRU[libpf.FileID, *elfunwindinfo.Table]
}

func newTableCache() (*tableCache, error) {
	tables, err := freelru.New[libpf.FileID, *elfunwindinfo.Table](tableCacheSize,
		libpf.FileID.Hash32)
	if err != nil {
		return nil, err
	}
	return &tableCache{tables: tables}, nil
}

func (c *tableCache) get(path string, ef *pfelf.File) (*elfunwindinfo.Table, error) {
	fileID, err := libpf.FileIDFromExecutableFile(path)
	if err != nil {
		return nil, err
	}
	if table, ok := c.tables.Get(fileID); ok {
		return table, nil
	}
	table, err := elfunwindinfo.Extract(ef)
	if err != nil {
		return nil, err
	}
	log.Debugf("Compiled %d unwind entries from %d regions of %s (%v), %d partial",
		len(table.Entries), len(table.Regions), path, fileID, table.Partial)
	c.tables.Add(fileID, table)
	return table, nil
}

// target is a process prepared for sampling.
type target struct {
	pid  libpf.PID
	proc *process.Process
	comm string
	// name is the path of the main executable.
	name     string
	mappings []process.Mapping
	// entries holds the relocated unwind entries of each mapping.
	entries []sdtypes.UnwindEntryArray

	table *unwinder.Table
	entry unwinder.EntryPoint
	abi   *lua.ABI
}

// attach compiles the unwind information of every executable mapping of pid
// and locates the interpreter entry point.
func attach(pid libpf.PID, abiName string, tables *tableCache) (*target, error) {
	proc := process.New(pid)
	mappings, err := proc.ExecutableMappings()
	if err != nil {
		return nil, fmt.Errorf("failed to read mappings of %d: %w", pid, err)
	}
	comm, err := proc.Comm()
	if err != nil {
		return nil, fmt.Errorf("failed to read name of %d: %w", pid, err)
	}

	t := &target{pid: pid, proc: proc, comm: comm}
	for i := range mappings {
		m := &mappings[i]
		if err = t.addMapping(m, abiName, tables); err != nil {
			log.Debugf("Skipping %s: %v", m.Path, err)
			continue
		}
		t.mappings = append(t.mappings, *m)
	}
	if len(t.mappings) == 0 {
		return nil, fmt.Errorf("process %d: %w", pid, ErrNoMappings)
	}
	if t.abi == nil {
		return nil, fmt.Errorf("%s not found in process %d: %w",
			lua.ExecuteSymbol, pid, unwinder.ErrNoEntryPoint)
	}
	t.name = t.mappings[0].Path
	t.table = unwinder.NewTable(t.entries...)
	log.Infof("Attached to %d (%s): %d mappings, %d unwind entries",
		pid, comm, len(t.mappings), t.table.Len())
	if tids, err := proc.Threads(); err == nil {
		log.Debugf("Sampling %d threads of %d and any it starts", len(tids), pid)
	}
	return t, nil
}

func (t *target) addMapping(m *process.Mapping, abiName string, tables *tableCache) error {
	ef, err := pfelf.Open(m.Path)
	if err != nil {
		return err
	}
	defer ef.Close()

	table, err := tables.get(m.Path, ef)
	if err != nil {
		return err
	}
	bias := ef.LoadBias(m.Vaddr, m.FileOffset)
	t.entries = append(t.entries, table.Relocate(bias))

	if t.abi == nil {
		if err = t.findEntryPoint(ef, table, bias, abiName); err != nil {
			log.Warnf("Failed to inspect %s in %s: %v", lua.ExecuteSymbol, m.Path, err)
		}
	}
	return nil
}

// findEntryPoint locates the interpreter dispatch function in ef, if present,
// and where it keeps its lua_State argument.
func (t *target) findEntryPoint(ef *pfelf.File, table *elfunwindinfo.Table,
	bias uint64, abiName string) error {
	sym, err := ef.LookupSymbol(lua.ExecuteSymbol)
	if errors.Is(err, pfelf.ErrSymbolNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	start := uint64(sym.Address)
	size := sym.Size
	if size == 0 {
		size = regionLength(table.Regions, start)
	}
	if size == 0 {
		return fmt.Errorf("unknown size of %s", lua.ExecuteSymbol)
	}
	code, err := ef.VirtualMemory(start, size)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", lua.ExecuteSymbol, err)
	}

	param, err := amd.FindParamLocation(code, start, size, sdtypes.RegRDI)
	if err != nil {
		if !errors.Is(err, amd.ErrNotFound) {
			return err
		}
		log.Warnf("%v, assuming the lua_State stays in %s", err,
			sdtypes.RegName(sdtypes.RegRDI))
		param = sdtypes.InRegister(sdtypes.RegRDI)
	}

	abi, err := lua.Detect(ef, abiName)
	if err != nil {
		return err
	}

	t.abi = abi
	t.entry = unwinder.EntryPoint{
		Start: libpf.Address(start + bias),
		End:   libpf.Address(start + bias + size - 1),
		Param: param,
	}
	log.Infof("Found %s at 0x%x-0x%x, lua_State in %v, Lua %s",
		lua.ExecuteSymbol, t.entry.Start, t.entry.End, param, abi.Name)
	return nil
}

// regionLength returns the length of the unwind region starting at addr.
func regionLength(regions []elfunwindinfo.UnwindRegion, addr uint64) uint64 {
	for i := range regions {
		if regions[i].Base == addr {
			return regions[i].Length
		}
	}
	return 0
}
