// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/lua-ebpf/luaprof/tracer"

import (
	"errors"
	"fmt"
	"unsafe"

	cebpf "github.com/cilium/ebpf"
	log "github.com/sirupsen/logrus"

	"github.com/lua-ebpf/luaprof/libpf"
	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
	"github.com/lua-ebpf/luaprof/rlimit"
	"github.com/lua-ebpf/luaprof/unwinder"
)

// Names of the exported maps.
const (
	FDEIPMap    = "fde_ip_map"
	FDEStateMap = "fde_state_map"
	EntryMap    = "luaV_exec_map"
)

// savedRegister is the map encoding of a register rule.
type savedRegister struct {
	From  int32
	Value int32
}

// fdeState is the map encoding of a sdtypes.FrameRecoveryState.
type fdeState struct {
	Regs          [sdtypes.NumRegisters]savedRegister
	CFARegister   uint64
	CFAOffset     uint64
	CFAExpression uint8
	_             [7]uint8
}

// entryPoint is the map encoding of an unwinder.EntryPoint.
type entryPoint struct {
	IPStart     uint64
	IPEnd       uint64
	ParamKind   uint8
	_           [3]uint8
	ParamOffset int32
	ParamReg    uint32
	_           [4]uint8
}

func encodeState(s *sdtypes.FrameRecoveryState) fdeState {
	var enc fdeState
	for i, r := range s.Regs {
		enc.Regs[i] = savedRegister{From: int32(r.Kind), Value: int32(r.Value)}
	}
	enc.CFARegister = uint64(s.CFA.Register)
	enc.CFAOffset = uint64(s.CFA.Offset)
	if s.CFA.Kind != sdtypes.CFARegisterOffset {
		enc.CFAExpression = 1
	}
	return enc
}

func encodeEntryPoint(e *unwinder.EntryPoint) entryPoint {
	return entryPoint{
		IPStart:     uint64(e.Start),
		IPEnd:       uint64(e.End),
		ParamKind:   uint8(e.Param.Kind),
		ParamOffset: e.Param.Offset,
		ParamReg:    uint32(e.Param.Reg),
	}
}

// ptrCastMarshaler hands the memory of a slice of plain structs to
// BatchUpdate without a reflection based copy. T must only contain fixed
// size fields.
type ptrCastMarshaler[T any] []T

func (r ptrCastMarshaler[T]) MarshalBinary() (data []byte, err error) {
	return libpf.SliceFrom(r), nil
}

func indexKeys(num int) ptrCastMarshaler[uint32] {
	keys := make([]uint32, num)
	for k := range keys {
		keys[k] = uint32(k)
	}
	return keys
}

// Maps holds the installed tables.
type Maps struct {
	IPs    *cebpf.Map
	States *cebpf.Map
	Entry  *cebpf.Map
}

// InstallMaps creates the array maps holding the recovery table and the
// entry point. With a non-empty pinPath the maps are pinned by name below
// it, replacing the contents of existing pins.
func InstallMaps(table *unwinder.Table, entry *unwinder.EntryPoint,
	pinPath string) (*Maps, error) {
	if table.Len() == 0 {
		return nil, errors.New("empty recovery table")
	}
	restoreRlimit, err := rlimit.MaximizeMemlock()
	if err != nil {
		return nil, err
	}
	defer restoreRlimit()

	newMap := func(name string, valueSize, maxEntries int) (*cebpf.Map, error) {
		spec := &cebpf.MapSpec{
			Name:       name,
			Type:       cebpf.Array,
			KeySize:    4,
			ValueSize:  uint32(valueSize),
			MaxEntries: uint32(maxEntries),
		}
		var opts cebpf.MapOptions
		if pinPath != "" {
			spec.Pinning = cebpf.PinByName
			opts.PinPath = pinPath
		}
		m, err := cebpf.NewMapWithOptions(spec, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %v", name, err)
		}
		return m, nil
	}

	maps := &Maps{}
	if maps.IPs, err = newMap(FDEIPMap, 8, table.Len()); err != nil {
		return nil, err
	}
	if maps.States, err = newMap(FDEStateMap, int(unsafe.Sizeof(fdeState{})),
		table.Len()); err != nil {
		maps.Close()
		return nil, err
	}
	if maps.Entry, err = newMap(EntryMap, int(unsafe.Sizeof(entryPoint{})), 1); err != nil {
		maps.Close()
		return nil, err
	}

	states := make([]fdeState, table.Len())
	for i := range table.States() {
		states[i] = encodeState(&table.States()[i])
	}
	keys := indexKeys(table.Len())
	if err = updateAll(maps.IPs, keys, ptrCastMarshaler[uint64](table.IPs())); err != nil {
		maps.Close()
		return nil, fmt.Errorf("failed to fill %s: %v", FDEIPMap, err)
	}
	if err = updateAll(maps.States, keys, ptrCastMarshaler[fdeState](states)); err != nil {
		maps.Close()
		return nil, fmt.Errorf("failed to fill %s: %v", FDEStateMap, err)
	}
	enc := encodeEntryPoint(entry)
	if err = maps.Entry.Update(uint32(0), &enc, cebpf.UpdateAny); err != nil {
		maps.Close()
		return nil, fmt.Errorf("failed to fill %s: %v", EntryMap, err)
	}
	log.Infof("Installed %d recovery table entries into eBPF maps", table.Len())
	return maps, nil
}

// updateAll writes values at keys, falling back to single updates on
// kernels without batch operations.
func updateAll[T any](m *cebpf.Map, keys ptrCastMarshaler[uint32], values ptrCastMarshaler[T]) error {
	n, err := m.BatchUpdate(keys, values, nil)
	if err == nil && n == len(keys) {
		return nil
	}
	log.Debugf("Batch update of %v failed (%d/%d, %v), updating one by one",
		m, n, len(keys), err)
	for i := range keys {
		if err := m.Update(keys[i], &values[i], cebpf.UpdateAny); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the maps. Pinned maps stay in the file system.
func (m *Maps) Close() {
	for _, mp := range []*cebpf.Map{m.IPs, m.States, m.Entry} {
		if mp == nil {
			continue
		}
		if err := mp.Close(); err != nil {
			log.Errorf("Failed to close map: %v", err)
		}
	}
}
