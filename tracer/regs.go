// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/lua-ebpf/luaprof/tracer"

import (
	"math/bits"

	"golang.org/x/sys/unix"

	"github.com/lua-ebpf/luaprof/libpf"
	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
	"github.com/lua-ebpf/luaprof/unwinder"
)

// perf_regs numbering of x86-64 (arch/x86/include/uapi/asm/perf_regs.h)
const (
	perfRegAX  = 0
	perfRegBX  = 1
	perfRegCX  = 2
	perfRegDX  = 3
	perfRegSI  = 4
	perfRegDI  = 5
	perfRegBP  = 6
	perfRegSP  = 7
	perfRegIP  = 8
	perfRegR8  = 16
	perfRegR9  = 17
	perfRegR10 = 18
	perfRegR11 = 19
	perfRegR12 = 20
	perfRegR13 = 21
	perfRegR14 = 22
	perfRegR15 = 23
)

// dwarfOfPerfReg maps the sampled perf registers to DWARF numbers.
var dwarfOfPerfReg = map[int]uint8{
	perfRegAX:  sdtypes.RegRAX,
	perfRegBX:  sdtypes.RegRBX,
	perfRegCX:  sdtypes.RegRCX,
	perfRegDX:  sdtypes.RegRDX,
	perfRegSI:  sdtypes.RegRSI,
	perfRegDI:  sdtypes.RegRDI,
	perfRegBP:  sdtypes.RegRBP,
	perfRegSP:  sdtypes.RegRSP,
	perfRegIP:  sdtypes.RegRIP,
	perfRegR8:  sdtypes.RegR8,
	perfRegR9:  sdtypes.RegR9,
	perfRegR10: sdtypes.RegR10,
	perfRegR11: sdtypes.RegR11,
	perfRegR12: sdtypes.RegR12,
	perfRegR13: sdtypes.RegR13,
	perfRegR14: sdtypes.RegR14,
	perfRegR15: sdtypes.RegR15,
}

// sampleRegsMask selects the general purpose registers and the instruction
// pointer.
var sampleRegsMask = func() uint64 {
	var mask uint64
	for reg := range dwarfOfPerfReg {
		mask |= 1 << reg
	}
	return mask
}()

// convertRegisters converts the register values of a sample, ordered by
// perf register number, into DWARF order.
func convertRegisters(values []uint64, regs *unwinder.Registers) bool {
	if len(values) != bits.OnesCount64(sampleRegsMask) {
		return false
	}
	mask := sampleRegsMask
	for _, v := range values {
		reg := bits.TrailingZeros64(mask)
		mask &= mask - 1
		regs[dwarfOfPerfReg[reg]] = v
	}
	return true
}

// isContextMarker reports whether a callchain entry is a PERF_CONTEXT_*
// marker rather than an address.
func isContextMarker(ip uint64) bool {
	v := int64(ip)
	return v < 0 && v >= unix.PERF_CONTEXT_MAX
}

// kernelFrames appends the kernel part of a callchain to frames, capped at
// MaxStackDepth.
func kernelFrames(callchain []uint64, frames []libpf.Address) []libpf.Address {
	inKernel := false
	for _, ip := range callchain {
		if isContextMarker(ip) {
			inKernel = int64(ip) == unix.PERF_CONTEXT_KERNEL
			continue
		}
		if !inKernel {
			continue
		}
		if len(frames) >= unwinder.MaxStackDepth {
			break
		}
		frames = append(frames, libpf.Address(ip))
	}
	return frames
}
