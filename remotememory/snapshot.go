// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "github.com/lua-ebpf/luaprof/remotememory"

import (
	"io"
)

// StackSnapshot serves reads from a copy of the user stack taken at sample
// time, and forwards reads outside of that copy to the live process. The live
// stack keeps changing after the interrupt, so frames found on it could be stale.
type StackSnapshot struct {
	// Base is the address of Data[0], normally the sampled stack pointer.
	Base uint64
	// Data is the copied stack contents.
	Data []byte
	// Fallback serves reads outside of the snapshot. May be nil.
	Fallback io.ReaderAt
}

var _ io.ReaderAt = &StackSnapshot{}

// ReadAt implements io.ReaderAt.
func (s *StackSnapshot) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	end := s.Base + uint64(len(s.Data))
	if addr >= s.Base && addr+uint64(len(p)) <= end && addr+uint64(len(p)) >= addr {
		return copy(p, s.Data[addr-s.Base:]), nil
	}
	if s.Fallback == nil {
		return 0, io.EOF
	}
	return s.Fallback.ReadAt(p, off)
}

// NewStackSnapshot wraps a sampled stack into a RemoteMemory.
func NewStackSnapshot(base uint64, data []byte, fallback RemoteMemory) RemoteMemory {
	return RemoteMemory{ReaderAt: &StackSnapshot{Base: base, Data: data,
		Fallback: fallback.ReaderAt}}
}
