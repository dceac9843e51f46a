// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotememory provides fault-tolerant access to the memory space of
// a process. The ReaderAt interface is used for the basic access, and the
// typed helpers return zero instead of an error when the address is not
// readable, which is what the unwinder expects of a faulting read.
package remotememory // import "github.com/lua-ebpf/luaprof/remotememory"

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/lua-ebpf/luaprof/libpf"
)

// RemoteMemory implements a set of convenience functions to access the remote memory
type RemoteMemory struct {
	io.ReaderAt
}

// Valid determines if this RemoteMemory instance contains a valid reference to target process
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

// Read fills slice p[] with data from remote memory at address addr. A short
// read is reported as an error.
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	if addr == 0 {
		return fmt.Errorf("read of %d bytes at NULL", len(p))
	}
	n, err := rm.ReadAt(p, int64(addr))
	if err == nil && n != len(p) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// Ptr reads a native pointer from remote memory
func (rm RemoteMemory) Ptr(addr libpf.Address) libpf.Address {
	return libpf.Address(rm.Uint64(addr))
}

// Uint8 reads an 8-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint8(addr libpf.Address) uint8 {
	var buf [1]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return buf[0]
}

// Uint16 reads a 16-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint16(addr libpf.Address) uint16 {
	var buf [2]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(buf[:])
}

// Uint32 reads a 32-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint32(addr libpf.Address) uint32 {
	var buf [4]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Uint64 reads a 64-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint64(addr libpf.Address) uint64 {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// Uint64Checked reads a 64-bit unsigned integer and reports whether the read
// succeeded. Used where a legitimately zero value must be told apart from a fault.
func (rm RemoteMemory) Uint64Checked(addr libpf.Address) (uint64, bool) {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

// Int32 reads a 32-bit signed integer from remote memory
func (rm RemoteMemory) Int32(addr libpf.Address) int32 {
	return int32(rm.Uint32(addr))
}

// StringN reads at most maxLen bytes of a string. The string ends at the first
// NUL or after maxLen bytes. ok is false if the first byte is not readable.
func (rm RemoteMemory) StringN(addr libpf.Address, maxLen int) (s string, ok bool) {
	if addr == 0 || maxLen <= 0 {
		return "", false
	}
	buf := make([]byte, maxLen)
	n, err := rm.ReadAt(buf, int64(addr))
	if err != nil || n < maxLen {
		// A string close to the end of a mapping fails the full read.
		for n = 0; n < maxLen; n++ {
			if rm.Read(addr+libpf.Address(n), buf[n:n+1]) != nil {
				if n == 0 {
					return "", false
				}
				break
			}
			if buf[n] == 0 {
				break
			}
		}
	}
	buf = buf[:n]
	if zeroIdx := bytes.IndexByte(buf, 0); zeroIdx >= 0 {
		buf = buf[:zeroIdx]
	}
	return string(buf), true
}

// ProcessVirtualMemory implements RemoteMemory by using process_vm_readv syscalls
// to read the remote memory.
type ProcessVirtualMemory struct {
	pid libpf.PID
}

func (vm ProcessVirtualMemory) ReadAt(p []byte, off int64) (int, error) {
	numBytesWanted := len(p)
	if numBytesWanted == 0 {
		return 0, nil
	}
	localIov := []unix.Iovec{{Base: &p[0], Len: uint64(numBytesWanted)}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(off), Len: numBytesWanted}}
	numBytesRead, err := unix.ProcessVMReadv(int(vm.pid), localIov, remoteIov, 0)
	if err != nil {
		err = fmt.Errorf("failed to read PID %v at 0x%x: %w", vm.pid, off, err)
	} else if numBytesRead != numBytesWanted {
		err = fmt.Errorf("failed to read PID %v at 0x%x: got only %d of %d",
			vm.pid, off, numBytesRead, numBytesWanted)
	}
	return numBytesRead, err
}

// NewProcessVirtualMemory returns ProcessVirtualMemory implementation of RemoteMemory.
func NewProcessVirtualMemory(pid libpf.PID) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}}
}
