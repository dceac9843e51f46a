// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf holds small types and helpers shared by the profiler packages.
package libpf // import "github.com/lua-ebpf/luaprof/libpf"

import (
	"reflect"
	"unsafe"

	"github.com/lua-ebpf/luaprof/libpf/hash"
)

// Address represents an address, or offset within a process
type Address uint64

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (adr Address) Hash32() uint32 {
	return uint32(hash.Uint64(uint64(adr)))
}

// PID represent Unix Process ID (pid_t)
type PID uint32

func (p PID) Hash32() uint32 {
	return uint32(p)
}

// SliceFrom converts a Go struct pointer or slice to []byte to read data into
func SliceFrom(data any) []byte {
	var s []byte
	val := reflect.ValueOf(data)
	switch val.Kind() {
	case reflect.Slice:
		if val.Len() != 0 {
			e := val.Index(0)
			addr := e.Addr().UnsafePointer()
			l := val.Len() * int(e.Type().Size())
			s = unsafe.Slice((*byte)(addr), l)
		}
	case reflect.Ptr:
		e := val.Elem()
		addr := e.Addr().UnsafePointer()
		l := int(e.Type().Size())
		s = unsafe.Slice((*byte)(addr), l)
	default:
		panic("invalid type")
	}
	return s
}

// CString returns the part of a NUL-padded byte buffer before the first NUL.
func CString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
