// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package mmap maps files read-only into memory.
package mmap // import "github.com/lua-ebpf/luaprof/libpf/pfelf/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// ReaderAt reads a memory-mapped file.
//
// Like any io.ReaderAt, clients can execute parallel ReadAt calls, but it is
// not safe to call Close and reading methods concurrently.
type ReaderAt struct {
	data []byte
}

// Close unmaps the file.
func (r *ReaderAt) Close() error {
	if len(r.data) == 0 {
		r.data = nil
		return nil
	}
	data := r.data
	r.data = nil
	runtime.SetFinalizer(r, nil)
	return unix.Munmap(data)
}

// Len returns the length of the underlying memory-mapped file.
func (r *ReaderAt) Len() int {
	return len(r.data)
}

// ReadAt implements the io.ReaderAt interface.
func (r *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if r.data == nil {
		return 0, errors.New("mmap: closed")
	}
	if off < 0 || int64(len(r.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Subslice returns a view into the mapped data without copying.
func (r *ReaderAt) Subslice(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > len(r.data) {
		return nil, fmt.Errorf("requested %d bytes at 0x%x exceed %d: %w",
			length, offset, len(r.data), io.EOF)
	}
	return r.data[offset : offset+length : offset+length], nil
}

// Open memory-maps the named file for reading.
func Open(filename string) (*ReaderAt, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := fi.Size()
	if size == 0 {
		// mmap rejects a zero length.
		return &ReaderAt{data: make([]byte, 0)}, nil
	}
	if size < 0 || size != int64(int(size)) {
		return nil, fmt.Errorf("mmap: file %q has unsupported size %d", filename, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	r := &ReaderAt{data}
	runtime.SetFinalizer(r, (*ReaderAt).Close)
	return r, nil
}
