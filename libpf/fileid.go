// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/lua-ebpf/luaprof/libpf"

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	sha256 "github.com/minio/sha256-simd"
)

// FileID identifies the contents of an executable file independent of its path.
type FileID struct {
	hi, lo uint64
}

// NewFileID creates a FileID from its two halves.
func NewFileID(hi, lo uint64) FileID {
	return FileID{hi: hi, lo: lo}
}

// Hash32 returns a 32 bits hash of the input.
func (f FileID) Hash32() uint32 {
	return uint32(f.hi)
}

// StringNoQuotes returns the hex representation of the FileID.
func (f FileID) StringNoQuotes() string {
	return fmt.Sprintf("%016x%016x", f.hi, f.lo)
}

func (f FileID) String() string {
	return f.StringNoQuotes()
}

// FileIDFromExecutableReader hashes the 4 KiB header, the 4 KiB trailer and the
// file length of an executable.
func FileIDFromExecutableReader(reader io.ReadSeeker) (FileID, error) {
	h := sha256.New()

	if _, err := io.Copy(h, io.LimitReader(reader, 4096)); err != nil {
		return FileID{}, fmt.Errorf("failed to hash file header: %w", err)
	}

	size, err := reader.Seek(0, io.SeekEnd)
	if err != nil {
		return FileID{}, fmt.Errorf("failed to seek end of file: %w", err)
	}

	tailBytes := min(size, 4096)
	if _, err = reader.Seek(-tailBytes, io.SeekEnd); err != nil {
		return FileID{}, fmt.Errorf("failed to seek file trailer: %w", err)
	}
	if _, err = io.Copy(h, reader); err != nil {
		return FileID{}, fmt.Errorf("failed to hash file trailer: %w", err)
	}

	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(size))
	_, _ = h.Write(length[:])

	sum := h.Sum(nil)
	return NewFileID(binary.BigEndian.Uint64(sum[0:8]),
		binary.BigEndian.Uint64(sum[8:16])), nil
}

// FileIDFromExecutableFile opens an executable file and calculates the FileID for it.
func FileIDFromExecutableFile(fileName string) (FileID, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return FileID{}, err
	}
	defer f.Close()

	return FileIDFromExecutableReader(f)
}
