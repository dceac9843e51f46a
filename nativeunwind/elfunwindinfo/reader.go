// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "github.com/lua-ebpf/luaprof/nativeunwind/elfunwindinfo"

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// uleb128 is the data type for unsigned little endian base-128 encoded number
type uleb128 uint64

// sleb128 is the data type for signed little endian base-128 encoded number
type sleb128 int64

// DWARF Exception Header Encoding
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type encoding uint8

const (
	encFormatNative  encoding = 0x00
	encFormatLeb128  encoding = 0x01
	encFormatData2   encoding = 0x02
	encFormatData4   encoding = 0x03
	encFormatData8   encoding = 0x04
	encFormatMask    encoding = 0x07
	encSignedMask    encoding = 0x08
	encAdjustAbs     encoding = 0x00
	encAdjustPcRel   encoding = 0x10
	encAdjustTextRel encoding = 0x20
	encAdjustDataRel encoding = 0x30
	encAdjustMask    encoding = 0x70
	encIndirect      encoding = 0x80
	encOmit          encoding = 0xff
)

// reader provides bounds checked sequential access to call frame data. Reads
// past the end return zero and invalidate the reader instead of failing, so
// callers check isValid once after a group of reads.
type reader struct {
	debugFrame bool

	data []byte
	base int64
	pos  int64
	end  int64
	// vaddr is the virtual address of data[0]
	vaddr uint64
}

func newReader(data []byte, vaddr uint64, debugFrame bool) reader {
	return reader{
		debugFrame: debugFrame,
		data:       data,
		end:        int64(len(data)),
		vaddr:      vaddr,
	}
}

func (r *reader) setBase() {
	r.base = r.pos
}

// offset creates a "sub"-reader for the data starting from offset relative to base
func (r *reader) offset(offs int64) reader {
	return reader{
		debugFrame: r.debugFrame,
		data:       r.data,
		base:       r.base,
		pos:        r.base + offs,
		end:        r.end,
		vaddr:      r.vaddr,
	}
}

// hasData checks if there is unread data left
func (r *reader) hasData() bool {
	return r.pos < r.end
}

// isValid checks if the reader is still in valid state
func (r *reader) isValid() bool {
	return r.data != nil && r.pos <= r.end
}

func (r *reader) skip(num int64) {
	r.pos += num
}

// get returns the next n bytes, or nil when they are beyond the end.
func (r *reader) get(n int64) []byte {
	pos := r.pos
	r.pos += n
	if pos < 0 || r.pos > r.end {
		return nil
	}
	return r.data[pos:r.pos]
}

// u8 reads one unsigned byte.
func (r *reader) u8() uint8 {
	if b := r.get(1); b != nil {
		return b[0]
	}
	return 0
}

// u16 reads one unsigned half word.
func (r *reader) u16() uint16 {
	if b := r.get(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

// u32 reads one unsigned word.
func (r *reader) u32() uint32 {
	if b := r.get(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

// u64 reads one unsigned double word.
func (r *reader) u64() uint64 {
	if b := r.get(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// uleb reads one unsigned little endian base-128 encoded value
func (r *reader) uleb() uleb128 {
	b := uint8(0x80)
	val := uleb128(0)
	for shift := 0; b&0x80 != 0 && r.hasData(); shift += 7 {
		b = r.u8()
		if shift < 64 {
			val |= uleb128(b&0x7f) << shift
		}
	}
	return val
}

// sleb reads one signed little endian base-128 encoded value
func (r *reader) sleb() sleb128 {
	b := uint8(0x80)
	val := sleb128(0)
	shift := 0
	for ; b&0x80 != 0 && r.hasData(); shift += 7 {
		b = r.u8()
		if shift < 64 {
			val |= sleb128(b&0x7f) << shift
		}
	}
	if b&0x40 != 0 && shift < 64 {
		// Sign extend
		val |= sleb128(-1) << shift
	}
	return val
}

// str reads one zero-terminated string value. This is used for the
// augmentation string only which is a small string.
func (r *reader) str() string {
	if !r.hasData() {
		return ""
	}
	rest := r.data[r.pos:r.end]
	n := bytes.IndexByte(rest, 0)
	if n < 0 {
		r.pos = r.end + 1
		return ""
	}
	r.skip(int64(n + 1))
	return string(rest[:n])
}

// bytes returns a sub-reader over the next num bytes
func (r *reader) bytes(num uint64) reader {
	pos := r.pos
	r.pos = pos + int64(num)
	if num > uint64(r.end) || r.pos > r.end {
		return reader{}
	}
	return reader{
		debugFrame: r.debugFrame,
		data:       r.data[:r.pos],
		pos:        pos,
		end:        r.pos,
		vaddr:      r.vaddr,
	}
}

// ptr reads one pointer value encoded with enc encoding
func (r *reader) ptr(enc encoding) (uint64, error) {
	if enc == encOmit {
		return 0, nil
	}
	pos := uint64(r.pos)
	var val uint64
	switch enc & (encFormatMask | encSignedMask) {
	case encFormatData2:
		val = uint64(r.u16())
	case encFormatData4:
		val = uint64(r.u32())
	case encFormatData8, encFormatNative, encFormatData8 | encSignedMask:
		val = r.u64()
	case encFormatLeb128:
		val = uint64(r.uleb())
	case encFormatLeb128 | encSignedMask:
		val = uint64(r.sleb())
	case encFormatData2 | encSignedMask:
		val = uint64(int64(int16(r.u16())))
	case encFormatData4 | encSignedMask:
		val = uint64(int64(int32(r.u32())))
	default:
		return 0, fmt.Errorf("unsupported format encoding %#02x", enc)
	}

	switch enc & encAdjustMask {
	case encAdjustAbs:
	case encAdjustPcRel:
		val += pos + r.vaddr
	case encAdjustDataRel:
		val += r.vaddr
	default:
		return 0, fmt.Errorf("unsupported adjust encoding %#02x", enc)
	}

	if enc&encIndirect != 0 {
		return 0, fmt.Errorf("unsupported indirect encoding %#02x", enc)
	}

	return val, nil
}
