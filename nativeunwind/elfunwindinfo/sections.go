// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "github.com/lua-ebpf/luaprof/nativeunwind/elfunwindinfo"

import (
	"errors"
	"fmt"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"

	"github.com/lua-ebpf/luaprof/libpf/hash"
	"github.com/lua-ebpf/luaprof/libpf/pfelf"
)

// cieCacheSize is the cache size for CIE entries. The number of distinct CIEs
// per binary is usually small.
const cieCacheSize = 256

// ehFrameHdrSize is the fixed part of .eh_frame_hdr
const ehFrameHdrSize = 4

// parseHDR parses the common part of CIE and FDE blocks
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (r *reader) parseHDR(expectCIE bool) (data reader, ciePos uint64, err error) {
	var idPos, cieMarker uint64
	dlen := uint64(r.u32())
	if dlen == 0 {
		return reader{}, 0, errEmptyEntry
	}
	if dlen < 0xfffffff0 {
		// Normal 32-bit dwarf
		idPos = uint64(r.pos)
		ciePos = uint64(r.u32())
		cieMarker = 0xffffffff
		dlen -= 4
	} else if dlen == 0xffffffff {
		// 64-bit dwarf
		dlen = r.u64()
		idPos = uint64(r.pos)
		ciePos = r.u64()
		cieMarker = 0xffffffffffffffff
		dlen -= 8
	} else {
		// Abort reading as sync is lost
		r.pos = r.end
		return reader{}, 0, fmt.Errorf("unsupported initial length %#x", dlen)
	}

	data = r.bytes(dlen)
	if !data.isValid() {
		return reader{}, 0, fmt.Errorf("CIE/FDE %#x: extends beyond section end", idPos)
	}
	if !r.debugFrame {
		// In .eh_frame's the CIE marker pointer value is zero
		cieMarker = 0
	}
	isCIE := ciePos == cieMarker
	if isCIE != expectCIE {
		return data, 0, errUnexpectedType
	}
	if !isCIE {
		if !r.debugFrame {
			// In .eh_frame, the CIE pointer is relative to its own position
			ciePos = idPos - ciePos
		}
		if ciePos >= uint64(r.end) {
			return data, 0, fmt.Errorf("FDE refers to CIE beyond end at %#x", ciePos)
		}
	}
	return data, ciePos, nil
}

// parseCIE reads one Common Information Entry and runs its initial program.
func (r *reader) parseCIE(cie *CIE) error {
	data, _, err := r.parseHDR(true)
	if err != nil {
		return err
	}

	ver := data.u8()
	if ver != 1 && ver != 3 && ver != 4 {
		return fmt.Errorf("CIE version %d not supported", ver)
	}

	*cie = CIE{
		enc:          encFormatNative | encAdjustAbs,
		ldaEnc:       encFormatNative | encAdjustAbs,
		isDebugFrame: r.debugFrame,
	}

	augmentation := data.str()
	if ver == 4 {
		// Skip the address_size and segment_selector_size fields
		data.skip(2)
	}

	cie.CodeAlign = uint64(data.uleb())
	cie.DataAlign = int64(data.sleb())
	if ver == 1 {
		cie.ReturnRegister = data.u8()
	} else {
		cie.ReturnRegister = uint8(data.uleb())
	}

	// A zero length string indicates that no augmentation data is present.
	if len(augmentation) > 0 {
		if augmentation[0] != 'z' {
			return fmt.Errorf("too old augmentation string '%s'", augmentation)
		}
		augLen := int64(data.uleb())
		augEnd := data.pos + augLen
		cie.hasAugmentation = true

		for _, ch := range augmentation[1:] {
			switch ch {
			case 'L':
				cie.ldaEnc = encoding(data.u8())
			case 'R':
				cie.enc = encoding(data.u8())
			case 'P':
				// The personality routine is not needed, only skipped
				enc := encoding(data.u8()) &^ encIndirect
				if _, err = data.ptr(enc); err != nil {
					return err
				}
			case 'S':
				cie.SignalHandler = true
			case 'B':
				// AArch64 BTI marker, carries no data
			default:
				return fmt.Errorf("unsupported augmentation string '%s'", augmentation)
			}
		}
		data.pos = augEnd
	}

	if !data.isValid() {
		return errors.New("CIE not valid after header")
	}
	return cie.runProgram(&data)
}

// parseFDE reads one Frame Description Entry into region. CIEs are
// resolved through the cache.
func (r *reader) parseFDE(cieCache *lru.LRU[uint64, *CIE], region *UnwindRegion) error {
	fdeID := r.pos
	data, ciePos, err := r.parseHDR(false)
	if err != nil {
		return err
	}

	cie, ok := cieCache.Get(ciePos)
	if !ok {
		cie = &CIE{}
		cr := r.offset(int64(ciePos))
		if err = cr.parseCIE(cie); err != nil {
			return fmt.Errorf("CIE %#x failed: %w", ciePos, err)
		}
		cieCache.Add(ciePos, cie)
	}

	ipStart, err := data.ptr(cie.enc)
	if err != nil {
		return err
	}
	ipLen, err := data.ptr(cie.enc & (encFormatMask | encSignedMask))
	if err != nil {
		return err
	}
	if cie.hasAugmentation {
		data.skip(int64(data.uleb()))
	}
	if !data.isValid() {
		return fmt.Errorf("FDE %#x not valid after header", fdeID)
	}

	*region = UnwindRegion{
		Base:        ipStart,
		Length:      ipLen,
		CIE:         cie,
		Program:     data.data[data.pos:data.end],
		ProgramAddr: data.vaddr + uint64(data.pos),
		DebugFrame:  r.debugFrame,
	}
	return nil
}

// walkFDEs walks a .debug_frame or .eh_frame section and returns the
// regions of all FDEs it could parse. Malformed FDEs are skipped.
func walkFDEs(frames *reader, numFDEs uint64) ([]UnwindRegion, error) {
	cieCache, err := lru.New[uint64, *CIE](cieCacheSize, hash.Uint64To32)
	if err != nil {
		return nil, err
	}

	regions := make([]UnwindRegion, 0, min(numFDEs, 4096))
	for frames.hasData() && numFDEs > 0 {
		pos := frames.pos
		var region UnwindRegion
		err = frames.parseFDE(cieCache, &region)
		switch {
		case err == nil:
			numFDEs--
			if region.Length == 0 {
				continue
			}
			regions = append(regions, region)
		case errors.Is(err, errUnexpectedType), errors.Is(err, errEmptyEntry):
		default:
			log.Debugf("Skipping FDE at %#x: %v", pos, err)
			if !frames.isValid() {
				return regions, fmt.Errorf("failed to parse FDE %#x: %v", pos, err)
			}
		}
	}
	return regions, nil
}

// ParseSection returns the unwind regions described by the raw contents of
// an .eh_frame (debugFrame unset) or .debug_frame section loaded at vaddr.
func ParseSection(data []byte, vaddr uint64, debugFrame bool) ([]UnwindRegion, error) {
	frames := newReader(data, vaddr, debugFrame)
	return walkFDEs(&frames, ^uint64(0))
}

type ehframeSections struct {
	header reader
	frames reader

	fdeCount uint64
}

// readEhHdr reads and validates the given .eh_frame_hdr. It returns the
// address of .eh_frame on success.
func (es *ehframeSections) readEhHdr(r *reader) (uint64, bool) {
	if !r.isValid() {
		return 0, false
	}
	hdr := r.get(ehFrameHdrSize)
	if hdr == nil || hdr[0] != 1 {
		return 0, false
	}
	ehFramePtrEnc, fdeCountEnc, tableEnc := encoding(hdr[1]), encoding(hdr[2]), encoding(hdr[3])
	// If the binary search table is in an unsupported format or omitted,
	// continue as if the header wasn't present at all.
	if tableEnc != encAdjustDataRel+encSignedMask+encFormatData4 {
		return 0, false
	}
	ehFramePtr, err := r.ptr(ehFramePtrEnc)
	if err != nil {
		return 0, false
	}
	fdeCount, err := r.ptr(fdeCountEnc)
	if err != nil || !r.isValid() {
		return 0, false
	}
	es.fdeCount = fdeCount
	r.setBase()
	return ehFramePtr, true
}

func sectionReader(sec *pfelf.Section, debugFrame bool) reader {
	if sec == nil {
		return reader{}
	}
	data, err := sec.Data()
	if err != nil {
		log.Debugf("Section %s not readable: %v", sec.Name, err)
		return reader{}
	}
	return newReader(data, sec.Addr, debugFrame)
}

// locateSections finds .eh_frame_hdr and .eh_frame via the section headers,
// or via PT_GNU_EH_FRAME when the section headers are stripped.
func (es *ehframeSections) locateSections(ef *pfelf.File) error {
	es.fdeCount = ^uint64(0)
	es.header = sectionReader(ef.Section(".eh_frame_hdr"), false)
	es.frames = sectionReader(ef.Section(".eh_frame"), false)

	if _, ok := es.readEhHdr(&es.header); !ok {
		es.header = reader{}
		es.fdeCount = ^uint64(0)
	}
	if es.frames.isValid() {
		return nil
	}

	prog, err := ef.EHFrame()
	if err != nil {
		log.Debugf("No PT_GNU_EH_FRAME dynamic tag: %v", err)
		return nil
	}
	data := prog.Data()
	es.header = newReader(data, prog.Vaddr, false)
	ehFramePtr, ok := es.readEhHdr(&es.header)
	if !ok {
		// Without a usable header there is no way to know where the FDE
		// list starts.
		return errors.New("no suitable way to parse eh_frame found")
	}
	if ehFramePtr < prog.Vaddr || ehFramePtr-prog.Vaddr >= uint64(len(data)) {
		return errors.New("the eh_frame section is not mapped")
	}
	offs := ehFramePtr - prog.Vaddr
	es.frames = newReader(data[offs:], ehFramePtr, false)
	return nil
}

// ExtractRegions returns the unwind regions of the ELF file from .eh_frame
// and .debug_frame.
func ExtractRegions(ef *pfelf.File) ([]UnwindRegion, error) {
	var es ehframeSections
	if err := es.locateSections(ef); err != nil {
		return nil, fmt.Errorf("failed to get EH sections: %w", err)
	}

	var regions []UnwindRegion
	if es.frames.isValid() {
		ehRegions, err := walkFDEs(&es.frames, es.fdeCount)
		if err != nil {
			return nil, err
		}
		regions = ehRegions
	}

	debugFrames := sectionReader(ef.Section(".debug_frame"), true)
	if debugFrames.isValid() {
		dbgRegions, err := walkFDEs(&debugFrames, ^uint64(0))
		if err != nil {
			return nil, err
		}
		regions = append(regions, dbgRegions...)
	}

	if len(regions) == 0 {
		return nil, ErrNoUnwindInfo
	}
	return regions, nil
}
