// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo

import (
	"bytes"
	"encoding/binary"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lua-ebpf/luaprof/libpf/pfelf"
	"github.com/lua-ebpf/luaprof/libpf/pfelf/elftest"
	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
)

// frameBuilder assembles an .eh_frame section loaded at vaddr. All CIEs use
// the "zR" augmentation with PC relative sdata4 pointers.
type frameBuilder struct {
	vaddr uint64
	buf   []byte
}

func (b *frameBuilder) entry(body []byte) {
	for (len(body)+4)%8 != 0 {
		// DW_CFA_nop
		body = append(body, 0)
	}
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(body)))
	b.buf = append(b.buf, body...)
}

// cie appends a CIE with code alignment 1, data alignment -8 and return
// address column 16, and returns its section offset.
func (b *frameBuilder) cie(initial []byte) int {
	start := len(b.buf)
	body := []byte{
		0, 0, 0, 0,  // CIE id
		1,           // version
		'z', 'R', 0, // augmentation
		1,           // code alignment
		0x78,        // data alignment -8
		16,          // return address register
		1,           // augmentation data length
		0x1b,        // FDE encoding: pcrel sdata4
	}
	b.entry(append(body, initial...))
	return start
}

func (b *frameBuilder) fde(ciePos int, base, length uint64, program []byte) {
	idPos := len(b.buf) + 4
	body := binary.LittleEndian.AppendUint32(nil, uint32(idPos-ciePos))
	pcPos := idPos + 4
	body = binary.LittleEndian.AppendUint32(body,
		uint32(int32(int64(base)-int64(b.vaddr+uint64(pcPos)))))
	body = binary.LittleEndian.AppendUint32(body, uint32(length))
	body = append(body, 0) // augmentation data length
	b.entry(append(body, program...))
}

// badFDE appends an FDE whose CIE pointer lies outside the section.
func (b *frameBuilder) badFDE() {
	idPos := len(b.buf) + 4
	body := binary.LittleEndian.AppendUint32(nil, uint32(idPos+0x1000))
	b.entry(append(body, make([]byte, 9)...))
}

func cfaRule(reg uint8, off int64) sdtypes.CFARule {
	return sdtypes.CFARule{Kind: sdtypes.CFARegisterOffset, Register: reg, Offset: off}
}

func atCFA(off int64) sdtypes.RegisterRule {
	return sdtypes.RegisterRule{Kind: sdtypes.RuleAtCFA, Value: off}
}

func lookup(entries sdtypes.UnwindEntryArray, ip uint64) (sdtypes.FrameRecoveryState, bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].IP > ip }) - 1
	if i < 0 || !entries[i].State.Valid() {
		return sdtypes.FrameRecoveryState{}, false
	}
	return entries[i].State, true
}

type stateRange struct {
	start, end uint64
	state      sdtypes.FrameRecoveryState
}

// testFrames builds a section with three usable regions and one malformed
// FDE, and returns the states a sequential pass over each region is in.
func testFrames(vaddr uint64) ([]byte, []stateRange) {
	b := frameBuilder{vaddr: vaddr}
	cie := b.cie([]byte{
		0x0c, 0x07, 0x08, // def_cfa rsp+8
		0x90, 0x01,       // offset rip, cfa-8
	})
	b.fde(cie, 0x1000, 0x30, []byte{
		0x41,             // advance_loc 1
		0x0e, 0x10,       // def_cfa_offset 16
		0x86, 0x02,       // offset rbp, cfa-16
		0x43,             // advance_loc 3
		0x0d, 0x06,       // def_cfa_register rbp
		0x60,             // advance_loc 32
		0x0a,             // remember_state
		0x0c, 0x07, 0x08, // def_cfa rsp+8
		0x41,             // advance_loc 1
		0x0b,             // restore_state
	})
	b.badFDE()
	b.fde(cie, 0x2000, 0x10, []byte{
		0x42,             // advance_loc 2
		0x0f, 0x01, 0x9c, // def_cfa_expression
	})
	b.fde(cie, 0x3000, 0x10, []byte{
		0x0e, 0x10, // def_cfa_offset 16
		0x44,       // advance_loc 4
		0x1d,       // unsupported opcode
	})

	entry := sdtypes.FrameRecoveryState{CFA: cfaRule(sdtypes.RegRSP, 8)}
	entry.Regs[sdtypes.RegRIP] = atCFA(-8)
	pushed := entry
	pushed.CFA.Offset = 16
	pushed.Regs[sdtypes.RegRBP] = atCFA(-16)
	framed := pushed
	framed.CFA = cfaRule(sdtypes.RegRBP, 16)
	leaf := framed
	leaf.CFA = cfaRule(sdtypes.RegRSP, 8)
	unsupported := entry
	unsupported.CFA.Offset = 16

	return b.buf, []stateRange{
		{0x1000, 0x1001, entry},
		{0x1001, 0x1004, pushed},
		{0x1004, 0x1024, framed},
		{0x1024, 0x1025, leaf},
		{0x1025, 0x1030, framed},
		{0x2000, 0x2002, entry},
		{0x3000, 0x3004, unsupported},
	}
}

func checkRoundTrip(t *testing.T, entries sdtypes.UnwindEntryArray, want []stateRange) {
	t.Helper()
	assert.True(t, sort.SliceIsSorted(entries, func(i, j int) bool {
		return entries[i].IP < entries[j].IP
	}))

	covered := func(ip uint64) (sdtypes.FrameRecoveryState, bool) {
		for _, r := range want {
			if ip >= r.start && ip < r.end {
				return r.state, true
			}
		}
		return sdtypes.FrameRecoveryState{}, false
	}
	for ip := uint64(0xff0); ip < 0x3020; ip++ {
		wantState, wantOK := covered(ip)
		gotState, gotOK := lookup(entries, ip)
		require.Equal(t, wantOK, gotOK, "ip %#x", ip)
		if wantOK {
			require.Equal(t, wantState, gotState, "ip %#x: %v", ip, &gotState)
		}
	}
}

func TestCompileRoundTrip(t *testing.T) {
	const vaddr = 0x400
	data, want := testFrames(vaddr)

	regions, err := ParseSection(data, vaddr, false)
	require.NoError(t, err)
	require.Len(t, regions, 3)
	assert.Equal(t, uint64(0x1000), regions[0].Base)
	assert.Equal(t, uint64(0x1030), regions[0].End())
	assert.Same(t, regions[0].CIE, regions[2].CIE)
	assert.Equal(t, int64(-8), regions[0].CIE.DataAlign)
	assert.Equal(t, uint8(sdtypes.RegRIP), regions[0].CIE.ReturnRegister)

	entries, partial := BuildTable(regions)
	assert.Equal(t, 2, partial)
	checkRoundTrip(t, entries, want)
	assert.Equal(t, uint64(1), entries[0].Length)
}

func TestCompileRegionPrefix(t *testing.T) {
	const vaddr = 0x400
	data, _ := testFrames(vaddr)
	regions, err := ParseSection(data, vaddr, false)
	require.NoError(t, err)

	var entries sdtypes.UnwindEntryArray
	err = CompileRegion(&regions[1], &entries)
	require.ErrorIs(t, err, errCFAExpression)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(0x2000), entries[0].IP)
	assert.True(t, entries[0].State.Valid())
	assert.Equal(t, sdtypes.UnwindEntry{IP: 0x2002, State: sdtypes.StateInvalid}, entries[1])
	assert.Equal(t, sdtypes.UnwindEntry{IP: 0x2010, State: sdtypes.StateInvalid}, entries[2])
}

func TestExtractFromELF(t *testing.T) {
	var b elftest.Builder
	b.AddSection(".text", make([]byte, 16))
	data, want := testFrames(b.Offset())
	b.AddSection(".eh_frame", data)

	ef, err := pfelf.NewFile(b.Bytes())
	require.NoError(t, err)
	defer ef.Close()

	table, err := Extract(ef)
	require.NoError(t, err)
	assert.Len(t, table.Regions, 3)
	assert.Equal(t, 2, table.Partial)
	checkRoundTrip(t, table.Entries, want)

	relocated := table.Relocate(0x10000)
	state, ok := lookup(relocated, 0x11010)
	require.True(t, ok)
	assert.Equal(t, cfaRule(sdtypes.RegRBP, 16), state.CFA)
}

func TestExtractNoUnwindInfo(t *testing.T) {
	var b elftest.Builder
	b.AddSection(".text", make([]byte, 16))
	ef, err := pfelf.NewFile(b.Bytes())
	require.NoError(t, err)
	defer ef.Close()

	_, err = Extract(ef)
	require.ErrorIs(t, err, ErrNoUnwindInfo)
}

func TestDumpTable(t *testing.T) {
	state := sdtypes.FrameRecoveryState{CFA: cfaRule(sdtypes.RegRSP, 8)}
	state.Regs[sdtypes.RegRIP] = atCFA(-8)
	entries := sdtypes.UnwindEntryArray{
		{IP: 0x1000, State: state},
		{IP: 0x1010, State: sdtypes.StateInvalid},
	}
	var buf bytes.Buffer
	require.NoError(t, DumpTable(&buf, entries))
	assert.Equal(t,
		"0000000000001000 cfa=rsp+8 rip=c-8\n"+
			"0000000000001010 cfa=invalid\n", buf.String())
}

func TestReaderLEB128(t *testing.T) {
	tests := map[string]struct {
		data []byte
		u    uint64
		s    int64
	}{
		"small":    {data: []byte{0x02}, u: 2, s: 2},
		"negative": {data: []byte{0x7e}, u: 0x7e, s: -2},
		"two":      {data: []byte{0x80, 0x01}, u: 128, s: 128},
		"big":      {data: []byte{0xe5, 0x8e, 0x26}, u: 624485, s: 624485},
		"neg big":  {data: []byte{0xc0, 0xbb, 0x78}, u: 0x1e1dc0, s: -123456},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := newReader(tc.data, 0, false)
			assert.Equal(t, uleb128(tc.u), r.uleb())
			r = newReader(tc.data, 0, false)
			assert.Equal(t, sleb128(tc.s), r.sleb())
			assert.True(t, r.isValid())
		})
	}
}

func TestReaderPtr(t *testing.T) {
	data := []byte{0xf0, 0xff, 0xff, 0xff, 0x10, 0x00}
	r := newReader(data, 0x1000, false)
	v, err := r.ptr(encAdjustPcRel | encSignedMask | encFormatData4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000-0x10), v)
	v, err = r.ptr(encFormatData2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10), v)

	_, err = r.ptr(encIndirect | encFormatData4)
	require.Error(t, err)
	assert.False(t, r.isValid())
}
