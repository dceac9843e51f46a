// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lua-ebpf/luaprof/interpreter/lua"
	"github.com/lua-ebpf/luaprof/libpf"
	"github.com/lua-ebpf/luaprof/libpf/pfelf"
	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
	"github.com/lua-ebpf/luaprof/remotememory/memtest"
	"github.com/lua-ebpf/luaprof/unwinder"
)

func newTestReporter(t *testing.T, cfg *Config) (*Reporter, uint64) {
	t.Helper()
	data, text := buildImage(t)
	ef, err := pfelf.NewFile(data)
	require.NoError(t, err)
	s, err := NewSymbolizer(64)
	require.NoError(t, err)
	m := testMapping("/usr/local/bin/skynet")
	require.NoError(t, s.AddImage(&m, ef))

	r, err := New(cfg, s)
	require.NoError(t, err)
	return r, imageBase + text
}

func TestNewWithoutSymbolizer(t *testing.T) {
	_, err := New(&Config{}, nil)
	require.ErrorIs(t, err, ErrNoSymbolizer)
}

func TestReportTrace(t *testing.T) {
	r, text := newTestReporter(t, &Config{MaxSamples: 3})
	execute := libpf.Address(text + 8)
	bar := libpf.Address(text + 0x28)

	r.ReportTrace(&Trace{PID: 7, Comm: "skynet", Native: []libpf.Address{bar, execute, 0}})
	r.ReportTrace(&Trace{PID: 7, Comm: "skynet", Native: []libpf.Address{execute, 0}})
	r.ReportTrace(&Trace{PID: 7, Comm: "skynet", Native: []libpf.Address{bar, execute, 0}})
	r.ReportTrace(&Trace{PID: 7, Comm: "skynet"})

	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.Reported)
	assert.Equal(t, 3, stats.Kept)
	assert.Equal(t, 2, stats.Unique)
	assert.Equal(t, uint64(1), stats.Empty)

	first := "skynet  7 [0]  0.0:   0 cycles: \n" +
		"\t" + hex(bar) + " foo::bar() (skynet)\n" +
		"\t" + hex(execute) + " luaV_execute (skynet)\n\n"
	second := "skynet  7 [0]  0.0:   0 cycles: \n" +
		"\t" + hex(execute) + " luaV_execute (skynet)\n\n"

	var out bytes.Buffer
	require.NoError(t, r.Flush(&out))
	assert.Equal(t, first+second+first, out.String())

	// Two more samples push out the oldest two, releasing one rendering.
	r.ReportTrace(&Trace{PID: 7, Comm: "skynet", Native: []libpf.Address{execute}})
	r.ReportTrace(&Trace{PID: 7, Comm: "skynet", Native: []libpf.Address{execute}})
	stats = r.Stats()
	assert.Equal(t, 3, stats.Kept)
	assert.Equal(t, 2, stats.Unique)
	assert.Equal(t, uint64(2), stats.Overwritten)

	out.Reset()
	require.NoError(t, r.Flush(&out))
	assert.Equal(t, first+second+second, out.String())
}

func hex(addr libpf.Address) string {
	return fmt.Sprintf("%016x", uint64(addr))
}

func TestReportTraceName(t *testing.T) {
	r, text := newTestReporter(t, &Config{Name: "/usr/local/bin/skynet"})
	r.ReportTrace(&Trace{PID: 1, Comm: "worker", Native: []libpf.Address{libpf.Address(text)}})

	var out bytes.Buffer
	require.NoError(t, r.Flush(&out))
	assert.True(t, strings.HasPrefix(out.String(), "/usr/local/bin/skynet  1 [0]"))
}

func TestWriteFileCompressed(t *testing.T) {
	r, text := newTestReporter(t, &Config{Compress: true})
	r.ReportTrace(&Trace{PID: 3, Comm: "skynet", Native: []libpf.Address{libpf.Address(text)}})

	name := filepath.Join(t.TempDir(), "perf.stack.zst")
	require.NoError(t, r.WriteFile(name))

	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()
	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, "skynet  3 [0]  0.0:   0 cycles: \n"+
		"\t"+hex(libpf.Address(text))+" luaV_execute (skynet)\n\n", string(plain))
}

func TestConsume(t *testing.T) {
	r, text := newTestReporter(t, &Config{})

	abi, err := lua.ABIByName(lua.Lua54)
	require.NoError(t, err)
	session, err := unwinder.NewSession(&unwinder.Config{
		Table: unwinder.NewTable(),
		ABI:   abi,
		Entry: unwinder.EntryPoint{
			Start: libpf.Address(text),
			End:   libpf.Address(text + 0x1f),
			Param: sdtypes.InRegister(sdtypes.RegRDI),
		},
	})
	require.NoError(t, err)

	var mem memtest.Memory
	for range 3 {
		var regs unwinder.Registers
		// No recovery rules: the walk ends after the leaf frame.
		regs[sdtypes.RegRIP] = text + 0x24
		require.True(t, session.Unwind(&unwinder.Sample{
			PID: 9, TID: 9, Comm: "skynet", Regs: regs, Memory: mem.RemoteMemory(),
		}))
	}
	session.Close()

	require.NoError(t, r.Consume(context.Background(), session))
	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.Reported)
	assert.Equal(t, 1, stats.Unique)
	assert.Zero(t, stats.Stale)

	var out bytes.Buffer
	require.NoError(t, r.Flush(&out))
	assert.Equal(t, 3, strings.Count(out.String(), " foo::bar() (skynet)\n"))
}

func TestConsumeCanceled(t *testing.T) {
	r, _ := newTestReporter(t, &Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &idleSource{events: make(chan unwinder.Event)}
	require.NoError(t, r.Consume(ctx, src))
}

type idleSource struct {
	events chan unwinder.Event
}

func (s *idleSource) Events() <-chan unwinder.Event { return s.events }

func (s *idleSource) Read(*unwinder.Event, *unwinder.Stack) bool { return false }
