// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "github.com/lua-ebpf/luaprof/reporter"

import (
	"bytes"
	"fmt"

	"github.com/lua-ebpf/luaprof/interpreter/lua"
	"github.com/lua-ebpf/luaprof/libpf"
	"github.com/lua-ebpf/luaprof/unwinder"
)

const (
	executeSymbol = string(lua.ExecuteSymbol)
	precallSymbol = string(lua.PrecallSymbol)
)

// Trace is one sample as seen by the renderer.
type Trace struct {
	PID    libpf.PID
	Comm   string
	Native []libpf.Address
	Frames []unwinder.InterpreterFrame
}

// SymbolizeFunc resolves a native address.
type SymbolizeFunc func(libpf.Address) (Frame, bool)

// renderTrace writes t in the perf script format understood by
// stackcollapse-perf. Lua frames are printed above the luaV_execute frame
// running them. Native frames that cannot be symbolized are left out.
func renderTrace(buf *bytes.Buffer, name string, t *Trace, symbolize SymbolizeFunc) {
	fmt.Fprintf(buf, "%s  %d [0]  0.0:   0 cycles: \n", name, t.PID)

	next := 0
	precall := false
	for i, addr := range t.Native {
		f, ok := symbolize(addr)
		if !ok {
			continue
		}
		// A luaD_precall leaf is still setting up the top CallInfo: skip
		// it and the frame it prepares up to the luaV_execute caller.
		if i == 0 && f.Name == precallSymbol {
			precall = true
		}
		if precall {
			if f.Name != executeSymbol {
				continue
			}
			precall = false
			next = 1
		}
		if f.Name == executeSymbol {
			next = renderLuaFrames(buf, t.Frames, i, next)
		}
		fmt.Fprintf(buf, "\t%016x %s (%s)\n", uint64(addr), f.Name, f.Module)
	}
	buf.WriteByte('\n')
}

// renderLuaFrames prints the Lua frames run by the luaV_execute invocation at
// native index anchor, starting at frames[next]. A Fresh frame ends the
// invocation. It returns the index to continue from.
func renderLuaFrames(buf *bytes.Buffer, frames []unwinder.InterpreterFrame,
	anchor, next int) int {
	if next >= len(frames) {
		return next
	}

	i := next
	if frames[next].Anchor != anchor {
		for j := next + 1; j < len(frames); j++ {
			if frames[j].Anchor == anchor {
				i = j
				break
			}
		}
	}

	for ; i < len(frames); i++ {
		f := &frames[i]
		if f.Kind != unwinder.FrameLua {
			continue
		}
		fmt.Fprintf(buf, "\t%d function<..%s:%d,%d> (line:%d)\n", f.Anchor, f.Source,
			f.LineDefined, f.LastLineDefined, f.CurrentLine)
		if f.Fresh {
			return i + 1
		}
	}
	return i + 1
}
