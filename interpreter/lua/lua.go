// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package lua decodes the call frames of a running PUC-Rio Lua 5.3 or 5.4
// interpreter from its remote memory. The data layout of each supported
// build is described by an ABI.
package lua // import "github.com/lua-ebpf/luaprof/interpreter/lua"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lua-ebpf/luaprof/libpf"
	"github.com/lua-ebpf/luaprof/libpf/pfelf"
)

const (
	// ExecuteSymbol is the bytecode dispatch function of the interpreter.
	// Its first argument is the lua_State of the running thread.
	ExecuteSymbol libpf.SymbolName = "luaV_execute"
	// PrecallSymbol prepares calls from C into Lua.
	PrecallSymbol libpf.SymbolName = "luaD_precall"

	// getFuncLineSymbol is only exported by builds using absolute line info
	getFuncLineSymbol libpf.SymbolName = "luaG_getfuncline"

	// MaxSourceLen is the longest source name kept per frame.
	MaxSourceLen = 128
)

// Names of the supported builds.
const (
	Lua53  = "5.3"
	Lua54  = "5.4"
	LuaSky = "sky"
	Auto   = "auto"
)

// ErrUnknownABI is returned for an unsupported build name.
var ErrUnknownABI = errors.New("unknown Lua ABI")

// ABIByName returns the layout of a named build.
func ABIByName(name string) (*ABI, error) {
	switch name {
	case Lua53:
		return &abi53, nil
	case Lua54:
		return &abi54, nil
	case LuaSky:
		return &abiSky, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownABI, name)
}

// Detect returns the ABI of the interpreter in ef. An explicit name takes
// precedence. Otherwise 5.4 is assumed when the absolute line info lookup is
// present, which was introduced with 5.4.
func Detect(ef *pfelf.File, name string) (*ABI, error) {
	if name != "" && name != Auto {
		return ABIByName(name)
	}
	_, err := ef.LookupSymbol(getFuncLineSymbol)
	switch {
	case err == nil:
		log.Debugf("Found %s, assuming Lua %s", getFuncLineSymbol, Lua54)
		return &abi54, nil
	case errors.Is(err, pfelf.ErrSymbolNotFound):
		log.Debugf("No %s, assuming Lua %s", getFuncLineSymbol, Lua53)
		return &abi53, nil
	default:
		return nil, err
	}
}
