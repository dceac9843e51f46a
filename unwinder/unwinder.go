// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwinder reconstructs the native and Lua call stacks of a sampled
// thread. The native stack is walked with the precomputed recovery table of
// the process. While doing so, every frame of the interpreter entry point
// yields the lua_State it runs, and the call frame lists of those states are
// walked afterwards.
//
// All memory accesses are fault tolerant and all loops are bounded by
// MaxStackDepth. A failure ends the walk and leaves the frames found so far.
package unwinder // import "github.com/lua-ebpf/luaprof/unwinder"

import (
	"errors"

	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
)

const (
	// MaxStackDepth is the capacity of each stack of a sample, and of the
	// sample ring.
	MaxStackDepth = 46
	// MaxThreads is the maximum number of lua_States recorded per sample.
	MaxThreads = MaxStackDepth
	// CommLen is the kernel's TASK_COMM_LEN.
	CommLen = 16

	// maxSearchSteps bounds the binary search of the recovery table.
	maxSearchSteps = 20
	// eventQueueSize is the number of completed samples buffered for the
	// consumer.
	eventQueueSize = 1024
)

var (
	// ErrNoEntryPoint is returned when the interpreter entry point range is
	// empty.
	ErrNoEntryPoint = errors.New("no interpreter entry point")
	// ErrNoTable is returned when a session is created without a recovery
	// table.
	ErrNoTable = errors.New("no recovery table")
	// ErrNoABI is returned when a session is created without a Lua ABI.
	ErrNoABI = errors.New("no Lua ABI")
)

// Registers is the user register file of a sample indexed by DWARF register
// number.
type Registers [sdtypes.NumRegisters]uint64

// HaltReason tells why a walk stopped.
type HaltReason uint8

const (
	// HaltZeroIP is the regular end of a native walk.
	HaltZeroIP HaltReason = iota
	// HaltDepth means the frame budget was used up.
	HaltDepth
	// HaltNoEntry means no recovery rule covers the instruction pointer.
	HaltNoEntry
	// HaltUnsupportedCFA means the frame address can not be computed.
	HaltUnsupportedCFA
	// HaltReadFault means a required memory read failed.
	HaltReadFault
	// HaltDone means every recorded interpreter thread was walked.
	HaltDone
	// HaltDiscarded means malformed interpreter debug data was found and
	// the sample was dropped.
	HaltDiscarded

	numHaltReasons
)

var haltReasonNames = [numHaltReasons]string{
	HaltZeroIP:         "zero-ip",
	HaltDepth:          "depth",
	HaltNoEntry:        "no-entry",
	HaltUnsupportedCFA: "unsupported-cfa",
	HaltReadFault:      "read-fault",
	HaltDone:           "done",
	HaltDiscarded:      "discarded",
}

func (h HaltReason) String() string {
	if h < numHaltReasons {
		return haltReasonNames[h]
	}
	return "unknown"
}
