// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3"

	"github.com/lua-ebpf/luaprof/interpreter/lua"
	"github.com/lua-ebpf/luaprof/internal/controller"
	"github.com/lua-ebpf/luaprof/reporter"
)

const (
	// Default values for CLI flags
	defaultArgSamplesPerSecond = 100
	defaultArgOutput           = "perf.stack"
	defaultArgUserStackSize    = 16384
)

// Help strings for command line arguments
var (
	bpfPinPathHelp = "Directory of a BPF file system to pin the unwind maps below. " +
		"The maps are not installed if empty."
	compressHelp  = "Compress the output file with zstd."
	configHelp    = "Read flags from the given file, one 'name value' pair per line."
	dumpTableHelp = "Write the compiled unwind table of every mapping to the given file."
	durationHelp  = "Stop sampling after the given duration. " +
		"If zero, sampling runs until interrupted."
	luaABIHelp = fmt.Sprintf("Layout of the interpreter structures (%s, %s, %s or %s).",
		lua.Lua53, lua.Lua54, lua.LuaSky, lua.Auto)
	maxSamplesHelp       = "Number of most recent samples written to the output file."
	noKernelStackHelp    = "Do not record kernel stacks."
	outputHelp           = "Output file in perf script format."
	pidHelp              = "Process ID of the Lua interpreter to profile."
	samplesPerSecondHelp = fmt.Sprintf("Set the frequency (in Hz) of stack trace sampling, "+
		"at most %d.", controller.MaxSamplesPerSecond)
	userStackSizeHelp = "Number of bytes of the user stack copied with each sample."
	verboseModeHelp   = "Enable verbose logging and debugging capabilities."
	versionHelp       = "Show version."
)

func parseArgs(argv []string) (*controller.Config, error) {
	var args controller.Config

	fs := flag.NewFlagSet("luaprof", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.BPFPinPath, "bpf-pin-path", "", bpfPinPathHelp)

	fs.BoolVar(&args.Compress, "compress", false, compressHelp)
	fs.String("config", "", configHelp)

	fs.StringVar(&args.DumpTable, "dump-table", "", dumpTableHelp)
	fs.DurationVar(&args.Duration, "duration", 0, durationHelp)

	fs.StringVar(&args.LuaABI, "lua-abi", lua.Auto, luaABIHelp)

	fs.IntVar(&args.MaxSamples, "max-samples", reporter.DefaultMaxSamples, maxSamplesHelp)

	fs.BoolVar(&args.NoKernelStack, "no-kernel-stack", false, noKernelStackHelp)

	fs.StringVar(&args.Output, "o", defaultArgOutput, "Shorthand for -output.")
	fs.StringVar(&args.Output, "output", defaultArgOutput, outputHelp)

	fs.IntVar(&args.PID, "p", 0, "Shorthand for -pid.")
	fs.IntVar(&args.PID, "pid", 0, pidHelp)

	fs.IntVar(&args.SamplesPerSecond, "samples-per-second", defaultArgSamplesPerSecond,
		samplesPerSecondHelp)

	fs.UintVar(&args.UserStackSize, "user-stack-size", defaultArgUserStackSize,
		userStackSizeHelp)

	fs.BoolVar(&args.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.VerboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.Version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.Fs = fs

	return &args, ff.Parse(fs, argv,
		ff.WithEnvVarPrefix("LUAPROF"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that this
		// version does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
