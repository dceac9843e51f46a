// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "github.com/lua-ebpf/luaprof/internal/controller"

import (
	"errors"
	"flag"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lua-ebpf/luaprof/interpreter/lua"
)

const (
	// MaxSamplesPerSecond bounds the sampling frequency.
	MaxSamplesPerSecond = 1000
)

type Config struct {
	PID              int
	Duration         time.Duration
	SamplesPerSecond int
	Output           string
	Compress         bool
	MaxSamples       int
	LuaABI           string
	BPFPinPath       string
	NoKernelStack    bool
	UserStackSize    uint
	DumpTable        string
	VerboseMode      bool
	Version          bool

	Fs *flag.FlagSet
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	if cfg.PID <= 0 {
		return errors.New("a target process must be given with -pid")
	}
	if cfg.Duration < 0 {
		return fmt.Errorf("invalid duration %v", cfg.Duration)
	}
	if cfg.SamplesPerSecond < 1 || cfg.SamplesPerSecond > MaxSamplesPerSecond {
		return fmt.Errorf("invalid sampling frequency %d, must be in [1..%d]",
			cfg.SamplesPerSecond, MaxSamplesPerSecond)
	}
	if cfg.Output == "" {
		return errors.New("no output file")
	}
	if cfg.MaxSamples <= 0 {
		return fmt.Errorf("invalid number of kept samples %d", cfg.MaxSamples)
	}
	if cfg.UserStackSize%8 != 0 || cfg.UserStackSize > 0xfff8 {
		return fmt.Errorf("invalid user stack size %d, must be a multiple of 8 below 64 KiB",
			cfg.UserStackSize)
	}
	if cfg.LuaABI != lua.Auto {
		if _, err := lua.ABIByName(cfg.LuaABI); err != nil {
			return err
		}
	}
	return nil
}
