// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller attaches the profiler to a process and runs a profiling
// session until it is stopped.
package controller // import "github.com/lua-ebpf/luaprof/internal/controller"

import (
	"context"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lua-ebpf/luaprof/libpf"
	"github.com/lua-ebpf/luaprof/nativeunwind/elfunwindinfo"
	"github.com/lua-ebpf/luaprof/reporter"
	"github.com/lua-ebpf/luaprof/tracer"
	"github.com/lua-ebpf/luaprof/unwinder"
)

// symbolCacheSize is the number of symbolized addresses kept.
const symbolCacheSize = 16384

// Controller is an instance that runs, manages and stops a profiling session.
type Controller struct {
	config *Config

	target   *target
	session  *unwinder.Session
	maps     *tracer.Maps
	sampler  *tracer.Sampler
	reporter *reporter.Reporter

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a new controller
func New(cfg *Config) *Controller {
	return &Controller{config: cfg}
}

// Start attaches to the target process and starts sampling. Setup errors are
// fatal for the session. The controller should only be started once.
func (c *Controller) Start(ctx context.Context) error {
	if c.config == nil {
		return errors.New("no configuration")
	}
	if err := c.config.Validate(); err != nil {
		return err
	}
	cfg := c.config

	tables, err := newTableCache()
	if err != nil {
		return err
	}
	t, err := attach(libpf.PID(cfg.PID), cfg.LuaABI, tables)
	if err != nil {
		return err
	}
	c.target = t

	if cfg.DumpTable != "" {
		if err = dumpTables(cfg.DumpTable, t); err != nil {
			return fmt.Errorf("failed to dump unwind table: %w", err)
		}
	}

	c.session, err = unwinder.NewSession(&unwinder.Config{
		Table: t.table,
		Entry: t.entry,
		ABI:   t.abi,
	})
	if err != nil {
		return err
	}

	if cfg.BPFPinPath != "" {
		c.maps, err = tracer.InstallMaps(t.table, &t.entry, cfg.BPFPinPath)
		if err != nil {
			return fmt.Errorf("failed to install unwind maps: %w", err)
		}
		log.Infof("Installed unwind maps below %s", cfg.BPFPinPath)
	}

	symbolizer, err := reporter.NewSymbolizer(symbolCacheSize)
	if err != nil {
		return err
	}
	symbolizer.LoadMappings(t.mappings)
	c.reporter, err = reporter.New(&reporter.Config{
		Name:       t.name,
		MaxSamples: cfg.MaxSamples,
		Compress:   cfg.Compress,
	}, symbolizer)
	if err != nil {
		return err
	}

	c.sampler, err = tracer.NewSampler(tracer.SamplerConfig{
		PID:              t.pid,
		Comm:             t.comm,
		SamplesPerSecond: cfg.SamplesPerSecond,
		UserStackSize:    uint32(cfg.UserStackSize),
		KernelStack:      !cfg.NoKernelStack,
	}, t.proc.GetRemoteMemory())
	if err != nil {
		return fmt.Errorf("failed to open sampling events: %w", err)
	}

	var runCtx context.Context
	if cfg.Duration > 0 {
		runCtx, c.cancel = context.WithTimeout(ctx, cfg.Duration)
	} else {
		runCtx, c.cancel = context.WithCancel(ctx)
	}

	c.group = &errgroup.Group{}
	c.group.Go(func() error {
		defer c.session.Close()
		return c.sampler.Run(runCtx, func(s *unwinder.Sample) {
			c.session.Unwind(s)
		})
	})
	c.group.Go(func() error {
		// Drain the samples queued before sampling stopped.
		return c.reporter.Consume(context.WithoutCancel(runCtx), c.session)
	})

	log.Infof("Sampling %d (%s) at %d Hz", t.pid, t.comm, cfg.SamplesPerSecond)
	return nil
}

// Wait blocks until sampling ends, either because the configured duration
// elapsed or the context given to Start was canceled.
func (c *Controller) Wait() error {
	if c.group == nil {
		return nil
	}
	return c.group.Wait()
}

// Shutdown stops sampling and writes the collected samples.
func (c *Controller) Shutdown() error {
	log.Info("Stop processing ...")
	if c.cancel != nil {
		c.cancel()
	}
	runErr := c.Wait()

	if c.sampler != nil {
		st := c.sampler.Stats()
		log.Infof("Sampled %d stacks, %d lost, %d without registers", st.Samples, st.Lost,
			st.Invalid)
		log.Debugf("Skipped %d samples of other processes", st.Foreign)
		c.sampler.Close()
	}
	if c.maps != nil {
		c.maps.Close()
	}
	if c.session != nil {
		logSessionStats(c.session.Stats())
	}

	if c.reporter == nil {
		return runErr
	}
	stats := c.reporter.Stats()
	if err := c.reporter.WriteFile(c.config.Output); err != nil {
		return errors.Join(runErr, fmt.Errorf("failed to write %s: %w", c.config.Output, err))
	}
	log.Infof("Wrote %d samples (%d distinct) to %s", stats.Kept, stats.Unique, c.config.Output)
	return runErr
}

func logSessionStats(stats unwinder.Stats) {
	log.Infof("Unwound %d samples, %d discarded, %d dropped",
		stats.Samples, stats.Discarded, stats.Dropped)
	for reason, num := range stats.Halts {
		if num > 0 {
			log.Debugf("Walks ended by %v: %d", unwinder.HaltReason(reason), num)
		}
	}
}

// dumpTables writes the unwind entries of every attached mapping to the named file.
func dumpTables(name string, t *target) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	for i, entries := range t.entries {
		if _, err = fmt.Fprintf(f, "# %s\n", t.mappings[i].Path); err != nil {
			break
		}
		if err = elfunwindinfo.DumpTable(f, entries); err != nil {
			break
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
