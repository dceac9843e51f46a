// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracer delivers timer samples of a process to the unwinder and
// exports the recovery tables to eBPF maps.
package tracer // import "github.com/lua-ebpf/luaprof/tracer"

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/elastic/go-perf"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lua-ebpf/luaprof/libpf"
	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
	"github.com/lua-ebpf/luaprof/remotememory"
	"github.com/lua-ebpf/luaprof/unwinder"
)

// DefaultUserStackSize is the number of user stack bytes copied per sample.
const DefaultUserStackSize = 16 * 1024

// SamplerConfig configures the sampling events.
type SamplerConfig struct {
	PID              libpf.PID
	Comm             string
	SamplesPerSecond int
	// UserStackSize is the size of the user stack copy, a multiple of 8.
	UserStackSize uint32
	KernelStack   bool
}

// Sampler owns one CPU clock perf event per online CPU. The events sample
// every task on their CPU and only samples of the target process are kept,
// so threads that exist before the events are opened and threads created
// later are both covered.
type Sampler struct {
	cfg    SamplerConfig
	memory remotememory.RemoteMemory
	events []*perf.Event

	samples atomic.Uint64
	lost    atomic.Uint64
	invalid atomic.Uint64
	foreign atomic.Uint64
}

// NewSampler opens the sampling events. They are enabled by Run.
func NewSampler(cfg SamplerConfig, memory remotememory.RemoteMemory) (*Sampler, error) {
	if cfg.SamplesPerSecond <= 0 {
		return nil, fmt.Errorf("invalid sampling frequency %d", cfg.SamplesPerSecond)
	}
	if cfg.UserStackSize == 0 {
		cfg.UserStackSize = DefaultUserStackSize
	}
	cfg.UserStackSize &^= 7

	attr := new(perf.Attr)
	if err := perf.CPUClock.Configure(attr); err != nil {
		return nil, fmt.Errorf("failed to configure software perf event: %v", err)
	}
	attr.SetSampleFreq(uint64(cfg.SamplesPerSecond))
	attr.SampleFormat = perf.SampleFormat{
		Tid:           true,
		CPU:           true,
		Callchain:     cfg.KernelStack,
		UserRegisters: true,
		UserStack:     true,
	}
	attr.SampleRegistersUser = sampleRegsMask
	attr.SampleStackUser = cfg.UserStackSize
	attr.Options.Disabled = true
	attr.SetWakeupEvents(1)

	cpus, err := getOnlineCPUIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to get online CPUs: %v", err)
	}

	s := &Sampler{
		cfg:    cfg,
		memory: memory,
		events: make([]*perf.Event, 0, len(cpus)),
	}
	for _, cpu := range cpus {
		event, err := perf.Open(attr, perf.AllThreads, cpu, nil)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open perf event on CPU %d: %v", cpu, err)
		}
		s.events = append(s.events, event)
		if err = event.MapRing(); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to map perf ring on CPU %d: %v", cpu, err)
		}
	}
	log.Debugf("Opened %d sampling events at %d Hz", len(s.events), cfg.SamplesPerSecond)
	return s, nil
}

// Run enables the events and hands every sample to handle until ctx is
// done. handle runs concurrently for samples of different CPUs.
func (s *Sampler) Run(ctx context.Context, handle func(*unwinder.Sample)) error {
	if len(s.events) == 0 {
		return errors.New("no perf events available to enable for sampling")
	}
	for cpu, event := range s.events {
		if err := event.Enable(); err != nil {
			return fmt.Errorf("failed to enable perf event %d: %v", cpu, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, event := range s.events {
		g.Go(func() error {
			s.readEvents(ctx, event, handle)
			return nil
		})
	}
	return g.Wait()
}

func (s *Sampler) readEvents(ctx context.Context, event *perf.Event,
	handle func(*unwinder.Sample)) {
	sample := unwinder.Sample{
		PID:    s.cfg.PID,
		Comm:   s.cfg.Comm,
		Kernel: make([]libpf.Address, 0, unwinder.MaxStackDepth),
	}
	for {
		record, err := event.ReadRecord(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("Failed to read perf event: %v", err)
			continue
		}

		switch rec := record.(type) {
		case *perf.LostRecord:
			s.lost.Add(rec.Lost)
		case *perf.SampleRecord:
			if !s.owns(rec) {
				s.foreign.Add(1)
				continue
			}
			if !s.convert(rec, &sample) {
				s.invalid.Add(1)
				continue
			}
			s.samples.Add(1)
			handle(&sample)
		}
	}
}

// owns reports whether rec was taken from a thread of the target process.
func (s *Sampler) owns(rec *perf.SampleRecord) bool {
	return libpf.PID(rec.Pid) == s.cfg.PID
}

// convert fills sample from a perf sample record.
func (s *Sampler) convert(rec *perf.SampleRecord, sample *unwinder.Sample) bool {
	if !convertRegisters(rec.UserRegisters, &sample.Regs) {
		return false
	}
	sample.TID = libpf.PID(rec.Tid)
	sample.CPU = int(rec.CPU)
	sample.Kernel = kernelFrames(rec.Callchain, sample.Kernel[:0])

	stack := rec.UserStack
	if rec.UserStackDynamicSize < uint64(len(stack)) {
		stack = stack[:rec.UserStackDynamicSize]
	}
	sample.Memory = remotememory.NewStackSnapshot(sample.Regs[sdtypes.RegRSP], stack, s.memory)
	return true
}

// SamplerStats counts the records seen by a Sampler.
type SamplerStats struct {
	// Samples were delivered to the handler.
	Samples uint64
	// Lost were dropped by the kernel.
	Lost uint64
	// Invalid lacked user registers.
	Invalid uint64
	// Foreign were taken from other processes.
	Foreign uint64
}

// Stats returns the record counters.
func (s *Sampler) Stats() SamplerStats {
	return SamplerStats{
		Samples: s.samples.Load(),
		Lost:    s.lost.Load(),
		Invalid: s.invalid.Load(),
		Foreign: s.foreign.Load(),
	}
}

// Close disables and releases the events.
func (s *Sampler) Close() {
	for _, event := range s.events {
		if err := event.Disable(); err != nil {
			log.Errorf("Failed to disable perf event: %v", err)
		}
		if err := event.Close(); err != nil {
			log.Errorf("Failed to close perf event: %v", err)
		}
	}
	s.events = nil
}
