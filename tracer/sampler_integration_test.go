//go:build integration && linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer_test

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lua-ebpf/luaprof/libpf"
	sdtypes "github.com/lua-ebpf/luaprof/nativeunwind/stackdeltatypes"
	"github.com/lua-ebpf/luaprof/remotememory"
	"github.com/lua-ebpf/luaprof/tracer"
	"github.com/lua-ebpf/luaprof/unwinder"
)

func TestSamplerSelf(t *testing.T) {
	pid := libpf.PID(os.Getpid())
	sampler, err := tracer.NewSampler(tracer.SamplerConfig{
		PID:              pid,
		Comm:             "tracer.test",
		SamplesPerSecond: 1000,
		KernelStack:      true,
	}, remotememory.NewProcessVirtualMemory(pid))
	require.NoError(t, err)
	defer sampler.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var count atomic.Uint64
	done := make(chan error)
	go func() {
		done <- sampler.Run(ctx, func(s *unwinder.Sample) {
			assert.Equal(t, pid, s.PID)
			assert.NotZero(t, s.Regs[sdtypes.RegRIP])
			count.Add(1)
		})
	}()

	// Burn CPU until the sampler stops.
	x := uint64(1)
	for ctx.Err() == nil {
		x = x*6364136223846793005 + 1442695040888963407
	}
	require.NoError(t, <-done)
	assert.NotZero(t, x)
	assert.NotZero(t, count.Load())
}
