// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package reporter turns unwound samples into collapsible perf script text.
//
// Every sample is symbolized and rendered as soon as it arrives, because the
// ring slot holding its stacks is reused quickly. Identical renderings are
// stored once. Only the most recent samples are kept and written out when
// the profile is flushed.
package reporter // import "github.com/lua-ebpf/luaprof/reporter"

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/lua-ebpf/luaprof/unwinder"
)

// ErrNoSymbolizer is returned by New without a Symbolizer.
var ErrNoSymbolizer = errors.New("no symbolizer")

// Source delivers completed samples.
type Source interface {
	Events() <-chan unwinder.Event
	Read(ev *unwinder.Event, dst *unwinder.Stack) bool
}

// Stats holds reporter counters.
type Stats struct {
	// Reported is the number of rendered samples.
	Reported uint64
	// Kept is the number of samples that would be written out.
	Kept int
	// Unique is the number of distinct renderings among the kept samples.
	Unique int
	// Overwritten counts samples pushed out by newer ones.
	Overwritten uint64
	// Stale counts events whose ring slot was reused before it was read.
	Stale uint64
	// Empty counts samples without a native stack.
	Empty uint64
}

type stackEntry struct {
	text []byte
	refs int
}

// Reporter collects rendered samples.
type Reporter struct {
	name       string
	compress   bool
	symbolizer *Symbolizer

	mu     sync.Mutex
	buf    bytes.Buffer
	kept   FifoRingBuffer[uint64]
	stacks map[uint64]*stackEntry

	reported uint64
	stale    uint64
	empty    uint64
}

// New creates a Reporter resolving native frames with symbolizer.
func New(cfg *Config, symbolizer *Symbolizer) (*Reporter, error) {
	if symbolizer == nil {
		return nil, ErrNoSymbolizer
	}
	maxSamples := cfg.MaxSamples
	if maxSamples == 0 {
		maxSamples = DefaultMaxSamples
	}
	r := &Reporter{
		name:       cfg.Name,
		compress:   cfg.Compress,
		symbolizer: symbolizer,
		stacks:     make(map[uint64]*stackEntry),
	}
	if err := r.kept.InitFifo(maxSamples, "samples"); err != nil {
		return nil, err
	}
	return r, nil
}

// Consume reports the samples of src until its event channel is closed or
// ctx is done.
func (r *Reporter) Consume(ctx context.Context, src Source) error {
	events := src.Events()
	var st unwinder.Stack
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !src.Read(&ev, &st) {
				r.mu.Lock()
				r.stale++
				r.mu.Unlock()
				continue
			}
			r.ReportTrace(&Trace{
				PID:    ev.PID,
				Comm:   ev.Comm,
				Native: st.Native(),
				Frames: st.Interpreter(),
			})
		}
	}
}

// ReportTrace renders t and keeps it.
func (r *Reporter) ReportTrace(t *Trace) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(t.Native) == 0 {
		r.empty++
		return
	}
	name := r.name
	if name == "" {
		name = t.Comm
	}

	r.buf.Reset()
	renderTrace(&r.buf, name, t, r.symbolizer.Symbolize)
	hash := xxh3.Hash(r.buf.Bytes())
	entry, ok := r.stacks[hash]
	if !ok {
		entry = &stackEntry{text: bytes.Clone(r.buf.Bytes())}
		r.stacks[hash] = entry
	}
	entry.refs++
	r.reported++

	if old, overwritten := r.kept.Append(hash); overwritten {
		r.release(old)
	}
}

func (r *Reporter) release(hash uint64) {
	entry, ok := r.stacks[hash]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(r.stacks, hash)
	}
}

// Flush writes the kept samples, oldest first, to w.
func (r *Reporter) Flush(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var enc *zstd.Encoder
	if r.compress {
		var err error
		if enc, err = zstd.NewWriter(w); err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		w = enc
	}

	var err error
	r.kept.Visit(func(hash uint64) {
		if err != nil {
			return
		}
		if entry, ok := r.stacks[hash]; ok {
			_, err = w.Write(entry.text)
		}
	})
	if enc != nil {
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}

	stats := r.symbolizer.Statistics()
	log.Debugf("Wrote %d samples (%d unique), symbol cache hits %d misses %d",
		r.kept.Len(), len(r.stacks), stats.Hit, stats.Miss)
	return nil
}

// WriteFile flushes the kept samples into the named file.
func (r *Reporter) WriteFile(name string) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err = r.Flush(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Stats returns the reporter counters.
func (r *Reporter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Reported:    r.reported,
		Kept:        r.kept.Len(),
		Unique:      len(r.stacks),
		Overwritten: r.kept.GetOverwriteCount(),
		Stale:       r.stale,
		Empty:       r.empty,
	}
}
