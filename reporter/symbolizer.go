// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "github.com/lua-ebpf/luaprof/reporter"

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/ianlancetaylor/demangle"
	log "github.com/sirupsen/logrus"

	"github.com/lua-ebpf/luaprof/libpf"
	"github.com/lua-ebpf/luaprof/libpf/freelru"
	"github.com/lua-ebpf/luaprof/libpf/pfelf"
	"github.com/lua-ebpf/luaprof/process"
)

// Frame is a symbolized native frame.
type Frame struct {
	Name   string
	Module string
}

// mappedImage is one executable mapping with the symbols of its file.
type mappedImage struct {
	start, end uint64
	// bias converts a runtime address into a file virtual address when subtracted.
	bias    uint64
	module  string
	symbols *libpf.SymbolMap
}

// Symbolizer translates native addresses of one process into symbol names.
// Lookups are cached. Register all images before the first lookup.
type Symbolizer struct {
	images []mappedImage

	frames    *freelru.LRU[libpf.Address, Frame]
	demangled *freelru.LRU[string, string]
}

// NewSymbolizer creates a Symbolizer whose caches hold cacheSize entries.
func NewSymbolizer(cacheSize uint32) (*Symbolizer, error) {
	frames, err := freelru.New[libpf.Address, Frame](cacheSize, libpf.Address.Hash32)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame cache: %w", err)
	}
	demangled, err := freelru.New[string, string](cacheSize, hashString)
	if err != nil {
		return nil, fmt.Errorf("failed to create name cache: %w", err)
	}
	return &Symbolizer{frames: frames, demangled: demangled}, nil
}

// AddImage registers the symbols of ef, mapped executable by m.
func (s *Symbolizer) AddImage(m *process.Mapping, ef *pfelf.File) error {
	symbols, err := ef.ReadSymbols()
	if err != nil {
		return fmt.Errorf("failed to read symbols of %s: %w", m.Path, err)
	}
	s.images = append(s.images, mappedImage{
		start:   m.Vaddr,
		end:     m.End(),
		bias:    ef.LoadBias(m.Vaddr, m.FileOffset),
		module:  filepath.Base(m.Path),
		symbols: symbols,
	})
	sort.Slice(s.images, func(i, j int) bool { return s.images[i].start < s.images[j].start })
	return nil
}

// LoadMappings opens the file of every mapping and registers its symbols.
// Files that cannot be read are skipped.
func (s *Symbolizer) LoadMappings(mappings []process.Mapping) {
	for i := range mappings {
		m := &mappings[i]
		ef, err := pfelf.Open(m.Path)
		if err != nil {
			log.Debugf("Skipping symbols of %s: %v", m.Path, err)
			continue
		}
		if err = s.AddImage(m, ef); err != nil {
			log.Debugf("Skipping symbols of %s: %v", m.Path, err)
		}
		_ = ef.Close()
	}
}

func (s *Symbolizer) image(addr uint64) *mappedImage {
	i := sort.Search(len(s.images), func(i int) bool { return s.images[i].end > addr })
	if i < len(s.images) && s.images[i].start <= addr {
		return &s.images[i]
	}
	return nil
}

// Symbolize returns the function containing addr.
func (s *Symbolizer) Symbolize(addr libpf.Address) (Frame, bool) {
	if f, ok := s.frames.Get(addr); ok {
		return f, f.Name != ""
	}
	var f Frame
	if img := s.image(uint64(addr)); img != nil {
		name, _, ok := img.symbols.LookupByAddress(libpf.SymbolValue(uint64(addr) - img.bias))
		if ok {
			f = Frame{Name: s.demangle(string(name)), Module: img.module}
		}
	}
	// Misses are cached as the zero Frame.
	s.frames.Add(addr, f)
	return f, f.Name != ""
}

func (s *Symbolizer) demangle(name string) string {
	if d, ok := s.demangled.Get(name); ok {
		return d
	}
	d := demangle.Filter(name, demangle.NoClones)
	s.demangled.Add(name, d)
	return d
}

// Statistics returns the frame cache counters and resets them.
func (s *Symbolizer) Statistics() freelru.Statistics {
	return s.frames.GetAndResetStatistics()
}
