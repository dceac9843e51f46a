// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/lua-ebpf/luaprof/libpf"

import (
	"fmt"
	"sort"
)

// SymbolValue represents the value associated with a symbol, e.g. either an
// offset or an absolute address
type SymbolValue uint64

// SymbolName represents the name of a symbol
type SymbolName string

// Symbol describes one ELF symbol.
type Symbol struct {
	Name    SymbolName
	Address SymbolValue
	Size    uint64
}

// SymbolMap resolves symbols by name and reverse maps addresses to symbols.
type SymbolMap struct {
	nameToSymbol    map[SymbolName]*Symbol
	addressToSymbol []Symbol
}

func NewSymbolMap(capacity int) *SymbolMap {
	return &SymbolMap{
		addressToSymbol: make([]Symbol, 0, capacity),
	}
}

// Add a symbol to the map
func (symmap *SymbolMap) Add(s Symbol) {
	symmap.addressToSymbol = append(symmap.addressToSymbol, s)
}

// Finalize sorts the symbols by descending address and builds the name index.
// It must be called after all Add calls and before any lookup.
func (symmap *SymbolMap) Finalize() {
	sort.SliceStable(symmap.addressToSymbol,
		func(i, j int) bool {
			return symmap.addressToSymbol[i].Address > symmap.addressToSymbol[j].Address
		})

	symmap.nameToSymbol = make(map[SymbolName]*Symbol, len(symmap.addressToSymbol))
	for i, s := range symmap.addressToSymbol {
		if _, ok := symmap.nameToSymbol[s.Name]; !ok {
			symmap.nameToSymbol[s.Name] = &symmap.addressToSymbol[i]
		}
	}
}

// LookupSymbol obtains symbol information. Returns nil and an error if not found.
func (symmap *SymbolMap) LookupSymbol(symbolName SymbolName) (*Symbol, error) {
	if sym, ok := symmap.nameToSymbol[symbolName]; ok {
		return sym, nil
	}
	return nil, fmt.Errorf("symbol %v not present in map", symbolName)
}

// LookupByAddress translates the address to the containing symbol and the offset
// into it. Symbols with zero size match any address up to the next symbol.
func (symmap *SymbolMap) LookupByAddress(val SymbolValue) (SymbolName, Address, bool) {
	i := sort.Search(len(symmap.addressToSymbol),
		func(i int) bool {
			return val >= symmap.addressToSymbol[i].Address
		})
	if i < len(symmap.addressToSymbol) &&
		(symmap.addressToSymbol[i].Size == 0 ||
			val < symmap.addressToSymbol[i].Address+
				SymbolValue(symmap.addressToSymbol[i].Size)) {
		return symmap.addressToSymbol[i].Name,
			Address(val - symmap.addressToSymbol[i].Address),
			true
	}
	return "", Address(val), false
}

// Len returns the number of elements in the map.
func (symmap *SymbolMap) Len() int {
	return len(symmap.addressToSymbol)
}
