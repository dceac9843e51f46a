// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package freelru wraps go-freelru with hit and miss accounting.
package freelru // import "github.com/lua-ebpf/luaprof/libpf/freelru"

import (
	"sync/atomic"

	lru "github.com/elastic/go-freelru"
)

// LRU is a go-freelru LRU that counts its lookups.
type LRU[K comparable, V any] struct {
	lru *lru.LRU[K, V]

	hit   atomic.Uint64
	miss  atomic.Uint64
	added atomic.Uint64
}

// Statistics holds the counters of an LRU.
type Statistics struct {
	Hit   uint64
	Miss  uint64
	Added uint64
}

func New[K comparable, V any](capacity uint32, hash lru.HashKeyCallback[K]) (*LRU[K, V], error) {
	cache, err := lru.New[K, V](capacity, hash)
	if err != nil {
		return nil, err
	}
	return &LRU[K, V]{lru: cache}, nil
}

func (c *LRU[K, V]) Add(key K, value V) (evicted bool) {
	c.added.Add(1)
	return c.lru.Add(key, value)
}

func (c *LRU[K, V]) Get(key K) (value V, ok bool) {
	value, ok = c.lru.Get(key)
	if ok {
		c.hit.Add(1)
	} else {
		c.miss.Add(1)
	}
	return value, ok
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	return c.lru.Len()
}

// GetAndResetStatistics returns the counters and resets them to 0.
func (c *LRU[K, V]) GetAndResetStatistics() Statistics {
	return Statistics{
		Hit:   c.hit.Swap(0),
		Miss:  c.miss.Swap(0),
		Added: c.added.Swap(0),
	}
}
