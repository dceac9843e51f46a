// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "github.com/lua-ebpf/luaprof/libpf/xsync"

import "sync"

// RWMutex is a sync.RWMutex bundled with the value it guards. The value is
// only reachable through the pointer handed out by the lock methods, and the
// unlock methods clear that pointer so it cannot outlive the critical section.
//
// A sample ring keeps one RWMutex per slot:
//
//	var slots [16]xsync.RWMutex[Stack]
//
//	st := slots[i].WLock()
//	st.Reset()
//	slots[i].WUnlock(&st)
type RWMutex[T any] struct {
	guarded T
	mutex   sync.RWMutex
}

// NewRWMutex wraps guarded. The zero RWMutex guards the zero value of T.
func NewRWMutex[T any](guarded T) RWMutex[T] {
	return RWMutex[T]{
		guarded: guarded,
	}
}

// RLock acquires a shared lock and returns the guarded value.
func (mtx *RWMutex[T]) RLock() *T {
	mtx.mutex.RLock()
	return &mtx.guarded
}

// RUnlock releases the shared lock and sets *ref to nil.
func (mtx *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	mtx.mutex.RUnlock()
}

// WLock acquires the exclusive lock and returns the guarded value.
func (mtx *RWMutex[T]) WLock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// WUnlock releases the exclusive lock and sets *ref to nil.
func (mtx *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
