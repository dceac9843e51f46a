// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter // import "github.com/lua-ebpf/luaprof/reporter"

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// FifoRingBuffer keeps the last size elements appended to it. It is not safe
// for concurrent use.
type FifoRingBuffer[T any] struct {
	data []T

	// emptyT is used for nullifying entries in data.
	emptyT T

	name string

	readPos  int
	writePos int
	count    int

	overwriteCount uint64
}

// InitFifo allocates the buffer. name identifies it in log messages.
func (q *FifoRingBuffer[T]) InitFifo(size int, name string) error {
	if size <= 0 {
		return fmt.Errorf("unsupported size of fifo: %d", size)
	}
	q.data = make([]T, size)
	q.readPos = 0
	q.writePos = 0
	q.count = 0
	q.overwriteCount = 0
	q.name = name
	return nil
}

// Append adds v, overwriting the oldest element if the buffer is full. The
// overwritten element is returned.
func (q *FifoRingBuffer[T]) Append(v T) (old T, overwritten bool) {
	size := len(q.data)
	old, overwritten = q.data[q.writePos], q.count == size
	q.data[q.writePos] = v
	q.writePos++
	if q.writePos == size {
		q.writePos = 0
	}

	if !overwritten {
		q.count++
		if q.count == size {
			log.Debugf("About to start overwriting elements in buffer for %s", q.name)
		}
		return q.emptyT, false
	}
	q.overwriteCount++
	q.readPos = q.writePos
	return old, true
}

// Len returns the number of stored elements.
func (q *FifoRingBuffer[T]) Len() int {
	return q.count
}

// Visit calls cb for each stored element, oldest first.
func (q *FifoRingBuffer[T]) Visit(cb func(T)) {
	for i := range q.count {
		cb(q.data[(q.readPos+i)%len(q.data)])
	}
}

// ReadAll returns all elements, oldest first, and empties the buffer.
func (q *FifoRingBuffer[T]) ReadAll() []T {
	data := make([]T, 0, q.count)
	q.Visit(func(v T) { data = append(data, v) })
	for i := range q.data {
		// Allow for element to be GCed
		q.data[i] = q.emptyT
	}
	q.readPos = q.writePos
	q.count = 0
	return data
}

// GetOverwriteCount returns the number of overwritten elements.
func (q *FifoRingBuffer[T]) GetOverwriteCount() uint64 {
	return q.overwriteCount
}
