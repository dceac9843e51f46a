// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reporter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFifo(t *testing.T) {
	tests := map[string]struct {
		size           int
		data           []int
		returned       []int
		evicted        []int
		overwriteCount uint64
		err            bool
	}{
		"Invalid size": {size: 0, err: true},
		"Full Fifo": {size: 5, data: []int{1, 2, 3, 4, 5},
			returned: []int{1, 2, 3, 4, 5}},
		"Fifo overflow": {size: 3, data: []int{1, 2, 3, 4, 5},
			returned: []int{3, 4, 5}, evicted: []int{1, 2}, overwriteCount: 2},
		"Partial full": {size: 15, data: []int{1, 2, 3},
			returned: []int{1, 2, 3}},
		"Wrap twice": {size: 2, data: []int{1, 2, 3, 4, 5, 6},
			returned: []int{5, 6}, evicted: []int{1, 2, 3, 4}, overwriteCount: 4},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fifo := &FifoRingBuffer[int]{}
			err := fifo.InitFifo(tc.size, t.Name())
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			var evicted []int
			for _, v := range tc.data {
				if old, ok := fifo.Append(v); ok {
					evicted = append(evicted, old)
				}
			}
			assert.Equal(t, tc.evicted, evicted)
			assert.Equal(t, tc.overwriteCount, fifo.GetOverwriteCount())
			assert.Equal(t, len(tc.returned), fifo.Len())
			assert.Equal(t, tc.returned, fifo.ReadAll())
			assert.Equal(t, 0, fifo.Len())
			assert.Empty(t, fifo.ReadAll())
		})
	}
}

func TestFifoReuseAfterReadAll(t *testing.T) {
	fifo := &FifoRingBuffer[string]{}
	require.NoError(t, fifo.InitFifo(2, t.Name()))
	fifo.Append("a")
	fifo.Append("b")
	fifo.Append("c")
	assert.Equal(t, []string{"b", "c"}, fifo.ReadAll())

	fifo.Append("d")
	var seen []string
	fifo.Visit(func(s string) { seen = append(seen, s) })
	assert.Equal(t, []string{"d"}, seen)
}
