// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import "sync/atomic"

const (
	tableChunkShift = 14
	tableChunkSize  = 1 << tableChunkShift
	tableMaxChunks  = 1 << 14
)

type tableChunk [tableChunkSize]desc

// frameTable is the arena holding every descriptor, sentinel queue
// heads included. It is a two-level radix structure of fixed-size
// chunks so that growing it never moves a descriptor, and lookups
// never take a lock.
type frameTable struct {
	chunks [tableMaxChunks]atomic.Pointer[tableChunk]
	n      atomic.Uint32
}

func (t *frameTable) desc(f Frame) *desc {
	return &t.chunks[f>>tableChunkShift].Load()[f&(tableChunkSize-1)]
}

// len returns the number of descriptors in the table.
func (t *frameTable) len() Frame {
	return Frame(t.n.Load())
}

// grow makes room for count descriptors past the end of the table
// and returns the handle of the first one. The new descriptors are
// not visible through len until publish is called. Calls to grow
// and publish must be serialized.
func (t *frameTable) grow(count int) Frame {
	first := t.n.Load()
	end := uint64(first) + uint64(count)
	if end > tableMaxChunks*tableChunkSize {
		throwf("frame table overflow: %d descriptors requested", end)
	}
	for c := first >> tableChunkShift; uint64(c)<<tableChunkShift < end; c++ {
		if t.chunks[c].Load() == nil {
			t.chunks[c].Store(new(tableChunk))
		}
	}
	return Frame(first)
}

func (t *frameTable) publish(end Frame) {
	t.n.Store(uint32(end))
}
