// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package toolbox

import (
	"math/bits"

	"github.com/mknyszek/vmpage/simulation"
)

// Bytes represents an amount of bytes.
type Bytes uint64

// AlignUp rounds b up to align. align must be a power-of-two.
func (b Bytes) AlignUp(align Bytes) Bytes {
	if align&(align-1) != 0 {
		panic("alignment must be a power-of-two")
	}
	return (b + align - 1) &^ (align - 1)
}

// AlignDown rounds b down to align. align must be a power-of-two.
func (b Bytes) AlignDown(align Bytes) Bytes {
	if align&(align-1) != 0 {
		panic("alignment must be a power-of-two")
	}
	return b &^ (align - 1)
}

// Pages returns the amount of perPage-sized pages required to hold b bytes.
func (b Bytes) Pages(perPage Bytes) Pages {
	return Pages(b.AlignUp(perPage) / perPage)
}

// Log2 returns the base-2 logarithm (rounded down) of b.
func (b Bytes) Log2() uint8 {
	if b == 0 {
		panic("log2 of 0")
	}
	return uint8(bits.Len64(uint64(b))) - 1
}

// Address represents a physical address.
type Address uint64

// AlignUp rounds a up to align. align must be a power-of-two.
func (a Address) AlignUp(align Bytes) Address {
	return Address(Bytes(a).AlignUp(align))
}

// AlignDown rounds a down to align. align must be a power-of-two.
func (a Address) AlignDown(align Bytes) Address {
	return Address(Bytes(a).AlignDown(align))
}

// Add adds a byte offset to an address.
func (a Address) Add(b Bytes) Address {
	return a + Address(b)
}

// Diff returns the absolute difference between a and b.
func (a Address) Diff(b Address) Bytes {
	if a < b {
		return Bytes(b - a)
	}
	return Bytes(a - b)
}

// PPN returns the physical page number containing a, given
// perPage bytes per page.
func (a Address) PPN(perPage Bytes) PPN {
	return PPN(uint64(a) / uint64(perPage))
}

// PPN is a physical page number: a physical address divided by
// the page size.
type PPN uint64

// Address returns the base physical address of the page.
func (p PPN) Address(perPage Bytes) Address {
	return Address(uint64(p) * uint64(perPage))
}

// Aligned reports whether p satisfies the alignment mask, that is,
// whether none of the bits in mask are set in p.
func (p PPN) Aligned(mask uint64) bool {
	return uint64(p)&mask == 0
}

// Pages represents an amount of pages. The amount of bytes
// per page is determined contextually, usually from the frame
// manager's configured page size.
type Pages uint64

// Bytes returns the maximum amount of bytes that can be held within p pages,
// given perPage bytes per page.
func (p Pages) Bytes(perPage Bytes) Bytes {
	return Bytes(p) * perPage
}

// CPU is the ID of a logical processor. Frame managers keep
// per-CPU caches keyed by this ID.
type CPU int32

// NoCPU is the CPU ID for a caller that has no processor affinity.
// Operations performed on behalf of NoCPU bypass per-CPU caches.
const NoCPU CPU = -1

// Context represents a context for the entirety of the simulation.
// It contains references to state that need to be accessible to
// all parts of the simulation.
type Context struct {
	CPU
	*simulation.Stats
}

// Simulation is a marker interface for a simulation, and also
// provides a common method for registering implementation-specific
// statistics.
type Simulation interface {
	// RegisterStats may register new implementation-specific stats
	// with the simulation.Stats.
	//
	// RegisterStats must be an idempodent operation, just like
	// (*simulation.Stats).RegisterOther().
	RegisterStats(*simulation.Stats)
}

// FrameManager represents an interface to a simulated resident
// frame manager, driven by trace events.
//
// Objects, offsets and contiguous allocations are named by the
// trace's own identifiers; the implementation maps them to its
// internal handles.
type FrameManager interface {
	Simulation

	// CreateObject creates a new owner identified by id.
	CreateObject(ctx Context, id uint64, internal bool) error

	// DestroyObject frees every frame held by the owner and
	// forgets it.
	DestroyObject(ctx Context, id uint64) error

	// Alloc allocates a frame and enters it at (id, offset).
	Alloc(ctx Context, id, offset uint64) error

	// Free frees the frame at (id, offset).
	Free(ctx Context, id, offset uint64) error

	// Wire wires the frame at (id, offset) once more.
	Wire(ctx Context, id, offset uint64) error

	// Unwire drops one wiring of the frame at (id, offset).
	Unwire(ctx Context, id, offset uint64) error

	// Activate moves the frame at (id, offset) to the active queue.
	Activate(ctx Context, id, offset uint64) error

	// Deactivate moves the frame at (id, offset) to an inactive queue.
	Deactivate(ctx Context, id, offset uint64) error

	// Speculate places the frame at (id, offset) on the speculative queue.
	Speculate(ctx Context, id, offset uint64) error

	// Touch records a hardware reference, and a modification if
	// dirty is set, for the frame at (id, offset).
	Touch(ctx Context, id, offset uint64, dirty bool) error

	// Rename moves the frame at (id, offset) to (newID, newOffset).
	Rename(ctx Context, id, offset, newID, newOffset uint64) error

	// AllocContig allocates n physically contiguous wired frames
	// and remembers them under id.
	AllocContig(ctx Context, id uint64, n Pages, alignMask uint64) error

	// FreeContig frees the frames remembered under id.
	FreeContig(ctx Context, id uint64) error

	// Age advances speculative aging.
	Age(ctx Context)

	// Reclaim attempts to reclaim up to n frames.
	Reclaim(ctx Context, n Pages)

	// Sample fills in the statistics in stats from the
	// current state of the frame manager.
	Sample(stats *simulation.Stats)
}
