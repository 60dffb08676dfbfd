// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"fmt"
	"sync/atomic"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

// Frame is a compact handle for a physical page frame. It indexes
// the manager's frame table; every reference between descriptors is
// a Frame rather than a pointer.
type Frame uint32

// NoFrame is the null frame handle.
const NoFrame Frame = 0

// QueueState identifies which queue, if any, a frame is linked into.
// The states are mutually exclusive.
type QueueState uint8

const (
	NotOnQueue       QueueState = iota // Grabbed, gobbled, or between queues.
	Free                               // On a colored free list.
	FreeLocal                          // Cached on a per-CPU free list.
	FreeLopage                         // In the low physical memory reserve.
	Active                             // Global active queue.
	InactiveInternal                   // Inactive, anonymous owner.
	InactiveExternal                   // Inactive, file-backed owner.
	InactiveCleaned                    // Inactive and freshly cleaned.
	Speculative                        // One of the speculative age bands.
	Throttled                          // Parked while dynamic paging is off.
	Secluded                           // Secluded pool, free or cached.
	ActiveLocal                        // A per-CPU active queue.
	Wired                              // Pinned; not on any queue.
	PageoutInFlight                    // Being laundered.
	Compressor                         // Owned by the compressor.

	numQueueStates
)

var queueStateNames = [...]string{
	NotOnQueue:       "not-on-queue",
	Free:             "free",
	FreeLocal:        "free-local",
	FreeLopage:       "free-lopage",
	Active:           "active",
	InactiveInternal: "inactive-internal",
	InactiveExternal: "inactive-external",
	InactiveCleaned:  "inactive-cleaned",
	Speculative:      "speculative",
	Throttled:        "throttled",
	Secluded:         "secluded",
	ActiveLocal:      "active-local",
	Wired:            "wired",
	PageoutInFlight:  "pageout-in-flight",
	Compressor:       "compressor",
}

func (s QueueState) String() string {
	if int(s) < len(queueStateNames) {
		return queueStateNames[s]
	}
	return fmt.Sprintf("QueueState(%d)", uint8(s))
}

// IsFree reports whether s is one of the free states.
func (s QueueState) IsFree() bool {
	return s == Free || s == FreeLocal || s == FreeLopage
}

// pageable reports whether frames in state s sit on a reclaim queue.
func (s QueueState) pageable() bool {
	switch s {
	case Active, InactiveInternal, InactiveExternal, InactiveCleaned, Speculative, Throttled, ActiveLocal:
		return true
	}
	return false
}

// SpecialQueue selects an orthogonal bookkeeping queue a pageable
// frame is tracked on in addition to its primary queue.
type SpecialQueue uint8

const (
	SpecialNone SpecialQueue = iota
	SpecialDonate
	SpecialBackground
)

// Tag attributes wirings for accounting.
type Tag uint16

const (
	TagNone Tag = iota
	TagKernel
	TagUser
	TagContig
	TagIOKit
)

// frame flags.
const (
	flagBusy uint32 = 1 << iota
	flagDirty
	flagReferenced
	flagPrecious
	flagFictitious
	flagPrivate
	flagGobbled
	flagTabled
	flagReusable
	flagNoCache
	flagLaundry
	flagInternal
	flagLopageOK // static: frame qualifies for the low memory reserve
	flagSecludedOK
)

// flags that survive a release back to the free lists.
const staticFlags = flagLopageOK | flagFictitious | flagPrivate

// desc is a frame descriptor. Which lock protects a field depends
// on where the frame currently lives:
//
//   - next, prev: the lock owning the frame's queue (queue lock,
//     free lock, or a per-CPU lock), per state.
//   - hnext: the frame's hash bucket lock.
//   - lnext, lprev: the owner's lock.
//   - snext, sprev, special, wire, tag: the queue lock.
//   - lcpu: the per-CPU active queue lock; it is set before state
//     becomes ActiveLocal.
//
// owner and offset change only with both the owner's lock and the
// bucket lock held. They, state and flags are atomics so that scans
// may observe them under any of those locks.
type desc struct {
	next, prev   Frame
	hnext        Frame
	lnext, lprev Frame
	snext, sprev Frame

	ppn toolbox.PPN

	offset atomic.Uint64
	owner  atomic.Uint32
	state  atomic.Uint32
	flags  atomic.Uint32

	wire    uint16
	tag     Tag
	lcpu    int16
	special SpecialQueue
}

func (d *desc) getState() QueueState {
	return QueueState(d.state.Load())
}

func (d *desc) setState(s QueueState) {
	d.state.Store(uint32(s))
}

func (d *desc) ownerID() ObjectID {
	return ObjectID(d.owner.Load())
}

func (d *desc) has(flag uint32) bool {
	return d.flags.Load()&flag != 0
}

func (d *desc) set(flag uint32) {
	for {
		old := d.flags.Load()
		if old&flag == flag || d.flags.CompareAndSwap(old, old|flag) {
			return
		}
	}
}

func (d *desc) clear(flag uint32) {
	for {
		old := d.flags.Load()
		if old&flag == 0 || d.flags.CompareAndSwap(old, old&^flag) {
			return
		}
	}
}

func (d *desc) assign(flag uint32, on bool) {
	if on {
		d.set(flag)
	} else {
		d.clear(flag)
	}
}

// FrameInfo is a snapshot of a frame descriptor.
type FrameInfo struct {
	PPN        toolbox.PPN
	Owner      ObjectID
	Offset     uint64
	State      QueueState
	WireCount  int
	Busy       bool
	Dirty      bool
	Referenced bool
	Precious   bool
	Gobbled    bool
	Tabled     bool
	Laundry    bool
	Internal   bool
	Special    SpecialQueue
}

func (fi FrameInfo) String() string {
	return fmt.Sprintf("ppn=%#x owner=%d offset=%#x state=%v wire=%d", fi.PPN, fi.Owner, fi.Offset, fi.State, fi.WireCount)
}
