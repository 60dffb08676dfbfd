// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmpage

import "fmt"

// EventKind indicates what kind of frame manager trace event
// is captured and returned.
type EventKind uint8

const (
	EventBad           EventKind = iota
	EventObjectCreate            // Owner creation.
	EventObjectDestroy           // Owner teardown.
	EventAlloc                   // Frame allocation at (Object, Offset).
	EventFree                    // Frame free.
	EventWire                    // Wire.
	EventUnwire                  // Unwire.
	EventActivate                // Activation.
	EventDeactivate              // Deactivation.
	EventSpeculate               // Speculative admission.
	EventTouch                   // Hardware reference (and modify, if Dirty).
	EventRename                  // Move to (NewObject, NewOffset).
	EventAllocContig             // Contiguous allocation of Pages frames.
	EventFreeContig              // Free of a contiguous allocation.
	EventAge                     // Speculative aging tick.
	EventReclaim                 // Reclaim request for Pages frames.
)

var eventKindNames = [...]string{
	EventBad:           "bad",
	EventObjectCreate:  "object-create",
	EventObjectDestroy: "object-destroy",
	EventAlloc:         "alloc",
	EventFree:          "free",
	EventWire:          "wire",
	EventUnwire:        "unwire",
	EventActivate:      "activate",
	EventDeactivate:    "deactivate",
	EventSpeculate:     "speculate",
	EventTouch:         "touch",
	EventRename:        "rename",
	EventAllocContig:   "alloc-contig",
	EventFreeContig:    "free-contig",
	EventAge:           "age",
	EventReclaim:       "reclaim",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event represents a single frame manager trace event.
type Event struct {
	// Timestamp is the time in non-normalized CPU ticks
	// for this event.
	Timestamp uint64

	// Object identifies the owner for object and frame events,
	// and the allocation for contiguous allocation events.
	Object uint64

	// Offset is the owner-relative byte offset of the frame.
	// Only valid for frame events (EventAlloc through EventRename).
	Offset uint64

	// NewObject and NewOffset are the destination of a rename.
	// Only valid when Kind == EventRename.
	NewObject uint64
	NewOffset uint64

	// Pages is the number of frames requested.
	// Only valid when Kind == EventAllocContig or Kind == EventReclaim.
	Pages uint64

	// AlignMask is the physical page number alignment mask for
	// a contiguous allocation. Only valid when Kind == EventAllocContig.
	AlignMask uint64

	// CPU indicates which processor generated the event, or -1
	// if the event was generated without processor affinity.
	// Valid for all events.
	CPU int32

	// Internal indicates whether a created owner holds anonymous
	// memory. Only valid when Kind == EventObjectCreate.
	Internal bool

	// Dirty indicates whether a touch modified the frame.
	// Only valid when Kind == EventTouch.
	Dirty bool

	// Kind indicates what kind of event this is.
	// This may be assumed to always be valid.
	Kind EventKind
}
