// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package toolbox

import (
	"github.com/cockroachdb/errors"

	"github.com/mknyszek/vmpage"
	"github.com/mknyszek/vmpage/simulation"
)

// maxErrors bounds the number of event errors a Simulator retains.
const maxErrors = 64

// Simulator implements the simulation.Simulator interface by
// replaying trace events against a FrameManager.
//
// Events the frame manager rejects (for example, a free of a frame
// that was never allocated) are recorded and skipped.
type Simulator struct {
	fm      FrameManager
	errs    []error
	dropped int
}

// NewSimulator constructs a new simulator driving fm.
func NewSimulator(fm FrameManager) *Simulator {
	return &Simulator{fm: fm}
}

// RegisterStats registers additional implementation-specific statistics
// with the simulation.Stats.
func (s *Simulator) RegisterStats(stats *simulation.Stats) {
	s.fm.RegisterStats(stats)
}

// Process implements the simulation.Simulator interface.
func (s *Simulator) Process(ev vmpage.Event, stats *simulation.Stats) {
	stats.Timestamp = ev.Timestamp
	stats.Events++
	ctx := Context{CPU(ev.CPU), stats}
	var err error
	switch ev.Kind {
	case vmpage.EventObjectCreate:
		err = s.fm.CreateObject(ctx, ev.Object, ev.Internal)
	case vmpage.EventObjectDestroy:
		err = s.fm.DestroyObject(ctx, ev.Object)
	case vmpage.EventAlloc:
		err = s.fm.Alloc(ctx, ev.Object, ev.Offset)
	case vmpage.EventFree:
		err = s.fm.Free(ctx, ev.Object, ev.Offset)
	case vmpage.EventWire:
		err = s.fm.Wire(ctx, ev.Object, ev.Offset)
	case vmpage.EventUnwire:
		err = s.fm.Unwire(ctx, ev.Object, ev.Offset)
	case vmpage.EventActivate:
		err = s.fm.Activate(ctx, ev.Object, ev.Offset)
	case vmpage.EventDeactivate:
		err = s.fm.Deactivate(ctx, ev.Object, ev.Offset)
	case vmpage.EventSpeculate:
		err = s.fm.Speculate(ctx, ev.Object, ev.Offset)
	case vmpage.EventTouch:
		err = s.fm.Touch(ctx, ev.Object, ev.Offset, ev.Dirty)
	case vmpage.EventRename:
		err = s.fm.Rename(ctx, ev.Object, ev.Offset, ev.NewObject, ev.NewOffset)
	case vmpage.EventAllocContig:
		err = s.fm.AllocContig(ctx, ev.Object, Pages(ev.Pages), ev.AlignMask)
	case vmpage.EventFreeContig:
		err = s.fm.FreeContig(ctx, ev.Object)
	case vmpage.EventAge:
		s.fm.Age(ctx)
	case vmpage.EventReclaim:
		s.fm.Reclaim(ctx, Pages(ev.Pages))
	default:
		err = errors.Newf("unexpected event kind %v", ev.Kind)
	}
	if err != nil {
		if len(s.errs) < maxErrors {
			s.errs = append(s.errs, errors.Wrapf(err, "%v event at tick %d", ev.Kind, ev.Timestamp))
		} else {
			s.dropped++
		}
	}
}

// Sample implements the simulation.Simulator interface.
func (s *Simulator) Sample(stats *simulation.Stats) {
	s.fm.Sample(stats)
}

// Errors returns the errors produced by rejected events, along with
// the number of further errors that were not retained.
func (s *Simulator) Errors() ([]error, int) {
	return s.errs, s.dropped
}
