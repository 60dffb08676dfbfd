// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"testing"

	"github.com/mknyszek/vmpage"
	"github.com/mknyszek/vmpage/simulation"
	"github.com/mknyszek/vmpage/simulation/toolbox"
)

func newTestSim(t *testing.T, pages int) (*Sim, *toolbox.Simulator, *simulation.Stats) {
	t.Helper()
	s, err := NewSim(testLayout(t, pages), WithCPUs(1), WithFreeReserved(0), WithColors(4))
	if err != nil {
		t.Fatalf("creating simulation: %v", err)
	}
	sim := toolbox.NewSimulator(s)
	stats := simulation.NewStats()
	sim.RegisterStats(stats)
	return s, sim, stats
}

func TestSimReplay(t *testing.T) {
	s, sim, stats := newTestSim(t, 64)
	events := []vmpage.Event{
		{Kind: vmpage.EventObjectCreate, Object: 1},
		{Kind: vmpage.EventObjectCreate, Object: 2, Internal: true},
		{Kind: vmpage.EventAlloc, Object: 1, Offset: 0},
		{Kind: vmpage.EventAlloc, Object: 1, Offset: 4096},
		{Kind: vmpage.EventAlloc, Object: 2, Offset: 0},
		{Kind: vmpage.EventTouch, Object: 1, Offset: 0, Dirty: true},
		{Kind: vmpage.EventWire, Object: 1, Offset: 4096},
		{Kind: vmpage.EventUnwire, Object: 1, Offset: 4096},
		{Kind: vmpage.EventDeactivate, Object: 1, Offset: 0},
		{Kind: vmpage.EventSpeculate, Object: 1, Offset: 4096},
		{Kind: vmpage.EventRename, Object: 1, Offset: 4096, NewObject: 2, NewOffset: 8192},
		{Kind: vmpage.EventAllocContig, Object: 7, Pages: 8, AlignMask: 7},
		{Kind: vmpage.EventFree, Object: 2, Offset: 0},
		{Kind: vmpage.EventActivate, Object: 2, Offset: 8192},
		{Kind: vmpage.EventFreeContig, Object: 7},
		{Kind: vmpage.EventAge},
		{Kind: vmpage.EventReclaim, Pages: 4},
		// Rejected: no such object, and a frame that is not wired.
		{Kind: vmpage.EventFree, Object: 3, Offset: 0},
		{Kind: vmpage.EventUnwire, Object: 2, Offset: 8192},
	}
	for i, ev := range events {
		ev.Timestamp = uint64(i)
		sim.Process(ev, stats)
	}
	sim.Sample(stats)

	if stats.Events != uint64(len(events)) {
		t.Errorf("expected %d events; got %d", len(events), stats.Events)
	}
	if stats.Allocs != 11 || stats.Frees != 9 || stats.Failures != 0 {
		t.Errorf("expected 11 allocs, 9 frees, 0 failures; got %d, %d, %d", stats.Allocs, stats.Frees, stats.Failures)
	}
	if stats.TotalFrames != 64 || stats.ResidentFrames != 2 || stats.FreeFrames != 62 || stats.WiredFrames != 0 {
		t.Errorf("unexpected frame counts: total %d resident %d free %d wired %d",
			stats.TotalFrames, stats.ResidentFrames, stats.FreeFrames, stats.WiredFrames)
	}
	if got := stats.GetOther("PageoutFrames"); got != 1 {
		t.Errorf("expected the dirty frame sent to pageout; %d in pageout", got)
	}
	errs, dropped := sim.Errors()
	if len(errs) != 2 || dropped != 0 {
		t.Errorf("expected 2 rejected events; got %d (+%d dropped): %v", len(errs), dropped, errs)
	}
	if err := s.Manager().Validate(); err != nil {
		t.Fatal(err)
	}

	for _, id := range []uint64{1, 2} {
		sim.Process(vmpage.Event{Kind: vmpage.EventObjectDestroy, Object: id}, stats)
	}
	sim.Sample(stats)
	if stats.FreeFrames != 64 || stats.ResidentFrames != 0 {
		t.Errorf("expected everything free after teardown; free %d resident %d", stats.FreeFrames, stats.ResidentFrames)
	}
	if err := s.Manager().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestSimFailures(t *testing.T) {
	_, sim, stats := newTestSim(t, 8)
	sim.Process(vmpage.Event{Kind: vmpage.EventObjectCreate, Object: 1}, stats)
	for i := uint64(0); i < 10; i++ {
		sim.Process(vmpage.Event{Kind: vmpage.EventAlloc, Object: 1, Offset: i * 4096}, stats)
	}
	sim.Process(vmpage.Event{Kind: vmpage.EventAllocContig, Object: 1, Pages: 4}, stats)
	if stats.Allocs != 8 || stats.Failures != 3 {
		t.Errorf("expected 8 allocs and 3 failures; got %d and %d", stats.Allocs, stats.Failures)
	}
}

func TestSimErrorLimit(t *testing.T) {
	_, sim, stats := newTestSim(t, 8)
	for i := 0; i < 70; i++ {
		sim.Process(vmpage.Event{Kind: vmpage.EventFree, Object: 9}, stats)
	}
	sim.Process(vmpage.Event{Kind: vmpage.EventBad}, stats)
	errs, dropped := sim.Errors()
	if len(errs) != 64 || dropped != 7 {
		t.Errorf("expected 64 errors and 7 dropped; got %d and %d", len(errs), dropped)
	}
}
