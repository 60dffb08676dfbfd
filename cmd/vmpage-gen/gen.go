// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"math/rand"

	"github.com/cockroachdb/errors"

	"github.com/mknyszek/vmpage"
)

// maxMisses bounds how many consecutive choices may find nothing to
// act on before generation gives up.
const maxMisses = 1 << 20

// Weights sets the relative frequency of each generated event kind.
type Weights struct {
	Create, Destroy    int
	Alloc, Free        int
	Wire, Unwire       int
	Activate           int
	Deactivate         int
	Speculate          int
	Touch              int
	Rename             int
	Contig, FreeContig int
	Age, Reclaim       int
}

// DefaultWeights approximates a workload dominated by faults and
// page reuse, with occasional driver allocations.
var DefaultWeights = Weights{
	Create: 3, Destroy: 1,
	Alloc: 35, Free: 18,
	Wire: 3, Unwire: 3,
	Activate:   5,
	Deactivate: 8,
	Speculate:  4,
	Touch:      12,
	Rename:     2,
	Contig:     1, FreeContig: 1,
	Age: 2, Reclaim: 1,
}

type genObject struct {
	id      uint64
	frames  []uint64
	wired   map[uint64]int
	nextOff uint64
}

// generator produces a stream of events that is consistent with
// itself: frames are only named while they exist.
//
// Reclaim events let the frame manager drop frames the generator
// still believes exist, so replaying a trace with reclaim enabled
// may report rejected events.
type generator struct {
	r        *rand.Rand
	w        Weights
	cpus     int
	pageSize uint64
	maxRun   int

	tick       uint64
	nextObj    uint64
	objects    []*genObject
	contig     []uint64
	nextContig uint64
}

func newGenerator(seed int64, cpus int, pageSize uint64, maxRun int, w Weights) *generator {
	return &generator{
		r:        rand.New(rand.NewSource(seed)),
		w:        w,
		cpus:     cpus,
		pageSize: pageSize,
		maxRun:   maxRun,
		tick:     1,
		nextObj:  1,
	}
}

func (g *generator) object() *genObject {
	if len(g.objects) == 0 {
		return nil
	}
	return g.objects[g.r.Intn(len(g.objects))]
}

// frame picks a random existing frame, returning its index in o.frames.
func (g *generator) frame() (*genObject, int) {
	o := g.object()
	if o == nil || len(o.frames) == 0 {
		return nil, -1
	}
	return o, g.r.Intn(len(o.frames))
}

func (o *genObject) removeFrame(i int) uint64 {
	off := o.frames[i]
	o.frames[i] = o.frames[len(o.frames)-1]
	o.frames = o.frames[:len(o.frames)-1]
	delete(o.wired, off)
	return off
}

// next returns the next event. ok is false if the chosen event kind
// had nothing to act on, in which case no event is produced.
func (g *generator) next() (ev vmpage.Event, ok bool) {
	w := &g.w
	choices := [...]struct {
		weight int
		fn     func(*vmpage.Event) bool
	}{
		{w.Create, g.create},
		{w.Destroy, g.destroy},
		{w.Alloc, g.alloc},
		{w.Free, g.free},
		{w.Wire, g.wire},
		{w.Unwire, g.unwire},
		{w.Activate, g.frameEvent(vmpage.EventActivate)},
		{w.Deactivate, g.frameEvent(vmpage.EventDeactivate)},
		{w.Speculate, g.frameEvent(vmpage.EventSpeculate)},
		{w.Touch, g.touch},
		{w.Rename, g.rename},
		{w.Contig, g.allocContig},
		{w.FreeContig, g.freeContig},
		{w.Age, g.simple(vmpage.EventAge)},
		{w.Reclaim, g.reclaim},
	}
	total := 0
	for _, c := range choices {
		total += c.weight
	}
	if total == 0 {
		return ev, false
	}
	n := g.r.Intn(total)
	for _, c := range choices {
		if n < c.weight {
			if !c.fn(&ev) {
				return ev, false
			}
			break
		}
		n -= c.weight
	}
	g.tick += 1 + uint64(g.r.Intn(100))
	ev.Timestamp = g.tick
	ev.CPU = int32(g.r.Intn(g.cpus))
	return ev, true
}

func (g *generator) create(ev *vmpage.Event) bool {
	o := &genObject{id: g.nextObj, wired: make(map[uint64]int)}
	g.nextObj++
	g.objects = append(g.objects, o)
	*ev = vmpage.Event{Kind: vmpage.EventObjectCreate, Object: o.id, Internal: g.r.Intn(2) == 0}
	return true
}

func (g *generator) destroy(ev *vmpage.Event) bool {
	if len(g.objects) == 0 {
		return false
	}
	i := g.r.Intn(len(g.objects))
	o := g.objects[i]
	g.objects[i] = g.objects[len(g.objects)-1]
	g.objects = g.objects[:len(g.objects)-1]
	*ev = vmpage.Event{Kind: vmpage.EventObjectDestroy, Object: o.id}
	return true
}

func (g *generator) alloc(ev *vmpage.Event) bool {
	o := g.object()
	if o == nil {
		return false
	}
	off := o.nextOff
	o.nextOff += g.pageSize
	o.frames = append(o.frames, off)
	*ev = vmpage.Event{Kind: vmpage.EventAlloc, Object: o.id, Offset: off}
	return true
}

func (g *generator) free(ev *vmpage.Event) bool {
	o, i := g.frame()
	if o == nil || o.wired[o.frames[i]] > 0 {
		return false
	}
	off := o.removeFrame(i)
	*ev = vmpage.Event{Kind: vmpage.EventFree, Object: o.id, Offset: off}
	return true
}

func (g *generator) wire(ev *vmpage.Event) bool {
	o, i := g.frame()
	if o == nil {
		return false
	}
	o.wired[o.frames[i]]++
	*ev = vmpage.Event{Kind: vmpage.EventWire, Object: o.id, Offset: o.frames[i]}
	return true
}

func (g *generator) unwire(ev *vmpage.Event) bool {
	o, i := g.frame()
	if o == nil || o.wired[o.frames[i]] == 0 {
		return false
	}
	off := o.frames[i]
	if o.wired[off]--; o.wired[off] == 0 {
		delete(o.wired, off)
	}
	*ev = vmpage.Event{Kind: vmpage.EventUnwire, Object: o.id, Offset: off}
	return true
}

func (g *generator) frameEvent(kind vmpage.EventKind) func(*vmpage.Event) bool {
	return func(ev *vmpage.Event) bool {
		o, i := g.frame()
		if o == nil {
			return false
		}
		*ev = vmpage.Event{Kind: kind, Object: o.id, Offset: o.frames[i]}
		return true
	}
}

func (g *generator) touch(ev *vmpage.Event) bool {
	if !g.frameEvent(vmpage.EventTouch)(ev) {
		return false
	}
	ev.Dirty = g.r.Intn(3) == 0
	return true
}

func (g *generator) rename(ev *vmpage.Event) bool {
	o, i := g.frame()
	dst := g.object()
	if o == nil || o.wired[o.frames[i]] > 0 {
		return false
	}
	off := o.removeFrame(i)
	newOff := dst.nextOff
	dst.nextOff += g.pageSize
	dst.frames = append(dst.frames, newOff)
	*ev = vmpage.Event{Kind: vmpage.EventRename, Object: o.id, Offset: off, NewObject: dst.id, NewOffset: newOff}
	return true
}

func (g *generator) allocContig(ev *vmpage.Event) bool {
	pages := 1 + g.r.Intn(g.maxRun)
	var mask uint64
	if pages&(pages-1) == 0 {
		mask = uint64(pages - 1)
	}
	id := g.nextContig
	g.nextContig++
	g.contig = append(g.contig, id)
	*ev = vmpage.Event{Kind: vmpage.EventAllocContig, Object: id, Pages: uint64(pages), AlignMask: mask}
	return true
}

func (g *generator) freeContig(ev *vmpage.Event) bool {
	if len(g.contig) == 0 {
		return false
	}
	i := g.r.Intn(len(g.contig))
	id := g.contig[i]
	g.contig[i] = g.contig[len(g.contig)-1]
	g.contig = g.contig[:len(g.contig)-1]
	*ev = vmpage.Event{Kind: vmpage.EventFreeContig, Object: id}
	return true
}

func (g *generator) reclaim(ev *vmpage.Event) bool {
	*ev = vmpage.Event{Kind: vmpage.EventReclaim, Pages: uint64(1 + g.r.Intn(32))}
	return true
}

func (g *generator) simple(kind vmpage.EventKind) func(*vmpage.Event) bool {
	return func(ev *vmpage.Event) bool {
		*ev = vmpage.Event{Kind: kind}
		return true
	}
}

// generate emits n events to w.
func (g *generator) generate(w *vmpage.Writer, n int) error {
	misses := 0
	for i := 0; i < n; {
		ev, ok := g.next()
		if !ok {
			if misses++; misses > maxMisses {
				return errors.Newf("no events possible after %d events; check weights", i)
			}
			continue
		}
		misses = 0
		if err := w.Emit(ev); err != nil {
			return err
		}
		i++
	}
	return nil
}
