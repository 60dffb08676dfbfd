// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"github.com/cockroachdb/errors"

	"github.com/mknyszek/vmpage/simulation"
	"github.com/mknyszek/vmpage/simulation/toolbox"
)

// Sim implements toolbox.FrameManager on top of a Manager, mapping
// trace identifiers to objects and contiguous allocations.
type Sim struct {
	m       *Manager
	pmap    *SoftPmap
	objects map[uint64]*Object
	contig  map[uint64][]Frame
}

var _ toolbox.FrameManager = &Sim{}

// NewSim creates a Manager for layout with a SoftPmap standing in
// for the hardware, and wraps it for simulation.
func NewSim(layout *toolbox.Layout, opts ...Option) (*Sim, error) {
	pmap := NewSoftPmap()
	m, err := New(layout, append([]Option{WithPmap(pmap)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Sim{
		m:       m,
		pmap:    pmap,
		objects: make(map[uint64]*Object),
		contig:  make(map[uint64][]Frame),
	}, nil
}

// Manager returns the underlying Manager.
func (s *Sim) Manager() *Manager {
	return s.m
}

var simStats = [...]struct {
	name string
	get  func(*Counters) int
}{
	{"ActiveFrames", func(c *Counters) int { return c.Active }},
	{"InactiveInternalFrames", func(c *Counters) int { return c.InactiveInternal }},
	{"InactiveExternalFrames", func(c *Counters) int { return c.InactiveExternal }},
	{"CleanedFrames", func(c *Counters) int { return c.Cleaned }},
	{"SpeculativeFrames", func(c *Counters) int { return c.Speculative }},
	{"ThrottledFrames", func(c *Counters) int { return c.Throttled }},
	{"SecludedFrames", func(c *Counters) int { return c.Secluded }},
	{"LocalActiveFrames", func(c *Counters) int { return c.Local }},
	{"PageoutFrames", func(c *Counters) int { return c.Pageout }},
	{"GobbledFrames", func(c *Counters) int { return c.Gobbled }},
	{"PerCPUFreeFrames", func(c *Counters) int { return c.FreeLocal }},
	{"LopageFreeFrames", func(c *Counters) int { return c.FreeLopage }},
	{"SecludedFreeFrames", func(c *Counters) int { return c.FreeSecluded }},
}

func (s *Sim) RegisterStats(stats *simulation.Stats) {
	for _, st := range simStats {
		stats.RegisterOther(st.name)
	}
}

func (s *Sim) object(id uint64) (*Object, error) {
	o, ok := s.objects[id]
	if !ok {
		return nil, errors.Wrapf(ErrBadObject, "object %d", id)
	}
	return o, nil
}

// lookup returns the frame at (id, offset) with its object locked.
func (s *Sim) lookup(id, offset uint64) (*Object, Frame, error) {
	o, err := s.object(id)
	if err != nil {
		return nil, NoFrame, err
	}
	o.Lock()
	f := s.m.Lookup(o, offset)
	if f == NoFrame {
		o.Unlock()
		return nil, NoFrame, errors.Newf("no frame at object %d offset %#x", id, offset)
	}
	return o, f, nil
}

func (s *Sim) CreateObject(ctx toolbox.Context, id uint64, internal bool) error {
	if _, ok := s.objects[id]; ok {
		return errors.Newf("object %d already exists", id)
	}
	s.objects[id] = s.m.NewObject(internal)
	return nil
}

func (s *Sim) DestroyObject(ctx toolbox.Context, id uint64) error {
	o, err := s.object(id)
	if err != nil {
		return err
	}
	o.Lock()
	n := o.ResidentCount()
	o.Unlock()
	o.Destroy()
	delete(s.objects, id)
	ctx.Frees += uint64(n)
	return nil
}

func (s *Sim) Alloc(ctx toolbox.Context, id, offset uint64) error {
	o, err := s.object(id)
	if err != nil {
		return err
	}
	o.Lock()
	defer o.Unlock()
	if s.m.Lookup(o, offset) != NoFrame {
		return errors.Newf("object %d offset %#x already allocated", id, offset)
	}
	f, err := s.m.Alloc(ctx.CPU, o, offset, 0)
	if errors.Is(err, ErrNoMemory) && s.m.Reclaim(ctx.CPU, s.m.cfg.RefillLimit+1) > 0 {
		f, err = s.m.Alloc(ctx.CPU, o, offset, 0)
	}
	if errors.Is(err, ErrNoMemory) {
		ctx.Failures++
		return nil
	} else if err != nil {
		return err
	}
	s.m.WakeupDone(f)
	s.m.ActivateLocal(ctx.CPU, f)
	ctx.Allocs++
	return nil
}

func (s *Sim) Free(ctx toolbox.Context, id, offset uint64) error {
	o, f, err := s.lookup(id, offset)
	if err != nil {
		return err
	}
	defer o.Unlock()
	s.m.Free(f)
	ctx.Frees++
	return nil
}

func (s *Sim) Wire(ctx toolbox.Context, id, offset uint64) error {
	o, f, err := s.lookup(id, offset)
	if err != nil {
		return err
	}
	defer o.Unlock()
	s.m.Wire(f, TagUser)
	return nil
}

func (s *Sim) Unwire(ctx toolbox.Context, id, offset uint64) error {
	o, f, err := s.lookup(id, offset)
	if err != nil {
		return err
	}
	defer o.Unlock()
	if s.m.Info(f).WireCount == 0 {
		return errors.Newf("object %d offset %#x is not wired", id, offset)
	}
	s.m.Unwire(f, true)
	return nil
}

func (s *Sim) Activate(ctx toolbox.Context, id, offset uint64) error {
	o, f, err := s.lookup(id, offset)
	if err != nil {
		return err
	}
	defer o.Unlock()
	s.m.Activate(f)
	return nil
}

func (s *Sim) Deactivate(ctx toolbox.Context, id, offset uint64) error {
	o, f, err := s.lookup(id, offset)
	if err != nil {
		return err
	}
	defer o.Unlock()
	s.m.Deactivate(f, true)
	return nil
}

func (s *Sim) Speculate(ctx toolbox.Context, id, offset uint64) error {
	o, f, err := s.lookup(id, offset)
	if err != nil {
		return err
	}
	defer o.Unlock()
	s.m.Speculate(f, true)
	return nil
}

func (s *Sim) Touch(ctx toolbox.Context, id, offset uint64, dirty bool) error {
	o, f, err := s.lookup(id, offset)
	if err != nil {
		return err
	}
	defer o.Unlock()
	bits := Referenced
	if dirty {
		bits |= Modified
		s.m.SetDirty(f)
	}
	s.pmap.SetRefMod(s.m.PPN(f), bits)
	return nil
}

func (s *Sim) Rename(ctx toolbox.Context, id, offset, newID, newOffset uint64) error {
	src, err := s.object(id)
	if err != nil {
		return err
	}
	dst, err := s.object(newID)
	if err != nil {
		return err
	}
	// Lock in ID order so that concurrent renames cannot deadlock.
	first, second := src, dst
	if second.ID() < first.ID() {
		first, second = second, first
	}
	first.Lock()
	defer first.Unlock()
	if second != first {
		second.Lock()
		defer second.Unlock()
	}
	f := s.m.Lookup(src, offset)
	if f == NoFrame {
		return errors.Newf("no frame at object %d offset %#x", id, offset)
	}
	if s.m.Lookup(dst, newOffset) != NoFrame {
		return errors.Newf("object %d offset %#x already allocated", newID, newOffset)
	}
	s.m.Rename(f, dst, newOffset)
	return nil
}

func (s *Sim) AllocContig(ctx toolbox.Context, id uint64, n toolbox.Pages, alignMask uint64) error {
	if _, ok := s.contig[id]; ok {
		return errors.Newf("contiguous allocation %d already exists", id)
	}
	run, err := s.m.AllocContiguous(ctx.CPU, int(n), 0, alignMask, true, 0)
	if errors.Is(err, ErrNoSpace) {
		ctx.Failures++
		return nil
	} else if err != nil {
		return err
	}
	s.contig[id] = run
	ctx.Allocs += uint64(len(run))
	return nil
}

func (s *Sim) FreeContig(ctx toolbox.Context, id uint64) error {
	run, ok := s.contig[id]
	if !ok {
		return errors.Newf("no contiguous allocation %d", id)
	}
	delete(s.contig, id)
	s.m.FreeList(run)
	ctx.Frees += uint64(len(run))
	return nil
}

func (s *Sim) Age(ctx toolbox.Context) {
	s.m.AgeSpeculative()
}

func (s *Sim) Reclaim(ctx toolbox.Context, n toolbox.Pages) {
	s.m.Reclaim(ctx.CPU, int(n))
}

func (s *Sim) Sample(stats *simulation.Stats) {
	c := s.m.Counters()
	stats.TotalFrames = uint64(c.Total)
	stats.FreeFrames = uint64(c.Free)
	stats.ResidentFrames = uint64(c.Resident)
	stats.WiredFrames = uint64(c.Wired)
	for _, st := range simStats {
		stats.SetOther(st.name, uint64(st.get(&c)))
	}
}
