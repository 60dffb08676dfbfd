// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package page implements a resident physical frame manager: the
// frame table, the (object, offset) reverse lookup table, colored
// free lists with per-CPU caches, the reclaim queue state machine,
// and a contiguous run allocator.
//
// Lock order, outermost first: object, queue, per-CPU active queue,
// per-CPU free cache, free, hash bucket. Operations that take an
// object argument require the caller to hold its lock.
package page

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/mknyszek/vmpage/simulation/toolbox"
	"github.com/mknyszek/vmpage/simulation/toolbox/physmem"
)

// initShard is the number of descriptors initialized per goroutine.
const initShard = 1 << 16

// Manager owns every frame of a physical memory layout.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	pmap     Pmap
	mem      physmem.Memory
	pageSize toolbox.Bytes

	table      frameTable
	firstFrame Frame

	growMu sync.Mutex
	layout *toolbox.Layout

	// Queue lock domain.
	queueMu          sync.Mutex
	active           pageQueue
	inactiveInternal pageQueue
	inactiveExternal pageQueue
	cleaned          pageQueue
	throttled        pageQueue
	secluded         pageQueue
	laundry          pageQueue
	donate           pageQueue
	background       pageQueue
	spec             specQueues
	wiredByTag       map[Tag]int
	contigNext       Frame

	// Free lock domain.
	freeMu     sync.Mutex
	colors     []pageQueue
	colorCount []int
	nextColor  int
	lopage     pageQueue
	waiters    [numWaitClasses]waitQueue

	cpus   []cpuCache
	locals []localQueue

	objects objectTable
	hash    hashTable

	freeCount atomic.Int64
	stats     counters
}

// New creates a Manager for layout and releases every frame to the
// free lists.
func New(layout *toolbox.Layout, opts ...Option) (*Manager, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Pmap == nil {
		cfg.Pmap = NewSoftPmap()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if ps := layout.PageSize; ps == 0 || ps&(ps-1) != 0 {
		return nil, errors.Wrapf(ErrInvalid, "page size %d", ps)
	}
	m := &Manager{
		cfg:        cfg,
		log:        cfg.Logger,
		pmap:       cfg.Pmap,
		mem:        cfg.Memory,
		pageSize:   layout.PageSize,
		layout:     &toolbox.Layout{PageSize: layout.PageSize},
		wiredByTag: make(map[Tag]int),
	}
	m.initQueues()
	m.hash.init(uint64(layout.Pages()), layout.PageSize)
	m.objects.init()

	m.growMu.Lock()
	defer m.growMu.Unlock()
	for _, r := range layout.Regions {
		if err := m.addRegionLocked(r); err != nil {
			return nil, err
		}
	}
	m.log.Info("frame manager initialized",
		slog.Int64("frames", m.stats.total.Load()),
		slog.Int64("free", m.freeCount.Load()),
		slog.Int("colors", cfg.Colors),
		slog.Int("cpus", cfg.CPUs))
	return m, nil
}

// initQueues allocates the sentinel descriptors at the start of the
// frame table. Frame 0 is NoFrame and is never used.
func (m *Manager) initQueues() {
	cfg := &m.cfg
	n := 1 + 9 + (cfg.SpeculativeBands + 1) + cfg.Colors + 1 + cfg.CPUs
	m.table.grow(n)
	next := Frame(1)
	alloc := func(sel linkSel) pageQueue {
		q := pageQueue(next)
		next++
		m.table.qinit(q, sel)
		return q
	}
	m.active = alloc(queueLinks)
	m.inactiveInternal = alloc(queueLinks)
	m.inactiveExternal = alloc(queueLinks)
	m.cleaned = alloc(queueLinks)
	m.throttled = alloc(queueLinks)
	m.secluded = alloc(queueLinks)
	m.laundry = alloc(queueLinks)
	m.donate = alloc(specialLinks)
	m.background = alloc(specialLinks)
	m.spec.bands = make([]pageQueue, cfg.SpeculativeBands+1)
	for i := range m.spec.bands {
		m.spec.bands[i] = alloc(queueLinks)
	}
	m.spec.current = 1
	m.spec.start = cfg.Now()
	m.colors = make([]pageQueue, cfg.Colors)
	m.colorCount = make([]int, cfg.Colors)
	for i := range m.colors {
		m.colors[i] = alloc(queueLinks)
	}
	m.lopage = alloc(queueLinks)
	m.cpus = make([]cpuCache, cfg.CPUs)
	m.locals = make([]localQueue, cfg.CPUs)
	for i := range m.locals {
		m.locals[i].q = alloc(queueLinks)
	}
	m.firstFrame = next
	m.table.publish(next)
	m.contigNext = next
}

// AddRegion hot-adds a region of memory. Its frames become
// allocatable before AddRegion returns.
func (m *Manager) AddRegion(r toolbox.Region) error {
	m.growMu.Lock()
	defer m.growMu.Unlock()
	if err := m.addRegionLocked(r); err != nil {
		return err
	}
	m.log.Info("hot-added memory",
		slog.Uint64("base", uint64(r.Base)),
		slog.Uint64("pages", uint64(r.Pages)))
	return nil
}

func (m *Manager) addRegionLocked(r toolbox.Region) error {
	if r.Pages == 0 {
		return nil
	}
	layout, err := toolbox.NewLayout(m.pageSize, append(append([]toolbox.Region(nil), m.layout.Regions...), r)...)
	if err != nil {
		return errors.Wrap(err, "adding region")
	}
	if err := m.mem.AddRegion(r); err != nil {
		return err
	}
	first := m.table.grow(int(r.Pages))
	var g errgroup.Group
	for lo := uint64(0); lo < uint64(r.Pages); lo += initShard {
		lo := lo
		hi := lo + initShard
		if hi > uint64(r.Pages) {
			hi = uint64(r.Pages)
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				d := m.table.desc(first + Frame(i))
				d.ppn = r.Base + toolbox.PPN(i)
				d.lcpu = -1
				if m.cfg.LopageReserve > 0 && uint64(d.ppn) <= m.cfg.LopageMaxPPN {
					d.set(flagLopageOK)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	end := first + Frame(r.Pages)
	m.table.publish(end)
	m.layout = layout
	m.stats.total.Add(int64(r.Pages))

	for f := first; f < end; {
		hi := f + releaseChunk
		if hi > end {
			hi = end
		}
		m.lockRelease()
		for ; f < hi; f++ {
			m.releaseLocked(f, m.table.desc(f))
		}
		m.unlockRelease()
	}
	return nil
}

// PageSize returns the size of each frame.
func (m *Manager) PageSize() toolbox.Bytes {
	return m.pageSize
}

// Layout returns a copy of the memory layout currently managed.
func (m *Manager) Layout() toolbox.Layout {
	m.growMu.Lock()
	defer m.growMu.Unlock()
	return toolbox.Layout{
		PageSize: m.layout.PageSize,
		Regions:  append([]toolbox.Region(nil), m.layout.Regions...),
	}
}

// FreeCount returns the number of free frames, including frames
// cached per CPU and held in the low memory reserve and secluded pool.
func (m *Manager) FreeCount() int {
	return int(m.freeCount.Load())
}

// Frames calls fn for every frame in the table, in physical
// address order within each region, until fn returns false.
func (m *Manager) Frames(fn func(Frame) bool) {
	end := m.table.len()
	for f := m.firstFrame; f < end; f++ {
		if !fn(f) {
			return
		}
	}
}

// Info returns a snapshot of f's descriptor.
func (m *Manager) Info(f Frame) FrameInfo {
	d := m.descOf(f)
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return FrameInfo{
		PPN:        d.ppn,
		Owner:      d.ownerID(),
		Offset:     d.offset.Load(),
		State:      d.getState(),
		WireCount:  int(d.wire),
		Busy:       d.has(flagBusy),
		Dirty:      d.has(flagDirty),
		Referenced: d.has(flagReferenced),
		Precious:   d.has(flagPrecious),
		Gobbled:    d.has(flagGobbled),
		Tabled:     d.has(flagTabled),
		Laundry:    d.has(flagLaundry),
		Internal:   d.has(flagInternal),
		Special:    d.special,
	}
}

// PPN returns the physical page number of f.
func (m *Manager) PPN(f Frame) toolbox.PPN {
	return m.descOf(f).ppn
}

// State returns the queue state of f.
func (m *Manager) State(f Frame) QueueState {
	return m.descOf(f).getState()
}

// descOf returns the descriptor of a real frame, rejecting sentinels
// and handles past the end of the table.
func (m *Manager) descOf(f Frame) *desc {
	if f < m.firstFrame || f >= m.table.len() {
		throwf("bad frame handle %d", f)
	}
	return m.table.desc(f)
}

func (m *Manager) now() time.Time {
	return m.cfg.Now()
}
