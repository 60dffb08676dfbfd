// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"github.com/mknyszek/vmpage/simulation/toolbox"
)

// AllocFlags modify how a frame is grabbed.
type AllocFlags uint8

const (
	// AllocPrivileged may dip into the reserve.
	AllocPrivileged AllocFlags = 1 << iota

	// AllocSecluded may fall back to the secluded pool.
	AllocSecluded

	// AllocLopage takes a frame from low physical memory.
	AllocLopage

	// AllocZero zeroes the frame's contents.
	AllocZero

	// AllocNoCache marks the frame as not worth caching.
	AllocNoCache
)

// releaseChunk bounds the number of frames released per hold of
// the free lock.
const releaseChunk = 64

// Grab takes a free frame. It never blocks: when no frame is
// available to the caller it returns ErrNoMemory. The frame is
// returned busy and on no queue.
func (m *Manager) Grab(cpu toolbox.CPU, flags AllocFlags) (Frame, error) {
	var f Frame
	if flags&AllocLopage != 0 {
		f = m.grabLopage(cpu)
	} else {
		f = m.grab(cpu, flags&AllocPrivileged != 0)
		if f == NoFrame && flags&AllocSecluded != 0 {
			f = m.grabSecluded()
		}
	}
	if f == NoFrame {
		return NoFrame, ErrNoMemory
	}
	m.grabbed(f, flags)
	return f, nil
}

func (m *Manager) grabbed(f Frame, flags AllocFlags) {
	d := m.table.desc(f)
	d.setState(NotOnQueue)
	d.set(flagBusy)
	if flags&AllocNoCache != 0 {
		d.set(flagNoCache)
	}
	if flags&AllocZero != 0 {
		m.mem.Zero(d.ppn)
	}
}

// WakeupDone clears the busy bit of f.
func (m *Manager) WakeupDone(f Frame) {
	m.descOf(f).clear(flagBusy)
}

func (m *Manager) grab(cpu toolbox.CPU, privileged bool) Frame {
	c := m.cpuCache(cpu)
	if c != nil && (privileged || m.freeCount.Load() > int64(m.cfg.FreeReserved)) && c.mu.TryLock() {
		f := c.pop(&m.table)
		if f != NoFrame {
			m.stats.cpuCached.dec("per-CPU free")
			m.freeCount.Add(-1)
		} else {
			f = m.grabSlow(c, privileged)
		}
		c.mu.Unlock()
		return f
	}
	return m.grabSlow(nil, privileged)
}

// grabSlow takes a frame from the colored lists, refilling c if
// it is non-nil. Unprivileged callers may not take the colored lists
// down to the reserve. The caller holds c's lock.
func (m *Manager) grabSlow(c *cpuCache, privileged bool) Frame {
	m.freeMu.Lock()
	defer m.freeMu.Unlock()
	if !privileged && !m.unprivilegedOKLocked() {
		return NoFrame
	}
	f := m.popColorLocked()
	if f == NoFrame {
		return NoFrame
	}
	m.freeCount.Add(-1)
	if c != nil {
		m.refillLocked(c)
	}
	return f
}

// popColorLocked removes a frame from the next non-empty color in
// rotation order.
func (m *Manager) popColorLocked() Frame {
	mask := len(m.colors) - 1
	for i := 0; i <= mask; i++ {
		c := (m.nextColor + i) & mask
		if m.colorCount[c] == 0 {
			continue
		}
		f := m.table.qfirst(m.colors[c], queueLinks)
		m.table.qremove(f, queueLinks)
		m.colorCount[c]--
		m.stats.colorFree.dec("free")
		m.nextColor = (c + 1) & mask
		return f
	}
	return NoFrame
}

func (m *Manager) color(d *desc) int {
	return int(uint64(d.ppn) & uint64(len(m.colors)-1))
}

// refillLocked moves up to RefillLimit frames to c, leaving at least
// the reserve on the colored lists for privileged callers.
func (m *Manager) refillLocked(c *cpuCache) {
	n := m.cfg.RefillLimit
	if avail := m.stats.colorFree.get() - m.cfg.FreeReserved; n > avail {
		n = avail
	}
	for ; n > 0; n-- {
		f := m.popColorLocked()
		c.push(&m.table, f)
		m.stats.cpuCached.inc()
	}
}

func (m *Manager) grabLopage(cpu toolbox.CPU) Frame {
	m.freeMu.Lock()
	if f := m.table.qfirst(m.lopage, queueLinks); f != NoFrame {
		m.table.qremove(f, queueLinks)
		m.stats.lopageFree.dec("lopage free")
		m.freeCount.Add(-1)
		m.freeMu.Unlock()
		return f
	}
	m.freeMu.Unlock()

	run, err := m.AllocContiguous(cpu, 1, toolbox.PPN(m.cfg.LopageMaxPPN), 0, false, ContigNoRelocate|ContigNoRetry)
	if err != nil {
		return NoFrame
	}
	d := m.table.desc(run[0])
	m.queueMu.Lock()
	d.clear(flagGobbled)
	m.stats.gobbled.dec("gobbled")
	m.queueMu.Unlock()
	return run[0]
}

// lockRelease takes the locks needed to call releaseLocked.
func (m *Manager) lockRelease() {
	if m.cfg.SecludedTarget > 0 {
		m.queueMu.Lock()
	}
	m.freeMu.Lock()
}

func (m *Manager) unlockRelease() {
	m.freeMu.Unlock()
	if m.cfg.SecludedTarget > 0 {
		m.queueMu.Unlock()
	}
}

// releaseLocked returns a prepared frame to a free partition and
// wakes at most one waiter.
func (m *Manager) releaseLocked(f Frame, d *desc) {
	d.flags.Store(d.flags.Load() & staticFlags)
	low := d.has(flagLopageOK)
	part := partColored
	switch {
	case low && m.stats.lopageFree.get() < m.cfg.LopageReserve:
		m.table.qinsertHead(m.lopage, f, queueLinks)
		d.setState(FreeLopage)
		m.stats.lopageFree.inc()
		part = partLopage
	case m.cfg.SecludedTarget > 0 && m.stats.secluded.get() < m.cfg.SecludedTarget:
		m.table.qinsertHead(m.secluded, f, queueLinks)
		d.setState(Secluded)
		m.stats.secluded.inc()
		m.stats.secludedFree.inc()
		part = partSecluded
	default:
		c := m.color(d)
		m.table.qinsertHead(m.colors[c], f, queueLinks)
		m.colorCount[c]++
		d.setState(Free)
		m.stats.colorFree.inc()
	}
	m.freeCount.Add(1)
	m.wakeOneLocked(part, low)
}

// isFree reports whether d sits in any free partition.
func isFree(d *desc) bool {
	s := d.getState()
	return s.IsFree() || (s == Secluded && d.ownerID() == NoObject)
}

// freePrepare strips f of its wirings, queue and owner. The caller
// holds the owner's lock, if any.
func (m *Manager) freePrepare(f Frame, d *desc) {
	if isFree(d) {
		throwf("freeing free frame %d (state %v)", f, d.getState())
	}
	o := m.ownerOf(d)
	if o != nil {
		o.assertLocked()
	}
	m.queueMu.Lock()
	if d.wire > 0 {
		m.unwireAccountLocked(d, o)
		d.wire = 0
	}
	m.queuesRemoveLocked(f, d)
	if d.has(flagGobbled) {
		d.clear(flagGobbled)
		m.stats.gobbled.dec("gobbled")
	}
	m.queueMu.Unlock()
	if o != nil {
		m.removeLocked(f, d, o)
	}
	m.pmap.ClearRefMod(d.ppn, Referenced|Modified)
}

// Free returns f to the free lists, first taking it off its queue,
// dropping its wirings and removing it from its object. The caller
// holds the owner's lock, if any.
func (m *Manager) Free(f Frame) {
	d := m.descOf(f)
	m.freePrepare(f, d)
	m.lockRelease()
	m.releaseLocked(f, d)
	m.unlockRelease()
}

// Release returns a frame that is on no queue, unowned and unwired
// to the free lists.
func (m *Manager) Release(f Frame) {
	d := m.descOf(f)
	if isFree(d) {
		throwf("releasing free frame %d (state %v)", f, d.getState())
	}
	if s := d.getState(); s != NotOnQueue || d.ownerID() != NoObject || d.has(flagGobbled) {
		throwf("releasing frame %d in use: state %v owner %d", f, s, d.ownerID())
	}
	m.lockRelease()
	m.releaseLocked(f, d)
	m.unlockRelease()
}

// FreeList frees every frame in frames, as Free does. The caller
// holds the lock of every owner involved.
func (m *Manager) FreeList(frames []Frame) {
	for _, f := range frames {
		m.freePrepare(f, m.descOf(f))
	}
	m.releaseFrames(frames)
}

// releaseFrames releases prepared frames in chunks.
func (m *Manager) releaseFrames(frames []Frame) {
	for len(frames) > 0 {
		n := len(frames)
		if n > releaseChunk {
			n = releaseChunk
		}
		m.lockRelease()
		for _, f := range frames[:n] {
			m.releaseLocked(f, m.table.desc(f))
		}
		m.unlockRelease()
		frames = frames[n:]
	}
}
