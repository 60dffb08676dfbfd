// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"math/bits"
	"sync"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

const (
	bucketsPerLock = 16

	// lookupScanMax is the resident count up to which Lookup walks
	// the object's own list instead of a hash chain.
	lookupScanMax = 10
)

// hashTable maps (object, offset) to frames. Chains are threaded
// through the descriptors' hnext fields.
type hashTable struct {
	heads     []Frame
	locks     []sync.Mutex
	mask      uint64
	mul       uint64
	pageShift uint8
}

func (h *hashTable) init(frames uint64, pageSize toolbox.Bytes) {
	n := uint64(bucketsPerLock)
	for n < frames {
		n <<= 1
	}
	h.heads = make([]Frame, n)
	h.locks = make([]sync.Mutex, n/bucketsPerLock)
	h.mask = n - 1
	log := uint(bits.Len64(n) - 1)
	h.mul = 1 << ((log + 1) / 2)
	h.mul |= h.mul >> 1
	h.mul |= 1
	h.pageShift = pageSize.Log2()
}

func (h *hashTable) bucket(id ObjectID, offset uint64) uint64 {
	return (uint64(id)*h.mul + ((offset >> h.pageShift) ^ h.mul)) & h.mask
}

func (h *hashTable) lock(b uint64) *sync.Mutex {
	return &h.locks[b/bucketsPerLock]
}

func (m *Manager) hashFind(b uint64, id ObjectID, offset uint64) Frame {
	for f := m.hash.heads[b]; f != NoFrame; {
		d := m.table.desc(f)
		if d.ownerID() == id && d.offset.Load() == offset {
			return f
		}
		f = d.hnext
	}
	return NoFrame
}

// insertLocked enters f at (o, offset). The caller holds o's lock.
func (m *Manager) insertLocked(f Frame, d *desc, o *Object, offset uint64) {
	if d.has(flagTabled) || d.ownerID() != NoObject {
		throwf("frame %d already tabled at object %d offset %#x", f, d.ownerID(), d.offset.Load())
	}
	b := m.hash.bucket(o.id, offset)
	l := m.hash.lock(b)
	l.Lock()
	if dup := m.hashFind(b, o.id, offset); dup != NoFrame {
		l.Unlock()
		throwf("object %d offset %#x already holds frame %d", o.id, offset, dup)
	}
	d.offset.Store(offset)
	d.owner.Store(uint32(o.id))
	d.hnext = m.hash.heads[b]
	m.hash.heads[b] = f
	d.set(flagTabled)
	l.Unlock()

	d.assign(flagInternal, o.internal)
	d.assign(flagSecludedOK, o.secludedOK)
	o.memqInsert(f, d)
	o.hint = f
	o.resident++
	if d.wire > 0 {
		o.wired++
	}
	m.stats.resident.inc()
}

// removeLocked takes f out of o. Queue membership is untouched.
// The caller holds o's lock.
func (m *Manager) removeLocked(f Frame, d *desc, o *Object) {
	if d.ownerID() != o.id || !d.has(flagTabled) {
		throwf("frame %d not tabled in object %d", f, o.id)
	}
	b := m.hash.bucket(o.id, d.offset.Load())
	l := m.hash.lock(b)
	l.Lock()
	link := &m.hash.heads[b]
	for *link != f {
		if *link == NoFrame {
			l.Unlock()
			throwf("frame %d missing from hash bucket %d", f, b)
		}
		link = &m.table.desc(*link).hnext
	}
	*link = d.hnext
	d.hnext = NoFrame
	d.owner.Store(uint32(NoObject))
	d.offset.Store(0)
	d.clear(flagTabled)
	l.Unlock()

	o.memqRemove(f, d)
	o.resident--
	if d.wire > 0 {
		o.wired--
	}
	if o.resident < 0 || o.wired < 0 {
		throwf("object %d: negative resident count", o.id)
	}
	m.stats.resident.dec("resident")
}

// Insert enters a frame that is on no queue at (o, offset).
// The caller holds o's lock.
func (m *Manager) Insert(f Frame, o *Object, offset uint64) {
	o.assertLocked()
	d := m.descOf(f)
	if s := d.getState(); s != NotOnQueue && s != Wired {
		throwf("inserting frame %d in state %v", f, s)
	}
	m.insertLocked(f, d, o, offset)
}

// InsertWired enters f at (o, offset) and wires it under tag.
// The caller holds o's lock.
func (m *Manager) InsertWired(f Frame, o *Object, offset uint64, tag Tag) {
	m.Insert(f, o, offset)
	m.Wire(f, tag)
}

// Remove takes f out of its object and off its reclaim queue.
// A wired frame stays wired. The caller holds the owner's lock.
func (m *Manager) Remove(f Frame) {
	d := m.descOf(f)
	o := m.ownerOf(d)
	if o == nil {
		throwf("removing untabled frame %d", f)
	}
	o.assertLocked()
	m.queueMu.Lock()
	if d.getState() != Wired {
		m.queuesRemoveLocked(f, d)
	}
	m.queueMu.Unlock()
	m.removeLocked(f, d, o)
}

// Lookup returns the frame at (o, offset), or NoFrame.
// The caller holds o's lock.
func (m *Manager) Lookup(o *Object, offset uint64) Frame {
	o.assertLocked()
	if h := o.hint; h != NoFrame {
		d := m.table.desc(h)
		if d.offset.Load() == offset {
			return h
		}
		for _, n := range [2]Frame{d.lnext, d.lprev} {
			if n != NoFrame && m.table.desc(n).offset.Load() == offset {
				o.hint = n
				return n
			}
		}
	}
	var f Frame
	if o.resident <= lookupScanMax {
		for f = o.memqHead; f != NoFrame; f = m.table.desc(f).lnext {
			if m.table.desc(f).offset.Load() == offset {
				break
			}
		}
	} else {
		b := m.hash.bucket(o.id, offset)
		l := m.hash.lock(b)
		l.Lock()
		f = m.hashFind(b, o.id, offset)
		l.Unlock()
	}
	if f != NoFrame {
		o.hint = f
	}
	return f
}

// Replace enters f at (o, offset), freeing whatever frame was
// there before. The caller holds o's lock.
func (m *Manager) Replace(f Frame, o *Object, offset uint64) {
	o.assertLocked()
	d := m.descOf(f)
	if s := d.getState(); s != NotOnQueue && s != Wired {
		throwf("replacing with frame %d in state %v", f, s)
	}
	m.replaceLocked(f, d, o, offset)
}

func (m *Manager) replaceLocked(f Frame, d *desc, o *Object, offset uint64) {
	b := m.hash.bucket(o.id, offset)
	l := m.hash.lock(b)
	l.Lock()
	old := m.hashFind(b, o.id, offset)
	l.Unlock()
	if old != NoFrame && old != f {
		od := m.table.desc(old)
		m.freePrepare(old, od)
		m.lockRelease()
		m.releaseLocked(old, od)
		m.unlockRelease()
	}
	if old != f {
		m.insertLocked(f, d, o, offset)
	}
}

// Rename moves f from its object to (o, offset). The caller holds
// the locks of both objects.
func (m *Manager) Rename(f Frame, o *Object, offset uint64) {
	d := m.descOf(f)
	old := m.ownerOf(d)
	if old == nil {
		throwf("renaming untabled frame %d", f)
	}
	old.assertLocked()
	o.assertLocked()

	requeue := false
	if d.has(flagInternal) != o.internal {
		m.queueMu.Lock()
		if d.getState().pageable() {
			m.queuesRemoveLocked(f, d)
			requeue = true
		}
		m.queueMu.Unlock()
	}
	m.removeLocked(f, d, old)
	m.insertLocked(f, d, o, offset)
	if requeue {
		m.queueMu.Lock()
		m.activateLocked(f, d)
		m.queueMu.Unlock()
	}
}

// Alloc grabs a frame and enters it at (o, offset). The frame is
// returned busy. The caller holds o's lock.
func (m *Manager) Alloc(cpu toolbox.CPU, o *Object, offset uint64, flags AllocFlags) (Frame, error) {
	o.assertLocked()
	f, err := m.Grab(cpu, flags)
	if err != nil {
		return NoFrame, err
	}
	m.insertLocked(f, m.table.desc(f), o, offset)
	return f, nil
}
