// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import "sync"

// ObjectID is a compact handle for an Object, stored in frame
// descriptors in place of a pointer.
type ObjectID uint32

// NoObject is the owner of frames that belong to no object.
const NoObject ObjectID = 0

// Volatility decides where a frame goes when its last wiring
// is dropped.
type Volatility uint8

const (
	Nonvolatile Volatility = iota // Reactivated.
	Volatile                      // Deactivated; contents may be discarded.
	Empty                         // Deactivated; contents already discarded.
)

// Object is an owner of resident frames: a logical container whose
// contents frames hold at byte offsets.
type Object struct {
	m        *Manager
	id       ObjectID
	internal bool

	mu sync.Mutex

	// Guarded by mu.
	volatility Volatility
	secludedOK bool
	memqHead   Frame
	memqTail   Frame
	hint       Frame
	resident   int
	wired      int
	destroyed  bool
}

// NewObject creates an object. Internal objects hold anonymous
// memory; the rest are backed by some external pager.
func (m *Manager) NewObject(internal bool) *Object {
	o := &Object{m: m, internal: internal}
	o.id = m.objects.add(o)
	return o
}

// Object returns the object with the given ID, or nil.
func (m *Manager) Object(id ObjectID) *Object {
	return m.objects.get(id)
}

// Owner returns the object f belongs to, or nil.
func (m *Manager) Owner(f Frame) *Object {
	return m.ownerOf(m.descOf(f))
}

func (m *Manager) ownerOf(d *desc) *Object {
	id := d.ownerID()
	if id == NoObject {
		return nil
	}
	o := m.objects.get(id)
	if o == nil {
		throwf("frame at ppn %#x owned by unknown object %d", d.ppn, id)
	}
	return o
}

func (o *Object) ID() ObjectID {
	return o.id
}

func (o *Object) Internal() bool {
	return o.internal
}

func (o *Object) Lock() {
	o.mu.Lock()
}

func (o *Object) Unlock() {
	o.mu.Unlock()
}

// assertLocked panics if o's lock is free. It cannot tell which
// goroutine holds the lock.
func (o *Object) assertLocked() {
	if o.mu.TryLock() {
		o.mu.Unlock()
		throwf("object %d: lock not held", o.id)
	}
	if o.destroyed {
		throwf("object %d: use after destroy", o.id)
	}
}

// ResidentCount returns the number of frames o holds.
// The caller must hold o's lock.
func (o *Object) ResidentCount() int {
	return o.resident
}

// WiredCount returns the number of o's frames that are wired.
// The caller must hold o's lock.
func (o *Object) WiredCount() int {
	return o.wired
}

// SetVolatility sets o's volatility class. The caller must hold o's lock.
func (o *Object) SetVolatility(v Volatility) {
	o.assertLocked()
	o.volatility = v
}

// Volatility returns o's volatility class. The caller must hold o's lock.
func (o *Object) Volatility() Volatility {
	return o.volatility
}

// SetSecludedEligible marks o's clean frames as candidates for
// the secluded pool. The caller must hold o's lock.
func (o *Object) SetSecludedEligible(ok bool) {
	o.assertLocked()
	o.secludedOK = ok && !o.internal
	for f := o.memqHead; f != NoFrame; f = o.m.table.desc(f).lnext {
		o.m.table.desc(f).assign(flagSecludedOK, o.secludedOK)
	}
}

// Frames returns o's frames in insertion order. The caller must
// hold o's lock.
func (o *Object) Frames() []Frame {
	o.assertLocked()
	frames := make([]Frame, 0, o.resident)
	for f := o.memqHead; f != NoFrame; f = o.m.table.desc(f).lnext {
		frames = append(frames, f)
	}
	return frames
}

// Destroy frees every frame o holds, wired or not, and forgets o.
// The caller must not hold o's lock.
func (o *Object) Destroy() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.m.FreeList(o.Frames())
	o.destroyed = true
	o.mu.Unlock()
	o.m.objects.remove(o.id)
}

func (o *Object) memqInsert(f Frame, d *desc) {
	d.lprev = o.memqTail
	d.lnext = NoFrame
	if o.memqTail != NoFrame {
		o.m.table.desc(o.memqTail).lnext = f
	} else {
		o.memqHead = f
	}
	o.memqTail = f
}

func (o *Object) memqRemove(f Frame, d *desc) {
	if d.lprev != NoFrame {
		o.m.table.desc(d.lprev).lnext = d.lnext
	} else {
		o.memqHead = d.lnext
	}
	if d.lnext != NoFrame {
		o.m.table.desc(d.lnext).lprev = d.lprev
	} else {
		o.memqTail = d.lprev
	}
	d.lnext, d.lprev = NoFrame, NoFrame
	if o.hint == f {
		o.hint = NoFrame
	}
}

// objectTable maps ObjectIDs to objects. IDs are recycled.
type objectTable struct {
	mu   sync.RWMutex
	objs []*Object
	free []ObjectID
}

func (t *objectTable) init() {
	t.objs = []*Object{nil}
}

func (t *objectTable) add(o *Object) ObjectID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.free); n > 0 {
		id := t.free[n-1]
		t.free = t.free[:n-1]
		t.objs[id] = o
		return id
	}
	if uint64(len(t.objs)) > uint64(^ObjectID(0)) {
		throwf("out of object IDs")
	}
	t.objs = append(t.objs, o)
	return ObjectID(len(t.objs) - 1)
}

func (t *objectTable) get(id ObjectID) *Object {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.objs) {
		return nil
	}
	return t.objs[id]
}

func (t *objectTable) remove(id ObjectID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objs[id] = nil
	t.free = append(t.free, id)
}

// all returns every live object in ID order.
func (t *objectTable) all() []*Object {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var objs []*Object
	for _, o := range t.objs {
		if o != nil {
			objs = append(objs, o)
		}
	}
	return objs
}
