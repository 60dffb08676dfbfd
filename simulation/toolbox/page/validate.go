// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"github.com/cockroachdb/errors"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

// maxValidateErrors bounds the number of problems Validate reports.
const maxValidateErrors = 16

type validator struct {
	m    *Manager
	err  error
	n    int
	seen toolbox.FrameSet
}

func (v *validator) errorf(format string, args ...interface{}) {
	if v.n++; v.n <= maxValidateErrors {
		v.err = errors.CombineErrors(v.err, errors.Newf(format, args...))
	}
}

// walk checks that every frame on q is in state want, is on no other
// queue, and, unless count is negative, that q holds count frames.
// It returns the frames seen.
func (v *validator) walk(name string, q pageQueue, want QueueState, count int) []Frame {
	t := &v.m.table
	var frames []Frame
	for f := t.qfirst(q, queueLinks); f != NoFrame; f = t.qnext(q, f, queueLinks) {
		if !v.seen.Add(uint64(f)) {
			v.errorf("frame %d linked on %s and another queue", f, name)
		}
		if s := t.desc(f).getState(); s != want {
			v.errorf("frame %d on %s in state %v", f, name, s)
		}
		frames = append(frames, f)
	}
	if count >= 0 && len(frames) != count {
		v.errorf("%s: %d frames linked, counted %d", name, len(frames), count)
	}
	return frames
}

// Validate checks the manager's bookkeeping and returns an error
// describing any inconsistency found. It takes every lock, objects
// included, so it must not be called with any held, and should be
// called while the manager is otherwise quiescent.
func (m *Manager) Validate() error {
	objs := m.objects.all()
	for _, o := range objs {
		o.mu.Lock()
		defer o.mu.Unlock()
	}
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	for i := range m.locals {
		m.locals[i].mu.Lock()
		defer m.locals[i].mu.Unlock()
	}
	for i := range m.cpus {
		m.cpus[i].mu.Lock()
		defer m.cpus[i].mu.Unlock()
	}
	m.freeMu.Lock()
	defer m.freeMu.Unlock()
	for i := range m.hash.locks {
		m.hash.locks[i].Lock()
		defer m.hash.locks[i].Unlock()
	}

	v := &validator{m: m}
	m.validateQueues(v)
	m.validateFree(v)
	m.validateFrames(v)
	m.validateObjects(v, objs)
	return v.err
}

func (m *Manager) validateQueues(v *validator) {
	s := &m.stats
	v.walk("active", m.active, Active, s.active.get())
	v.walk("inactive internal", m.inactiveInternal, InactiveInternal, s.inactiveInternal.get())
	v.walk("inactive external", m.inactiveExternal, InactiveExternal, s.inactiveExternal.get())
	v.walk("cleaned", m.cleaned, InactiveCleaned, s.cleaned.get())
	v.walk("throttled", m.throttled, Throttled, s.throttled.get())
	v.walk("laundry", m.laundry, PageoutInFlight, s.pageout.get())

	spec := 0
	for _, q := range m.spec.bands {
		spec += len(v.walk("speculative", q, Speculative, -1))
	}
	if spec != s.speculative.get() {
		v.errorf("speculative: %d frames linked, counted %d", spec, s.speculative.get())
	}

	local := 0
	for i := range m.locals {
		lq := &m.locals[i]
		for _, f := range v.walk("local active", lq.q, ActiveLocal, lq.count) {
			if c := m.table.desc(f).lcpu; int(c) != i {
				v.errorf("frame %d on CPU %d local queue claims CPU %d", f, i, c)
			}
		}
		local += lq.count
	}
	if local != s.local.get() {
		v.errorf("local active: queues hold %d frames, counted %d", local, s.local.get())
	}

	for _, sq := range [...]struct {
		name string
		kind SpecialQueue
		q    pageQueue
		c    *counter
	}{
		{"donate", SpecialDonate, m.donate, &s.donate},
		{"background", SpecialBackground, m.background, &s.background},
	} {
		n := 0
		for f := m.table.qfirst(sq.q, specialLinks); f != NoFrame; f = m.table.qnext(sq.q, f, specialLinks) {
			d := m.table.desc(f)
			if d.special != sq.kind || !d.getState().pageable() {
				v.errorf("frame %d on %s queue with hint %d in state %v", f, sq.name, d.special, d.getState())
			}
			n++
		}
		if n != sq.c.get() {
			v.errorf("%s: %d frames linked, counted %d", sq.name, n, sq.c.get())
		}
	}
}

func (m *Manager) validateFree(v *validator) {
	s := &m.stats
	colored := 0
	for c, q := range m.colors {
		for _, f := range v.walk("free", q, Free, m.colorCount[c]) {
			if m.color(m.table.desc(f)) != c {
				v.errorf("frame %d on free list of color %d", f, c)
			}
		}
		colored += m.colorCount[c]
	}
	if colored != s.colorFree.get() {
		v.errorf("colored free lists hold %d frames, counted %d", colored, s.colorFree.get())
	}
	v.walk("lopage", m.lopage, FreeLopage, s.lopageFree.get())

	cached := 0
	for i := range m.cpus {
		c := &m.cpus[i]
		n := 0
		for f := c.head; f != NoFrame; f = m.table.desc(f).next {
			if !v.seen.Add(uint64(f)) {
				v.errorf("frame %d cached on CPU %d and linked elsewhere", f, i)
			}
			if st := m.table.desc(f).getState(); st != FreeLocal {
				v.errorf("frame %d cached on CPU %d in state %v", f, i, st)
			}
			n++
		}
		if n != c.count {
			v.errorf("CPU %d caches %d frames, counted %d", i, n, c.count)
		}
		cached += n
	}
	if cached != s.cpuCached.get() {
		v.errorf("per-CPU caches hold %d frames, counted %d", cached, s.cpuCached.get())
	}

	secludedFree := 0
	for _, f := range v.walk("secluded", m.secluded, Secluded, s.secluded.get()) {
		if m.table.desc(f).ownerID() == NoObject {
			secludedFree++
		}
	}
	if secludedFree != s.secludedFree.get() {
		v.errorf("secluded pool holds %d free frames, counted %d", secludedFree, s.secludedFree.get())
	}

	sum := colored + cached + s.lopageFree.get() + secludedFree
	if free := int(m.freeCount.Load()); sum != free {
		v.errorf("free partitions hold %d frames, free count is %d", sum, free)
	}
}

func (m *Manager) validateFrames(v *validator) {
	var resident, ownerless, wired, gobbled, compressor, internal, external int
	m.Frames(func(f Frame) bool {
		d := m.table.desc(f)
		s := d.getState()
		owner := d.ownerID()
		switch s {
		case NotOnQueue, Wired, Compressor:
			if v.seen.Has(uint64(f)) {
				v.errorf("frame %d in state %v is linked on a queue", f, s)
			}
		default:
			if !v.seen.Has(uint64(f)) {
				v.errorf("frame %d in state %v is not linked on its queue", f, s)
			}
		}
		if (d.wire > 0) != (s == Wired) {
			v.errorf("frame %d in state %v with wire count %d", f, s, d.wire)
		}
		if (owner != NoObject) != d.has(flagTabled) {
			v.errorf("frame %d: owner %d disagrees with tabled bit", f, owner)
		}
		if isFree(d) {
			if owner != NoObject || d.wire > 0 || d.has(flagGobbled) {
				v.errorf("free frame %d in use: owner %d wire %d", f, owner, d.wire)
			}
		} else if owner == NoObject {
			ownerless++
		} else {
			resident++
			if m.objects.get(owner) == nil {
				v.errorf("frame %d owned by unknown object %d", f, owner)
			}
			if m.hashFind(m.hash.bucket(owner, d.offset.Load()), owner, d.offset.Load()) != f {
				v.errorf("frame %d at object %d offset %#x missing from hash", f, owner, d.offset.Load())
			}
		}
		if s == Wired {
			wired++
		}
		if d.has(flagGobbled) {
			gobbled++
		}
		if s == Compressor {
			compressor++
		}
		if s.pageable() && s != ActiveLocal {
			if d.has(flagInternal) {
				internal++
			} else {
				external++
			}
		}
		return true
	})

	s := &m.stats
	for _, c := range [...]struct {
		name       string
		got, count int
	}{
		{"resident", resident, s.resident.get()},
		{"wired", wired, s.wired.get()},
		{"gobbled", gobbled, s.gobbled.get()},
		{"compressor", compressor, s.compressor.get()},
		{"internal pageable", internal, s.internal.get()},
		{"external pageable", external, s.external.get()},
	} {
		if c.got != c.count {
			v.errorf("%s: found %d frames, counted %d", c.name, c.got, c.count)
		}
	}
	if total, free := s.total.get(), int(m.freeCount.Load()); free+resident+ownerless != total {
		v.errorf("conservation: free %d + resident %d + ownerless %d != total %d", free, resident, ownerless, total)
	}

	hashed := 0
	for b, f := range m.hash.heads {
		for ; f != NoFrame; f = m.table.desc(f).hnext {
			d := m.table.desc(f)
			if !d.has(flagTabled) || m.hash.bucket(d.ownerID(), d.offset.Load()) != uint64(b) {
				v.errorf("frame %d in wrong hash bucket %d", f, b)
			}
			hashed++
		}
	}
	if hashed != resident {
		v.errorf("hash holds %d frames, %d resident", hashed, resident)
	}
}

func (m *Manager) validateObjects(v *validator, objs []*Object) {
	total := 0
	for _, o := range objs {
		n, wired := 0, 0
		for f := o.memqHead; f != NoFrame; f = m.table.desc(f).lnext {
			d := m.table.desc(f)
			if d.ownerID() != o.id {
				v.errorf("frame %d on object %d list owned by %d", f, o.id, d.ownerID())
			}
			if d.wire > 0 {
				wired++
			}
			n++
		}
		if n != o.resident || wired != o.wired {
			v.errorf("object %d: %d frames (%d wired), counted %d (%d wired)", o.id, n, wired, o.resident, o.wired)
		}
		if o.wired > o.resident {
			v.errorf("object %d: %d wired of %d resident", o.id, o.wired, o.resident)
		}
		total += n
	}
	if total != m.stats.resident.get() {
		v.errorf("objects hold %d frames, %d resident", total, m.stats.resident.get())
	}
}
