// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import "math"

// Wire pins f against reclamation. The first wiring takes f off
// whatever queue it was on. The caller holds the owner's lock, if any.
func (m *Manager) Wire(f Frame, tag Tag) {
	d := m.descOf(f)
	o := m.ownerOf(d)
	if o != nil {
		o.assertLocked()
	}
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if isFree(d) {
		throwf("wiring free frame %d", f)
	}
	if d.wire == 0 {
		m.queuesRemoveLocked(f, d)
		if d.has(flagGobbled) {
			d.clear(flagGobbled)
			m.stats.gobbled.dec("gobbled")
		}
		d.setState(Wired)
		d.tag = tag
		m.stats.wired.inc()
		m.wiredByTag[tag]++
		if o != nil {
			o.wired++
		}
	}
	if d.wire == math.MaxUint16 {
		throwf("frame %d: wire count overflow", f)
	}
	d.wire++
}

// Unwire drops one wiring of f. When the last wiring goes and queue
// is set, an owned frame is reactivated, or deactivated if its owner
// is volatile. The caller holds the owner's lock, if any.
func (m *Manager) Unwire(f Frame, queue bool) {
	d := m.descOf(f)
	o := m.ownerOf(d)
	if o != nil {
		o.assertLocked()
	}
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if d.wire == 0 {
		throwf("unwiring unwired frame %d (state %v)", f, d.getState())
	}
	d.wire--
	if d.wire > 0 {
		return
	}
	d.setState(NotOnQueue)
	m.unwireAccountLocked(d, o)
	if !queue || o == nil {
		return
	}
	if o.volatility != Nonvolatile {
		m.deactivateLocked(f, d, false)
	} else {
		m.activateLocked(f, d)
	}
}

// unwireAccountLocked drops the wired accounting for d's last wiring.
func (m *Manager) unwireAccountLocked(d *desc, o *Object) {
	m.stats.wired.dec("wired")
	if m.wiredByTag[d.tag]--; m.wiredByTag[d.tag] == 0 {
		delete(m.wiredByTag, d.tag)
	}
	d.tag = TagNone
	if o != nil {
		o.wired--
	}
}
