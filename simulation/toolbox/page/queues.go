// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

// checkQueueable panics if f is free or unowned, and reports whether
// f may move between reclaim queues at all.
func (m *Manager) checkQueueable(f Frame, d *desc, op string) bool {
	if isFree(d) {
		throwf("%s: frame %d is free", op, f)
	}
	s := d.getState()
	if d.wire > 0 || s == Wired || s == PageoutInFlight || s == Compressor {
		return false
	}
	if d.has(flagFictitious | flagPrivate) {
		return false
	}
	if d.ownerID() == NoObject {
		throwf("%s: frame %d has no owner", op, f)
	}
	return true
}

// Activate moves f to the active queue. Wired frames and frames
// being laundered are left alone.
func (m *Manager) Activate(f Frame) {
	d := m.descOf(f)
	m.queueMu.Lock()
	m.activateLocked(f, d)
	m.queueMu.Unlock()
}

func (m *Manager) activateLocked(f Frame, d *desc) {
	if !m.checkQueueable(f, d, "activate") || d.getState() == Active {
		return
	}
	m.queuesRemoveLocked(f, d)
	if !m.cfg.DynamicPaging && d.has(flagInternal) && d.has(flagDirty) {
		m.enqueueLocked(f, d, Throttled, false)
		return
	}
	m.enqueueLocked(f, d, Active, false)
}

// Deactivate moves f to the inactive queue for its owner's kind,
// clearing its reference bit if clearRef is set.
func (m *Manager) Deactivate(f Frame, clearRef bool) {
	d := m.descOf(f)
	m.queueMu.Lock()
	m.deactivateLocked(f, d, clearRef)
	m.queueMu.Unlock()
}

func (m *Manager) deactivateLocked(f Frame, d *desc, clearRef bool) {
	if !m.checkQueueable(f, d, "deactivate") {
		return
	}
	if clearRef {
		m.pmap.ClearRefMod(d.ppn, Referenced)
		d.clear(flagReferenced)
	}
	s := d.getState()
	if s == InactiveInternal || s == InactiveExternal {
		return
	}
	internal := d.has(flagInternal)
	if s == Throttled && !m.cfg.DynamicPaging && internal {
		return
	}
	m.queuesRemoveLocked(f, d)
	switch {
	case !m.cfg.DynamicPaging && internal:
		m.enqueueLocked(f, d, Throttled, false)
	case m.secludedEligibleLocked(d):
		m.enqueueLocked(f, d, Secluded, false)
	case internal:
		m.enqueueLocked(f, d, InactiveInternal, d.has(flagReusable))
	default:
		m.enqueueLocked(f, d, InactiveExternal, d.has(flagReusable))
	}
}

// MarkCleaned moves a clean frame to the cleaned queue, from which
// it is reclaimed ahead of other inactive frames.
func (m *Manager) MarkCleaned(f Frame) {
	d := m.descOf(f)
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if !m.checkQueueable(f, d, "clean") {
		return
	}
	d.clear(flagDirty)
	m.pmap.ClearRefMod(d.ppn, Modified)
	m.queuesRemoveLocked(f, d)
	m.enqueueLocked(f, d, InactiveCleaned, false)
}

// SetReusable marks f's contents as not worth keeping, so that it is
// deactivated to the head of the inactive queue.
func (m *Manager) SetReusable(f Frame, reusable bool) {
	m.descOf(f).assign(flagReusable, reusable)
}

// SetDirty marks f as modified.
func (m *Manager) SetDirty(f Frame) {
	m.descOf(f).set(flagDirty)
}

// SetPrecious marks f as holding the only copy of its data.
func (m *Manager) SetPrecious(f Frame, precious bool) {
	m.descOf(f).assign(flagPrecious, precious)
}

// StartPageout moves f onto the laundry queue.
func (m *Manager) StartPageout(f Frame) {
	d := m.descOf(f)
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if !m.checkQueueable(f, d, "pageout") {
		throwf("pageout: frame %d is %v", f, d.getState())
	}
	m.startPageoutLocked(f, d)
}

func (m *Manager) startPageoutLocked(f Frame, d *desc) {
	m.queuesRemoveLocked(f, d)
	d.set(flagLaundry)
	m.enqueueLocked(f, d, PageoutInFlight, false)
}

// EndPageout takes f off the laundry queue. A successfully cleaned
// frame goes to the cleaned queue, otherwise f is reactivated.
func (m *Manager) EndPageout(f Frame, cleaned bool) {
	d := m.descOf(f)
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if s := d.getState(); s != PageoutInFlight {
		throwf("end pageout: frame %d is %v", f, s)
	}
	m.queuesRemoveLocked(f, d)
	if cleaned {
		d.clear(flagDirty)
		m.pmap.ClearRefMod(d.ppn, Modified)
		m.enqueueLocked(f, d, InactiveCleaned, false)
		return
	}
	m.activateLocked(f, d)
}

// SetCompressor hands an unqueued frame to the compressor.
func (m *Manager) SetCompressor(f Frame) {
	d := m.descOf(f)
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if s := d.getState(); s != NotOnQueue || d.wire > 0 {
		throwf("compressor: frame %d is %v", f, s)
	}
	m.enqueueLocked(f, d, Compressor, false)
}
