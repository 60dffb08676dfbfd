// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

// secludedEligibleLocked reports whether a deactivated frame should
// be cached in the secluded pool.
func (m *Manager) secludedEligibleLocked(d *desc) bool {
	return m.cfg.SecludedTarget > 0 &&
		d.has(flagSecludedOK) &&
		!d.has(flagInternal|flagDirty|flagPrecious) &&
		m.stats.secluded.get() < m.cfg.SecludedTarget
}

// GrabSecluded takes a frame from the secluded pool. Free frames
// are preferred; a cached frame is stolen from its owner only if it
// is clean, idle and unreferenced, and is reactivated otherwise.
func (m *Manager) GrabSecluded() (Frame, error) {
	f := m.grabSecluded()
	if f == NoFrame {
		return NoFrame, ErrNoMemory
	}
	m.grabbed(f, 0)
	return f, nil
}

func (m *Manager) grabSecluded() Frame {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	for tries := m.stats.secluded.get(); tries > 0; tries-- {
		f := m.table.qfirst(m.secluded, queueLinks)
		if f == NoFrame {
			break
		}
		d := m.table.desc(f)
		o := m.ownerOf(d)
		if o == nil {
			m.queuesRemoveLocked(f, d)
			return f
		}
		if !o.mu.TryLock() {
			m.activateLocked(f, d)
			continue
		}
		if d.wire > 0 || d.has(flagBusy|flagDirty|flagLaundry|flagPrecious) {
			m.activateLocked(f, d)
			o.mu.Unlock()
			continue
		}
		if rm := m.pmap.Disconnect(d.ppn); rm != 0 {
			if rm&Modified != 0 {
				d.set(flagDirty)
			}
			m.activateLocked(f, d)
			o.mu.Unlock()
			continue
		}
		m.queuesRemoveLocked(f, d)
		m.removeLocked(f, d, o)
		o.mu.Unlock()
		d.flags.Store(d.flags.Load() & staticFlags)
		return f
	}
	return NoFrame
}
