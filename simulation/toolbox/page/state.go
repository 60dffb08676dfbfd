// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

// queueKind describes how to take a frame off the queue for one
// QueueState. Handlers run with the queue lock held.
type queueKind struct {
	remove func(m *Manager, f Frame, d *desc)
}

var queueKinds = [...]queueKind{
	NotOnQueue:       {removeNothing},
	Free:             {removeFree},
	FreeLocal:        {removeFree},
	FreeLopage:       {removeFree},
	Active:           {removeActive},
	InactiveInternal: {removeInactiveInternal},
	InactiveExternal: {removeInactiveExternal},
	InactiveCleaned:  {removeCleaned},
	Speculative:      {removeSpeculative},
	Throttled:        {removeThrottled},
	Secluded:         {removeSecluded},
	ActiveLocal:      {removeLocal},
	Wired:            {removeNothing},
	PageoutInFlight:  {removePageout},
	Compressor:       {removeCompressor},
}

// Every QueueState must have a handler.
var (
	_ [int(numQueueStates) - len(queueKinds)]struct{}
	_ [len(queueKinds) - int(numQueueStates)]struct{}
)

// queuesRemoveLocked takes f off whatever queue it is on and leaves
// it NotOnQueue. Free frames are never removed this way.
func (m *Manager) queuesRemoveLocked(f Frame, d *desc) {
	queueKinds[d.getState()].remove(m, f, d)
	d.setState(NotOnQueue)
}

func removeNothing(*Manager, Frame, *desc) {}

func removeFree(m *Manager, f Frame, d *desc) {
	throwf("frame %d: %v frame on a reclaim path", f, d.getState())
}

func removeActive(m *Manager, f Frame, d *desc) {
	m.table.qremove(f, queueLinks)
	m.stats.active.dec("active")
	m.pageableRemoved(f, d)
}

func removeInactiveInternal(m *Manager, f Frame, d *desc) {
	m.table.qremove(f, queueLinks)
	m.stats.inactiveInternal.dec("inactive internal")
	m.pageableRemoved(f, d)
}

func removeInactiveExternal(m *Manager, f Frame, d *desc) {
	m.table.qremove(f, queueLinks)
	m.stats.inactiveExternal.dec("inactive external")
	m.pageableRemoved(f, d)
}

func removeCleaned(m *Manager, f Frame, d *desc) {
	m.table.qremove(f, queueLinks)
	m.stats.cleaned.dec("cleaned")
	m.pageableRemoved(f, d)
}

func removeSpeculative(m *Manager, f Frame, d *desc) {
	m.table.qremove(f, queueLinks)
	m.stats.speculative.dec("speculative")
	m.pageableRemoved(f, d)
}

func removeThrottled(m *Manager, f Frame, d *desc) {
	m.table.qremove(f, queueLinks)
	m.stats.throttled.dec("throttled")
	m.pageableRemoved(f, d)
}

func removeSecluded(m *Manager, f Frame, d *desc) {
	m.table.qremove(f, queueLinks)
	m.stats.secluded.dec("secluded")
	if d.ownerID() == NoObject {
		m.stats.secludedFree.dec("secluded free")
		m.freeCount.Add(-1)
	}
}

func removeLocal(m *Manager, f Frame, d *desc) {
	lq := &m.locals[d.lcpu]
	lq.mu.Lock()
	m.table.qremove(f, queueLinks)
	lq.count--
	lq.mu.Unlock()
	m.stats.local.dec("local")
	d.lcpu = -1
}

func removePageout(m *Manager, f Frame, d *desc) {
	m.table.qremove(f, queueLinks)
	m.stats.pageout.dec("pageout")
	d.clear(flagLaundry)
}

func removeCompressor(m *Manager, f Frame, d *desc) {
	m.stats.compressor.dec("compressor")
}

// enqueueLocked puts a frame that is on no queue onto the queue for s.
func (m *Manager) enqueueLocked(f Frame, d *desc, s QueueState, head bool) {
	if cur := d.getState(); cur != NotOnQueue {
		throwf("frame %d: enqueue on %v while %v", f, s, cur)
	}
	var (
		q pageQueue
		c *counter
	)
	switch s {
	case Active:
		q, c = m.active, &m.stats.active
	case InactiveInternal:
		q, c = m.inactiveInternal, &m.stats.inactiveInternal
	case InactiveExternal:
		q, c = m.inactiveExternal, &m.stats.inactiveExternal
	case InactiveCleaned:
		q, c = m.cleaned, &m.stats.cleaned
	case Speculative:
		q, c = m.spec.bands[m.spec.current], &m.stats.speculative
	case Throttled:
		q, c = m.throttled, &m.stats.throttled
	case Secluded:
		q, c = m.secluded, &m.stats.secluded
	case PageoutInFlight:
		q, c = m.laundry, &m.stats.pageout
	case Compressor:
		m.stats.compressor.inc()
		d.setState(s)
		return
	default:
		throwf("frame %d: cannot enqueue on %v", f, s)
	}
	if head {
		m.table.qinsertHead(q, f, queueLinks)
	} else {
		m.table.qinsertTail(q, f, queueLinks)
	}
	c.inc()
	d.setState(s)
	if s.pageable() {
		m.pageableAdded(f, d)
	}
}

func (m *Manager) pageableAdded(f Frame, d *desc) {
	if d.has(flagInternal) {
		m.stats.internal.inc()
	} else {
		m.stats.external.inc()
	}
	m.specialAddLocked(f, d)
}

func (m *Manager) pageableRemoved(f Frame, d *desc) {
	if d.has(flagInternal) {
		m.stats.internal.dec("internal pageable")
	} else {
		m.stats.external.dec("external pageable")
	}
	m.specialRemoveLocked(f, d)
}

func (m *Manager) specialQueue(s SpecialQueue) (pageQueue, *counter) {
	if s == SpecialDonate {
		return m.donate, &m.stats.donate
	}
	return m.background, &m.stats.background
}

func (m *Manager) specialAddLocked(f Frame, d *desc) {
	if d.special == SpecialNone || d.snext != NoFrame {
		return
	}
	q, c := m.specialQueue(d.special)
	m.table.qinsertTail(q, f, specialLinks)
	c.inc()
}

func (m *Manager) specialRemoveLocked(f Frame, d *desc) {
	if d.snext == NoFrame {
		return
	}
	_, c := m.specialQueue(d.special)
	m.table.qremove(f, specialLinks)
	c.dec("special queue")
}

// SetSpecialQueue sets which special queue, if any, f is tracked on
// while it sits on a reclaim queue.
func (m *Manager) SetSpecialQueue(f Frame, s SpecialQueue) {
	d := m.descOf(f)
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	m.specialRemoveLocked(f, d)
	d.special = s
	if st := d.getState(); st.pageable() && st != ActiveLocal {
		m.specialAddLocked(f, d)
	}
}
