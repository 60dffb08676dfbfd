// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import "time"

// specAged is the band holding frames old enough to reclaim.
const specAged = 0

// specQueues is a ring of speculative age bands. New frames go to
// bands[current]; when the band has been open for an interval, the
// ring advances and the oldest band is spliced onto the aged band.
type specQueues struct {
	bands   []pageQueue
	current int
	start   time.Time
}

// Speculate places f on the speculative queue. A new, never
// referenced frame enters the current age band; any other frame
// goes straight to the aged band. Frames of internal objects are
// deactivated instead.
func (m *Manager) Speculate(f Frame, newPage bool) {
	d := m.descOf(f)
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if !m.checkQueueable(f, d, "speculate") {
		return
	}
	if d.has(flagInternal) {
		m.deactivateLocked(f, d, true)
		return
	}
	m.queuesRemoveLocked(f, d)
	m.ageSpeculativeLocked(m.now())
	if newPage {
		m.enqueueLocked(f, d, Speculative, false)
		return
	}
	m.table.qinsertTail(m.spec.bands[specAged], f, queueLinks)
	m.stats.speculative.inc()
	d.setState(Speculative)
	m.pageableAdded(f, d)
}

// AgeSpeculative advances the age bands to the current time.
func (m *Manager) AgeSpeculative() {
	m.queueMu.Lock()
	m.ageSpeculativeLocked(m.now())
	m.queueMu.Unlock()
}

func (m *Manager) ageSpeculativeLocked(now time.Time) {
	n := len(m.spec.bands) - 1
	interval := m.cfg.SpeculativeInterval
	for i := 0; i < n && now.Sub(m.spec.start) >= interval; i++ {
		m.spec.current = m.spec.current%n + 1
		m.table.qsplice(m.spec.bands[specAged], m.spec.bands[m.spec.current], queueLinks)
		m.spec.start = m.spec.start.Add(interval)
	}
	if now.Sub(m.spec.start) >= interval {
		m.spec.start = now
	}
}

// forceAgeLocked splices the oldest non-empty band onto the aged band.
func (m *Manager) forceAgeLocked() bool {
	n := len(m.spec.bands) - 1
	for i := 1; i <= n; i++ {
		b := m.spec.bands[(m.spec.current+i-1)%n+1]
		if !m.table.qempty(b, queueLinks) {
			m.table.qsplice(m.spec.bands[specAged], b, queueLinks)
			return true
		}
	}
	return false
}

// SpeculativeAged returns the number of frames on the aged band.
func (m *Manager) SpeculativeAged() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	n := 0
	q := m.spec.bands[specAged]
	for f := m.table.qfirst(q, queueLinks); f != NoFrame; f = m.table.qnext(q, f, queueLinks) {
		n++
	}
	return n
}
