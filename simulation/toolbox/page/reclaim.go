// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"golang.org/x/exp/slog"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

// Reclaim tries to free up to target frames by stealing clean,
// unreferenced frames from the reclaim queues, oldest speculative
// frames first, then cleaned, then inactive external, then inactive
// internal. Referenced frames are reactivated and dirty ones sent to
// the laundry. It returns the number of frames freed.
func (m *Manager) Reclaim(cpu toolbox.CPU, target int) int {
	var freed []Frame
	m.queueMu.Lock()
	budget := m.stats.speculative.get() + m.stats.cleaned.get() +
		m.stats.inactiveExternal.get() + m.stats.inactiveInternal.get()
	for ; len(freed) < target && budget > 0; budget-- {
		f, q := m.reclaimVictimLocked()
		if f == NoFrame {
			break
		}
		d := m.table.desc(f)
		o := m.ownerOf(d)
		if !o.mu.TryLock() {
			m.rotateLocked(q, f)
			continue
		}
		if m.reclaimOneLocked(f, d, o, q) {
			freed = append(freed, f)
		}
		o.mu.Unlock()
	}
	m.queueMu.Unlock()

	m.releaseFrames(freed)
	m.log.Debug("reclaimed frames",
		slog.Int("cpu", int(cpu)),
		slog.Int("target", target),
		slog.Int("freed", len(freed)))
	return len(freed)
}

// reclaimOneLocked decides the fate of a victim whose owner is
// locked, and reports whether it was stripped and may be released.
func (m *Manager) reclaimOneLocked(f Frame, d *desc, o *Object, q pageQueue) bool {
	if d.has(flagBusy) {
		m.rotateLocked(q, f)
		return false
	}
	rm := m.pmap.RefMod(d.ppn)
	if rm&Referenced != 0 || d.has(flagReferenced) {
		m.pmap.ClearRefMod(d.ppn, Referenced)
		d.clear(flagReferenced)
		m.activateLocked(f, d)
		return false
	}
	if rm&Modified != 0 || d.has(flagDirty) || d.has(flagPrecious) {
		d.set(flagDirty)
		m.startPageoutLocked(f, d)
		return false
	}
	m.pmap.Disconnect(d.ppn)
	m.queuesRemoveLocked(f, d)
	m.removeLocked(f, d, o)
	m.pmap.ClearRefMod(d.ppn, Referenced|Modified)
	return true
}

func (m *Manager) reclaimVictimLocked() (Frame, pageQueue) {
	aged := m.spec.bands[specAged]
	if m.table.qempty(aged, queueLinks) && m.stats.speculative.get() > 0 {
		m.forceAgeLocked()
	}
	for _, q := range [...]pageQueue{aged, m.cleaned, m.inactiveExternal, m.inactiveInternal} {
		if f := m.table.qfirst(q, queueLinks); f != NoFrame {
			return f, q
		}
	}
	return NoFrame, 0
}

// rotateLocked moves f to the tail of q.
func (m *Manager) rotateLocked(q pageQueue, f Frame) {
	m.table.qremove(f, queueLinks)
	m.table.qinsertTail(q, f, queueLinks)
}
