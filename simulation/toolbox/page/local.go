// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"sync"

	"golang.org/x/sys/cpu"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

// localQueue is a per-CPU active queue. Frames are batched here and
// moved to the global active queue in one splice.
type localQueue struct {
	mu    sync.Mutex
	q     pageQueue
	count int
	_     cpu.CacheLinePad
}

// ActivateLocal activates a frame that is on no queue through cpu's
// local active queue. The caller holds the owner's lock.
func (m *Manager) ActivateLocal(cpu toolbox.CPU, f Frame) {
	d := m.descOf(f)
	o := m.ownerOf(d)
	if o == nil {
		throwf("activate local: frame %d has no owner", f)
	}
	o.assertLocked()
	if cpu < 0 || int(cpu) >= len(m.locals) || d.getState() != NotOnQueue || d.wire > 0 || d.has(flagFictitious|flagPrivate) {
		m.Activate(f)
		return
	}
	lq := &m.locals[cpu]
	lq.mu.Lock()
	m.table.qinsertTail(lq.q, f, queueLinks)
	d.lcpu = int16(cpu)
	d.setState(ActiveLocal)
	lq.count++
	full := lq.count >= m.cfg.LocalQueueLimit
	lq.mu.Unlock()
	m.stats.local.inc()
	if full {
		m.DrainLocal(cpu)
	}
}

// DrainLocal moves every frame on cpu's local active queue to the
// global active queue.
func (m *Manager) DrainLocal(cpu toolbox.CPU) {
	if cpu < 0 || int(cpu) >= len(m.locals) {
		return
	}
	lq := &m.locals[cpu]
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	lq.mu.Lock()
	defer lq.mu.Unlock()
	for f := m.table.qfirst(lq.q, queueLinks); f != NoFrame; f = m.table.qnext(lq.q, f, queueLinks) {
		d := m.table.desc(f)
		d.lcpu = -1
		d.setState(Active)
		m.pageableAdded(f, d)
	}
	m.table.qsplice(m.active, lq.q, queueLinks)
	m.stats.active.Add(int64(lq.count))
	m.stats.local.Add(-int64(lq.count))
	lq.count = 0
}
