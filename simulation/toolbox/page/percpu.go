// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"sync"

	"golang.org/x/sys/cpu"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

// cpuCache is a per-CPU stack of free frames linked through next.
// Its frames still count as free.
type cpuCache struct {
	mu    sync.Mutex
	head  Frame
	count int
	_     cpu.CacheLinePad
}

func (m *Manager) cpuCache(id toolbox.CPU) *cpuCache {
	if id < 0 || int(id) >= len(m.cpus) {
		return nil
	}
	return &m.cpus[id]
}

func (c *cpuCache) push(t *frameTable, f Frame) {
	d := t.desc(f)
	d.next = c.head
	d.setState(FreeLocal)
	c.head = f
	c.count++
}

func (c *cpuCache) pop(t *frameTable) Frame {
	f := c.head
	if f == NoFrame {
		return NoFrame
	}
	d := t.desc(f)
	c.head = d.next
	d.next = NoFrame
	c.count--
	return f
}

// CachedFrames returns the number of frames cached for cpu.
func (m *Manager) CachedFrames(cpu toolbox.CPU) int {
	c := m.cpuCache(cpu)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// FlushCPU returns every frame cached for cpu to the colored lists.
func (m *Manager) FlushCPU(cpu toolbox.CPU) {
	c := m.cpuCache(cpu)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m.freeMu.Lock()
	defer m.freeMu.Unlock()
	n := 0
	for f := c.pop(&m.table); f != NoFrame; f = c.pop(&m.table) {
		n++
		d := m.table.desc(f)
		col := m.color(d)
		m.table.qinsertHead(m.colors[col], f, queueLinks)
		m.colorCount[col]++
		d.setState(Free)
		m.stats.cpuCached.dec("per-CPU free")
		m.stats.colorFree.inc()
	}
	for ; n > 0; n-- {
		if !m.wakeOneLocked(partColored, false) {
			break
		}
	}
}
