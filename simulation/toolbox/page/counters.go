// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import "sync/atomic"

type counter struct {
	atomic.Int64
}

func (c *counter) inc() {
	c.Add(1)
}

func (c *counter) dec(what string) {
	if c.Add(-1) < 0 {
		throwf("%s count went negative", what)
	}
}

func (c *counter) get() int {
	return int(c.Load())
}

type counters struct {
	total    counter
	resident counter
	wired    counter
	gobbled  counter

	colorFree    counter
	lopageFree   counter
	secludedFree counter
	cpuCached    counter

	active           counter
	inactiveInternal counter
	inactiveExternal counter
	cleaned          counter
	speculative      counter
	throttled        counter
	secluded         counter
	local            counter
	pageout          counter
	compressor       counter

	internal   counter
	external   counter
	donate     counter
	background counter
}

// Counters is a snapshot of the manager's frame counts. It is taken
// without stopping the world, so fields may disagree slightly while
// operations are in flight.
type Counters struct {
	Total    int
	Free     int
	Resident int
	Wired    int
	Gobbled  int

	FreeColored  int
	FreeLocal    int
	FreeLopage   int
	FreeSecluded int

	Active           int
	InactiveInternal int
	InactiveExternal int
	Cleaned          int
	Speculative      int
	Throttled        int
	Secluded         int
	Local            int
	Pageout          int
	Compressor       int

	// Internal and External count pageable frames by owner kind.
	Internal int
	External int

	Donate     int
	Background int

	Waiters int
}

// Counters returns a snapshot of the manager's counts.
func (m *Manager) Counters() Counters {
	s := &m.stats
	c := Counters{
		Total:            s.total.get(),
		Free:             int(m.freeCount.Load()),
		Resident:         s.resident.get(),
		Wired:            s.wired.get(),
		Gobbled:          s.gobbled.get(),
		FreeColored:      s.colorFree.get(),
		FreeLocal:        s.cpuCached.get(),
		FreeLopage:       s.lopageFree.get(),
		FreeSecluded:     s.secludedFree.get(),
		Active:           s.active.get(),
		InactiveInternal: s.inactiveInternal.get(),
		InactiveExternal: s.inactiveExternal.get(),
		Cleaned:          s.cleaned.get(),
		Speculative:      s.speculative.get(),
		Throttled:        s.throttled.get(),
		Secluded:         s.secluded.get(),
		Local:            s.local.get(),
		Pageout:          s.pageout.get(),
		Compressor:       s.compressor.get(),
		Internal:         s.internal.get(),
		External:         s.external.get(),
		Donate:           s.donate.get(),
		Background:       s.background.get(),
	}
	m.freeMu.Lock()
	for i := range m.waiters {
		c.Waiters += m.waiters[i].len()
	}
	m.freeMu.Unlock()
	return c
}

// WiredByTag returns the number of frames wired under tag.
func (m *Manager) WiredByTag(tag Tag) int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return m.wiredByTag[tag]
}
