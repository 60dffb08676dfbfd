// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

// waitClass orders waiters for wakeup priority.
type waitClass uint8

const (
	waitPrivileged waitClass = iota
	waitSecluded
	waitNormal

	numWaitClasses
)

func (c waitClass) String() string {
	switch c {
	case waitPrivileged:
		return "privileged"
	case waitSecluded:
		return "secluded"
	}
	return "normal"
}

type waiter struct {
	ready chan struct{}
	flags AllocFlags
}

// waitQueue is a FIFO of waiters. Guarded by the free lock.
type waitQueue struct {
	list []*waiter
}

func (q *waitQueue) len() int {
	return len(q.list)
}

func (q *waitQueue) push(w *waiter) {
	q.list = append(q.list, w)
}

func (q *waitQueue) removeAt(i int) *waiter {
	w := q.list[i]
	copy(q.list[i:], q.list[i+1:])
	q.list[len(q.list)-1] = nil
	q.list = q.list[:len(q.list)-1]
	return w
}

func (q *waitQueue) remove(w *waiter) bool {
	for i, x := range q.list {
		if x == w {
			q.removeAt(i)
			return true
		}
	}
	return false
}

// freePartition names the free partition a released frame went to.
type freePartition uint8

const (
	partColored freePartition = iota
	partLopage
	partSecluded
)

// unprivilegedOKLocked reports whether an unprivileged grab may take
// from the colored lists. The reserve is held on the colored lists
// themselves, so frames in other partitions do not count toward it.
func (m *Manager) unprivilegedOKLocked() bool {
	r := int64(m.cfg.FreeReserved)
	return m.freeCount.Load() > r && int64(m.stats.colorFree.get()) > r
}

// canTakeLocked reports whether a grab with flags can draw a frame
// from p. low is set if the frame released to p is lopage-eligible.
func (m *Manager) canTakeLocked(flags AllocFlags, p freePartition, low bool) bool {
	lopage := flags&AllocLopage != 0
	switch p {
	case partLopage:
		return lopage
	case partSecluded:
		return !lopage && flags&AllocSecluded != 0
	}
	if lopage {
		return low && m.freeCount.Load() > int64(m.cfg.FreeReserved)
	}
	return flags&AllocPrivileged != 0 || m.unprivilegedOKLocked()
}

// wakeOneLocked wakes the first waiter, privileged first, then
// secluded, then normal, that can use a frame released to p. It
// reports whether a waiter was woken.
//
// Only one waiter is woken per released frame, so a steady stream
// of privileged waiters can starve the others.
func (m *Manager) wakeOneLocked(p freePartition, low bool) bool {
	for c := waitPrivileged; c < numWaitClasses; c++ {
		q := &m.waiters[c]
		for i, w := range q.list {
			if !m.canTakeLocked(w.flags, p, low) {
				continue
			}
			q.removeAt(i).ready <- struct{}{}
			m.log.Debug("woke frame waiter", slog.String("class", c.String()))
			return true
		}
	}
	return false
}

// wakeAnyLocked passes a wakeup on to a waiter that can use any
// nonempty free partition.
func (m *Manager) wakeAnyLocked() {
	if m.stats.colorFree.get() > 0 && m.wakeOneLocked(partColored, false) {
		return
	}
	if m.stats.lopageFree.get() > 0 && m.wakeOneLocked(partLopage, true) {
		return
	}
	if m.stats.secluded.get() > 0 {
		m.wakeOneLocked(partSecluded, false)
	}
}

// grabbableLocked reports whether a grab with flags might succeed
// without waiting.
func (m *Manager) grabbableLocked(flags AllocFlags) bool {
	if flags&AllocLopage != 0 {
		return m.stats.lopageFree.get() > 0
	}
	if flags&AllocSecluded != 0 && m.stats.secluded.get() > 0 {
		return true
	}
	if m.stats.colorFree.get() == 0 {
		return false
	}
	return flags&AllocPrivileged != 0 || m.unprivilegedOKLocked()
}

// GrabWait is Grab, but waits for a frame to be released instead of
// failing with ErrNoMemory. It returns early only if ctx is done.
func (m *Manager) GrabWait(ctx context.Context, cpu toolbox.CPU, flags AllocFlags) (Frame, error) {
	class := waitNormal
	switch {
	case flags&AllocPrivileged != 0:
		class = waitPrivileged
	case flags&AllocSecluded != 0:
		class = waitSecluded
	}
	for {
		f, err := m.Grab(cpu, flags)
		if !errors.Is(err, ErrNoMemory) {
			return f, err
		}
		w := &waiter{ready: make(chan struct{}, 1), flags: flags}
		m.freeMu.Lock()
		if m.grabbableLocked(flags) {
			m.freeMu.Unlock()
			continue
		}
		m.waiters[class].push(w)
		m.freeMu.Unlock()

		select {
		case <-w.ready:
		case <-ctx.Done():
			m.freeMu.Lock()
			if !m.waiters[class].remove(w) {
				// Woken concurrently; hand the wakeup on.
				m.wakeAnyLocked()
			}
			m.freeMu.Unlock()
			return NoFrame, ctx.Err()
		}
	}
}
