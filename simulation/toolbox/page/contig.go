// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"runtime"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

// ContigFlags modify a contiguous allocation.
type ContigFlags uint8

const (
	// ContigNoRelocate accepts only frames that are already free.
	ContigNoRelocate ContigFlags = 1 << iota

	// ContigNoRetry gives up after one full scan.
	ContigNoRetry
)

const (
	// maxConsideredBeforeYield is the number of frames examined with
	// the locks held before the scan drops them and yields.
	maxConsideredBeforeYield = 1000

	maxContigRetries = 3
)

// yieldFn is called whenever the contiguous scan drops its locks.
var yieldFn = runtime.Gosched

// contigRun is an in-progress contiguous allocation. Frames are
// claimed one by one; until the whole run is claimed it can be
// unwound, returning every claimed frame to the free lists.
type contigRun struct {
	frames  []Frame
	claimed []bool
}

// AllocContiguous allocates n frames with consecutive physical page
// numbers, none above maxPPN (unless maxPPN is zero), the first of
// which is aligned to alignMask. Occupied frames in the chosen run
// are relocated. The frames are returned in increasing address
// order, wired under TagContig if wire is set and gobbled otherwise.
//
// On failure the free count is the same as before the call.
func (m *Manager) AllocContiguous(cpu toolbox.CPU, n int, maxPPN toolbox.PPN, alignMask uint64, wire bool, flags ContigFlags) ([]Frame, error) {
	if n <= 0 {
		return nil, errors.Wrapf(ErrInvalid, "contiguous allocation of %d frames", n)
	}
	for try := 0; ; try++ {
		run, err := m.findContiguous(cpu, n, maxPPN, alignMask, flags)
		if err == nil {
			m.commitContig(run, wire)
			return run, nil
		}
		if try == maxContigRetries || flags&ContigNoRetry != 0 || m.cfg.ReclaimHook == nil {
			m.log.Debug("contiguous allocation failed",
				slog.Int("pages", n),
				slog.Uint64("maxPPN", uint64(maxPPN)),
				slog.Int("tries", try+1))
			return nil, err
		}
		m.log.Debug("retrying contiguous allocation", slog.Int("pages", n), slog.Int("try", try+1))
		m.cfg.ReclaimHook()
	}
}

func (m *Manager) lockContig() {
	m.queueMu.Lock()
	m.freeMu.Lock()
}

func (m *Manager) unlockContig() {
	m.freeMu.Unlock()
	m.queueMu.Unlock()
}

// contigScan is the state of one wrap-around scan of the frame table.
type contigScan struct {
	n         int
	maxPPN    toolbox.PPN
	alignMask uint64
	flags     ContigFlags

	idx  Frame
	left int
}

type contigClass uint8

const (
	contigIneligible contigClass = iota
	contigFree
	contigOccupied
)

func (m *Manager) findContiguous(cpu toolbox.CPU, n int, maxPPN toolbox.PPN, alignMask uint64, flags ContigFlags) ([]Frame, error) {
	s := contigScan{n: n, maxPPN: maxPPN, alignMask: alignMask, flags: flags}
	m.lockContig()
	s.idx = m.contigNext
	s.left = int(m.table.len() - m.firstFrame)
	for {
		start, ok := m.scanLocked(&s)
		if !ok {
			m.unlockContig()
			return nil, ErrNoSpace
		}
		run := m.claimLocked(start, n)
		m.unlockContig()

		failed, err := m.relocateRun(cpu, run)
		if err == nil {
			return run.frames, nil
		}
		m.log.Debug("contiguous run unwound",
			slog.Uint64("ppn", uint64(m.table.desc(failed).ppn)),
			slog.String("err", err.Error()))
		m.unwindRun(run)

		m.lockContig()
		// Resume just past the frame that could not be moved.
		s.left += int(run.frames[n-1] - failed)
		s.idx = failed + 1
	}
}

// scanLocked advances s until it finds a run of s.n eligible frames
// or has examined every frame once. It returns the first frame of
// the run, leaving s.idx just past it. The queue and free locks are
// held, but are dropped and retaken periodically.
func (m *Manager) scanLocked(s *contigScan) (Frame, bool) {
	var (
		runStart   Frame
		npages     int
		free, subs int
		prevPPN    toolbox.PPN
		considered int
	)
	reset := func() {
		npages, free, subs = 0, 0, 0
	}
	end := m.table.len()
	for ; s.left > 0; s.left-- {
		if s.idx < m.firstFrame || s.idx >= end {
			s.idx = m.firstFrame
			reset()
		}
		d := m.table.desc(s.idx)
		class := m.classifyLocked(d, s)
		if class == contigIneligible {
			reset()
		} else {
			if npages > 0 && d.ppn != prevPPN+1 {
				reset()
			}
			if npages > 0 || d.ppn.Aligned(s.alignMask) {
				if npages == 0 {
					runStart = s.idx
				}
				npages++
				prevPPN = d.ppn
				if class == contigFree {
					free++
				} else {
					subs++
				}
				if int64(free+subs) > m.freeCount.Load()-int64(m.cfg.FreeReserved) {
					reset()
				} else if npages == s.n {
					s.idx++
					s.left--
					return runStart, true
				}
			}
		}
		s.idx++
		considered++
		if considered >= maxConsideredBeforeYield && npages <= 1 {
			m.unlockContig()
			yieldFn()
			m.lockContig()
			considered = 0
			end = m.table.len()
			reset()
		}
	}
	return NoFrame, false
}

func (m *Manager) classifyLocked(d *desc, s *contigScan) contigClass {
	if s.maxPPN != 0 && d.ppn > s.maxPPN {
		return contigIneligible
	}
	switch d.getState() {
	case Free, FreeLopage:
		return contigFree
	}
	if s.flags&ContigNoRelocate == 0 && m.relocatableLocked(d) {
		return contigOccupied
	}
	return contigIneligible
}

// relocatableLocked reports whether d's contents may be moved to
// another frame. Frames on per-CPU active queues are skipped since
// their lock is not held.
func (m *Manager) relocatableLocked(d *desc) bool {
	s := d.getState()
	return s.pageable() && s != ActiveLocal &&
		d.wire == 0 &&
		d.ownerID() != NoObject &&
		!d.has(flagBusy|flagGobbled|flagLaundry|flagFictitious|flagPrivate)
}

// claimLocked takes the free frames of the run [start, start+n) off
// the free lists.
func (m *Manager) claimLocked(start Frame, n int) *contigRun {
	run := &contigRun{
		frames:  make([]Frame, n),
		claimed: make([]bool, n),
	}
	for i := range run.frames {
		f := start + Frame(i)
		run.frames[i] = f
		run.claimed[i] = m.claimFreeLocked(f, m.table.desc(f))
	}
	m.contigNext = start + Frame(n)
	return run
}

// claimFreeLocked takes f off its free list if it is on one.
func (m *Manager) claimFreeLocked(f Frame, d *desc) bool {
	switch d.getState() {
	case Free:
		m.table.qremove(f, queueLinks)
		m.colorCount[m.color(d)]--
		m.stats.colorFree.dec("free")
	case FreeLopage:
		m.table.qremove(f, queueLinks)
		m.stats.lopageFree.dec("lopage free")
	default:
		return false
	}
	m.freeCount.Add(-1)
	d.setState(NotOnQueue)
	d.set(flagBusy)
	return true
}

// relocateRun moves the contents of every unclaimed frame of run
// elsewhere. On failure it returns the frame that could not be moved.
func (m *Manager) relocateRun(cpu toolbox.CPU, run *contigRun) (Frame, error) {
	for i, f := range run.frames {
		if run.claimed[i] {
			continue
		}
		if err := m.relocate(cpu, f); err != nil {
			return f, err
		}
		run.claimed[i] = true
	}
	return NoFrame, nil
}

// relocate copies f's contents to a fresh frame that takes f's place
// in its object and on its queue, leaving f claimed.
func (m *Manager) relocate(cpu toolbox.CPU, f Frame) error {
	d := m.table.desc(f)
	o := m.ownerOf(d)
	if o == nil {
		m.lockContig()
		defer m.unlockContig()
		if m.claimFreeLocked(f, d) {
			return nil
		}
		return errors.Wrapf(errRelocate, "frame %d: in use without owner", f)
	}
	if !o.mu.TryLock() {
		return errors.Wrapf(errRelocate, "frame %d: object %d locked", f, o.id)
	}
	defer o.mu.Unlock()
	if d.ownerID() != o.id {
		return errors.Wrapf(errRelocate, "frame %d: owner changed", f)
	}
	offset := d.offset.Load()

	m.queueMu.Lock()
	if !m.relocatableLocked(d) {
		m.queueMu.Unlock()
		return errors.Wrapf(errRelocate, "frame %d: no longer relocatable", f)
	}
	state := d.getState()
	m.queuesRemoveLocked(f, d)
	m.queueMu.Unlock()

	sub, err := m.Grab(cpu, 0)
	if err != nil {
		m.queueMu.Lock()
		m.requeueLocked(f, d, state)
		m.queueMu.Unlock()
		return errors.Wrapf(errRelocate, "frame %d: %v", f, err)
	}
	sd := m.table.desc(sub)

	rm := m.pmap.Disconnect(d.ppn)
	m.mem.Copy(sd.ppn, d.ppn)
	sd.assign(flagDirty, d.has(flagDirty) || rm&Modified != 0)
	sd.assign(flagReferenced, d.has(flagReferenced) || rm&Referenced != 0)
	for _, flag := range [...]uint32{flagPrecious, flagReusable, flagNoCache} {
		sd.assign(flag, d.has(flag))
	}
	sd.clear(flagBusy)

	m.removeLocked(f, d, o)
	m.replaceLocked(sub, sd, o, offset)

	m.queueMu.Lock()
	sd.special = d.special
	d.special = SpecialNone
	m.requeueLocked(sub, sd, state)
	m.queueMu.Unlock()

	d.flags.Store(d.flags.Load()&staticFlags | flagBusy)
	m.pmap.ClearRefMod(d.ppn, Referenced|Modified)
	return nil
}

// requeueLocked puts an unqueued frame back on a queue of kind s.
func (m *Manager) requeueLocked(f Frame, d *desc, s QueueState) {
	if s == ActiveLocal {
		s = Active
	}
	m.enqueueLocked(f, d, s, false)
}

// unwindRun returns every claimed frame of run to the free lists.
func (m *Manager) unwindRun(run *contigRun) {
	var frames []Frame
	for i, f := range run.frames {
		if run.claimed[i] {
			frames = append(frames, f)
		}
	}
	m.releaseFrames(frames)
}

func (m *Manager) commitContig(frames []Frame, wire bool) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	for _, f := range frames {
		d := m.table.desc(f)
		d.clear(flagBusy)
		if wire {
			d.wire = 1
			d.tag = TagContig
			d.setState(Wired)
			m.stats.wired.inc()
			m.wiredByTag[TagContig]++
		} else {
			d.set(flagGobbled)
			m.stats.gobbled.inc()
		}
	}
}
