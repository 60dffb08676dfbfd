// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

// pageQueue is a circular doubly-linked list of frames whose head is a
// sentinel descriptor in the frame table. An empty queue's sentinel
// points at itself.
type pageQueue Frame

// linkSel picks which pair of link fields a list threads through.
type linkSel uint8

const (
	queueLinks   linkSel = iota // next, prev
	specialLinks                // snext, sprev
)

func (d *desc) links(sel linkSel) (next, prev *Frame) {
	if sel == specialLinks {
		return &d.snext, &d.sprev
	}
	return &d.next, &d.prev
}

func (t *frameTable) qinit(q pageQueue, sel linkSel) {
	next, prev := t.desc(Frame(q)).links(sel)
	*next, *prev = Frame(q), Frame(q)
}

func (t *frameTable) qempty(q pageQueue, sel linkSel) bool {
	next, _ := t.desc(Frame(q)).links(sel)
	return *next == Frame(q)
}

// qfirst returns the frame at the head of q, or NoFrame.
func (t *frameTable) qfirst(q pageQueue, sel linkSel) Frame {
	next, _ := t.desc(Frame(q)).links(sel)
	if *next == Frame(q) {
		return NoFrame
	}
	return *next
}

// qnext returns the frame after f in q, or NoFrame at the end.
func (t *frameTable) qnext(q pageQueue, f Frame, sel linkSel) Frame {
	next, _ := t.desc(f).links(sel)
	if *next == Frame(q) {
		return NoFrame
	}
	return *next
}

func (t *frameTable) qinsertAfter(at, f Frame, sel linkSel) {
	fnext, fprev := t.desc(f).links(sel)
	if *fnext != NoFrame || *fprev != NoFrame {
		throwf("frame %d already on a list", f)
	}
	atNext, _ := t.desc(at).links(sel)
	after := *atNext
	_, afterPrev := t.desc(after).links(sel)
	*fnext, *fprev = after, at
	*atNext = f
	*afterPrev = f
}

func (t *frameTable) qinsertHead(q pageQueue, f Frame, sel linkSel) {
	t.qinsertAfter(Frame(q), f, sel)
}

func (t *frameTable) qinsertTail(q pageQueue, f Frame, sel linkSel) {
	_, prev := t.desc(Frame(q)).links(sel)
	t.qinsertAfter(*prev, f, sel)
}

func (t *frameTable) qremove(f Frame, sel linkSel) {
	fnext, fprev := t.desc(f).links(sel)
	if *fnext == NoFrame || *fprev == NoFrame {
		throwf("frame %d not on a list", f)
	}
	_, nextPrev := t.desc(*fnext).links(sel)
	prevNext, _ := t.desc(*fprev).links(sel)
	*nextPrev = *fprev
	*prevNext = *fnext
	*fnext, *fprev = NoFrame, NoFrame
}

// qsplice moves every frame on src to the tail of dst, leaving src
// empty. It touches only the four boundary descriptors.
func (t *frameTable) qsplice(dst, src pageQueue, sel linkSel) {
	if t.qempty(src, sel) {
		return
	}
	srcNext, srcPrev := t.desc(Frame(src)).links(sel)
	first, last := *srcNext, *srcPrev

	_, dstPrev := t.desc(Frame(dst)).links(sel)
	tail := *dstPrev
	tailNext, _ := t.desc(tail).links(sel)
	_, firstPrev := t.desc(first).links(sel)
	lastNext, _ := t.desc(last).links(sel)

	*tailNext = first
	*firstPrev = tail
	*lastNext = Frame(dst)
	*dstPrev = last

	*srcNext, *srcPrev = Frame(src), Frame(src)
}
