// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmpage

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/cockroachdb/errors"
)

// maxEventSize is an upper bound on the encoded size of any event,
// including its tick delta.
const maxEventSize = 1 + 6*binary.MaxVarintLen64

// Writer produces a frame manager trace readable by Parser.
//
// Events are buffered in per-CPU batches and a batch is written out
// once it is full. Events for a single CPU must be emitted in
// non-decreasing timestamp order.
type Writer struct {
	w       io.Writer
	batches map[int32]*batchWriter
	err     error
}

type batchWriter struct {
	buf       []byte
	syncTick  uint64
	lastTick  uint64
	hasEvents bool
}

// NewWriter creates a new Writer and writes the trace header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	header := [headerSize]byte{magic[0], magic[1]}
	binary.BigEndian.PutUint16(header[2:], supportedVersion)
	if _, err := w.Write(header[:]); err != nil {
		return nil, errors.Wrap(err, "writing header")
	}
	return &Writer{
		w:       w,
		batches: make(map[int32]*batchWriter),
	}, nil
}

// Emit appends an event to the trace.
func (w *Writer) Emit(ev Event) error {
	if w.err != nil {
		return w.err
	}
	b := w.batches[ev.CPU]
	if b == nil {
		b = &batchWriter{}
		w.batches[ev.CPU] = b
	}
	if b.hasEvents && ev.Timestamp < b.lastTick {
		return errors.Newf("CPU %d: event at tick %d precedes tick %d", ev.CPU, ev.Timestamp, b.lastTick)
	}
	if len(b.buf)+maxEventSize+1 > batchSize {
		if err := w.flush(ev.CPU, b); err != nil {
			return err
		}
	}
	if len(b.buf) == 0 {
		b.buf = append(b.buf, evBatchStart)
		b.buf = binary.AppendUvarint(b.buf, uint64(ev.CPU+1))
		b.buf = append(b.buf, evSync)
		b.buf = binary.AppendUvarint(b.buf, ev.Timestamp)
		b.syncTick = ev.Timestamp
	}
	buf := b.buf
	switch ev.Kind {
	case EventObjectCreate:
		if ev.Internal {
			buf = append(buf, evObjectCreateInternal)
		} else {
			buf = append(buf, evObjectCreate)
		}
		buf = binary.AppendUvarint(buf, ev.Object)
	case EventObjectDestroy:
		buf = append(buf, evObjectDestroy)
		buf = binary.AppendUvarint(buf, ev.Object)
	case EventAlloc, EventFree, EventWire, EventUnwire, EventActivate, EventDeactivate, EventSpeculate, EventTouch:
		op := frameEventOps[ev.Kind]
		if ev.Kind == EventTouch && ev.Dirty {
			op = evTouchDirty
		}
		buf = append(buf, op)
		buf = binary.AppendUvarint(buf, ev.Object)
		buf = binary.AppendUvarint(buf, ev.Offset)
	case EventRename:
		buf = append(buf, evRename)
		buf = binary.AppendUvarint(buf, ev.Object)
		buf = binary.AppendUvarint(buf, ev.Offset)
		buf = binary.AppendUvarint(buf, ev.NewObject)
		buf = binary.AppendUvarint(buf, ev.NewOffset)
	case EventAllocContig:
		buf = append(buf, evAllocContig)
		buf = binary.AppendUvarint(buf, ev.Object)
		buf = binary.AppendUvarint(buf, ev.Pages)
		buf = binary.AppendUvarint(buf, ev.AlignMask)
	case EventFreeContig:
		buf = append(buf, evFreeContig)
		buf = binary.AppendUvarint(buf, ev.Object)
	case EventAge:
		buf = append(buf, evAge)
	case EventReclaim:
		buf = append(buf, evReclaim)
		buf = binary.AppendUvarint(buf, ev.Pages)
	default:
		return errors.Newf("cannot encode event of kind %v", ev.Kind)
	}
	b.buf = binary.AppendUvarint(buf, ev.Timestamp-b.syncTick)
	b.lastTick = ev.Timestamp
	b.hasEvents = true
	return nil
}

var frameEventOps = map[EventKind]uint8{
	EventAlloc:      evAlloc,
	EventFree:       evFree,
	EventWire:       evWire,
	EventUnwire:     evUnwire,
	EventActivate:   evActivate,
	EventDeactivate: evDeactivate,
	EventSpeculate:  evSpeculate,
	EventTouch:      evTouch,
}

func (w *Writer) flush(cpu int32, b *batchWriter) error {
	if len(b.buf) == 0 {
		return nil
	}
	var page [batchSize]byte
	n := copy(page[:], b.buf)
	page[n] = evBatchEnd
	if _, err := w.w.Write(page[:]); err != nil {
		w.err = errors.Wrapf(err, "writing batch for CPU %d", cpu)
		return w.err
	}
	b.buf = b.buf[:0]
	return nil
}

// Close flushes every partially filled batch. The Writer must not
// be used after Close. Close does not close the underlying io.Writer.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}
	cpus := make([]int32, 0, len(w.batches))
	for cpu := range w.batches {
		cpus = append(cpus, cpu)
	}
	sort.Slice(cpus, func(i, j int) bool { return cpus[i] < cpus[j] })
	for _, cpu := range cpus {
		if err := w.flush(cpu, w.batches[cpu]); err != nil {
			return err
		}
	}
	w.err = errors.New("writer closed")
	return nil
}
