// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmpage

import (
	"io"
	"runtime"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const batchSize = 32 << 10

// Parser contains the frame manager trace parsing
// state.
type Parser struct {
	src          Source
	index        [][]batchOffset
	batches      []batchReader
	totalBatches uint64
}

// Source is a frame manager trace source.
type Source interface {
	io.ReaderAt

	// Len returns the size of the trace in bytes.
	Len() int
}

type batchOffset struct {
	startTicks uint64
	fileOffset int64
	headerSize int
}

const (
	evBad uint8 = iota
	evBatchStart
	evBatchEnd
	evSync
	evObjectCreate
	evObjectCreateInternal
	evObjectDestroy
	evAlloc
	evFree
	evWire
	evUnwire
	evActivate
	evDeactivate
	evSpeculate
	evTouch
	evTouchDirty
	evRename
	evAllocContig
	evFreeContig
	evAge
	evReclaim
)

func parseVarint(buf []byte) (int, uint64, error) {
	result := uint64(0)
	shift := uint(0)
	i := 0
loop:
	if i >= len(buf) {
		return 0, 0, errors.New("not enough bytes left to decode varint")
	}
	result |= uint64(buf[i]&0x7f) << shift
	if buf[i]&(1<<7) == 0 {
		return i + 1, result, nil
	}
	shift += 7
	i++
	if shift >= 64 {
		return 0, 0, errors.New("varint too long")
	}
	goto loop
}

// parseBatchHeader parses the header of a batch, returning the
// encoded CPU ID (CPU+1), the batch's starting tick, and the size
// of the header in bytes.
func parseBatchHeader(buf []byte) (int32, uint64, int, error) {
	idx := 0
	if buf[idx] != evBatchStart {
		return 0, 0, 0, errors.New("expected batch start event")
	}
	idx++

	n, pid, err := parseVarint(buf[idx:])
	if err != nil {
		return 0, 0, 0, err
	}
	idx += n

	if idx >= len(buf) || buf[idx] != evSync {
		return 0, 0, 0, errors.New("expected sync event")
	}
	idx++

	n, ticks, err := parseVarint(buf[idx:])
	if err != nil {
		return 0, 0, 0, err
	}
	idx += n
	return int32(pid), ticks, idx, nil
}

const headerSize = 4

var magic = [2]byte{'V', 'P'}

const supportedVersion uint16 = (uint16(1) << 8) | 0

func parseHeader(r Source) (uint16, error) {
	var header [headerSize]byte
	n, err := r.ReadAt(header[:], 0)
	if n != headerSize {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	if header[0] != magic[0] || header[1] != magic[1] {
		return 0, errors.New("bad magic")
	}
	version := uint16(header[2])<<8 | uint16(header[3])
	return version, nil
}

// NewParser creates and initializes new Parser given a Source.
//
// Initialization involves indexing and ordering every batch in the
// trace by CPU and starting tick, which may be computationally
// expensive, so it is spread across GOMAXPROCS goroutines.
//
// NewParser may fail if initialization, which involves parsing
// every batch header, fails.
func NewParser(r Source) (*Parser, error) {
	// Check some basic properties, like the size and the header.
	if r.Len()%batchSize != headerSize {
		return nil, errors.Newf("bad format: file must be a multiple of %d bytes plus header", batchSize)
	}
	version, err := parseHeader(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse header")
	}
	if version != supportedVersion {
		return nil, errors.Newf("unsupported version %#x", version)
	}

	// Figure out how to break up the initialization phase.
	numBatches := (r.Len() - headerSize) / batchSize
	shards := runtime.GOMAXPROCS(-1)
	if shards > numBatches {
		shards = 1
	}
	batchesPerShard := (numBatches + shards - 1) / shards

	// Build up a per-shard index.
	perShardIndex := make([][][]batchOffset, shards)
	var eg errgroup.Group
	for i := 0; i < shards; i++ {
		i := i
		eg.Go(func() error {
			const bufSize = 24
			var buf [bufSize]byte

			// Generate the index for this shard.
			var index [][]batchOffset
			start := int64(batchesPerShard * i)
			end := int64(batchesPerShard * (i + 1))
			if end > int64(numBatches) {
				end = int64(numBatches)
			}
			for idx := start*batchSize + headerSize; idx < end*batchSize+headerSize; idx += batchSize {
				n, err := r.ReadAt(buf[:], idx)
				if n < bufSize {
					return errors.Wrapf(shortRead(err), "reading batch at offset %d", idx)
				}
				pid, ticks, hdr, err := parseBatchHeader(buf[:])
				if err != nil {
					return errors.Wrapf(err, "batch at offset %d", idx)
				}
				if int(pid) >= len(index) {
					index = append(index, make([][]batchOffset, int(pid)-len(index)+1)...)
				}
				index[pid] = append(index[pid], batchOffset{
					startTicks: ticks,
					fileOffset: idx,
					headerSize: hdr,
				})
			}
			// For each CPU, sort the batches in the index.
			for pid := range index {
				sort.SliceStable(index[pid], func(i, j int) bool {
					return index[pid][i].startTicks < index[pid][j].startTicks
				})
			}
			perShardIndex[i] = index
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// Count the maximum number of CPUs we need to account for.
	maxP := 0
	for i := range perShardIndex {
		if ps := len(perShardIndex[i]); ps > maxP {
			maxP = ps
		}
	}

	// Count up how many batches there are for each CPU.
	perPidBatches := make([]int, maxP)
	for pid := range perPidBatches {
		for i := 0; i < shards; i++ {
			if pid < len(perShardIndex[i]) {
				perPidBatches[pid] += len(perShardIndex[i][pid])
			}
		}
	}

	// Merge the per-shard indicies into one index, parallelizing
	// across CPUs.
	index := make([][]batchOffset, maxP)
	pidChan := make(chan int, shards)
	var wg sync.WaitGroup
	for i := 0; i < shards; i++ {
		go func() {
			for pid := range pidChan {
				for len(index[pid]) < perPidBatches[pid] {
					minBatch := batchOffset{startTicks: ^uint64(0)}
					minShard := -1
					for i := 0; i < shards; i++ {
						if pid < len(perShardIndex[i]) && len(perShardIndex[i][pid]) > 0 && perShardIndex[i][pid][0].startTicks < minBatch.startTicks {
							minBatch = perShardIndex[i][pid][0]
							minShard = i
						}
					}
					perShardIndex[minShard][pid] = perShardIndex[minShard][pid][1:]
					index[pid] = append(index[pid], minBatch)
				}
				wg.Done()
			}
		}()
	}
	for pid := range index {
		if perPidBatches[pid] != 0 {
			wg.Add(1)
			pidChan <- pid
		}
	}
	wg.Wait()
	close(pidChan)

	p := &Parser{
		src:          r,
		index:        index,
		batches:      make([]batchReader, maxP),
		totalBatches: uint64(numBatches),
	}
	for pid := range index {
		p.batches[pid].next = doneEvent
		if err := p.refill(pid); err != nil {
			return nil, errors.Wrap(err, "initializing parser")
		}
	}
	return p, nil
}

// shortRead returns the error to report for a short read, which
// io.ReaderAt permits to return a nil error at the end of input.
func shortRead(err error) error {
	if err == nil || err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

var doneEvent = Event{Timestamp: ^uint64(0)}
var errStreamEnd = errors.New("stream end")

type batchReader struct {
	next     Event
	syncTick uint64
	readBuf  []byte
	batchBuf [batchSize]byte
}

func (b *batchReader) varint(size *int, what string) (uint64, error) {
	n, v, err := parseVarint(b.readBuf[*size:])
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", what)
	}
	*size += n
	return v, nil
}

func (b *batchReader) nextEvent() error {
	if len(b.readBuf) == 0 {
		return errStreamEnd
	}
	haveEvent := false
	b.next = Event{}
	for !haveEvent {
		size := 1
		var err error
		ev := &b.next
		switch evKind := b.readBuf[0]; evKind {
		case evSync:
			var ticks uint64
			if ticks, err = b.varint(&size, "sync event timestamp"); err != nil {
				return err
			}
			b.syncTick = ticks
			b.readBuf = b.readBuf[size:]
			continue
		case evBatchEnd:
			b.readBuf = nil
			return errStreamEnd
		case evBatchStart:
			return errors.New("unexpected header found")
		case evObjectCreateInternal:
			ev.Internal = true
			fallthrough
		case evObjectCreate:
			ev.Kind = EventObjectCreate
			ev.Object, err = b.varint(&size, "object id")
		case evObjectDestroy:
			ev.Kind = EventObjectDestroy
			ev.Object, err = b.varint(&size, "object id")
		case evTouchDirty:
			ev.Dirty = true
			fallthrough
		case evAlloc, evFree, evWire, evUnwire, evActivate, evDeactivate, evSpeculate, evTouch:
			ev.Kind = frameEventKinds[evKind]
			if ev.Object, err = b.varint(&size, "object id"); err != nil {
				return err
			}
			ev.Offset, err = b.varint(&size, "offset")
		case evRename:
			ev.Kind = EventRename
			if ev.Object, err = b.varint(&size, "object id"); err != nil {
				return err
			}
			if ev.Offset, err = b.varint(&size, "offset"); err != nil {
				return err
			}
			if ev.NewObject, err = b.varint(&size, "new object id"); err != nil {
				return err
			}
			ev.NewOffset, err = b.varint(&size, "new offset")
		case evAllocContig:
			ev.Kind = EventAllocContig
			if ev.Object, err = b.varint(&size, "allocation id"); err != nil {
				return err
			}
			if ev.Pages, err = b.varint(&size, "page count"); err != nil {
				return err
			}
			ev.AlignMask, err = b.varint(&size, "alignment mask")
		case evFreeContig:
			ev.Kind = EventFreeContig
			ev.Object, err = b.varint(&size, "allocation id")
		case evAge:
			ev.Kind = EventAge
		case evReclaim:
			ev.Kind = EventReclaim
			ev.Pages, err = b.varint(&size, "page count")
		default:
			return errors.Newf("unknown event type %d", evKind)
		}
		if err != nil {
			return err
		}
		tickDelta, err := b.varint(&size, "tick delta")
		if err != nil {
			return err
		}
		ev.Timestamp = b.syncTick + tickDelta
		haveEvent = true
		b.readBuf = b.readBuf[size:]
	}
	return nil
}

var frameEventKinds = map[uint8]EventKind{
	evAlloc:      EventAlloc,
	evFree:       EventFree,
	evWire:       EventWire,
	evUnwire:     EventUnwire,
	evActivate:   EventActivate,
	evDeactivate: EventDeactivate,
	evSpeculate:  EventSpeculate,
	evTouch:      EventTouch,
	evTouchDirty: EventTouch,
}

func (p *Parser) peek(pid int) uint64 {
	return p.batches[pid].next.Timestamp
}

func (p *Parser) refill(pid int) error {
	br := &p.batches[pid]
	for {
		// If we're out of batches, just mark
		// this CPU as done.
		if len(p.index[pid]) == 0 {
			br.next = doneEvent
			return nil
		}
		// Grab the next batch for this CPU.
		bo := p.index[pid][0]
		p.index[pid] = p.index[pid][1:]

		// Read in the batch.
		n, err := p.src.ReadAt(br.batchBuf[:], bo.fileOffset)
		if n != len(br.batchBuf) {
			return errors.Wrapf(shortRead(err), "reading batch at offset %d", bo.fileOffset)
		}

		// Skip the header, and set the sync event tick for this
		// batch, which was present in the header.
		br.readBuf = br.batchBuf[bo.headerSize:]
		br.syncTick = bo.startTicks

		// Read the next event. Empty batches are skipped.
		err = br.nextEvent()
		if err == nil {
			return nil
		}
		if err != errStreamEnd {
			return errors.Wrapf(err, "refill: CPU %d", pid-1)
		}
	}
}

func (p *Parser) next(pid int) (Event, error) {
	// Grab the current event first.
	ev := p.batches[pid].next
	ev.CPU = int32(pid) - 1

	// Get the next event.
	if err := p.batches[pid].nextEvent(); err != nil && err != errStreamEnd {
		return Event{}, errors.Wrapf(err, "CPU %d", pid-1)
	} else if err == errStreamEnd {
		// We've run out of things to parse for this CPU! Refill.
		if err := p.refill(pid); err != nil {
			return Event{}, err
		}
	}
	return ev, nil
}

// Progress returns a float64 value between 0 and 1 indicating the
// approximate progress of parsing through the file.
func (p *Parser) Progress() float64 {
	if p.totalBatches == 0 {
		return 1
	}
	left := uint64(0)
	for _, perPBatches := range p.index {
		left += uint64(len(perPBatches))
	}
	return float64(p.totalBatches-left) / float64(p.totalBatches)
}

// Next returns the next event in the trace, or an error
// if the parser failed to parse the next event out of the trace.
//
// Returns io.EOF once every event has been returned.
func (p *Parser) Next() (Event, error) {
	// Compute which CPU has the next event.
	minPid := -1
	minTick := ^uint64(0)
	for pid := range p.batches {
		if t := p.peek(pid); t < minTick {
			minTick = t
			minPid = pid
		}
	}

	// If there's no such event, signal that we're done.
	if minPid < 0 {
		return Event{}, io.EOF
	}

	// Return the event, and compute the next.
	return p.next(minPid)
}
