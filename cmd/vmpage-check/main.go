// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/mmap"

	"github.com/mknyszek/vmpage"
	"github.com/mknyszek/vmpage/cmd/internal/spinner"
	"github.com/mknyszek/vmpage/simulation/toolbox"
)

var (
	printFlag = flag.Bool("print", false, "print events as they're seen")
	histFlag  = flag.Bool("hist", false, "print a histogram of contiguous runs live at the end of the trace")
)

const maxErrors = 20

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that sanity-checks frame manager traces\n")
		fmt.Fprintf(flag.CommandLine.Output(), "and prints some statistics.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <frame-trace-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func handleError(err error, usage bool) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if usage {
		flag.Usage()
	}
	os.Exit(1)
}

type frameKey struct {
	object, offset uint64
}

// checker tracks the state a well-formed trace implies and records
// events that contradict it.
type checker struct {
	objects toolbox.FrameSet
	frames  map[frameKey]int // wire count
	contig  map[uint64]uint64
	runs    *RunHist

	counts   [vmpage.EventReclaim + 1]uint64
	problems []string
	dropped  int
	minTicks uint64
	started  bool
}

func newChecker() *checker {
	return &checker{
		frames: make(map[frameKey]int),
		contig: make(map[uint64]uint64),
		runs:   NewRunHist(),
	}
}

func (c *checker) errorf(ev vmpage.Event, format string, args ...interface{}) {
	if len(c.problems) >= maxErrors {
		c.dropped++
		return
	}
	c.problems = append(c.problems, fmt.Sprintf("[%d CPU %d] %v: %s", ev.Timestamp-c.minTicks, ev.CPU, ev.Kind, fmt.Sprintf(format, args...)))
}

// frame returns the state of the frame ev names, reporting it if the
// frame does not exist.
func (c *checker) frame(ev vmpage.Event) (frameKey, bool) {
	k := frameKey{ev.Object, ev.Offset}
	if _, ok := c.frames[k]; !ok {
		c.errorf(ev, "no frame at object %d offset %#x", ev.Object, ev.Offset)
		return k, false
	}
	return k, true
}

func (c *checker) process(ev vmpage.Event) {
	if !c.started {
		c.minTicks = ev.Timestamp
		c.started = true
	}
	if int(ev.Kind) < len(c.counts) {
		c.counts[ev.Kind]++
	}
	if *printFlag {
		fmt.Printf("[%d CPU %d] %v obj=%d off=%#x\n", ev.Timestamp-c.minTicks, ev.CPU, ev.Kind, ev.Object, ev.Offset)
	}
	switch ev.Kind {
	case vmpage.EventObjectCreate:
		if !c.objects.Add(ev.Object) {
			c.errorf(ev, "object %d created twice", ev.Object)
		}
	case vmpage.EventObjectDestroy:
		if !c.objects.Remove(ev.Object) {
			c.errorf(ev, "destroying unknown object %d", ev.Object)
		}
		for k := range c.frames {
			if k.object == ev.Object {
				delete(c.frames, k)
			}
		}
	case vmpage.EventAlloc:
		if !c.objects.Has(ev.Object) {
			c.errorf(ev, "allocating in unknown object %d", ev.Object)
			return
		}
		k := frameKey{ev.Object, ev.Offset}
		if _, ok := c.frames[k]; ok {
			c.errorf(ev, "allocated over object %d offset %#x", ev.Object, ev.Offset)
			return
		}
		c.frames[k] = 0
	case vmpage.EventFree:
		if k, ok := c.frame(ev); ok {
			delete(c.frames, k)
		}
	case vmpage.EventWire:
		if k, ok := c.frame(ev); ok {
			c.frames[k]++
		}
	case vmpage.EventUnwire:
		if k, ok := c.frame(ev); ok {
			if c.frames[k] == 0 {
				c.errorf(ev, "unwiring unwired frame at object %d offset %#x", ev.Object, ev.Offset)
				return
			}
			c.frames[k]--
		}
	case vmpage.EventActivate, vmpage.EventDeactivate, vmpage.EventSpeculate, vmpage.EventTouch:
		c.frame(ev)
	case vmpage.EventRename:
		k, ok := c.frame(ev)
		if !ok {
			return
		}
		if !c.objects.Has(ev.NewObject) {
			c.errorf(ev, "renaming into unknown object %d", ev.NewObject)
			return
		}
		nk := frameKey{ev.NewObject, ev.NewOffset}
		if _, ok := c.frames[nk]; ok {
			c.errorf(ev, "renaming onto object %d offset %#x", ev.NewObject, ev.NewOffset)
			return
		}
		c.frames[nk] = c.frames[k]
		delete(c.frames, k)
	case vmpage.EventAllocContig:
		if ev.Pages == 0 {
			c.errorf(ev, "empty contiguous allocation %d", ev.Object)
			return
		}
		if _, ok := c.contig[ev.Object]; ok {
			c.errorf(ev, "contiguous allocation %d made twice", ev.Object)
			return
		}
		c.contig[ev.Object] = ev.Pages
		c.runs.Add(ev.Pages)
	case vmpage.EventFreeContig:
		pages, ok := c.contig[ev.Object]
		if !ok {
			c.errorf(ev, "freeing unknown contiguous allocation %d", ev.Object)
			return
		}
		delete(c.contig, ev.Object)
		c.runs.Sub(pages)
	case vmpage.EventAge, vmpage.EventReclaim:
	default:
		c.errorf(ev, "unexpected event kind")
	}
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		handleError(errors.New("incorrect number of arguments"), true)
	}
	r, err := mmap.Open(flag.Arg(0))
	if err != nil {
		handleError(errors.Wrap(err, "failed to map trace"), false)
	}
	defer r.Close()
	fmt.Println("Generating parser...")
	p, err := vmpage.NewParser(r)
	if err != nil {
		handleError(errors.Wrap(err, "creating parser"), false)
	}
	fmt.Println("Parsing events...")

	var pMu sync.Mutex
	spin := spinner.Start(func() float64 {
		pMu.Lock()
		defer pMu.Unlock()
		return p.Progress()
	}, spinner.Format("Processing... %.4f%%"))

	c := newChecker()
	for {
		pMu.Lock()
		ev, err := p.Next()
		pMu.Unlock()
		if err == io.EOF {
			break
		}
		if err != nil {
			spin.Stop()
			handleError(errors.Wrap(err, "parsing events"), false)
		}
		c.process(ev)
	}
	spin.Stop()

	if len(c.problems) != 0 {
		fmt.Fprintf(os.Stderr, "found %d errors in trace:\n", len(c.problems)+c.dropped)
		for _, p := range c.problems {
			fmt.Fprintf(os.Stderr, "  %s\n", p)
		}
		if c.dropped != 0 {
			fmt.Fprintf(os.Stderr, "too many errors\n")
		}
	}
	for k := vmpage.EventObjectCreate; int(k) < len(c.counts); k++ {
		fmt.Printf("%-15s %d\n", k.String()+":", c.counts[k])
	}
	fmt.Printf("%-15s %d\n", "live objects:", c.objects.Len())
	fmt.Printf("%-15s %d\n", "live frames:", len(c.frames))
	if *histFlag {
		fmt.Println("live contiguous runs (pages,count):")
		c.runs.ForEach(func(pages, count uint64) {
			fmt.Printf("%d,%d\n", pages, count)
		})
	}
	if len(c.problems) != 0 {
		os.Exit(1)
	}
}
