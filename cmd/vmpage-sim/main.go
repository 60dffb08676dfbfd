// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/mmap"
	"golang.org/x/exp/slog"

	"github.com/mknyszek/vmpage"
	"github.com/mknyszek/vmpage/cmd/internal/spinner"
	"github.com/mknyszek/vmpage/simulation"
	"github.com/mknyszek/vmpage/simulation/toolbox"
	"github.com/mknyszek/vmpage/simulation/toolbox/page"
	"github.com/mknyszek/vmpage/simulation/toolbox/physmem"
)

var (
	period     uint64
	outFile    string
	implFile   string
	jsonOut    bool
	regionsArg string
	pageSize   uint64
	cpus       int
	colors     int
	reserve    int
	secluded   int
	lopage     string
	backed     bool
	verbose    bool
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that replays a frame manager trace against the\n")
		fmt.Fprintf(flag.CommandLine.Output(), "resident page manager and generates memory statistics.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <frame-trace-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&outFile, "o", "./out.csv", "output file for the simulation data")
	flag.StringVar(&implFile, "oimpl", "./out-impl.csv", "output file for implementation-specific simulation data")
	flag.BoolVar(&jsonOut, "json", false, "write samples as JSON lines to -o instead of CSV, ignoring -oimpl")
	flag.Uint64Var(&period, "period", 2000000000, "the period in CPU ticks to capture stats")
	flag.StringVar(&regionsArg, "regions", "0x100:65536", "comma-separated physical regions as base-page:pages")
	flag.Uint64Var(&pageSize, "pagesize", 0, "size of each physical page in bytes, or 0 for the host page size")
	flag.IntVar(&cpus, "cpus", 8, "number of simulated CPUs")
	flag.IntVar(&colors, "colors", page.DefaultColors, "number of free list colors")
	flag.IntVar(&reserve, "reserve", page.DefaultFreeReserved, "frames reserved for privileged allocations")
	flag.IntVar(&secluded, "secluded", 0, "target size of the secluded pool")
	flag.StringVar(&lopage, "lopage", "", "low memory reserve as frames:max-page")
	flag.BoolVar(&backed, "backed", false, "back frames with host memory so relocation copies contents")
	flag.BoolVar(&verbose, "v", false, "log manager activity")
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, 64)
}

// parsePair parses "a:b" into two integers.
func parsePair(s string) (uint64, uint64, error) {
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, errors.Newf("%q: expected two values separated by ':'", s)
	}
	x, err := parseUint(a)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "%q", s)
	}
	y, err := parseUint(b)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "%q", s)
	}
	return x, y, nil
}

func parseLayout() (*toolbox.Layout, error) {
	var regions []toolbox.Region
	for _, f := range strings.Split(regionsArg, ",") {
		base, pages, err := parsePair(f)
		if err != nil {
			return nil, errors.Wrap(err, "-regions")
		}
		regions = append(regions, toolbox.Region{Base: toolbox.PPN(base), Pages: toolbox.Pages(pages)})
	}
	ps := toolbox.Bytes(pageSize)
	if ps == 0 {
		ps = physmem.HostPageSize()
	}
	return toolbox.NewLayout(ps, regions...)
}

func newSim(log *slog.Logger) (*page.Sim, func() error, error) {
	layout, err := parseLayout()
	if err != nil {
		return nil, nil, err
	}
	opts := []page.Option{
		page.WithCPUs(cpus),
		page.WithColors(colors),
		page.WithFreeReserved(reserve),
		page.WithSecludedTarget(secluded),
		page.WithLogger(log),
	}
	if lopage != "" {
		n, maxPPN, err := parsePair(lopage)
		if err != nil {
			return nil, nil, errors.Wrap(err, "-lopage")
		}
		opts = append(opts, page.WithLopage(int(n), maxPPN))
	}
	closeMem := func() error { return nil }
	if backed {
		mem, err := physmem.New(&toolbox.Layout{PageSize: layout.PageSize})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, page.WithMemory(mem))
		closeMem = mem.Close
	}
	s, err := page.NewSim(layout, opts...)
	if err != nil {
		closeMem()
		return nil, nil, err
	}
	return s, closeMem, nil
}

// sampler writes periodic samples of the simulation statistics.
type sampler struct {
	out, outImpl *bufio.Writer
}

func (s *sampler) header(stats *simulation.Stats) {
	if jsonOut {
		return
	}
	fmt.Fprintln(s.out, "Timestamp,Events,Allocs,Frees,Failures,TotalFrames,FreeFrames,ResidentFrames,WiredFrames")
	fmt.Fprintf(s.outImpl, "Timestamp")
	for _, name := range stats.OtherStats() {
		fmt.Fprintf(s.outImpl, ",%s", name)
	}
	fmt.Fprintln(s.outImpl)
}

func (s *sampler) sample(stats *simulation.Stats) error {
	if jsonOut {
		return stats.WriteJSON(s.out)
	}
	fmt.Fprintf(s.out, "%d,%d,%d,%d,%d,%d,%d,%d,%d\n", stats.Timestamp, stats.Events, stats.Allocs, stats.Frees, stats.Failures,
		stats.TotalFrames, stats.FreeFrames, stats.ResidentFrames, stats.WiredFrames)
	fmt.Fprintf(s.outImpl, "%d", stats.Timestamp)
	for _, name := range stats.OtherStats() {
		fmt.Fprintf(s.outImpl, ",%d", stats.GetOther(name))
	}
	fmt.Fprintln(s.outImpl)
	return nil
}

func (s *sampler) flush() error {
	return errors.CombineErrors(s.out.Flush(), s.outImpl.Flush())
}

func run() (err error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fm, closeMem, err := newSim(log)
	if err != nil {
		return errors.Wrap(err, "creating frame manager")
	}
	defer func() {
		err = errors.CombineErrors(err, closeMem())
	}()
	sim := toolbox.NewSimulator(fm)

	r, err := mmap.Open(flag.Arg(0))
	if err != nil {
		return errors.Wrap(err, "failed to map trace")
	}
	defer r.Close()
	fmt.Fprintln(os.Stderr, "Generating parser...")
	p, err := vmpage.NewParser(r)
	if err != nil {
		return errors.Wrap(err, "creating parser")
	}

	out, err := os.Create(outFile)
	if err != nil {
		return errors.Wrap(err, "creating simulation data file")
	}
	defer out.Close()
	implOut := io.Discard
	if !jsonOut {
		f, err := os.Create(implFile)
		if err != nil {
			return errors.Wrap(err, "creating impl-specific simulation data file")
		}
		defer f.Close()
		implOut = f
	}
	smp := &sampler{out: bufio.NewWriter(out), outImpl: bufio.NewWriter(implOut)}

	stats := simulation.NewStats()
	sim.RegisterStats(stats)
	smp.header(stats)

	var pMu sync.Mutex
	spin := spinner.Start(func() float64 {
		pMu.Lock()
		defer pMu.Unlock()
		return p.Progress()
	}, spinner.Format("Processing... %.4f%%"))
	defer spin.Stop()

	var ts uint64
	for {
		pMu.Lock()
		ev, err := p.Next()
		pMu.Unlock()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "parsing events")
		}
		sim.Process(ev, stats)
		if stats.Timestamp-ts > period {
			sim.Sample(stats)
			if err := smp.sample(stats); err != nil {
				return errors.Wrap(err, "writing sample")
			}
			ts = stats.Timestamp
		}
	}
	sim.Sample(stats)
	if err := smp.sample(stats); err != nil {
		return errors.Wrap(err, "writing sample")
	}
	spin.Stop()
	if err := smp.flush(); err != nil {
		return errors.Wrap(err, "writing simulation data")
	}

	errs, dropped := sim.Errors()
	if len(errs) != 0 {
		fmt.Fprintf(os.Stderr, "%d events rejected:\n", len(errs)+dropped)
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  %v\n", e)
		}
		if dropped != 0 {
			fmt.Fprintf(os.Stderr, "  ... and %d more\n", dropped)
		}
	}
	if err := fm.Manager().Validate(); err != nil {
		return errors.Wrap(err, "frame manager inconsistent after replay")
	}
	fmt.Printf("Events:   %d\n", stats.Events)
	fmt.Printf("Allocs:   %d\n", stats.Allocs)
	fmt.Printf("Frees:    %d\n", stats.Frees)
	fmt.Printf("Failures: %d\n", stats.Failures)
	fmt.Printf("Free:     %d of %d frames\n", stats.FreeFrames, stats.TotalFrames)
	return nil
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "error: incorrect number of arguments\n")
		flag.Usage()
		os.Exit(1)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}
