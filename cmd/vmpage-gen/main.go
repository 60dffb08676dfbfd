// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/mknyszek/vmpage"
)

var (
	outFile  = flag.String("o", "./trace.vmp", "output file for the generated trace")
	events   = flag.Int("n", 1000000, "number of events to generate")
	seed     = flag.Int64("seed", 1, "random seed")
	cpus     = flag.Int("cpus", 8, "number of CPUs events are spread over")
	pageSize = flag.Uint64("pagesize", 4096, "page size used for object offsets")
	maxRun   = flag.Int("maxrun", 16, "largest contiguous allocation in pages")
	reclaim  = flag.Bool("reclaim", true, "generate reclaim requests")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that generates a synthetic frame manager trace.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func run() error {
	if *cpus <= 0 || *maxRun <= 0 || *events < 0 {
		return errors.New("-cpus and -maxrun must be positive and -n non-negative")
	}
	f, err := os.Create(*outFile)
	if err != nil {
		return errors.Wrap(err, "creating trace file")
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	w, err := vmpage.NewWriter(bw)
	if err != nil {
		return err
	}
	weights := DefaultWeights
	if !*reclaim {
		weights.Reclaim = 0
	}
	g := newGenerator(*seed, *cpus, *pageSize, *maxRun, weights)
	if err := g.generate(w, *events); err != nil {
		return errors.Wrap(err, "generating events")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "flushing trace")
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "writing trace")
	}
	return f.Close()
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
