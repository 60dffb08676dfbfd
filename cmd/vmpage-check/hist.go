// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import "sort"

// RunHist counts live contiguous runs by length in pages.
type RunHist struct {
	small [512]uint64
	large map[uint64]uint64
}

func NewRunHist() *RunHist {
	return &RunHist{
		large: make(map[uint64]uint64),
	}
}

func (s *RunHist) Add(pages uint64) {
	if pages == 0 {
		return
	}
	if pages <= uint64(len(s.small)) {
		s.small[pages-1]++
		return
	}
	s.large[pages]++
}

func (s *RunHist) Sub(pages uint64) {
	if pages == 0 {
		return
	}
	if pages <= uint64(len(s.small)) {
		if s.small[pages-1] == 0 {
			panic("subtraction below zero")
		}
		s.small[pages-1]--
		return
	}
	switch val := s.large[pages]; val {
	case 0:
		panic("subtraction below zero")
	case 1:
		delete(s.large, pages)
	default:
		s.large[pages] = val - 1
	}
}

// ForEach calls f for every run length with a nonzero count, in
// increasing order of length.
func (s *RunHist) ForEach(f func(pages, count uint64)) {
	for i := range s.small {
		if s.small[i] != 0 {
			f(uint64(i+1), s.small[i])
		}
	}
	sizes := make([]uint64, 0, len(s.large))
	for size := range s.large {
		sizes = append(sizes, size)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	for _, size := range sizes {
		f(size, s.large[size])
	}
}
