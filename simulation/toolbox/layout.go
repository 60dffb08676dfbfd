// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package toolbox

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// Region is a run of physically contiguous, usable page frames.
type Region struct {
	Base  PPN
	Pages Pages
}

// End returns the first page number past the region.
func (r Region) End() PPN {
	return r.Base + PPN(r.Pages)
}

// Contains reports whether p falls within the region.
func (r Region) Contains(p PPN) bool {
	return p >= r.Base && p < r.End()
}

// Layout describes the usable physical memory of a machine as a
// sorted, non-overlapping set of regions.
type Layout struct {
	PageSize Bytes
	Regions  []Region
}

// NewLayout creates a Layout from a set of regions, sorting them
// by base page number. Empty regions are dropped.
//
// Returns an error if the page size is not a power of two or any
// two regions overlap.
func NewLayout(pageSize Bytes, regions ...Region) (*Layout, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, errors.Newf("page size %d must be a power-of-two", pageSize)
	}
	l := &Layout{PageSize: pageSize}
	for _, r := range regions {
		if r.Pages != 0 {
			l.Regions = append(l.Regions, r)
		}
	}
	sort.Slice(l.Regions, func(i, j int) bool {
		return l.Regions[i].Base < l.Regions[j].Base
	})
	for i := 1; i < len(l.Regions); i++ {
		if l.Regions[i].Base < l.Regions[i-1].End() {
			return nil, errors.Newf("region at page %#x overlaps region at page %#x",
				l.Regions[i].Base, l.Regions[i-1].Base)
		}
	}
	return l, nil
}

// Pages returns the total number of pages across all regions.
func (l *Layout) Pages() Pages {
	var n Pages
	for _, r := range l.Regions {
		n += r.Pages
	}
	return n
}

// Top returns the first page number past the highest region.
func (l *Layout) Top() PPN {
	if len(l.Regions) == 0 {
		return 0
	}
	return l.Regions[len(l.Regions)-1].End()
}

// Find returns the index of the region containing p, or -1.
func (l *Layout) Find(p PPN) int {
	i := sort.Search(len(l.Regions), func(i int) bool {
		return l.Regions[i].End() > p
	})
	if i < len(l.Regions) && l.Regions[i].Contains(p) {
		return i
	}
	return -1
}

// Grow simulates discovering new memory above the current top of
// the layout: it appends a region of size bytes whose base is aligned
// to align, and returns it.
func (l *Layout) Grow(size, align Bytes) Region {
	base := l.Top().Address(l.PageSize).AlignUp(align)
	r := Region{
		Base:  base.PPN(l.PageSize),
		Pages: size.Pages(l.PageSize),
	}
	l.Regions = append(l.Regions, r)
	return r
}
