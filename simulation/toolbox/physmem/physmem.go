// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package physmem provides stores for the contents of simulated
// physical page frames.
package physmem

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

// Memory stores the contents of physical pages.
//
// Implementations must be safe for concurrent use on distinct pages.
type Memory interface {
	// Bytes returns the contents of page p, or nil if the store
	// does not keep contents.
	Bytes(p toolbox.PPN) []byte

	// Zero clears the contents of page p.
	Zero(p toolbox.PPN)

	// Copy copies the contents of page src to page dst.
	Copy(dst, src toolbox.PPN)

	// AddRegion makes the pages of r addressable.
	AddRegion(r toolbox.Region) error
}

// Discard is a Memory that keeps no contents.
type Discard struct{}

func (Discard) Bytes(toolbox.PPN) []byte       { return nil }
func (Discard) Zero(toolbox.PPN)               {}
func (Discard) Copy(_, _ toolbox.PPN)          {}
func (Discard) AddRegion(toolbox.Region) error { return nil }

type mapping struct {
	region toolbox.Region
	data   []byte
}

// Mapped is a Memory backed by one anonymous mapping per region.
// Pages are committed by the host lazily on first touch, so large
// sparse layouts are cheap until used.
type Mapped struct {
	pageSize toolbox.Bytes

	mu       sync.RWMutex
	mappings []mapping
}

// New creates a Mapped store covering every region of layout.
func New(layout *toolbox.Layout) (*Mapped, error) {
	m := &Mapped{pageSize: layout.PageSize}
	for _, r := range layout.Regions {
		if err := m.AddRegion(r); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// AddRegion maps memory for the pages of r.
func (m *Mapped) AddRegion(r toolbox.Region) error {
	data, err := mapAnon(int(r.Pages.Bytes(m.pageSize)))
	if err != nil {
		return errors.Wrapf(err, "mapping region at page %#x", r.Base)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.mappings), func(i int) bool {
		return m.mappings[i].region.Base >= r.Base
	})
	m.mappings = append(m.mappings, mapping{})
	copy(m.mappings[i+1:], m.mappings[i:])
	m.mappings[i] = mapping{region: r, data: data}
	return nil
}

// Bytes returns the contents of page p. Panics if p was never
// added to the store.
func (m *Mapped) Bytes(p toolbox.PPN) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.mappings), func(i int) bool {
		return m.mappings[i].region.End() > p
	})
	if i == len(m.mappings) || !m.mappings[i].region.Contains(p) {
		panic(errors.AssertionFailedf("page %#x is not backed by any region", p))
	}
	mp := &m.mappings[i]
	off := uint64(p-mp.region.Base) * uint64(m.pageSize)
	return mp.data[off : off+uint64(m.pageSize) : off+uint64(m.pageSize)]
}

// Zero clears the contents of page p.
func (m *Mapped) Zero(p toolbox.PPN) {
	b := m.Bytes(p)
	for i := range b {
		b[i] = 0
	}
}

// Copy copies the contents of page src to page dst.
func (m *Mapped) Copy(dst, src toolbox.PPN) {
	copy(m.Bytes(dst), m.Bytes(src))
}

// Close releases every mapping. The store must not be used afterwards.
func (m *Mapped) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	for _, mp := range m.mappings {
		err = errors.CombineErrors(err, unmap(mp.data))
	}
	m.mappings = nil
	return err
}
