// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"sync"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

// RefMod is a set of hardware reference and modify bits.
type RefMod uint8

const (
	Referenced RefMod = 1 << iota
	Modified
)

// Pmap is the hardware mapping layer as seen by the frame manager.
// Implementations must be safe for concurrent use, and every method
// must be idempotent.
type Pmap interface {
	// RefMod returns the reference and modify bits for p.
	RefMod(p toolbox.PPN) RefMod

	// ClearRefMod clears the bits in mask for p.
	ClearRefMod(p toolbox.PPN, mask RefMod)

	// Disconnect removes every mapping of p and returns the bits as
	// they stood before the call. The bits themselves are retained.
	Disconnect(p toolbox.PPN) RefMod
}

// SoftPmap is a Pmap that keeps reference and modify bits in memory.
// Mappings are not modelled; SetRefMod stands in for hardware access.
type SoftPmap struct {
	mu     sync.Mutex
	bits   map[toolbox.PPN]RefMod
	mapped map[toolbox.PPN]int
}

// NewSoftPmap returns an empty SoftPmap.
func NewSoftPmap() *SoftPmap {
	return &SoftPmap{
		bits:   make(map[toolbox.PPN]RefMod),
		mapped: make(map[toolbox.PPN]int),
	}
}

// SetRefMod records an access to p.
func (s *SoftPmap) SetRefMod(p toolbox.PPN, bits RefMod) {
	s.mu.Lock()
	s.bits[p] |= bits
	s.mapped[p]++
	s.mu.Unlock()
}

func (s *SoftPmap) RefMod(p toolbox.PPN) RefMod {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bits[p]
}

func (s *SoftPmap) ClearRefMod(p toolbox.PPN, mask RefMod) {
	s.mu.Lock()
	if b := s.bits[p] &^ mask; b == 0 {
		delete(s.bits, p)
	} else {
		s.bits[p] = b
	}
	s.mu.Unlock()
}

func (s *SoftPmap) Disconnect(p toolbox.PPN) RefMod {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mapped, p)
	return s.bits[p]
}

// Mapped reports whether p has been accessed since it was last
// disconnected.
func (s *SoftPmap) Mapped(p toolbox.PPN) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapped[p] > 0
}
