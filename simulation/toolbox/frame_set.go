// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package toolbox

// FrameSet is a set of 64-bit keys (frame handles, page numbers,
// or packed object/offset keys) laid out for efficient memory use
// and access.
type FrameSet struct {
	// m is a 4-level radix structure, allocated lazily.
	//
	// The bottom level is a bitmap, with one bit per key.
	m   [1 << 16]*[1 << 16]*[1 << 16]*[(1 << 16) / 8]uint8
	len int
}

// Add adds a new key to the FrameSet.
//
// Returns true on success. That is, if the key
// was not already present in the set.
func (a *FrameSet) Add(key uint64) bool {
	l1 := &a.m[key>>48]
	if *l1 == nil {
		*l1 = new([1 << 16]*[1 << 16]*[(1 << 16) / 8]uint8)
	}
	l2 := &((*l1)[(key>>32)&0xffff])
	if *l2 == nil {
		*l2 = new([1 << 16]*[(1 << 16) / 8]uint8)
	}
	l3 := &((*l2)[(key>>16)&0xffff])
	if *l3 == nil {
		*l3 = new([(1 << 16) / 8]uint8)
	}
	c := *l3
	i := key & 0xffff
	mask := uint8(1) << (i % 8)
	idx := i / 8
	if c[idx]&mask != 0 {
		return false
	}
	c[idx] |= mask
	a.len++
	return true
}

// Remove removes a key from the FrameSet.
//
// Returns true on success. That is, if the key
// was present in the set.
func (a *FrameSet) Remove(key uint64) bool {
	l3 := a.leaf(key)
	if l3 == nil {
		return false
	}
	i := key & 0xffff
	mask := uint8(1) << (i % 8)
	idx := i / 8
	if l3[idx]&mask == 0 {
		return false
	}
	l3[idx] &^= mask
	a.len--
	return true
}

// Has reports whether key is in the set.
func (a *FrameSet) Has(key uint64) bool {
	l3 := a.leaf(key)
	if l3 == nil {
		return false
	}
	i := key & 0xffff
	return l3[i/8]&(uint8(1)<<(i%8)) != 0
}

// Len returns the number of keys in the set.
func (a *FrameSet) Len() int {
	return a.len
}

func (a *FrameSet) leaf(key uint64) *[(1 << 16) / 8]uint8 {
	l1 := a.m[key>>48]
	if l1 == nil {
		return nil
	}
	l2 := l1[(key>>32)&0xffff]
	if l2 == nil {
		return nil
	}
	return l2[(key>>16)&0xffff]
}
