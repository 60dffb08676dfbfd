// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package toolbox

import (
	"reflect"
	"testing"
)

func TestNewLayout(t *testing.T) {
	specs := []struct {
		pageSize Bytes
		regions  []Region
		expOK    bool
		expSort  []Region
		expPages Pages
		expTop   PPN
	}{
		{4096, nil, true, nil, 0, 0},
		{4096, []Region{{0x100, 16}}, true, []Region{{0x100, 16}}, 16, 0x110},
		{4096, []Region{{0x200, 8}, {0x100, 16}, {0x300, 0}}, true, []Region{{0x100, 16}, {0x200, 8}}, 24, 0x208},
		{16384, []Region{{0x100, 16}, {0x110, 16}}, true, []Region{{0x100, 16}, {0x110, 16}}, 32, 0x120},
		{4096, []Region{{0x100, 16}, {0x10f, 16}}, false, nil, 0, 0},
		{3000, []Region{{0x100, 16}}, false, nil, 0, 0},
		{0, nil, false, nil, 0, 0},
	}

	for specIndex, spec := range specs {
		l, err := NewLayout(spec.pageSize, spec.regions...)
		if (err == nil) != spec.expOK {
			t.Errorf("[spec %d] expected ok=%v; got error %v", specIndex, spec.expOK, err)
			continue
		}
		if err != nil {
			continue
		}
		if !reflect.DeepEqual(l.Regions, spec.expSort) {
			t.Errorf("[spec %d] expected regions %v; got %v", specIndex, spec.expSort, l.Regions)
		}
		if got := l.Pages(); got != spec.expPages {
			t.Errorf("[spec %d] expected %d pages; got %d", specIndex, spec.expPages, got)
		}
		if got := l.Top(); got != spec.expTop {
			t.Errorf("[spec %d] expected top %#x; got %#x", specIndex, spec.expTop, got)
		}
	}
}

func TestLayoutFind(t *testing.T) {
	l, err := NewLayout(4096, Region{0x100, 16}, Region{0x200, 8})
	if err != nil {
		t.Fatal(err)
	}
	specs := []struct {
		p   PPN
		exp int
	}{
		{0, -1},
		{0xff, -1},
		{0x100, 0},
		{0x10f, 0},
		{0x110, -1},
		{0x200, 1},
		{0x207, 1},
		{0x208, -1},
	}
	for specIndex, spec := range specs {
		if got := l.Find(spec.p); got != spec.exp {
			t.Errorf("[spec %d] page %#x: expected region %d; got %d", specIndex, spec.p, spec.exp, got)
		}
	}
}

func TestLayoutGrow(t *testing.T) {
	l, err := NewLayout(4096, Region{0x100, 16})
	if err != nil {
		t.Fatal(err)
	}
	r := l.Grow(1<<20, 1<<21)
	if r.Base != 0x200 || r.Pages != 256 {
		t.Errorf("expected region at 0x200 of 256 pages; got %#x of %d", r.Base, r.Pages)
	}
	if got := l.Top(); got != 0x300 {
		t.Errorf("expected top 0x300; got %#x", got)
	}
	if got := l.Find(0x250); got != 1 {
		t.Errorf("expected grown region to be found; got %d", got)
	}
}

func TestAddressArithmetic(t *testing.T) {
	specs := []struct {
		a        Address
		align    Bytes
		expUp    Address
		expDown  Address
		pageSize Bytes
		expPPN   PPN
		expLog2  uint8
		expPages Pages
	}{
		{0, 4096, 0, 0, 4096, 0, 0, 0},
		{1, 4096, 4096, 0, 4096, 0, 0, 1},
		{4096, 4096, 4096, 4096, 4096, 1, 12, 1},
		{0x12345, 0x1000, 0x13000, 0x12000, 0x4000, 4, 16, 5},
	}
	for specIndex, spec := range specs {
		if got := spec.a.AlignUp(spec.align); got != spec.expUp {
			t.Errorf("[spec %d] AlignUp: expected %#x; got %#x", specIndex, spec.expUp, got)
		}
		if got := spec.a.AlignDown(spec.align); got != spec.expDown {
			t.Errorf("[spec %d] AlignDown: expected %#x; got %#x", specIndex, spec.expDown, got)
		}
		if got := spec.a.PPN(spec.pageSize); got != spec.expPPN {
			t.Errorf("[spec %d] PPN: expected %#x; got %#x", specIndex, spec.expPPN, got)
		}
		if got := Bytes(spec.a).Pages(spec.pageSize); got != spec.expPages {
			t.Errorf("[spec %d] Pages: expected %d; got %d", specIndex, spec.expPages, got)
		}
		if spec.a != 0 {
			if got := Bytes(spec.a).Log2(); got != spec.expLog2 {
				t.Errorf("[spec %d] Log2: expected %d; got %d", specIndex, spec.expLog2, got)
			}
		}
	}
	if !PPN(0x40).Aligned(0x3f) || PPN(0x41).Aligned(0x3f) {
		t.Error("unexpected PPN alignment")
	}
	if d := Address(10).Diff(4); d != 6 {
		t.Errorf("expected difference 6; got %d", d)
	}
	if d := Address(4).Diff(10); d != 6 {
		t.Errorf("expected difference 6; got %d", d)
	}
}
