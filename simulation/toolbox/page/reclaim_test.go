// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"testing"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

func TestReclaimOrder(t *testing.T) {
	m := newTestManager(t, 32)
	ext := m.NewObject(false)
	anon := m.NewObject(true)

	internal := allocAt(t, m, anon, 0)
	m.Deactivate(internal, false)
	external := allocAt(t, m, ext, 0)
	m.Deactivate(external, false)
	cleaned := allocAt(t, m, ext, 4096)
	m.MarkCleaned(cleaned)
	aged := allocAt(t, m, ext, 8192)
	m.Speculate(aged, false)
	active := allocAt(t, m, ext, 12288)
	m.Activate(active)

	for i, f := range []Frame{aged, cleaned, external, internal} {
		before := m.FreeCount()
		if n := m.Reclaim(toolbox.NoCPU, 1); n != 1 {
			t.Fatalf("reclaim %d: expected 1 frame; got %d", i, n)
		}
		if s := m.State(f); !s.IsFree() {
			t.Errorf("reclaim %d: expected frame %d reclaimed; state %v", i, f, s)
		}
		if got := m.FreeCount(); got != before+1 {
			t.Errorf("reclaim %d: expected free count %d; got %d", i, before+1, got)
		}
		mustValidate(t, m)
	}
	if n := m.Reclaim(toolbox.NoCPU, 1); n != 0 {
		t.Errorf("expected active frames left alone; reclaimed %d", n)
	}
	if s := m.State(active); s != Active {
		t.Errorf("expected active frame untouched; got %v", s)
	}
	ext.Lock()
	if got := m.Lookup(ext, 0); got != NoFrame {
		t.Errorf("reclaimed frame still in object at frame %d", got)
	}
	ext.Unlock()
}

func TestReclaimReferenced(t *testing.T) {
	pm := NewSoftPmap()
	m := newTestManager(t, 16, WithPmap(pm))
	o := m.NewObject(false)
	f := allocAt(t, m, o, 0)
	m.Deactivate(f, true)
	pm.SetRefMod(m.PPN(f), Referenced)

	if n := m.Reclaim(toolbox.NoCPU, 1); n != 0 {
		t.Errorf("expected referenced frame kept; reclaimed %d", n)
	}
	if s := m.State(f); s != Active {
		t.Errorf("expected referenced frame reactivated; got %v", s)
	}
	if pm.RefMod(m.PPN(f))&Referenced != 0 {
		t.Error("expected reference bit cleared")
	}
	mustValidate(t, m)
}

func TestReclaimDirty(t *testing.T) {
	pm := NewSoftPmap()
	m := newTestManager(t, 16, WithPmap(pm))
	o := m.NewObject(false)
	f := allocAt(t, m, o, 0)
	m.Deactivate(f, true)
	pm.SetRefMod(m.PPN(f), Modified)

	if n := m.Reclaim(toolbox.NoCPU, 1); n != 0 {
		t.Errorf("expected dirty frame kept; reclaimed %d", n)
	}
	if info := m.Info(f); info.State != PageoutInFlight || !info.Dirty {
		t.Errorf("expected dirty frame sent to pageout; got %v dirty=%v", info.State, info.Dirty)
	}
	mustValidate(t, m)

	m.EndPageout(f, true)
	if n := m.Reclaim(toolbox.NoCPU, 1); n != 1 {
		t.Errorf("expected cleaned frame reclaimed; got %d", n)
	}
	if pm.Mapped(m.PPN(f)) {
		t.Error("expected reclaimed frame disconnected")
	}
	mustValidate(t, m)
}

func TestReclaimLockedOwner(t *testing.T) {
	m := newTestManager(t, 16)
	locked := m.NewObject(false)
	other := m.NewObject(false)
	a := allocAt(t, m, locked, 0)
	m.Deactivate(a, false)
	b := allocAt(t, m, other, 0)
	m.Deactivate(b, false)

	locked.Lock()
	n := m.Reclaim(toolbox.NoCPU, 2)
	locked.Unlock()
	if n != 1 {
		t.Errorf("expected only the unlocked owner's frame reclaimed; got %d", n)
	}
	if s := m.State(a); s != InactiveExternal {
		t.Errorf("expected frame of locked owner kept; got %v", s)
	}
	if s := m.State(b); !s.IsFree() {
		t.Errorf("expected frame of unlocked owner freed; got %v", s)
	}
	mustValidate(t, m)
}

func TestReclaimBusy(t *testing.T) {
	m := newTestManager(t, 16)
	o := m.NewObject(false)
	o.Lock()
	f, err := m.Alloc(toolbox.NoCPU, o, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	o.Unlock()
	m.Deactivate(f, false)
	if n := m.Reclaim(toolbox.NoCPU, 1); n != 0 {
		t.Errorf("expected busy frame kept; reclaimed %d", n)
	}
	m.WakeupDone(f)
	if n := m.Reclaim(toolbox.NoCPU, 1); n != 1 {
		t.Errorf("expected idle frame reclaimed; got %d", n)
	}
	mustValidate(t, m)
}
