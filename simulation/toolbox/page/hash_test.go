// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"testing"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

func TestLookup(t *testing.T) {
	specs := []struct {
		frames int
		stride uint64
	}{
		{1, 4096},
		{lookupScanMax, 4096},
		{lookupScanMax + 1, 4096},
		{200, 4096},
		{200, 1 << 30},
	}

	for specIndex, spec := range specs {
		m := newTestManager(t, 256)
		o := m.NewObject(specIndex%2 == 0)
		want := make(map[uint64]Frame)
		for i := 0; i < spec.frames; i++ {
			off := uint64(i) * spec.stride
			want[off] = allocAt(t, m, o, off)
		}

		o.Lock()
		// Probe in reverse so the hint rarely helps.
		for i := spec.frames - 1; i >= 0; i-- {
			off := uint64(i) * spec.stride
			if got := m.Lookup(o, off); got != want[off] {
				t.Errorf("[spec %d] lookup of offset %#x: expected frame %d; got %d", specIndex, off, want[off], got)
			}
		}
		if got := m.Lookup(o, uint64(spec.frames)*spec.stride); got != NoFrame {
			t.Errorf("[spec %d] lookup past the last offset found frame %d", specIndex, got)
		}
		if got := o.ResidentCount(); got != spec.frames {
			t.Errorf("[spec %d] expected %d resident frames; got %d", specIndex, spec.frames, got)
		}

		// Remove every other frame and check both halves.
		for i := 0; i < spec.frames; i += 2 {
			m.Remove(want[uint64(i)*spec.stride])
		}
		for i := 0; i < spec.frames; i++ {
			off := uint64(i) * spec.stride
			exp := want[off]
			if i%2 == 0 {
				exp = NoFrame
			}
			if got := m.Lookup(o, off); got != exp {
				t.Errorf("[spec %d] lookup of offset %#x after removal: expected frame %d; got %d", specIndex, off, exp, got)
			}
		}
		o.Unlock()
		mustValidate(t, m)
	}
}

func TestLookupSharedBucket(t *testing.T) {
	m := newTestManager(t, 64)
	objs := []*Object{m.NewObject(false), m.NewObject(true), m.NewObject(false)}
	frames := make(map[*Object][]Frame)
	for _, o := range objs {
		for i := 0; i < 20; i++ {
			frames[o] = append(frames[o], allocAt(t, m, o, uint64(i)*4096))
		}
	}
	for _, o := range objs {
		o.Lock()
		for i, f := range frames[o] {
			if got := m.Lookup(o, uint64(i)*4096); got != f {
				t.Errorf("object %d offset %#x: expected frame %d; got %d", o.ID(), i*4096, f, got)
			}
			if owner := m.Owner(f); owner != o {
				t.Errorf("frame %d: expected owner %d", f, o.ID())
			}
		}
		o.Unlock()
	}
	mustValidate(t, m)
}

func TestInsertDuplicate(t *testing.T) {
	m := newTestManager(t, 8)
	o := m.NewObject(false)
	allocAt(t, m, o, 0)
	f := mustGrab(t, m, toolbox.NoCPU, 0)
	o.Lock()
	defer o.Unlock()
	expectPanic(t, "already holds frame", func() {
		m.Insert(f, o, 0)
	})
}

func TestInsertTabled(t *testing.T) {
	m := newTestManager(t, 8)
	o := m.NewObject(false)
	f := allocAt(t, m, o, 0)
	o.Lock()
	defer o.Unlock()
	expectPanic(t, "already tabled", func() {
		m.Insert(f, o, 4096)
	})
}

func TestInsertUnlocked(t *testing.T) {
	m := newTestManager(t, 8)
	o := m.NewObject(false)
	f := mustGrab(t, m, toolbox.NoCPU, 0)
	expectPanic(t, "lock not held", func() {
		m.Insert(f, o, 0)
	})
}

func TestReplace(t *testing.T) {
	m := newTestManager(t, 8)
	o := m.NewObject(false)
	old := allocAt(t, m, o, 0x2000)
	o.Lock()
	m.Activate(old)
	o.Unlock()
	f := mustGrab(t, m, toolbox.NoCPU, 0)
	before := m.FreeCount()

	o.Lock()
	m.Replace(f, o, 0x2000)
	if got := m.Lookup(o, 0x2000); got != f {
		t.Errorf("expected frame %d at offset 0x2000; got %d", f, got)
	}
	if got := o.ResidentCount(); got != 1 {
		t.Errorf("expected 1 resident frame; got %d", got)
	}
	o.Unlock()

	if s := m.State(old); !s.IsFree() {
		t.Errorf("replaced frame should be free; state %v", s)
	}
	if got := m.FreeCount(); got != before+1 {
		t.Errorf("expected free count %d; got %d", before+1, got)
	}
	if got := m.Counters().Active; got != 0 {
		t.Errorf("expected replaced frame off the active queue; %d active", got)
	}
	mustValidate(t, m)
}

func TestRenameRequeue(t *testing.T) {
	m := newTestManager(t, 16, WithDynamicPaging(true))
	ext := m.NewObject(false)
	anon := m.NewObject(true)
	f := allocAt(t, m, ext, 0)
	m.Deactivate(f, false)
	if s := m.State(f); s != InactiveExternal {
		t.Fatalf("expected external frame inactive external; got %v", s)
	}

	ext.Lock()
	anon.Lock()
	m.Rename(f, anon, 0x5000)
	anon.Unlock()
	ext.Unlock()

	if s := m.State(f); s != Active {
		t.Errorf("renamed frame changing owner kind should be reactivated; got %v", s)
	}
	if info := m.Info(f); !info.Internal || info.Owner != anon.ID() || info.Offset != 0x5000 {
		t.Errorf("unexpected frame after rename: %v", info)
	}
	c := m.Counters()
	if c.Internal != 1 || c.External != 0 {
		t.Errorf("expected 1 internal and 0 external pageable frames; got %d and %d", c.Internal, c.External)
	}
	mustValidate(t, m)
}
