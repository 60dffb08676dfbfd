// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

func TestGrabFree(t *testing.T) {
	m := newTestManager(t, 64)
	if got := m.FreeCount(); got != 64 {
		t.Fatalf("expected 64 free frames at boot; got %d", got)
	}
	f := mustGrab(t, m, toolbox.NoCPU, 0)
	info := m.Info(f)
	if info.State != NotOnQueue || !info.Busy {
		t.Errorf("grabbed frame should be busy and on no queue; got %v", info)
	}
	if got := m.FreeCount(); got != 63 {
		t.Errorf("expected 63 free frames after grab; got %d", got)
	}
	m.Free(f)
	if got := m.FreeCount(); got != 64 {
		t.Errorf("expected 64 free frames after free; got %d", got)
	}
	if s := m.State(f); s != Free {
		t.Errorf("freed frame has state %v", s)
	}
	mustValidate(t, m)
}

func TestGrabReserve(t *testing.T) {
	specs := []struct {
		pages    int
		reserved int
		cpus     int
	}{
		{16, 0, 0},
		{16, 4, 0},
		{64, 10, 2},
		{64, 63, 4},
	}

	for specIndex, spec := range specs {
		m := newTestManager(t, spec.pages, WithFreeReserved(spec.reserved), WithCPUs(spec.cpus))
		n := 0
		for {
			_, err := m.Grab(0, 0)
			if err != nil {
				if !errors.Is(err, ErrNoMemory) {
					t.Errorf("[spec %d] expected ErrNoMemory; got %v", specIndex, err)
				}
				break
			}
			n++
		}
		if want := spec.pages - spec.reserved; n != want {
			t.Errorf("[spec %d] expected %d unprivileged grabs; got %d", specIndex, want, n)
		}
		if got := m.FreeCount(); got != spec.reserved {
			t.Errorf("[spec %d] expected the reserve of %d left free; got %d", specIndex, spec.reserved, got)
		}
		for i := 0; i < spec.reserved; i++ {
			if _, err := m.Grab(0, AllocPrivileged); err != nil {
				t.Errorf("[spec %d] privileged grab %d failed: %v", specIndex, i, err)
			}
		}
		if _, err := m.Grab(0, AllocPrivileged); !errors.Is(err, ErrNoMemory) {
			t.Errorf("[spec %d] expected privileged grab of empty memory to fail; got %v", specIndex, err)
		}
		mustValidate(t, m)
	}
}

func TestRefillBound(t *testing.T) {
	specs := []struct {
		pages, reserved, refill int
		expCached               int
	}{
		{64, 0, 16, 16},
		{40, 30, 16, 9},
		{40, 39, 16, 0},
		{100, 10, 4, 4},
	}

	for specIndex, spec := range specs {
		m := newTestManager(t, spec.pages,
			WithCPUs(1),
			WithFreeReserved(spec.reserved),
			WithRefillLimit(spec.refill))
		mustGrab(t, m, 0, 0)
		if got := m.CachedFrames(0); got != spec.expCached {
			t.Errorf("[spec %d] expected %d cached frames; got %d", specIndex, spec.expCached, got)
		}
		c := m.Counters()
		if c.FreeColored < spec.reserved {
			t.Errorf("[spec %d] refill left %d colored frames, below the reserve of %d", specIndex, c.FreeColored, spec.reserved)
		}
		if c.FreeLocal != spec.expCached {
			t.Errorf("[spec %d] counters report %d cached frames; expected %d", specIndex, c.FreeLocal, spec.expCached)
		}
		mustValidate(t, m)

		m.FlushCPU(0)
		if got := m.CachedFrames(0); got != 0 {
			t.Errorf("[spec %d] expected empty cache after flush; got %d", specIndex, got)
		}
		mustValidate(t, m)
	}
}

func TestColorRotation(t *testing.T) {
	const colors = 4
	m := newTestManager(t, 32, WithColors(colors))
	for i := 0; i < 16; i++ {
		f := mustGrab(t, m, toolbox.NoCPU, 0)
		if got := int(m.PPN(f) % colors); got != i%colors {
			t.Errorf("grab %d: expected color %d; got %d", i, i%colors, got)
		}
	}
	mustValidate(t, m)
}

func TestDoubleFree(t *testing.T) {
	m := newTestManager(t, 8)
	f := mustGrab(t, m, toolbox.NoCPU, 0)
	m.Free(f)
	expectPanic(t, "freeing free frame", func() {
		m.Free(f)
	})
	expectPanic(t, "releasing free frame", func() {
		m.Release(f)
	})
}

func TestReleaseInUse(t *testing.T) {
	m := newTestManager(t, 8)
	o := m.NewObject(false)
	f := allocAt(t, m, o, 0)
	expectPanic(t, "in use", func() {
		m.Release(f)
	})
}

func TestFreeList(t *testing.T) {
	const pages = 1000
	m := newTestManager(t, pages, WithColors(8))
	o := m.NewObject(true)
	o.Lock()
	var frames []Frame
	for i := 0; i < 3*releaseChunk+5; i++ {
		f, err := m.Alloc(toolbox.NoCPU, o, uint64(i)*4096, 0)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		m.WakeupDone(f)
		if i%3 == 0 {
			m.Wire(f, TagKernel)
		}
		frames = append(frames, f)
	}
	m.FreeList(frames)
	resident := o.ResidentCount()
	o.Unlock()
	if resident != 0 {
		t.Errorf("expected no resident frames after FreeList; got %d", resident)
	}
	if got := m.FreeCount(); got != pages {
		t.Errorf("expected %d free frames; got %d", pages, got)
	}
	if c := m.Counters(); c.Wired != 0 || c.Resident != 0 {
		t.Errorf("expected no wired or resident frames; got %d and %d", c.Wired, c.Resident)
	}
	mustValidate(t, m)
}

func TestLopage(t *testing.T) {
	const (
		pages   = 16
		reserve = 4
		maxPPN  = uint64(testBase) + 7
	)
	m := newTestManager(t, pages, WithLopage(reserve, maxPPN))
	if got := m.Counters().FreeLopage; got != reserve {
		t.Fatalf("expected %d lopage frames at boot; got %d", reserve, got)
	}

	// Drain the lopage list, then fall back to the colored lists.
	var frames []Frame
	for i := 0; i < 8; i++ {
		f, err := m.Grab(toolbox.NoCPU, AllocLopage)
		if err != nil {
			t.Fatalf("lopage grab %d: %v", i, err)
		}
		if p := uint64(m.PPN(f)); p > maxPPN {
			t.Errorf("lopage grab %d returned page %#x above %#x", i, p, maxPPN)
		}
		if info := m.Info(f); info.Gobbled {
			t.Errorf("lopage grab %d returned a gobbled frame", i)
		}
		frames = append(frames, f)
	}
	if _, err := m.Grab(toolbox.NoCPU, AllocLopage); !errors.Is(err, ErrNoMemory) {
		t.Errorf("expected lopage grab to fail once low memory is exhausted; got %v", err)
	}
	mustValidate(t, m)

	for _, f := range frames {
		m.Free(f)
	}
	if got := m.Counters().FreeLopage; got != reserve {
		t.Errorf("expected lopage list refilled to %d; got %d", reserve, got)
	}
	if got := m.FreeCount(); got != pages {
		t.Errorf("expected %d free frames; got %d", pages, got)
	}
	mustValidate(t, m)

	// Ordinary grabs never dip into the lopage list.
	if got := len(grabAll(t, m)); got != pages-reserve {
		t.Errorf("expected %d ordinary grabs; got %d", pages-reserve, got)
	}
	if got := m.Counters().FreeLopage; got != reserve {
		t.Errorf("ordinary grabs took from the lopage list: %d left", got)
	}
}

func TestSecludedFree(t *testing.T) {
	const target = 3
	m := newTestManager(t, 16, WithSecludedTarget(target))
	c := m.Counters()
	if c.FreeSecluded != target || c.Secluded != target {
		t.Fatalf("expected %d secluded free frames at boot; got %d of %d", target, c.FreeSecluded, c.Secluded)
	}
	if got := len(grabAll(t, m)); got != 16-target {
		t.Errorf("expected %d ordinary grabs; got %d", 16-target, got)
	}
	for i := 0; i < target; i++ {
		f, err := m.Grab(toolbox.NoCPU, AllocSecluded)
		if err != nil {
			t.Fatalf("secluded grab %d: %v", i, err)
		}
		if s := m.State(f); s != NotOnQueue {
			t.Errorf("secluded grab %d: frame in state %v", i, s)
		}
	}
	if _, err := m.Grab(toolbox.NoCPU, AllocSecluded); !errors.Is(err, ErrNoMemory) {
		t.Errorf("expected secluded grab to fail; got %v", err)
	}
	if got := m.FreeCount(); got != 0 {
		t.Errorf("expected no free frames; got %d", got)
	}
	mustValidate(t, m)
}

func TestGrabZero(t *testing.T) {
	mem := newTestMemory(t)
	m := newTestManager(t, 4, WithMemory(mem))
	f := mustGrab(t, m, toolbox.NoCPU, 0)
	b := mem.Bytes(m.PPN(f))
	for i := range b {
		b[i] = 0xff
	}
	m.Free(f)
	// With a single color the list is LIFO, so f comes back.
	g := mustGrab(t, m, toolbox.NoCPU, AllocZero)
	if g != f {
		t.Fatalf("expected frame %d back; got %d", f, g)
	}
	for i, v := range mem.Bytes(m.PPN(g)) {
		if v != 0 {
			t.Fatalf("byte %d of zeroed frame is %#x", i, v)
		}
	}
}

func TestReserveExcludesLopage(t *testing.T) {
	specs := []struct {
		cpus int
	}{
		{0},
		{2},
	}
	for specIndex, spec := range specs {
		m := newTestManager(t, 16, WithLopage(8, 0xfffff), WithFreeReserved(4), WithCPUs(spec.cpus))
		n := 0
		for {
			if _, err := m.Grab(0, 0); err != nil {
				break
			}
			n++
		}
		if n != 4 {
			t.Errorf("[spec %d] expected 4 unprivileged grabs; got %d", specIndex, n)
		}
		if got := m.Counters().FreeLopage; got != 8 {
			t.Errorf("[spec %d] expected the lopage list untouched; got %d", specIndex, got)
		}
		for i := 0; i < 4; i++ {
			if _, err := m.Grab(0, AllocPrivileged); err != nil {
				t.Errorf("[spec %d] privileged grab %d with free count %d: %v", specIndex, i, m.FreeCount(), err)
			}
		}
		if _, err := m.Grab(0, AllocPrivileged); !errors.Is(err, ErrNoMemory) {
			t.Errorf("[spec %d] expected privileged grab to fail with only lopage frames left; got %v", specIndex, err)
		}
		mustValidate(t, m)
	}
}
