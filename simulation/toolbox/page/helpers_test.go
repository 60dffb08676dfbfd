// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/mknyszek/vmpage/simulation/toolbox"
	"github.com/mknyszek/vmpage/simulation/toolbox/physmem"
)

const testBase toolbox.PPN = 0x100

func testLayout(t *testing.T, pages int) *toolbox.Layout {
	t.Helper()
	l, err := toolbox.NewLayout(4096, toolbox.Region{Base: testBase, Pages: toolbox.Pages(pages)})
	if err != nil {
		t.Fatalf("creating layout: %v", err)
	}
	return l
}

// newTestManager creates a manager over pages frames with no reserve
// and no per-CPU caches unless opts say otherwise.
func newTestManager(t *testing.T, pages int, opts ...Option) *Manager {
	t.Helper()
	base := []Option{WithFreeReserved(0), WithCPUs(0), WithColors(1)}
	m, err := New(testLayout(t, pages), append(base, opts...)...)
	if err != nil {
		t.Fatalf("creating manager: %v", err)
	}
	return m
}

// newTestMemory returns an empty page store. The manager maps each
// region into it as the region is added.
func newTestMemory(t *testing.T) *physmem.Mapped {
	t.Helper()
	mem, err := physmem.New(&toolbox.Layout{PageSize: 4096})
	if err != nil {
		t.Fatalf("creating page store: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return mem
}

func mustValidate(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Validate(); err != nil {
		t.Fatalf("validation failed: %v", err)
	}
}

func mustGrab(t *testing.T, m *Manager, cpu toolbox.CPU, flags AllocFlags) Frame {
	t.Helper()
	f, err := m.Grab(cpu, flags)
	if err != nil {
		t.Fatalf("grab: %v", err)
	}
	return f
}

// grabAll grabs every frame available to an unprivileged caller
// and returns them sorted by physical page number.
func grabAll(t *testing.T, m *Manager) []Frame {
	t.Helper()
	var frames []Frame
	for {
		f, err := m.Grab(toolbox.NoCPU, 0)
		if err != nil {
			break
		}
		frames = append(frames, f)
	}
	sort.Slice(frames, func(i, j int) bool {
		return m.PPN(frames[i]) < m.PPN(frames[j])
	})
	return frames
}

// allocAt grabs a frame and enters it at (o, offset), locking o.
func allocAt(t *testing.T, m *Manager, o *Object, offset uint64) Frame {
	t.Helper()
	o.Lock()
	defer o.Unlock()
	f, err := m.Alloc(toolbox.NoCPU, o, offset, 0)
	if err != nil {
		t.Fatalf("alloc at object %d offset %#x: %v", o.ID(), offset, err)
	}
	m.WakeupDone(f)
	return f
}

func expectPanic(t *testing.T, substr string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected panic containing %q", substr)
		}
		var msg string
		switch v := r.(type) {
		case error:
			msg = v.Error()
		case string:
			msg = v
		}
		if !strings.Contains(msg, substr) {
			t.Fatalf("expected panic containing %q, got %q", substr, msg)
		}
	}()
	fn()
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
