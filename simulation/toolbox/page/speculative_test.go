// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"testing"
	"time"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

func TestSpeculativeAging(t *testing.T) {
	specs := []struct {
		bands    int
		interval time.Duration
	}{
		{1, time.Second},
		{3, time.Second},
		{10, 500 * time.Millisecond},
	}

	for specIndex, spec := range specs {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		m := newTestManager(t, 64, WithClock(clock.Now), WithSpeculative(spec.bands, spec.interval))
		o := m.NewObject(false)
		f := allocAt(t, m, o, 0)
		m.Speculate(f, true)
		if s := m.State(f); s != Speculative {
			t.Fatalf("[spec %d] expected speculative frame; got %v", specIndex, s)
		}

		// A frame ages out once every band has been opened after it.
		for i := 1; i < spec.bands; i++ {
			clock.Advance(spec.interval)
			m.AgeSpeculative()
			if got := m.SpeculativeAged(); got != 0 {
				t.Errorf("[spec %d] frame aged after %d intervals", specIndex, i)
			}
		}
		clock.Advance(spec.interval)
		m.AgeSpeculative()
		if got := m.SpeculativeAged(); got != 1 {
			t.Errorf("[spec %d] expected frame aged after %d intervals; %d aged", specIndex, spec.bands, got)
		}
		if got := m.Counters().Speculative; got != 1 {
			t.Errorf("[spec %d] expected 1 speculative frame; got %d", specIndex, got)
		}
		mustValidate(t, m)
	}
}

func TestSpeculativeLongIdle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newTestManager(t, 64, WithClock(clock.Now), WithSpeculative(4, time.Second))
	o := m.NewObject(false)
	var frames []Frame
	for i := 0; i < 4; i++ {
		f := allocAt(t, m, o, uint64(i)*4096)
		m.Speculate(f, true)
		frames = append(frames, f)
		clock.Advance(time.Second)
	}
	// Far more than a full rotation: every band ages out at once.
	clock.Advance(time.Hour)
	m.AgeSpeculative()
	if got := m.SpeculativeAged(); got != len(frames) {
		t.Errorf("expected all %d frames aged; got %d", len(frames), got)
	}
	mustValidate(t, m)

	// The ring restarts from now.
	f := allocAt(t, m, o, 0x100000)
	m.Speculate(f, true)
	clock.Advance(time.Second)
	m.AgeSpeculative()
	if got := m.SpeculativeAged(); got != len(frames) {
		t.Errorf("expected new frame still young; %d aged", got)
	}
}

func TestSpeculateOldPage(t *testing.T) {
	m := newTestManager(t, 16)
	o := m.NewObject(false)
	f := allocAt(t, m, o, 0)
	m.Activate(f)
	m.Speculate(f, false)
	if got := m.SpeculativeAged(); got != 1 {
		t.Errorf("expected old page straight on the aged band; %d aged", got)
	}
	mustValidate(t, m)
}

func TestSpeculateInternal(t *testing.T) {
	m := newTestManager(t, 16)
	o := m.NewObject(true)
	f := allocAt(t, m, o, 0)
	m.Speculate(f, true)
	if s := m.State(f); s != InactiveInternal {
		t.Errorf("expected anonymous frame deactivated; got %v", s)
	}
	mustValidate(t, m)
}

func TestReclaimForcesAging(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newTestManager(t, 16, WithClock(clock.Now))
	o := m.NewObject(false)
	f := allocAt(t, m, o, 0)
	m.Speculate(f, true)
	if n := m.Reclaim(toolbox.NoCPU, 1); n != 1 {
		t.Fatalf("expected young speculative frame reclaimed when nothing else is; got %d", n)
	}
	if s := m.State(f); !s.IsFree() {
		t.Errorf("expected frame freed; got %v", s)
	}
	mustValidate(t, m)
}
