// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmpage

import (
	"bytes"
	"io"
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func writeTrace(t *testing.T, events []Event) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("creating writer: %v", err)
	}
	for i, ev := range events {
		if err := w.Emit(ev); err != nil {
			t.Fatalf("emitting event %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing writer: %v", err)
	}
	return buf.Bytes()
}

func readTrace(t *testing.T, trace []byte) []Event {
	t.Helper()
	p, err := NewParser(bytes.NewReader(trace))
	if err != nil {
		t.Fatalf("creating parser: %v", err)
	}
	var events []Event
	for {
		ev, err := p.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("parsing event %d: %v", len(events), err)
		}
		events = append(events, ev)
	}
	if got := p.Progress(); got != 1 {
		t.Errorf("expected progress 1 at the end of the trace; got %f", got)
	}
	return events
}

// randomEvent returns an event of every kind in turn, with fields
// populated only where the kind carries them.
func randomEvent(r *rand.Rand, i int, cpu int32, ts uint64) Event {
	ev := Event{Timestamp: ts, CPU: cpu, Kind: EventKind(1 + i%int(EventReclaim))}
	switch ev.Kind {
	case EventObjectCreate:
		ev.Object = r.Uint64()
		ev.Internal = r.Intn(2) == 0
	case EventObjectDestroy, EventFreeContig:
		ev.Object = uint64(r.Int63n(1 << 20))
	case EventTouch:
		ev.Dirty = r.Intn(2) == 0
		fallthrough
	case EventAlloc, EventFree, EventWire, EventUnwire, EventActivate, EventDeactivate, EventSpeculate:
		ev.Object = uint64(r.Int63n(1 << 20))
		ev.Offset = uint64(r.Int63()) &^ 0xfff
	case EventRename:
		ev.Object = uint64(r.Int63n(1 << 20))
		ev.Offset = uint64(r.Int63n(1<<30)) &^ 0xfff
		ev.NewObject = uint64(r.Int63n(1 << 20))
		ev.NewOffset = uint64(r.Int63n(1<<30)) &^ 0xfff
	case EventAllocContig:
		ev.Object = uint64(r.Int63n(1 << 20))
		ev.Pages = uint64(1 + r.Intn(512))
		ev.AlignMask = uint64(1)<<uint(r.Intn(8)) - 1
	case EventReclaim:
		ev.Pages = uint64(r.Intn(1024))
	}
	return ev
}

func TestTraceRoundTrip(t *testing.T) {
	specs := []struct {
		events int
		cpus   int
	}{
		{0, 1},
		{1, 1},
		{100, 3},
		{20000, 1},
		{50000, 4},
	}

	for specIndex, spec := range specs {
		r := rand.New(rand.NewSource(int64(specIndex)))
		ticks := make([]uint64, spec.cpus)
		perCPU := make(map[int32][]Event)
		var events []Event
		for i := 0; i < spec.events; i++ {
			c := r.Intn(spec.cpus)
			ticks[c] += uint64(r.Intn(1000))
			ev := randomEvent(r, i, int32(c)-1, ticks[c])
			events = append(events, ev)
			perCPU[ev.CPU] = append(perCPU[ev.CPU], ev)
		}

		got := readTrace(t, writeTrace(t, events))
		if len(got) != len(events) {
			t.Errorf("[spec %d] expected %d events; got %d", specIndex, len(events), len(got))
			continue
		}
		gotPerCPU := make(map[int32][]Event)
		for i, ev := range got {
			if i > 0 && ev.Timestamp < got[i-1].Timestamp {
				t.Errorf("[spec %d] event %d at tick %d precedes tick %d", specIndex, i, ev.Timestamp, got[i-1].Timestamp)
			}
			gotPerCPU[ev.CPU] = append(gotPerCPU[ev.CPU], ev)
		}
		for cpu, want := range perCPU {
			if !reflect.DeepEqual(gotPerCPU[cpu], want) {
				t.Errorf("[spec %d] events for CPU %d differ after round trip", specIndex, cpu)
			}
		}
	}
}

func TestWriterOrdering(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Emit(Event{Kind: EventAge, Timestamp: 10}); err != nil {
		t.Fatal(err)
	}
	if err := w.Emit(Event{Kind: EventAge, Timestamp: 5, CPU: 1}); err != nil {
		t.Errorf("other CPUs have independent clocks: %v", err)
	}
	if err := w.Emit(Event{Kind: EventAge, Timestamp: 9}); err == nil {
		t.Error("expected out-of-order event to be rejected")
	}
	if err := w.Emit(Event{Kind: EventBad, Timestamp: 11}); err == nil {
		t.Error("expected bad event to be rejected")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Emit(Event{Kind: EventAge, Timestamp: 12}); err == nil {
		t.Error("expected emit after close to fail")
	}
}

func TestParserRejects(t *testing.T) {
	good := writeTrace(t, []Event{{Kind: EventAge, Timestamp: 1}})
	specs := []struct {
		name  string
		trace func() []byte
		want  string
	}{
		{"short", func() []byte { return good[:len(good)-1] }, "multiple"},
		{"magic", func() []byte {
			b := append([]byte(nil), good...)
			b[0] = 'X'
			return b
		}, "bad magic"},
		{"version", func() []byte {
			b := append([]byte(nil), good...)
			b[2] = 9
			return b
		}, "unsupported version"},
		{"batch", func() []byte {
			b := append([]byte(nil), good...)
			b[headerSize] = evSync
			return b
		}, "batch start"},
		{"event", func() []byte {
			b := append([]byte(nil), good...)
			b[headerSize+4] = 0xff
			return b
		}, "unknown event"},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			_, err := NewParser(bytes.NewReader(spec.trace()))
			if err == nil || !strings.Contains(err.Error(), spec.want) {
				t.Errorf("expected error containing %q; got %v", spec.want, err)
			}
		})
	}
}

func TestEventKindString(t *testing.T) {
	for k := EventBad; k <= EventReclaim; k++ {
		if s := k.String(); s == "" || strings.HasPrefix(s, "EventKind(") {
			t.Errorf("event kind %d has no name", k)
		}
	}
	if s := EventKind(200).String(); s != "EventKind(200)" {
		t.Errorf("unexpected name for unknown kind: %s", s)
	}
}

func TestWriterHeader(t *testing.T) {
	b := writeTrace(t, nil)
	if len(b) != headerSize {
		t.Fatalf("expected a bare header of %d bytes; got %d", headerSize, len(b))
	}
	if b[0] != 'V' || b[1] != 'P' || b[2] != 1 || b[3] != 0 {
		t.Errorf("unexpected header bytes %v", b)
	}
	version, err := parseHeader(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	if version != supportedVersion {
		t.Errorf("expected version %#x; got %#x", supportedVersion, version)
	}
}
