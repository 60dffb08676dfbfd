// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package simulation

import (
	"io"
	"sort"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/mknyszek/vmpage"
)

// Stats is a sample of statistics produced by the
// simulator.
type Stats struct {
	// Timestamp is the time in CPU ticks for the most
	// recent event processed by the simulator.
	Timestamp uint64

	// Events is the total number of events processed by
	// the simulator.
	Events uint64

	// Allocs is the total number of frame allocations processed
	// by the simulator, including frames of contiguous runs.
	Allocs uint64

	// Frees is the total number of frame frees processed by the
	// simulator.
	Frees uint64

	// Failures is the number of allocations that failed because
	// the frame manager had no memory or no contiguous space.
	Failures uint64

	// TotalFrames is the number of frames managed.
	TotalFrames uint64

	// FreeFrames is the number of frames which are free, including
	// those cached per-CPU and held in reserves.
	FreeFrames uint64

	// ResidentFrames is the number of frames which hold data
	// for some owner.
	ResidentFrames uint64

	// WiredFrames is the number of frames pinned against
	// reclamation.
	WiredFrames uint64

	// other represents statistics which are unique to the
	// implementation, usually representing a breakdown of
	// other statistics, or something else entirely.
	other map[string]uint64
}

// NewStats creates a new valid Stats object.
//
// Must be used instead of constructing a Stats object directly,
// since there are unexported fields which may need to be initialized.
func NewStats() *Stats {
	return &Stats{
		other: make(map[string]uint64),
	}
}

// OtherStats returns a list of registered implementation-specific statistics.
func (s *Stats) OtherStats() []string {
	names := make([]string, 0, len(s.other))
	for name := range s.other {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetOther returns the value for a implementation-specific statistic
// by name. Returns 0 if the statistic is not registered.
func (s *Stats) GetOther(name string) uint64 {
	return s.other[name]
}

// RegisterOther registers a new implementation-specific statistic.
//
// This operation is idempotent and safe to perform again, even after
// a statistic has been modified.
func (s *Stats) RegisterOther(name string) {
	if _, ok := s.other[name]; !ok {
		s.other[name] = 0
	}
}

// SetOther sets the value of a implementation-specific statistic.
// Panics if the statistic has not been registered.
func (s *Stats) SetOther(name string, value uint64) {
	if _, ok := s.other[name]; !ok {
		panic("attempted to set non-existing stat")
	}
	s.other[name] = value
}

// AddOther adds an amount to the value to a implementation-specific statistic.
// Panics if the statistic has not been registered.
func (s *Stats) AddOther(name string, amount uint64) {
	if val, ok := s.other[name]; ok {
		s.other[name] = val + amount
	} else {
		panic("attempted to add to non-existing stat")
	}
}

// SubOther subtracts an amount from the value of a implementation-specific
// statistic. Panics if the statistic has not been registered.
func (s *Stats) SubOther(name string, amount uint64) {
	if val, ok := s.other[name]; ok {
		s.other[name] = val - amount
	} else {
		panic("attempted to subtract from non-existing stat")
	}
}

// WriteJSON writes the sample as a single JSON object, followed by
// a newline, to w.
func (s *Stats) WriteJSON(w io.Writer) error {
	jw := jwriter.NewWriter()
	obj := jw.Object()
	obj.Name("timestamp").Int(int(s.Timestamp))
	obj.Name("events").Int(int(s.Events))
	obj.Name("allocs").Int(int(s.Allocs))
	obj.Name("frees").Int(int(s.Frees))
	obj.Name("failures").Int(int(s.Failures))
	obj.Name("totalFrames").Int(int(s.TotalFrames))
	obj.Name("freeFrames").Int(int(s.FreeFrames))
	obj.Name("residentFrames").Int(int(s.ResidentFrames))
	obj.Name("wiredFrames").Int(int(s.WiredFrames))
	other := obj.Name("other").Object()
	for _, name := range s.OtherStats() {
		other.Name(name).Int(int(s.other[name]))
	}
	other.End()
	obj.End()
	if err := jw.Error(); err != nil {
		return err
	}
	buf := append(jw.Bytes(), '\n')
	_, err := w.Write(buf)
	return err
}

// Simulator describes a resident frame manager simulator.
type Simulator interface {
	// RegisterStats offers the simulator an opportunity to
	// register any additional statistics before processing.
	RegisterStats(*Stats)

	// Process feeds another trace event into the simulator.
	Process(vmpage.Event, *Stats)

	// Sample refreshes the state-derived statistics in stats.
	Sample(*Stats)
}
