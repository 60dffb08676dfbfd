// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spinner prints periodic progress updates for long-running
// trace tools.
package spinner

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Option is a configuration option for the spinner.
type Option func(cfg *spinnerCfg)

// Format returns a new configuration option for the
// spinner, using the given format string for the spinner.
//
// The string must have exactly one verb in it to support
// a float64 value which is a percent completion.
func Format(ft string) Option {
	return func(cfg *spinnerCfg) {
		cfg.format = ft
	}
}

// Period returns a new configuration option that sets
// the period between screen updates for the spinner.
func Period(p time.Duration) Option {
	return func(cfg *spinnerCfg) {
		cfg.period = p
	}
}

// Output sets where progress is written. The default is standard
// error, which keeps standard output free for tool results.
func Output(w io.Writer) Option {
	return func(cfg *spinnerCfg) {
		cfg.out = w
	}
}

type spinnerCfg struct {
	period time.Duration
	format string
	out    io.Writer
}

// Spinner periodically samples and prints progress until stopped.
type Spinner struct {
	stop chan struct{}
	done chan struct{}
}

// Start starts a new spinner. It uses the function sample to
// sample progress, and sample should return a float64 value
// between 0 and 1 representing a degree of progress. sample is
// called from another goroutine.
//
// The default period between updates is 1 second.
func Start(sample func() float64, options ...Option) *Spinner {
	cfg := spinnerCfg{
		period: time.Second,
		format: "Progress: %.1f%%",
		out:    os.Stderr,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	s := &Spinner{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		t := time.NewTicker(cfg.period)
		defer t.Stop()
		for {
			fmt.Fprintf(cfg.out, cfg.format+"\r", sample()*100)
			select {
			case <-s.stop:
				fmt.Fprintf(cfg.out, cfg.format+"\n", sample()*100)
				return
			case <-t.C:
			}
		}
	}()
	return s
}

// Stop prints a final update and waits for the spinner to exit.
// Stop is idempotent.
func (s *Spinner) Stop() {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.stop <- struct{}{}:
	case <-s.done:
	}
	<-s.done
}
