// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import (
	"io"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/mknyszek/vmpage/simulation/toolbox/physmem"
)

// Defaults for Config.
const (
	DefaultColors              = 8
	DefaultFreeReserved        = 100
	DefaultRefillLimit         = 16
	DefaultLopageMaxPPN        = 0xfffff
	DefaultLocalQueueLimit     = 128
	DefaultSpeculativeBands    = 10
	DefaultSpeculativeInterval = 500 * time.Millisecond
)

// Config holds the resolved tunables of a Manager.
type Config struct {
	// Colors is the number of free list partitions. Must be a
	// power of two.
	Colors int

	// FreeReserved is the free count at or below which only
	// privileged allocations succeed.
	FreeReserved int

	// RefillLimit bounds how many frames a per-CPU cache is
	// refilled with at once.
	RefillLimit int

	// LopageReserve is the number of frames at or below LopageMaxPPN
	// held back for low-memory allocations. Zero disables the reserve.
	LopageReserve int
	LopageMaxPPN  uint64

	// SecludedTarget is the size of the secluded pool. Zero disables it.
	SecludedTarget int

	// LocalQueueLimit is the length past which a per-CPU active queue
	// is drained into the global active queue.
	LocalQueueLimit int

	// SpeculativeBands is the number of speculative age bands, and
	// SpeculativeInterval the age span of each.
	SpeculativeBands    int
	SpeculativeInterval time.Duration

	// DynamicPaging reports whether internal frames may be paged out.
	// When false, dirty internal frames park on the throttled queue.
	DynamicPaging bool

	// CPUs is the number of per-CPU caches.
	CPUs int

	Now         func() time.Time
	Pmap        Pmap
	Memory      physmem.Memory
	Logger      *slog.Logger
	ReclaimHook func()
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		Colors:              DefaultColors,
		FreeReserved:        DefaultFreeReserved,
		RefillLimit:         DefaultRefillLimit,
		LopageMaxPPN:        DefaultLopageMaxPPN,
		LocalQueueLimit:     DefaultLocalQueueLimit,
		SpeculativeBands:    DefaultSpeculativeBands,
		SpeculativeInterval: DefaultSpeculativeInterval,
		DynamicPaging:       true,
		CPUs:                runtime.GOMAXPROCS(0),
		Now:                 time.Now,
		Memory:              physmem.Discard{},
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for a Manager.
type Option func(*Config)

// WithColors sets the number of free list colors.
func WithColors(n int) Option {
	return func(c *Config) {
		c.Colors = n
	}
}

// WithFreeReserved sets the reserve threshold.
func WithFreeReserved(n int) Option {
	return func(c *Config) {
		c.FreeReserved = n
	}
}

// WithRefillLimit sets the per-CPU refill bound.
func WithRefillLimit(n int) Option {
	return func(c *Config) {
		c.RefillLimit = n
	}
}

// WithLopage configures the low physical memory reserve.
func WithLopage(reserve int, maxPPN uint64) Option {
	return func(c *Config) {
		c.LopageReserve = reserve
		c.LopageMaxPPN = maxPPN
	}
}

// WithSecludedTarget enables the secluded pool.
func WithSecludedTarget(n int) Option {
	return func(c *Config) {
		c.SecludedTarget = n
	}
}

// WithLocalQueueLimit sets the per-CPU active queue drain threshold.
func WithLocalQueueLimit(n int) Option {
	return func(c *Config) {
		c.LocalQueueLimit = n
	}
}

// WithSpeculative sets the number and width of speculative age bands.
func WithSpeculative(bands int, interval time.Duration) Option {
	return func(c *Config) {
		c.SpeculativeBands = bands
		c.SpeculativeInterval = interval
	}
}

// WithDynamicPaging enables or disables paging of internal frames.
func WithDynamicPaging(enabled bool) Option {
	return func(c *Config) {
		c.DynamicPaging = enabled
	}
}

// WithCPUs sets the number of per-CPU caches.
func WithCPUs(n int) Option {
	return func(c *Config) {
		c.CPUs = n
	}
}

// WithClock sets the time source used for speculative aging.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Now = now
	}
}

// WithPmap sets the hardware mapping collaborator.
func WithPmap(p Pmap) Option {
	return func(c *Config) {
		c.Pmap = p
	}
}

// WithMemory sets the backing memory used to zero and copy frames.
func WithMemory(mem physmem.Memory) Option {
	return func(c *Config) {
		c.Memory = mem
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithReclaimHook sets a function called between contiguous
// allocation retries to release memory held elsewhere.
func WithReclaimHook(fn func()) Option {
	return func(c *Config) {
		c.ReclaimHook = fn
	}
}

func (c *Config) validate() error {
	switch {
	case c.Colors <= 0 || c.Colors&(c.Colors-1) != 0:
		return errors.Wrapf(ErrInvalid, "colors %d is not a power of two", c.Colors)
	case c.FreeReserved < 0:
		return errors.Wrapf(ErrInvalid, "negative reserve %d", c.FreeReserved)
	case c.RefillLimit < 0:
		return errors.Wrapf(ErrInvalid, "negative refill limit %d", c.RefillLimit)
	case c.LopageReserve < 0 || c.SecludedTarget < 0:
		return errors.Wrap(ErrInvalid, "negative reserve size")
	case c.LocalQueueLimit <= 0:
		return errors.Wrapf(ErrInvalid, "local queue limit %d", c.LocalQueueLimit)
	case c.SpeculativeBands <= 0 || c.SpeculativeInterval <= 0:
		return errors.Wrap(ErrInvalid, "speculative bands and interval must be positive")
	case c.CPUs < 0:
		return errors.Wrapf(ErrInvalid, "negative CPU count %d", c.CPUs)
	case c.Now == nil || c.Memory == nil || c.Logger == nil:
		return errors.Wrap(ErrInvalid, "nil collaborator")
	}
	return nil
}
