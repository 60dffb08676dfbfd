// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package page

import "github.com/cockroachdb/errors"

var (
	// ErrNoMemory is returned when no frame can be allocated without
	// waiting, either because the free lists are empty or because
	// the caller may not dip into the reserve.
	ErrNoMemory = errors.New("no free frame available")

	// ErrNoSpace is returned when no eligible contiguous run exists.
	ErrNoSpace = errors.New("no contiguous run available")

	// ErrBadObject is returned for operations on a destroyed or
	// unknown object.
	ErrBadObject = errors.New("bad object")

	// ErrInvalid is returned for malformed requests.
	ErrInvalid = errors.New("invalid argument")

	// errRelocate reports that a single frame of a contiguous run
	// could not be relocated. The run is unwound and the scan resumes.
	errRelocate = errors.New("relocation failed")
)

// throwf reports a broken invariant. Corruption of the frame
// bookkeeping is never recovered from.
func throwf(format string, args ...interface{}) {
	panic(errors.AssertionFailedf(format, args...))
}
