// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package physmem

import (
	"golang.org/x/sys/unix"

	"github.com/mknyszek/vmpage/simulation/toolbox"
)

// HostPageSize returns the page size of the host.
func HostPageSize() toolbox.Bytes {
	return toolbox.Bytes(unix.Getpagesize())
}

func mapAnon(size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmap(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}
