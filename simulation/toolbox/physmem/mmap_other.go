// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package physmem

import "github.com/mknyszek/vmpage/simulation/toolbox"

// HostPageSize returns the page size of the host.
func HostPageSize() toolbox.Bytes {
	return 4096
}

func mapAnon(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmap([]byte) error {
	return nil
}
