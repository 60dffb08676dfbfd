// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spinner

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpinner(t *testing.T) {
	var buf bytes.Buffer
	var prog atomic.Uint64
	s := Start(func() float64 {
		return float64(prog.Load()) / 4
	}, Output(&buf), Period(time.Millisecond), Format("done %.0f%%"))
	for i := 0; i < 4; i++ {
		prog.Add(1)
		time.Sleep(2 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	out := buf.String()
	if !strings.HasSuffix(out, "done 100%\n") {
		t.Errorf("expected final update at 100%%; got %q", out)
	}
	if n := strings.Count(out, "\n"); n != 1 {
		t.Errorf("expected exactly one final line; got %d", n)
	}
}
