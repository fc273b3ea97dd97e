// Copyright 2026 The rseq Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.18

// Check go:linkname function signatures when updating Go version.

package sync

import (
	_ "unsafe" // for go:linkname
)

// Goyield is runtime.goyield, which yields the processor to other goroutines
// without parking the current one. Unlike runtime.Gosched, it does not incur
// a full scheduling round trip, making it suitable for short waits on another
// thread's progress.
//
//go:nosplit
func Goyield() {
	goyield()
}

//go:linkname goyield runtime.goyield
func goyield()
