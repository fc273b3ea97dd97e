// Copyright 2026 The rseq Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build amd64 && linux

package rseq

import (
	"fmt"
	"sync/atomic"

	"rseq.dev/rseq/pkg/log"
)

// Fatal errors are infrastructure failures (mapping or protecting memory)
// with no meaningful local recovery. Sequence revocation is not an error and
// never comes through here; it is the boolean result of the data-plane
// operations.

// FatalHandler decides what a fatal infrastructure error does. It must not
// return normally: it should terminate the process or panic.
type FatalHandler func(msg string)

var fatalHandler atomic.Pointer[FatalHandler]

// SetFatalHandler replaces the handler invoked on fatal infrastructure
// errors and returns the previous one. A nil handler restores the default,
// which panics after logging.
func SetFatalHandler(h FatalHandler) FatalHandler {
	var prev *FatalHandler
	if h == nil {
		prev = fatalHandler.Swap(nil)
	} else {
		prev = fatalHandler.Swap(&h)
	}
	if prev == nil {
		return nil
	}
	return *prev
}

func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("%s", msg)
	if h := fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
	// Either no handler was installed or the installed one returned in
	// violation of its contract.
	panic(msg)
}
