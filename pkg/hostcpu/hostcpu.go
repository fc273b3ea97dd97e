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

//go:build linux

// Package hostcpu provides utilities for working with CPU information
// provided by the host Linux kernel.
package hostcpu

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"
	"unsafe"

	"golang.org/x/sys/unix"

	"rseq.dev/rseq/pkg/sync"
)

// GetCPU returns the caller's current CPU number, as reported by the kernel.
// The caller's goroutine should be locked to its OS thread for the result to
// remain meaningful past the return.
func GetCPU() (int, error) {
	var cpu uint32
	_, _, errno := unix.RawSyscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cpu)), 0, 0)
	if errno != 0 {
		return -1, errno
	}
	return int(cpu), nil
}

// MaxPossibleCPU returns the highest possible CPU number, which is guaranteed
// not to change for the lifetime of the host kernel.
func MaxPossibleCPU() (uint32, error) {
	const path = "/sys/devices/system/cpu/possible"
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	str := string(data)
	// Linux: drivers/base/cpu.c:show_cpus_attr() =>
	// include/linux/cpumask.h:cpumask_print_to_pagebuf() =>
	// lib/bitmap.c:bitmap_print_to_pagebuf()
	i, err := maxValueInLinuxBitmap(str)
	if err != nil {
		return 0, fmt.Errorf("invalid %s (%q): %v", path, str, err)
	}
	return uint32(i), nil
}

// maxValueInLinuxBitmap returns the maximum value specified in str, which is
// a string emitted by Linux's lib/bitmap.c:bitmap_print_to_pagebuf(list=true).
func maxValueInLinuxBitmap(str string) (uint64, error) {
	str = strings.TrimSpace(str)
	// Find the last decimal number in str.
	idx := strings.LastIndexFunc(str, func(c rune) bool {
		return !unicode.IsDigit(c)
	})
	if idx != -1 {
		str = str[idx+1:]
	}
	i, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, err
	}
	return i, nil
}

// NumCPUs returns the number of CPU slots a per-CPU sharded structure must
// provide so that any value returned by GetCPU indexes in range. This is
// MaxPossibleCPU()+1, not the online count: CPUs may be offline at startup
// and come online later.
var NumCPUs = sync.OnceValue(func() int {
	max, err := MaxPossibleCPU()
	if err != nil {
		// Fall back to the scheduler's view; better than failing outright.
		return len(mustAffinity())
	}
	return int(max) + 1
})

func mustAffinity() []int {
	var s unix.CPUSet
	if err := unix.SchedGetaffinity(0, &s); err != nil {
		panic(fmt.Sprintf("hostcpu: SchedGetaffinity failed: %v", err))
	}
	cpus := make([]int, 0, s.Count())
	for i := 0; i < len(s)*64; i++ {
		if s.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus
}

// SwitchTo pins the calling thread to the given CPU. It is intended for tests
// and benchmarks that need deterministic CPU placement; the caller must be
// locked to its OS thread.
func SwitchTo(cpu int) error {
	var s unix.CPUSet
	s.Zero()
	s.Set(cpu)
	return unix.SchedSetaffinity(0, &s)
}
