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

package hostcpu

import (
	"fmt"
	"runtime"
	"testing"

	"golang.org/x/sys/unix"
)

func TestMaxValueInLinuxBitmap(t *testing.T) {
	for _, test := range []struct {
		str string
		max uint64
	}{
		{"0", 0},
		{"0\n", 0},
		{"0,2", 2},
		{"0-63", 63},
		{"0-3,8-11", 11},
	} {
		t.Run(fmt.Sprintf("%q", test.str), func(t *testing.T) {
			max, err := maxValueInLinuxBitmap(test.str)
			if err != nil || max != test.max {
				t.Errorf("maxValueInLinuxBitmap: got (%d, %v), wanted (%d, nil)", max, err, test.max)
			}
		})
	}
}

func TestMaxValueInLinuxBitmapErrors(t *testing.T) {
	for _, str := range []string{"", "\n"} {
		t.Run(fmt.Sprintf("%q", str), func(t *testing.T) {
			max, err := maxValueInLinuxBitmap(str)
			if err == nil {
				t.Errorf("maxValueInLinuxBitmap: got (%d, nil), wanted (_, error)", max)
			}
		})
	}
}

func TestGetCPUInRange(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cpu, err := GetCPU()
	if err != nil {
		t.Fatalf("GetCPU failed: %v", err)
	}
	if n := NumCPUs(); cpu < 0 || cpu >= n {
		t.Errorf("GetCPU returned %d, want [0, %d)", cpu, n)
	}
}

func TestSwitchTo(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var orig unix.CPUSet
	if err := unix.SchedGetaffinity(0, &orig); err != nil {
		t.Fatalf("SchedGetaffinity failed: %v", err)
	}
	defer unix.SchedSetaffinity(0, &orig)

	for cpu := 0; cpu < len(orig)*64; cpu++ {
		if !orig.IsSet(cpu) {
			continue
		}
		if err := SwitchTo(cpu); err != nil {
			t.Fatalf("SwitchTo(%d) failed: %v", cpu, err)
		}
		got, err := GetCPU()
		if err != nil {
			t.Fatalf("GetCPU failed: %v", err)
		}
		if got != cpu {
			t.Errorf("after SwitchTo(%d), GetCPU returned %d", cpu, got)
		}
		return // one CPU is enough
	}
	t.Skip("no allowed CPU found")
}
