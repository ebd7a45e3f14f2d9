// Copyright 2026 The gVisor Authors.
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

package hostarch

import "testing"

func TestRounding(t *testing.T) {
	for _, tc := range []struct {
		addr     Addr
		down, up Addr
		aligned  bool
		upOK     bool
	}{
		{addr: 0, down: 0, up: 0, aligned: true, upOK: true},
		{addr: 0x1000, down: 0x1000, up: 0x1000, aligned: true, upOK: true},
		{addr: 0x1001, down: 0x1000, up: 0x2000, upOK: true},
		{addr: 0x1fff, down: 0x1000, up: 0x2000, upOK: true},
		{addr: ^Addr(0), down: ^Addr(GranuleMask), up: 0, upOK: false},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown(): got %v, wanted %v", tc.addr, got, tc.down)
		}
		up, ok := tc.addr.RoundUp()
		if ok != tc.upOK || (ok && up != tc.up) {
			t.Errorf("%v.RoundUp(): got (%v, %t), wanted (%v, %t)", tc.addr, up, ok, tc.up, tc.upOK)
		}
		if got := tc.addr.IsGranuleAligned(); got != tc.aligned {
			t.Errorf("%v.IsGranuleAligned(): got %t, wanted %t", tc.addr, got, tc.aligned)
		}
	}
}

func TestAddLength(t *testing.T) {
	if _, ok := Addr(^uint64(0) - 1).AddLength(4); ok {
		t.Errorf("AddLength overflow not detected")
	}
	if end, ok := Addr(0x1000).AddLength(0x1000); !ok || end != 0x2000 {
		t.Errorf("AddLength: got (%v, %t), wanted (0x2000, true)", end, ok)
	}
}
