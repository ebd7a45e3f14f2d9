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

// Package hostarch describes the granule geometry shared by the monitor and
// the host it serves.
package hostarch

import "fmt"

const (
	// GranuleShift is the binary log of the granule size.
	GranuleShift = 12

	// GranuleSize is the size of a granule, the unit of physical memory
	// tracked by the monitor.
	GranuleSize = 1 << GranuleShift

	// GranuleMask is the mask of the offset within a granule.
	GranuleMask = GranuleSize - 1
)

// Addr is a physical or intermediate physical address.
type Addr uint64

// String implements fmt.Stringer.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// IsGranuleAligned returns true if v is aligned to a granule boundary.
func (v Addr) IsGranuleAligned() bool {
	return v&GranuleMask == 0
}

// RoundDown returns the address rounded down to the nearest granule boundary.
func (v Addr) RoundDown() Addr {
	return v &^ GranuleMask
}

// RoundUp returns the address rounded up to the nearest granule boundary.
// ok is true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + GranuleMask).RoundDown()
	ok = addr >= v
	return
}

// GranuleOffset returns the offset of v within its granule.
func (v Addr) GranuleOffset() uint64 {
	return uint64(v & GranuleMask)
}

// IsAligned returns true if v is aligned to size, which must be a power of
// two.
func (v Addr) IsAligned(size uint64) bool {
	return uint64(v)&(size-1) == 0
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}
