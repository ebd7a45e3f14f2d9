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

// Package bits includes all bit related types and operations.
package bits

// IsOn64 returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn64(mask, bits uint64) bool {
	return mask&bits == bits
}

// IsAnyOn64 returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn64(mask, bits uint64) bool {
	return mask&bits != 0
}

// MaskOf64 returns a mask with only bit i set.
func MaskOf64(i int) uint64 {
	return uint64(1) << uint64(i)
}

// GenMask64 returns a mask with bits [hi:lo] set, inclusive.
func GenMask64(hi, lo int) uint64 {
	if hi < lo || hi > 63 || lo < 0 {
		panic("bits: invalid mask range")
	}
	return (^uint64(0) >> uint(63-hi)) &^ (MaskOf64(lo) - 1)
}

// Extract64 returns bits [hi:lo] of v shifted down to bit 0.
func Extract64(v uint64, hi, lo int) uint64 {
	return (v & GenMask64(hi, lo)) >> uint(lo)
}

// Insert64 returns v with bits [hi:lo] replaced by field. Bits of field that
// do not fit are discarded.
func Insert64(v uint64, hi, lo int, field uint64) uint64 {
	m := GenMask64(hi, lo)
	return (v &^ m) | ((field << uint(lo)) & m)
}

// IsPowerOfTwo64 returns true if v is a power of two.
func IsPowerOfTwo64(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// AlignDown64 rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown64(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// IsAligned64 returns true if v is a multiple of align, which must be a power
// of two.
func IsAligned64(v, align uint64) bool {
	return v&(align-1) == 0
}
