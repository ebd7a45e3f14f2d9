// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a fixed-size bitmap, used to track identifiers
// such as realm VMIDs.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a set of integers in [0, Size()).
//
// Bitmap is not safe for concurrent use.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. Each word holds 64 entries.
	bitBlock []uint64
}

// New creates an empty Bitmap of at least size bits.
func New(size uint32) Bitmap {
	return Bitmap{bitBlock: make([]uint64, (size+63)/64)}
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() int {
	return len(b.bitBlock) * 64
}

func (b *Bitmap) locate(i uint32) (int, uint64) {
	blockNum := int(i / 64)
	if blockNum >= len(b.bitBlock) {
		panic(fmt.Sprintf("bit %d outside a bitmap of %d bits", i, b.Size()))
	}
	return blockNum, uint64(1) << (i % 64)
}

// Contains returns true if bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	n, mask := b.locate(i)
	return b.bitBlock[n]&mask != 0
}

// Add sets bit i. It returns false if the bit was already set.
func (b *Bitmap) Add(i uint32) bool {
	n, mask := b.locate(i)
	if b.bitBlock[n]&mask != 0 {
		return false
	}
	b.bitBlock[n] |= mask
	b.numOnes++
	return true
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	n, mask := b.locate(i)
	if b.bitBlock[n]&mask != 0 {
		b.bitBlock[n] &^= mask
		b.numOnes--
	}
}

// FirstZero returns the first unset bit from the range [start, ).
func (b *Bitmap) FirstZero(start uint32) (bit uint32, err error) {
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	if i >= n {
		return 0, fmt.Errorf("given start of range exceeds bitmap size")
	}
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := bits.TrailingZeros64(^w)
			return uint32(r + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return 0, fmt.Errorf("bitmap has no unset bits")
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}
