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

package atomicbitops

import (
	"sync/atomic"

	"gvisor.dev/rmm/pkg/sync"
)

// Uint64 is an atomic uint64.
//
// Don't add fields to this struct. Granule and REC bookkeeping embed it and
// rely on it staying the size of its builtin analogue.
type Uint64 struct {
	_     sync.NoCopy
	value uint64
}

// FromUint64 returns a Uint64 initialized to v.
func FromUint64(v uint64) Uint64 {
	return Uint64{value: v}
}

// Load returns the value with acquire ordering.
func (u *Uint64) Load() uint64 {
	return atomic.LoadUint64(&u.value)
}

// RacyLoad returns the value without synchronization. The caller must hold
// the lock that serializes writers.
func (u *Uint64) RacyLoad() uint64 {
	return u.value
}

// Store sets the value with release ordering.
func (u *Uint64) Store(v uint64) {
	atomic.StoreUint64(&u.value, v)
}

// RacyStore sets the value without synchronization.
func (u *Uint64) RacyStore(v uint64) {
	u.value = v
}

// Add atomically adds v and returns the new value.
func (u *Uint64) Add(v uint64) uint64 {
	return atomic.AddUint64(&u.value, v)
}

// Sub atomically subtracts v and returns the new value.
func (u *Uint64) Sub(v uint64) uint64 {
	return atomic.AddUint64(&u.value, ^(v - 1))
}

// Swap is analogous to atomic.SwapUint64.
func (u *Uint64) Swap(v uint64) uint64 {
	return atomic.SwapUint64(&u.value, v)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapUint64.
func (u *Uint64) CompareAndSwap(oldVal, newVal uint64) bool {
	return atomic.CompareAndSwapUint64(&u.value, oldVal, newVal)
}
