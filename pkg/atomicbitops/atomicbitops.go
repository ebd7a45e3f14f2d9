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

// Package atomicbitops provides word-sized values that support both a
// synchronized and an unsynchronized access protocol.
//
// Monitor objects are frequently accessed in two ways: by a CPU holding the
// owning granule lock, which may use plain loads and stores (the Racy*
// methods), and by a CPU holding only a reference, which must use Load
// (acquire) to observe a value published with Store (release). Mixing the two
// on one field is only correct when every writer holds the lock and uses
// Store.
package atomicbitops

import (
	"sync/atomic"

	"gvisor.dev/rmm/pkg/sync"
)

// Uint32 is an atomic uint32.
//
// The zero value is zero.
type Uint32 struct {
	_     sync.NoCopy
	value uint32
}

// FromUint32 returns a Uint32 initialized to v.
func FromUint32(v uint32) Uint32 {
	return Uint32{value: v}
}

// Load returns the value with acquire ordering.
func (u *Uint32) Load() uint32 {
	return atomic.LoadUint32(&u.value)
}

// RacyLoad returns the value without synchronization. The caller must hold
// the lock that serializes writers.
func (u *Uint32) RacyLoad() uint32 {
	return u.value
}

// Store sets the value with release ordering.
func (u *Uint32) Store(v uint32) {
	atomic.StoreUint32(&u.value, v)
}

// RacyStore sets the value without synchronization.
func (u *Uint32) RacyStore(v uint32) {
	u.value = v
}

// Add atomically adds v and returns the new value.
func (u *Uint32) Add(v uint32) uint32 {
	return atomic.AddUint32(&u.value, v)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapUint32.
func (u *Uint32) CompareAndSwap(oldVal, newVal uint32) bool {
	return atomic.CompareAndSwapUint32(&u.value, oldVal, newVal)
}

// Bool is an atomic boolean backed by a Uint32.
type Bool struct {
	Uint32
}

// FromBool returns a Bool initialized to v.
func FromBool(v bool) Bool {
	return Bool{FromUint32(b32(v))}
}

// Load returns the value with acquire ordering.
func (b *Bool) Load() bool {
	return b.Uint32.Load() == 1
}

// RacyLoad returns the value without synchronization.
func (b *Bool) RacyLoad() bool {
	return b.Uint32.RacyLoad() == 1
}

// Store sets the value with release ordering.
func (b *Bool) Store(v bool) {
	b.Uint32.Store(b32(v))
}

// RacyStore sets the value without synchronization.
func (b *Bool) RacyStore(v bool) {
	b.Uint32.RacyStore(b32(v))
}

func b32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
