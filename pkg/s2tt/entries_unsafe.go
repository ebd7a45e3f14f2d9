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

package s2tt

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"gvisor.dev/rmm/pkg/hostarch"
)

// Entries is a view of a mapped table granule as an array of entries.
//
// Entries are accessed with single-copy atomic 64-bit loads and stores, as a
// hardware table walker may read them concurrently.
type Entries struct {
	p *[EntriesPerTable]uint64
}

// EntriesOf returns the entries view of a mapped table granule.
func EntriesOf(b []byte) Entries {
	if len(b) != hostarch.GranuleSize {
		panic(fmt.Sprintf("table view of %d bytes", len(b)))
	}
	if uintptr(unsafe.Pointer(&b[0]))%8 != 0 {
		panic("table view is not 8-byte aligned")
	}
	return Entries{p: (*[EntriesPerTable]uint64)(unsafe.Pointer(&b[0]))}
}

// Load returns entry i.
func (t Entries) Load(i int) TTE {
	return TTE(atomic.LoadUint64(&t.p[i]))
}

// Store sets entry i.
func (t Entries) Store(i int, e TTE) {
	atomic.StoreUint64(&t.p[i], uint64(e))
}
