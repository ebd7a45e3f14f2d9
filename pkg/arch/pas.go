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

package arch

import (
	"fmt"

	"gvisor.dev/rmm/pkg/atomicbitops"
	"gvisor.dev/rmm/pkg/hostarch"
)

// PAS changes the physical address space of granules.
type PAS interface {
	// MarkSecure moves the granule at addr to the realm PAS.
	MarkSecure(addr hostarch.Addr) error

	// MarkNonSecure moves the granule at addr to the non-secure PAS.
	MarkNonSecure(addr hostarch.Addr) error

	// IsNonSecure returns true if the granule at addr is non-secure.
	IsNonSecure(addr hostarch.Addr) bool
}

// MemPAS is an in-memory PAS controller for a contiguous granule range. All
// granules start non-secure; addresses outside the range are always
// non-secure and cannot change.
type MemPAS struct {
	base   hostarch.Addr
	secure []atomicbitops.Bool
}

// NewMemPAS returns a controller for n granules starting at base.
func NewMemPAS(base hostarch.Addr, n int) *MemPAS {
	return &MemPAS{
		base:   base,
		secure: make([]atomicbitops.Bool, n),
	}
}

func (p *MemPAS) index(addr hostarch.Addr) (int, bool) {
	if !addr.IsGranuleAligned() || addr < p.base {
		return 0, false
	}
	i := uint64(addr-p.base) >> hostarch.GranuleShift
	if i >= uint64(len(p.secure)) {
		return 0, false
	}
	return int(i), true
}

func (p *MemPAS) set(addr hostarch.Addr, secure bool) error {
	i, ok := p.index(addr)
	if !ok {
		return fmt.Errorf("PAS: %v is not a managed granule", addr)
	}
	if p.secure[i].Load() == secure {
		return fmt.Errorf("PAS: %v already has secure=%t", addr, secure)
	}
	p.secure[i].Store(secure)
	return nil
}

// MarkSecure implements PAS.MarkSecure.
func (p *MemPAS) MarkSecure(addr hostarch.Addr) error {
	return p.set(addr, true)
}

// MarkNonSecure implements PAS.MarkNonSecure.
func (p *MemPAS) MarkNonSecure(addr hostarch.Addr) error {
	return p.set(addr, false)
}

// IsNonSecure implements PAS.IsNonSecure.
func (p *MemPAS) IsNonSecure(addr hostarch.Addr) bool {
	i, ok := p.index(addr.RoundDown())
	if !ok {
		return true
	}
	return !p.secure[i].Load()
}
