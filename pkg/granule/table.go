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

package granule

import (
	"fmt"
	"sort"

	"gvisor.dev/rmm/pkg/errors/rmmerr"
	"gvisor.dev/rmm/pkg/hostarch"
)

// Table is the fixed-size arena of granule records covering managed memory.
// All *Granule values point into it.
type Table struct {
	base     hostarch.Addr
	granules []Granule
}

// NewTable returns a table of n granules starting at base. Every granule is
// HostOwned.
func NewTable(base hostarch.Addr, n int) *Table {
	if !base.IsGranuleAligned() {
		panic(fmt.Sprintf("granule table base %v is not aligned", base))
	}
	t := &Table{
		base:     base,
		granules: make([]Granule, n),
	}
	for i := range t.granules {
		t.granules[i].addr = base + hostarch.Addr(i)<<hostarch.GranuleShift
	}
	return t
}

// Base returns the address of the first granule.
func (t *Table) Base() hostarch.Addr {
	return t.base
}

// Len returns the number of granules.
func (t *Table) Len() int {
	return len(t.granules)
}

// At returns the i'th granule.
func (t *Table) At(i int) *Granule {
	return &t.granules[i]
}

// Find returns the granule at addr, or nil if addr is not granule aligned or
// not managed.
func (t *Table) Find(addr hostarch.Addr) *Granule {
	if !addr.IsGranuleAligned() || addr < t.base {
		return nil
	}
	i := uint64(addr-t.base) >> hostarch.GranuleShift
	if i >= uint64(len(t.granules)) {
		return nil
	}
	return &t.granules[i]
}

// FindLock finds the granule at addr and locks it at RankArg if it is in
// state s. It returns nil, holding no lock, otherwise.
func (t *Table) FindLock(o *OrderChecker, addr hostarch.Addr, s State) *Granule {
	g := t.Find(addr)
	if g == nil {
		return nil
	}
	o.Lock(g, RankArg)
	if g.state != s {
		o.Unlock(g)
		return nil
	}
	return g
}

// Request names a granule and the state it is expected to be in.
type Request struct {
	Addr  hostarch.Addr
	State State
}

// FindLockSet locks the granules named by reqs in ascending address order
// and checks that each is in its expected state. The result is in the order
// of reqs.
//
// On failure no lock is held and the error is rmmerr.ErrInput. Naming the
// same granule twice is a failure.
func (t *Table) FindLockSet(o *OrderChecker, reqs []Request) ([]*Granule, error) {
	gs := make([]*Granule, len(reqs))
	order := make([]int, len(reqs))
	for i, r := range reqs {
		g := t.Find(r.Addr)
		if g == nil {
			return nil, rmmerr.Inputf("granule %v is not managed", r.Addr)
		}
		gs[i] = g
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return reqs[order[a]].Addr < reqs[order[b]].Addr
	})
	for i := 1; i < len(order); i++ {
		if reqs[order[i]].Addr == reqs[order[i-1]].Addr {
			return nil, rmmerr.Inputf("granule %v named twice", reqs[order[i]].Addr)
		}
	}

	for n, i := range order {
		g := gs[i]
		o.Lock(g, RankArg)
		if g.state != reqs[i].State {
			for _, j := range order[:n+1] {
				o.Unlock(gs[j])
			}
			return nil, rmmerr.Inputf("granule %v is %v, expected %v", g.addr, g.state, reqs[i].State)
		}
	}
	return gs, nil
}
