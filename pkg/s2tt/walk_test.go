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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rmm/pkg/arch"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/physmem"
	"gvisor.dev/rmm/pkg/slot"
)

const memBase = hostarch.Addr(0x80000000)

type walkEnv struct {
	ctx *Context
	w   *Walker
	rec *arch.Recorder
}

func granuleAt(i int) hostarch.Addr {
	return memBase + hostarch.Addr(i)<<hostarch.GranuleShift
}

// newWalkEnv builds a 40-bit realm starting at level 1 with two root tables
// in granules 0 and 1.
func newWalkEnv(t *testing.T) *walkEnv {
	t.Helper()
	mem, err := physmem.New(memBase, 8)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	pas := arch.NewMemPAS(memBase, 8)
	for i := 0; i < 8; i++ {
		if err := pas.MarkSecure(granuleAt(i)); err != nil {
			t.Fatalf("MarkSecure: %v", err)
		}
	}
	n, ok := RootTables(40, 1)
	if !ok || n != 2 {
		t.Fatalf("RootTables(40, 1): got (%d, %t), wanted (2, true)", n, ok)
	}
	rec := &arch.Recorder{}
	e := &walkEnv{
		ctx: &Context{
			IPABits:    40,
			StartLevel: 1,
			RootBase:   memBase,
			NumRoots:   n,
			VMID:       1,
			Barriers:   rec,
		},
		w: &Walker{
			Granules: granule.NewTable(memBase, 8),
			Slots:    slot.New(mem, pas),
			Locks:    granule.NewOrderChecker(true),
		},
		rec: rec,
	}
	for i := 0; i < n; i++ {
		e.initTable(i, func(t Entries) { InitUnassigned(t, RIPASEmpty) })
	}
	return e
}

// initTable makes granule i an RTT filled by init.
func (e *walkEnv) initTable(i int, init func(Entries)) *granule.Granule {
	g := e.w.Granules.At(i)
	e.w.Locks.Lock(g, granule.RankArg)
	g.Transition(granule.RTT, nil)
	m, t := Map(e.w.Slots, g, slot.RTT)
	init(t)
	m.Unmap()
	e.w.Locks.Unlock(g)
	return g
}

func (e *walkEnv) store(i, idx int, v TTE) {
	g := e.w.Granules.At(i)
	e.w.Locks.Lock(g, granule.RankArg)
	m, t := Map(e.w.Slots, g, slot.RTT)
	t.Store(idx, v)
	m.Unmap()
	e.w.Locks.Unlock(g)
}

// snapshot returns the entries of the tables in granules 0 to n-1.
func (e *walkEnv) snapshot(n int) [][]TTE {
	tables := make([][]TTE, n)
	for i := range tables {
		g := e.w.Granules.At(i)
		e.w.Locks.Lock(g, granule.RankArg)
		m, t := Map(e.w.Slots, g, slot.RTT)
		tables[i] = make([]TTE, EntriesPerTable)
		for idx := range tables[i] {
			tables[i][idx] = t.Load(idx)
		}
		m.Unmap()
		e.w.Locks.Unlock(g)
	}
	return tables
}

func TestRootTables(t *testing.T) {
	for _, tc := range []struct {
		bits, start int
		n           int
		ok          bool
	}{
		{48, 0, 1, true},
		{39, 1, 1, true},
		{40, 1, 2, true},
		{43, 1, 16, true},
		{44, 1, 0, false},
		{32, 2, 4, true},
		{34, 2, 16, true},
		{35, 2, 0, false},
		{32, 1, 1, true},
		{31, 1, 0, false},
		{49, 0, 0, false},
		{36, 3, 0, false},
	} {
		n, ok := RootTables(tc.bits, tc.start)
		if n != tc.n || ok != tc.ok {
			t.Errorf("RootTables(%d, %d): got (%d, %t), wanted (%d, %t)", tc.bits, tc.start, n, ok, tc.n, tc.ok)
		}
	}
}

func TestAddressRanges(t *testing.T) {
	c := &Context{IPABits: 40}
	for _, tc := range []struct {
		ipa         hostarch.Addr
		par, unprot bool
	}{
		{0, true, false},
		{1<<39 - 1, true, false},
		{1 << 39, false, true},
		{1<<40 - 1, false, true},
		{1 << 40, false, false},
	} {
		if got := c.InPAR(tc.ipa); got != tc.par {
			t.Errorf("InPAR(%v): got %t, wanted %t", tc.ipa, got, tc.par)
		}
		if got := c.InUnprotected(tc.ipa); got != tc.unprot {
			t.Errorf("InUnprotected(%v): got %t, wanted %t", tc.ipa, got, tc.unprot)
		}
	}
	if c.ValidIPA(0x1000, 2) {
		t.Errorf("ValidIPA accepted an address misaligned for level 2")
	}
	if c.ValidIPA(1<<40, 3) {
		t.Errorf("ValidIPA accepted an address outside the IPA space")
	}
}

func TestWalk(t *testing.T) {
	e := newWalkEnv(t)
	const ipa = hostarch.Addr(0x40201000)
	l2 := e.initTable(2, func(t Entries) { InitUnassigned(t, RIPASRAM) })
	l3 := e.initTable(3, func(t Entries) { InitUnassigned(t, RIPASRAM) })
	e.store(0, Index(ipa, 1), Table(l2.Addr()))
	e.store(2, Index(ipa, 2), Table(l3.Addr()))
	before := e.snapshot(4)

	for _, tc := range []struct {
		name  string
		ipa   hostarch.Addr
		level int
		want  hostarch.Addr
		lvl   int
	}{
		{"to leaf", ipa, 3, l3.Addr(), 3},
		{"to level 2", ipa, 2, l2.Addr(), 2},
		{"root only", ipa, 1, granuleAt(0), 1},
		{"stops at unassigned", 0x80000000, 3, granuleAt(0), 1},
		{"second root", 1 << 39, 3, granuleAt(1), 1},
		{"unlinked level 3", ipa + 0x200000, 3, l2.Addr(), 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for i := 0; i < 2; i++ {
				r := e.w.Walk(e.ctx, tc.ipa, tc.level)
				if r.Table.Addr() != tc.want || r.Level != tc.lvl || r.Index != Index(tc.ipa, tc.lvl) {
					t.Errorf("Walk: got (%v, %d, %d), wanted (%v, %d, %d)", r.Table.Addr(), r.Level, r.Index, tc.want, tc.lvl, Index(tc.ipa, tc.lvl))
				}
				if !r.Table.IsLocked() || e.w.Locks.Held() != 1 {
					t.Errorf("Walk left %d locks held, wanted only the result table", e.w.Locks.Held())
				}
				e.w.Locks.Unlock(r.Table)
			}
			e.w.Locks.AssertNone()
			e.w.Slots.AssertEmpty()
		})
	}

	if diff := cmp.Diff(before, e.snapshot(4)); diff != "" {
		t.Errorf("tables changed by walking (-before +after):\n%s", diff)
	}

	r := e.w.Walk(e.ctx, ipa, 3)
	if got, want := e.w.Entry(r), Unassigned(RIPASRAM); got != want {
		t.Errorf("Entry: got %#x, wanted %#x", uint64(got), uint64(want))
	}
	e.w.Locks.Unlock(r.Table)
}

func TestWalkCorruptTable(t *testing.T) {
	e := newWalkEnv(t)
	// Granule 2 is delegated, not an RTT.
	g := e.w.Granules.At(2)
	e.w.Locks.Lock(g, granule.RankArg)
	g.Transition(granule.Delegated, nil)
	e.w.Locks.Unlock(g)
	e.store(0, 0, Table(g.Addr()))

	defer func() {
		if recover() == nil {
			t.Errorf("walk through a non-RTT granule did not panic")
		}
	}()
	e.w.Walk(e.ctx, 0, 3)
}

func TestInvalidatePagesInBlock(t *testing.T) {
	e := newWalkEnv(t)
	e.ctx.InvalidatePagesInBlock(0x200000, 3)
	ops := e.rec.Ops()
	if len(ops) != EntriesPerTable+3 {
		t.Fatalf("got %d ops, wanted %d", len(ops), EntriesPerTable+3)
	}
	if ops[0].Kind != "dsb-ishst" {
		t.Errorf("first op: got %v, wanted dsb-ishst", ops[0])
	}
	want := []arch.Op{{Kind: "dsb-ish"}, {Kind: "isb"}}
	if diff := cmp.Diff(want, ops[len(ops)-2:]); diff != "" {
		t.Errorf("trailing ops mismatch (-want +got):\n%s", diff)
	}
	last := ops[len(ops)-3]
	if last.IPA != 0x200000+511*0x1000 || last.Level != 3 {
		t.Errorf("last invalidation: got %v", last)
	}

	e.ctx.InvalidatePage(0x5000)
	if got, want := arch.Trace(e.rec.Ops()), "dsb-ishst tlbi-ipa(1,0x5000,L3) dsb-ish isb"; got != want {
		t.Errorf("InvalidatePage: got %q, wanted %q", got, want)
	}
}

func TestFoldChecks(t *testing.T) {
	b := make([]byte, hostarch.GranuleSize)
	tbl := EntriesOf(b)

	InitUnassigned(tbl, RIPASRAM)
	if r, ok := IsUnassignedBlock(tbl); !ok || r != RIPASRAM {
		t.Errorf("IsUnassignedBlock: got (%v, %t), wanted (RAM, true)", r, ok)
	}
	if IsLive(tbl, 3) {
		t.Errorf("unassigned table is live")
	}
	tbl.Store(7, Unassigned(RIPASEmpty))
	if _, ok := IsUnassignedBlock(tbl); ok {
		t.Errorf("mixed RIPAS folds")
	}

	InitDestroyed(tbl)
	if !IsDestroyedBlock(tbl) {
		t.Errorf("IsDestroyedBlock = false")
	}

	const pa = hostarch.Addr(0x80200000)
	InitValid(tbl, pa, 3)
	if got, ok := MapsValidBlock(tbl, 3); !ok || got != pa {
		t.Errorf("MapsValidBlock: got (%v, %t), wanted (%v, true)", got, ok, pa)
	}
	if !IsLive(tbl, 3) {
		t.Errorf("valid table is not live")
	}
	tbl.Store(3, Valid(pa+0x9000, 3))
	if _, ok := MapsValidBlock(tbl, 3); ok {
		t.Errorf("non-contiguous table folds")
	}

	InitValid(tbl, pa+0x1000*EntriesPerTable, 3)
	if _, ok := MapsValidBlock(tbl, 2); ok {
		t.Errorf("level 2 table folds into level 1")
	}

	InitAssignedEmpty(tbl, pa, 3)
	if got, ok := MapsAssignedBlock(tbl, 3); !ok || got != pa {
		t.Errorf("MapsAssignedBlock: got (%v, %t), wanted (%v, true)", got, ok, pa)
	}
	if _, ok := MapsValidBlock(tbl, 3); ok {
		t.Errorf("assigned table folds as valid")
	}

	host := uint64(0x90000000) | memAttrMask | s2apMask
	InitValidNS(tbl, ValidNS(host, 2), 3)
	if got, ok := MapsValidNSBlock(tbl, 3); !ok || got != host {
		t.Errorf("MapsValidNSBlock: got (%#x, %t), wanted (%#x, true)", got, ok, host)
	}
	tbl.Store(9, ValidNS(uint64(0x90009000), 3))
	if _, ok := MapsValidNSBlock(tbl, 3); ok {
		t.Errorf("mixed attributes fold")
	}
}
