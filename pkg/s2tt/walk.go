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

	"gvisor.dev/rmm/pkg/arch"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/slot"
)

// Context describes the stage 2 translation of one realm.
type Context struct {
	// IPABits is the width of the IPA space. The upper half is the
	// unprotected IPA range.
	IPABits int

	// StartLevel is the level of the root tables.
	StartLevel int

	// RootBase is the address of the first root table. Root tables are
	// physically contiguous.
	RootBase hostarch.Addr

	// NumRoots is the number of concatenated root tables.
	NumRoots int

	// VMID tags the realm's cached translations.
	VMID uint16

	// Barriers performs TLB maintenance.
	Barriers arch.Barriers
}

// RootTables returns the number of concatenated root tables needed to
// translate ipaBits from startLevel. ok is false if the combination is not
// supported.
func RootTables(ipaBits, startLevel int) (n int, ok bool) {
	if ipaBits < MinIPABits || ipaBits > MaxIPABits {
		return 0, false
	}
	if startLevel < MinLevel || startLevel > MaxLevel {
		return 0, false
	}
	shift := int(LevelShift(startLevel))
	if ipaBits <= shift {
		return 0, false
	}
	covered := shift + levelBits
	if ipaBits <= covered {
		return 1, true
	}
	if ipaBits-covered > 4 {
		return 0, false
	}
	return 1 << (ipaBits - covered), true
}

// Root returns the address of root table i.
func (c *Context) Root(i int) hostarch.Addr {
	return c.RootBase + hostarch.Addr(i)<<hostarch.GranuleShift
}

// ParSize returns the size of the protected address range.
func (c *Context) ParSize() hostarch.Addr {
	return 1 << (c.IPABits - 1)
}

// InPAR returns true if ipa is in the protected address range.
func (c *Context) InPAR(ipa hostarch.Addr) bool {
	return ipa < c.ParSize()
}

// InUnprotected returns true if ipa is in the unprotected address range.
func (c *Context) InUnprotected(ipa hostarch.Addr) bool {
	return ipa >= c.ParSize() && ipa < 1<<c.IPABits
}

// ValidIPA returns true if ipa is inside the IPA space and aligned to level.
func (c *Context) ValidIPA(ipa hostarch.Addr, level int) bool {
	return ipa < 1<<c.IPABits && IsLevelAligned(ipa, level)
}

// InvalidatePage invalidates the translation of the page at ipa.
func (c *Context) InvalidatePage(ipa hostarch.Addr) {
	arch.InvalidateIPA(c.Barriers, c.VMID, ipa, MaxLevel)
}

// InvalidateBlock invalidates the translation of the block at ipa, mapped at
// level.
func (c *Context) InvalidateBlock(ipa hostarch.Addr, level int) {
	arch.InvalidateIPA(c.Barriers, c.VMID, ipa, level)
}

// InvalidatePagesInBlock invalidates every level entry of the level-1 block
// at ipa. It is used when a table of valid entries is unlinked.
func (c *Context) InvalidatePagesInBlock(ipa hostarch.Addr, level int) {
	sz := hostarch.Addr(MapSize(level))
	c.Barriers.DSBStore()
	for i := 0; i < EntriesPerTable; i++ {
		c.Barriers.TLBIIPA(c.VMID, ipa+hostarch.Addr(i)*sz, level)
	}
	c.Barriers.DSB()
	c.Barriers.ISB()
}

// Map maps the table granule g into sl and returns the mapping and its
// entries view. The caller unmaps.
func Map(s *slot.Slots, g *granule.Granule, sl slot.Slot) (*slot.Mapping, Entries) {
	m := s.Map(g, sl)
	return m, EntriesOf(m.Bytes())
}

// WalkResult is the table entry a walk stopped at.
type WalkResult struct {
	// Table is the locked table granule holding the entry.
	Table *granule.Granule

	// Level is the level of Table.
	Level int

	// Index is the index of the entry in Table.
	Index int
}

// Walker walks realm translation tables.
type Walker struct {
	Granules *granule.Table
	Slots    *slot.Slots
	Locks    *granule.OrderChecker
}

// Walk descends from the root tables of c towards the entry that translates
// ipa at level. It stops early at the first entry that is not a table. Table
// locks are taken hand-over-hand; on return only the table of the result is
// locked and the caller must unlock it.
//
// ipa must be in the IPA space of c and level must be between the start
// level and MaxLevel. A table entry that does not point to an RTT granule is
// corruption and Walk panics.
func (w *Walker) Walk(c *Context, ipa hostarch.Addr, level int) WalkResult {
	if level < c.StartLevel || level > MaxLevel {
		panic(fmt.Sprintf("walk to level %d from start level %d", level, c.StartLevel))
	}
	if ipa>>c.IPABits != 0 {
		panic(fmt.Sprintf("walk of %v outside a %d-bit IPA space", ipa, c.IPABits))
	}

	// The start level index spans the concatenated roots.
	idx := uint64(ipa) >> LevelShift(c.StartLevel)
	root := int(idx / EntriesPerTable)
	if root >= c.NumRoots {
		panic(fmt.Sprintf("walk of %v selects root %d of %d", ipa, root, c.NumRoots))
	}
	g := w.Granules.Find(c.Root(root))
	if g == nil {
		panic(fmt.Sprintf("root table %v is not a granule", c.Root(root)))
	}
	w.Locks.Lock(g, granule.WalkRank(c.StartLevel))
	if g.State() != granule.RTT {
		panic(fmt.Sprintf("root table %v is %v", g, g.State()))
	}

	l := c.StartLevel
	for l < level {
		i := Index(ipa, l)
		m, t := Map(w.Slots, g, slot.RTT)
		e := t.Load(i)
		m.Unmap()
		if !IsTable(e, l) {
			break
		}
		child := w.Granules.Find(PA(e, l))
		if child == nil {
			panic(fmt.Sprintf("table entry %#x at %v[%d] points outside the granule table", uint64(e), g, i))
		}
		w.Locks.Lock(child, granule.WalkRank(l+1))
		if child.State() != granule.RTT {
			panic(fmt.Sprintf("table entry %#x at %v[%d] points to %v granule", uint64(e), g, i, child.State()))
		}
		w.Locks.Unlock(g)
		g = child
		l++
	}
	return WalkResult{
		Table: g,
		Level: l,
		Index: Index(ipa, l),
	}
}

// Entry returns the entry of r. The table of r must be locked.
func (w *Walker) Entry(r WalkResult) TTE {
	m, t := Map(w.Slots, r.Table, slot.RTT)
	defer m.Unmap()
	return t.Load(r.Index)
}

// Translation is the result of translating a protected IPA.
type Translation struct {
	// Table is the locked table holding the mapping, or nil if the IPA
	// is not mapped.
	Table *granule.Granule

	// PA is the granule the IPA maps to.
	PA hostarch.Addr

	// Level is the level of the entry the walk stopped at.
	Level int

	// RIPAS of the entry. It is meaningless if Destroyed is set.
	RIPAS RIPAS

	// Destroyed is set if the entry is destroyed.
	Destroyed bool
}

// Translate walks to the entry that maps the granule-aligned ipa. If the
// entry is a valid mapping, Translate returns with its table locked and the
// caller must unlock it. Otherwise no lock is held on return.
func (w *Walker) Translate(c *Context, ipa hostarch.Addr) Translation {
	r := w.Walk(c, ipa, MaxLevel)
	e := w.Entry(r)
	t := Translation{Level: r.Level}
	switch Classify(e, r.Level) {
	case KindValid:
		t.Table = r.Table
		t.PA = PA(e, r.Level) + (ipa & hostarch.Addr(MapSize(r.Level)-1) &^ hostarch.GranuleMask)
		t.RIPAS = RIPASRAM
		return t
	case KindDestroyed:
		t.Destroyed = true
	case KindUnassigned, KindAssigned:
		t.RIPAS, _ = RIPASOf(e, r.Level)
	case KindValidNS, KindTable:
		panic(fmt.Sprintf("protected IPA %v translates through %v entry %#x", ipa, Classify(e, r.Level), uint64(e)))
	}
	w.Locks.Unlock(r.Table)
	return t
}
