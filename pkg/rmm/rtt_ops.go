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

package rmm

import (
	"gvisor.dev/rmm/pkg/abi/rmi"
	"gvisor.dev/rmm/pkg/errors/rmmerr"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/measurement"
	"gvisor.dev/rmm/pkg/realm"
	"gvisor.dev/rmm/pkg/s2tt"
	"gvisor.dev/rmm/pkg/slot"
)

// checkTableLevel validates the level and address of a table below the
// start level: ipa must be aligned to the parent entry that maps it.
func checkTableLevel(s2 *s2tt.Context, ipa hostarch.Addr, level int) error {
	if level <= s2.StartLevel || level > s2tt.MaxLevel {
		return rmmerr.Inputf("table level %d, start level %d", level, s2.StartLevel)
	}
	if !s2.ValidIPA(ipa, level-1) {
		return rmmerr.Inputf("IPA %v for a level %d table", ipa, level)
	}
	return nil
}

// checkEntryLevel validates the level and address of an entry.
func checkEntryLevel(s2 *s2tt.Context, ipa hostarch.Addr, level int) error {
	if level < s2.StartLevel || level > s2tt.MaxLevel {
		return rmmerr.Inputf("level %d, start level %d", level, s2.StartLevel)
	}
	if !s2.ValidIPA(ipa, level) {
		return rmmerr.Inputf("IPA %v at level %d", ipa, level)
	}
	return nil
}

// checkProtected validates that the level block at ipa is inside the
// protected range.
func checkProtected(s2 *s2tt.Context, ipa hostarch.Addr, level int) error {
	end, ok := ipa.AddLength(s2tt.MapSize(level))
	if !ok || end > s2.ParSize() {
		return rmmerr.Inputf("block %v at level %d is not protected", ipa, level)
	}
	return nil
}

// invalidateEntry invalidates the translation of the entry at ipa and level.
func invalidateEntry(s2 *s2tt.Context, ipa hostarch.Addr, level int) {
	if level == s2tt.MaxLevel {
		s2.InvalidatePage(ipa)
		return
	}
	s2.InvalidateBlock(ipa, level)
}

// walkTo walks to the entry at ipa and level and maps its table. It returns
// an RTT error if the walk stops early; otherwise the caller must unmap m
// and unlock the table.
func (c *CPU) walkTo(s2 *s2tt.Context, ipa hostarch.Addr, level int) (s2tt.WalkResult, *slot.Mapping, s2tt.Entries, error) {
	w := c.walker.Walk(s2, ipa, level)
	if w.Level < level {
		c.locks.Unlock(w.Table)
		return w, nil, s2tt.Entries{}, rmmerr.RTTError(w.Level)
	}
	m, t := s2tt.Map(c.slots, w.Table, slot.RTT)
	return w, m, t, nil
}

// lockChild locks the table granule a table entry points to.
func (c *CPU) lockChild(pa hostarch.Addr) *granule.Granule {
	g := c.m.granules.Find(pa)
	if g == nil {
		fatalf("table entry points to unmanaged %v", pa)
	}
	c.locks.Lock(g, granule.RankEntry)
	if g.State() != granule.RTT {
		fatalf("table entry points to %v granule %v", g.State(), pa)
	}
	return g
}

// RTTCreate makes the delegated granule rttAddr the level table mapping ipa
// in the realm at rdAddr. The new table inherits the state of the parent
// entry it replaces.
func (c *CPU) RTTCreate(rdAddr, rttAddr, ipa hostarch.Addr, level int) (err error) {
	defer c.exit("RTT_CREATE", &err)

	gs, err := c.m.granules.FindLockSet(c.locks, []granule.Request{
		{Addr: rdAddr, State: granule.RD},
		{Addr: rttAddr, State: granule.Delegated},
	})
	if err != nil {
		return err
	}
	defer c.locks.UnlockAll(gs...)
	rttg := gs[1]
	s2 := &realm.LockedView(gs[0]).RD().S2
	if err := checkTableLevel(s2, ipa, level); err != nil {
		return err
	}

	w, pm, parent, err := c.walkTo(s2, ipa, level-1)
	if err != nil {
		return err
	}
	defer c.locks.Unlock(w.Table)
	defer pm.Unmap()

	e := parent.Load(w.Index)
	kind := s2tt.Classify(e, level-1)
	if kind == s2tt.KindTable {
		return rmmerr.RTTError(level)
	}

	cm, child := s2tt.Map(c.slots, rttg, slot.RTT2)
	bbm := false
	switch kind {
	case s2tt.KindUnassigned:
		ripas, _ := s2tt.RIPASOf(e, level-1)
		s2tt.InitUnassigned(child, ripas)
	case s2tt.KindDestroyed:
		s2tt.InitDestroyed(child)
	case s2tt.KindAssigned:
		s2tt.InitAssignedEmpty(child, s2tt.PA(e, level-1), level)
	case s2tt.KindValid:
		s2tt.InitValid(child, s2tt.PA(e, level-1), level)
		bbm = true
	case s2tt.KindValidNS:
		s2tt.InitValidNS(child, e, level)
		bbm = true
	}
	cm.Unmap()

	if bbm {
		// Break before make: the block must not be cached while the
		// table replacing it is installed.
		parent.Store(w.Index, s2tt.Destroyed())
		s2.InvalidateBlock(ipa, level-1)
	}
	parent.Store(w.Index, s2tt.Table(rttAddr))
	rttg.Transition(granule.RTT, nil)
	return nil
}

// RTTDestroy destroys the level table rttAddr mapping ipa in the realm at
// rdAddr. The table must have no live entries. The parent entry becomes
// destroyed in the protected range and unassigned in the unprotected range.
func (c *CPU) RTTDestroy(rdAddr, rttAddr, ipa hostarch.Addr, level int) (err error) {
	defer c.exit("RTT_DESTROY", &err)

	g, l, err := c.lockRD(rdAddr)
	if err != nil {
		return err
	}
	defer c.locks.Unlock(g)
	s2 := &l.RD().S2
	if err := checkTableLevel(s2, ipa, level); err != nil {
		return err
	}

	w, pm, parent, err := c.walkTo(s2, ipa, level-1)
	if err != nil {
		return err
	}
	defer c.locks.Unlock(w.Table)
	defer pm.Unmap()

	e := parent.Load(w.Index)
	if !s2tt.IsTable(e, level-1) {
		return rmmerr.RTTError(level - 1)
	}
	if pa := s2tt.PA(e, level-1); pa != rttAddr {
		return rmmerr.Inputf("level %d table at %v is %v, not %v", level, ipa, pa, rttAddr)
	}
	child := c.lockChild(rttAddr)
	defer c.locks.Unlock(child)

	cm, t := s2tt.Map(c.slots, child, slot.RTT2)
	live := s2tt.IsLive(t, level)
	cm.Unmap()
	if live {
		return rmmerr.ErrInUse
	}

	if s2.InUnprotected(ipa) {
		parent.Store(w.Index, s2tt.Unassigned(s2tt.RIPASEmpty))
	} else {
		parent.Store(w.Index, s2tt.Destroyed())
	}
	s2.InvalidateBlock(ipa, level-1)
	c.slots.Zero(child, slot.RTT2)
	child.Transition(granule.Delegated, nil)
	return nil
}

// foldEntry returns the level-1 entry equivalent to the level table t. valid
// is set if the table maps memory. ok is false if t is not homogeneous.
func foldEntry(t s2tt.Entries, level int) (e s2tt.TTE, valid, ok bool) {
	if ripas, ok := s2tt.IsUnassignedBlock(t); ok {
		return s2tt.Unassigned(ripas), false, true
	}
	if s2tt.IsDestroyedBlock(t) {
		return s2tt.Destroyed(), false, true
	}
	if pa, ok := s2tt.MapsAssignedBlock(t, level); ok {
		return s2tt.AssignedEmpty(pa, level-1), false, true
	}
	if pa, ok := s2tt.MapsValidBlock(t, level); ok {
		return s2tt.Valid(pa, level-1), true, true
	}
	if host, ok := s2tt.MapsValidNSBlock(t, level); ok {
		return s2tt.ValidNS(host, level-1), true, true
	}
	return 0, false, false
}

// RTTFold replaces the level table mapping ipa in the realm at rdAddr with a
// single entry in its parent. Every entry of the table must be in the same
// state and, for mappings, map a contiguous aligned block. It returns the
// address of the table, which becomes delegated.
func (c *CPU) RTTFold(rdAddr, ipa hostarch.Addr, level int) (rtt hostarch.Addr, err error) {
	defer c.exit("RTT_FOLD", &err)

	g, l, err := c.lockRD(rdAddr)
	if err != nil {
		return 0, err
	}
	defer c.locks.Unlock(g)
	s2 := &l.RD().S2
	if err := checkTableLevel(s2, ipa, level); err != nil {
		return 0, err
	}

	w, pm, parent, err := c.walkTo(s2, ipa, level-1)
	if err != nil {
		return 0, err
	}
	defer c.locks.Unlock(w.Table)
	defer pm.Unmap()

	e := parent.Load(w.Index)
	if !s2tt.IsTable(e, level-1) {
		return 0, rmmerr.RTTError(level - 1)
	}
	rtt = s2tt.PA(e, level-1)
	child := c.lockChild(rtt)
	defer c.locks.Unlock(child)

	cm, t := s2tt.Map(c.slots, child, slot.RTT2)
	folded, valid, ok := foldEntry(t, level)
	cm.Unmap()
	if !ok {
		return 0, rmmerr.ErrInUse
	}

	parent.Store(w.Index, folded)
	if valid {
		s2.InvalidatePagesInBlock(ipa, level)
	} else {
		s2.InvalidateBlock(ipa, level-1)
	}
	c.slots.Zero(child, slot.RTT2)
	child.Transition(granule.Delegated, nil)
	return rtt, nil
}

// RTTMapUnprotected maps host memory described by the host entry desc at ipa
// and level in the unprotected range of the realm at rdAddr.
func (c *CPU) RTTMapUnprotected(rdAddr, ipa hostarch.Addr, level int, desc uint64) (err error) {
	defer c.exit("RTT_MAP_UNPROTECTED", &err)

	g, l, err := c.lockRD(rdAddr)
	if err != nil {
		return err
	}
	defer c.locks.Unlock(g)
	s2 := &l.RD().S2
	if err := checkEntryLevel(s2, ipa, level); err != nil {
		return err
	}
	if level < s2tt.MinBlockLevel || !s2.InUnprotected(ipa) {
		return rmmerr.Inputf("unprotected mapping of %v at level %d", ipa, level)
	}
	if !s2tt.IsValidHostTTE(desc, level) {
		return rmmerr.Inputf("host entry %#x at level %d", desc, level)
	}

	w, m, t, err := c.walkTo(s2, ipa, level)
	if err != nil {
		return err
	}
	defer c.locks.Unlock(w.Table)
	defer m.Unmap()

	if !s2tt.IsUnassigned(t.Load(w.Index)) {
		return rmmerr.RTTError(level)
	}
	t.Store(w.Index, s2tt.ValidNS(desc, level))
	return nil
}

// RTTUnmapUnprotected removes the host mapping at ipa and level in the realm
// at rdAddr.
func (c *CPU) RTTUnmapUnprotected(rdAddr, ipa hostarch.Addr, level int) (err error) {
	defer c.exit("RTT_UNMAP_UNPROTECTED", &err)

	g, l, err := c.lockRD(rdAddr)
	if err != nil {
		return err
	}
	defer c.locks.Unlock(g)
	s2 := &l.RD().S2
	if err := checkEntryLevel(s2, ipa, level); err != nil {
		return err
	}
	if !s2.InUnprotected(ipa) {
		return rmmerr.Inputf("%v is not unprotected", ipa)
	}

	w, m, t, err := c.walkTo(s2, ipa, level)
	if err != nil {
		return err
	}
	defer c.locks.Unlock(w.Table)
	defer m.Unmap()

	if !s2tt.IsValidNS(t.Load(w.Index), level) {
		return rmmerr.RTTError(level)
	}
	t.Store(w.Index, s2tt.Unassigned(s2tt.RIPASEmpty))
	invalidateEntry(s2, ipa, level)
	return nil
}

// RTTEntry describes an RTT entry to the host.
type RTTEntry struct {
	// Level is the level the walk reached.
	Level int

	// State is one of rmi.RTTUnassigned and friends.
	State uint64

	// Desc is the output address, or the host attributes of a host
	// mapping.
	Desc uint64

	// RIPAS is meaningful for unassigned and assigned entries.
	RIPAS uint64
}

// RTTReadEntry returns the entry that maps ipa at level in the realm at
// rdAddr, or the entry the walk stopped at.
func (c *CPU) RTTReadEntry(rdAddr, ipa hostarch.Addr, level int) (ent RTTEntry, err error) {
	defer c.exit("RTT_READ_ENTRY", &err)

	g, l, err := c.lockRD(rdAddr)
	if err != nil {
		return RTTEntry{}, err
	}
	defer c.locks.Unlock(g)
	s2 := &l.RD().S2
	if err := checkEntryLevel(s2, ipa, level); err != nil {
		return RTTEntry{}, err
	}

	w := c.walker.Walk(s2, ipa, level)
	e := c.walker.Entry(w)
	c.locks.Unlock(w.Table)

	ent.Level = w.Level
	switch s2tt.Classify(e, w.Level) {
	case s2tt.KindUnassigned:
		ent.State = rmi.RTTUnassigned
	case s2tt.KindDestroyed:
		ent.State = rmi.RTTDestroyed
	case s2tt.KindAssigned, s2tt.KindValid:
		ent.State = rmi.RTTAssigned
		ent.Desc = uint64(s2tt.PA(e, w.Level))
	case s2tt.KindValidNS:
		ent.State = rmi.RTTValidNS
		ent.Desc = s2tt.HostAttrs(e)
	case s2tt.KindTable:
		ent.State = rmi.RTTTable
		ent.Desc = uint64(s2tt.PA(e, w.Level))
	}
	if ripas, ok := s2tt.RIPASOf(e, w.Level); ok {
		ent.RIPAS = uint64(ripas)
	}
	return ent, nil
}

// RTTInitRIPAS sets RIPAS RAM on the unassigned entry at ipa and level of
// the new realm at rdAddr, and measures the change.
func (c *CPU) RTTInitRIPAS(rdAddr, ipa hostarch.Addr, level int) (err error) {
	defer c.exit("RTT_INIT_RIPAS", &err)

	g, l, err := c.lockRD(rdAddr)
	if err != nil {
		return err
	}
	defer c.locks.Unlock(g)
	if l.State() != realm.New {
		return rmmerr.ErrRealm
	}
	rd := l.RD()
	s2 := &rd.S2
	if err := checkEntryLevel(s2, ipa, level); err != nil {
		return err
	}
	if err := checkProtected(s2, ipa, level); err != nil {
		return err
	}

	w, m, t, err := c.walkTo(s2, ipa, level)
	if err != nil {
		return err
	}
	defer c.locks.Unlock(w.Table)
	defer m.Unmap()

	if !s2tt.IsUnassigned(t.Load(w.Index)) {
		return rmmerr.RTTError(level)
	}
	t.Store(w.Index, s2tt.Unassigned(s2tt.RIPASRAM))
	rd.ExtendRIM(measurement.NewRIPAS(rd.RIM(), uint64(ipa), level))
	return nil
}

// RTTSetRIPAS applies the next step of the RIPAS change requested by the REC
// at recAddr: the entry at ipa and level of the realm at rdAddr takes the
// requested RIPAS.
func (c *CPU) RTTSetRIPAS(rdAddr, recAddr, ipa hostarch.Addr, level int, ripas uint64) (err error) {
	defer c.exit("RTT_SET_RIPAS", &err)

	gs, err := c.m.granules.FindLockSet(c.locks, []granule.Request{
		{Addr: rdAddr, State: granule.RD},
		{Addr: recAddr, State: granule.REC},
	})
	if err != nil {
		return err
	}
	defer c.locks.UnlockAll(gs...)
	rdg, recg := gs[0], gs[1]
	s2 := &realm.LockedView(rdg).RD().S2

	r := recg.Payload().(*realm.REC)
	if r.RD != rdg {
		return rmmerr.Inputf("REC %v is not in realm %v", recAddr, rdAddr)
	}
	if !recg.TryGetExclusive() {
		return rmmerr.ErrInUse
	}
	defer recg.Put()

	req := &r.SetRIPAS
	if !req.Pending() || ipa != req.Addr || ripas != uint64(req.RIPAS) {
		return rmmerr.Inputf("RIPAS %d at %v does not match the request of REC %v", ripas, ipa, recAddr)
	}
	if err := checkEntryLevel(s2, ipa, level); err != nil {
		return err
	}
	if end, ok := ipa.AddLength(s2tt.MapSize(level)); !ok || end > req.Top {
		return rmmerr.Inputf("level %d block at %v exceeds the request", level, ipa)
	}

	w, m, t, err := c.walkTo(s2, ipa, level)
	if err != nil {
		return err
	}
	defer c.locks.Unlock(w.Table)
	defer m.Unmap()

	e := t.Load(w.Index)
	switch s2tt.Classify(e, level) {
	case s2tt.KindUnassigned:
		t.Store(w.Index, s2tt.Unassigned(req.RIPAS))
	case s2tt.KindAssigned:
		if req.RIPAS == s2tt.RIPASRAM {
			t.Store(w.Index, s2tt.Valid(s2tt.PA(e, level), level))
		}
	case s2tt.KindValid:
		if req.RIPAS == s2tt.RIPASEmpty {
			t.Store(w.Index, s2tt.AssignedEmpty(s2tt.PA(e, level), level))
			invalidateEntry(s2, ipa, level)
		}
	default:
		return rmmerr.RTTError(level)
	}
	req.Addr += hostarch.Addr(s2tt.MapSize(level))
	return nil
}
