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

// dataEntry returns the entry that assigns the granule pa in place of the
// unassigned page entry e. It returns false if e is not unassigned.
func dataEntry(e s2tt.TTE, pa hostarch.Addr) (s2tt.TTE, bool) {
	if !s2tt.IsUnassigned(e) {
		return 0, false
	}
	if ripas, _ := s2tt.RIPASOf(e, s2tt.MaxLevel); ripas == s2tt.RIPASRAM {
		return s2tt.Valid(pa, s2tt.MaxLevel), true
	}
	return s2tt.AssignedEmpty(pa, s2tt.MaxLevel), true
}

// createData assigns the locked delegated granule g to ipa. If src is not
// nil it is copied into the granule before the mapping is installed.
//
// Preconditions: the RD holding s2 and g are locked.
func (c *CPU) createData(s2 *s2tt.Context, g *granule.Granule, ipa hostarch.Addr, src []byte) error {
	if !s2.InPAR(ipa) || !s2.ValidIPA(ipa, s2tt.MaxLevel) {
		return rmmerr.Inputf("data IPA %v", ipa)
	}
	w, m, t, err := c.walkTo(s2, ipa, s2tt.MaxLevel)
	if err != nil {
		return err
	}
	defer c.locks.Unlock(w.Table)
	defer m.Unmap()

	e, ok := dataEntry(t.Load(w.Index), g.Addr())
	if !ok {
		return rmmerr.RTTError(s2tt.MaxLevel)
	}
	if src != nil {
		dm := c.slots.Map(g, slot.Data)
		copy(dm.Bytes(), src)
		dm.Unmap()
	}
	t.Store(w.Index, e)
	g.Transition(granule.Data, nil)
	return nil
}

// DataCreate makes the delegated granule dataAddr the page at ipa of the new
// realm at rdAddr, initialized with the contents of the host granule srcAddr.
// With rmi.DataMeasureContent the contents are measured into the RIM.
func (c *CPU) DataCreate(rdAddr, dataAddr, ipa, srcAddr hostarch.Addr, flags uint64) (err error) {
	defer c.exit("DATA_CREATE", &err)

	if flags&^rmi.DataMeasureContent != 0 {
		return rmmerr.Inputf("unsupported data flags %#x", flags)
	}
	src := make([]byte, hostarch.GranuleSize)
	if err := c.slots.ReadNS(srcAddr, 0, src); err != nil {
		return err
	}

	gs, err := c.m.granules.FindLockSet(c.locks, []granule.Request{
		{Addr: rdAddr, State: granule.RD},
		{Addr: dataAddr, State: granule.Delegated},
	})
	if err != nil {
		return err
	}
	defer c.locks.UnlockAll(gs...)
	l := realm.LockedView(gs[0])
	if l.State() != realm.New {
		return rmmerr.ErrRealm
	}
	rd := l.RD()

	if err := c.createData(&rd.S2, gs[1], ipa, src); err != nil {
		return err
	}
	var content measurement.Digest
	if flags&rmi.DataMeasureContent != 0 {
		content = measurement.Hash(rd.Algo, src)
	}
	rd.ExtendRIM(measurement.NewData(rd.RIM(), uint64(ipa), flags, content))
	return nil
}

// DataCreateUnknown makes the delegated granule dataAddr the page at ipa of
// the realm at rdAddr. Its contents are zero and are not measured.
func (c *CPU) DataCreateUnknown(rdAddr, dataAddr, ipa hostarch.Addr) (err error) {
	defer c.exit("DATA_CREATE_UNKNOWN", &err)

	gs, err := c.m.granules.FindLockSet(c.locks, []granule.Request{
		{Addr: rdAddr, State: granule.RD},
		{Addr: dataAddr, State: granule.Delegated},
	})
	if err != nil {
		return err
	}
	defer c.locks.UnlockAll(gs...)
	return c.createData(&realm.LockedView(gs[0]).RD().S2, gs[1], ipa, nil)
}

// DataDestroy removes the page at ipa of the realm at rdAddr. A mapped page
// leaves a destroyed entry behind, an unmapped one an unassigned EMPTY entry.
// It returns the address of the granule, which becomes delegated.
func (c *CPU) DataDestroy(rdAddr, ipa hostarch.Addr) (data hostarch.Addr, err error) {
	defer c.exit("DATA_DESTROY", &err)

	g, l, err := c.lockRD(rdAddr)
	if err != nil {
		return 0, err
	}
	defer c.locks.Unlock(g)
	s2 := &l.RD().S2
	if !s2.InPAR(ipa) || !s2.ValidIPA(ipa, s2tt.MaxLevel) {
		return 0, rmmerr.Inputf("data IPA %v", ipa)
	}

	w, m, t, err := c.walkTo(s2, ipa, s2tt.MaxLevel)
	if err != nil {
		return 0, err
	}
	defer c.locks.Unlock(w.Table)
	defer m.Unmap()

	e := t.Load(w.Index)
	switch s2tt.Classify(e, s2tt.MaxLevel) {
	case s2tt.KindValid:
		t.Store(w.Index, s2tt.Destroyed())
		s2.InvalidatePage(ipa)
	case s2tt.KindAssigned:
		t.Store(w.Index, s2tt.Unassigned(s2tt.RIPASEmpty))
	default:
		return 0, rmmerr.RTTError(s2tt.MaxLevel)
	}

	data = s2tt.PA(e, s2tt.MaxLevel)
	dg := c.m.granules.Find(data)
	if dg == nil {
		fatalf("page %v of realm %v maps unmanaged %v", ipa, rdAddr, data)
	}
	c.locks.Lock(dg, granule.RankEntry)
	defer c.locks.Unlock(dg)
	if dg.State() != granule.Data {
		fatalf("page %v of realm %v maps %v granule %v", ipa, rdAddr, dg.State(), data)
	}
	c.slots.Zero(dg, slot.Data)
	dg.Transition(granule.Delegated, nil)
	return data, nil
}
