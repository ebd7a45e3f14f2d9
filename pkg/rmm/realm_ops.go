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
	"gvisor.dev/rmm/pkg/arch"
	"gvisor.dev/rmm/pkg/binary"
	"gvisor.dev/rmm/pkg/cleanup"
	"gvisor.dev/rmm/pkg/errors/rmmerr"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/measurement"
	"gvisor.dev/rmm/pkg/realm"
	"gvisor.dev/rmm/pkg/s2tt"
	"gvisor.dev/rmm/pkg/slot"
)

// readParams copies the host granule at addr into v, a parameter structure
// the size of a granule.
func (c *CPU) readParams(addr hostarch.Addr, v any) error {
	buf := make([]byte, hostarch.GranuleSize)
	if err := c.slots.ReadNS(addr, 0, buf); err != nil {
		return err
	}
	binary.Unmarshal(buf, binary.LittleEndian, v)
	return nil
}

// lockRD locks the RD granule at addr and returns it with its view.
func (c *CPU) lockRD(addr hostarch.Addr) (*granule.Granule, realm.Locked, error) {
	g := c.m.granules.FindLock(c.locks, addr, granule.RD)
	if g == nil {
		return nil, realm.Locked{}, rmmerr.Inputf("%v is not an RD", addr)
	}
	return g, realm.LockedView(g), nil
}

// validateRealmParams checks p against the monitor's limits and returns the
// translation context it describes, without the barriers.
func (c *CPU) validateRealmParams(p *rmi.RealmParams) (s2tt.Context, measurement.Algo, error) {
	algo := measurement.Algo(p.HashAlgo)
	if p.HashAlgo > 0xff || !algo.Valid() {
		return s2tt.Context{}, 0, rmmerr.Inputf("unsupported hash algorithm %d", p.HashAlgo)
	}
	if p.Flags != 0 {
		return s2tt.Context{}, 0, rmmerr.Inputf("unsupported realm flags %#x", p.Flags)
	}
	ipaBits := int(p.S2SZ)
	if p.S2SZ > uint64(c.m.conf.MaxIPABits) {
		return s2tt.Context{}, 0, rmmerr.Inputf("IPA width %d above %d", p.S2SZ, c.m.conf.MaxIPABits)
	}
	if p.RTTLevelStart < s2tt.MinLevel || p.RTTLevelStart > s2tt.MaxLevel {
		return s2tt.Context{}, 0, rmmerr.Inputf("start level %d", p.RTTLevelStart)
	}
	startLevel := int(p.RTTLevelStart)
	n, ok := s2tt.RootTables(ipaBits, startLevel)
	if !ok || uint64(n) != p.RTTNumStart {
		return s2tt.Context{}, 0, rmmerr.Inputf("%d root tables for %d IPA bits from level %d", p.RTTNumStart, ipaBits, startLevel)
	}
	if p.VMID >= numVMIDs {
		return s2tt.Context{}, 0, rmmerr.Inputf("VMID %d", p.VMID)
	}
	return s2tt.Context{
		IPABits:    ipaBits,
		StartLevel: startLevel,
		RootBase:   hostarch.Addr(p.RTTBase),
		NumRoots:   n,
		VMID:       uint16(p.VMID),
	}, algo, nil
}

// RealmCreate creates a realm whose descriptor is the delegated granule
// rdAddr, with the parameters in the host granule paramsAddr. The root
// tables named by the parameters must be delegated.
func (c *CPU) RealmCreate(rdAddr, paramsAddr hostarch.Addr) (err error) {
	defer c.exit("REALM_CREATE", &err)

	var p rmi.RealmParams
	if err := c.readParams(paramsAddr, &p); err != nil {
		return err
	}
	s2, algo, err := c.validateRealmParams(&p)
	if err != nil {
		return err
	}
	s2.Barriers = c.m.barriers

	reqs := []granule.Request{{Addr: rdAddr, State: granule.Delegated}}
	for i := 0; i < s2.NumRoots; i++ {
		reqs = append(reqs, granule.Request{Addr: s2.Root(i), State: granule.Delegated})
	}
	gs, err := c.m.granules.FindLockSet(c.locks, reqs)
	if err != nil {
		return err
	}
	defer c.locks.UnlockAll(gs...)

	if !c.m.reserveVMID(s2.VMID) {
		return rmmerr.Inputf("VMID %d in use", s2.VMID)
	}

	for _, root := range gs[1:] {
		m, t := s2tt.Map(c.slots, root, slot.RTT)
		s2tt.InitUnassigned(t, s2tt.RIPASEmpty)
		m.Unmap()
		root.Transition(granule.RTT, nil)
	}

	rd := realm.NewRD(s2, algo, p.RPV, c.m.conf.RecAuxCount)
	rd.ExtendRIM(measurement.NewRealm(algo, s2.IPABits, p.Flags))
	gs[0].Transition(granule.RD, rd)
	return nil
}

// RealmActivate allows the RECs of the realm at rdAddr to run. The realm
// must be new.
func (c *CPU) RealmActivate(rdAddr hostarch.Addr) (err error) {
	defer c.exit("REALM_ACTIVATE", &err)

	g, l, err := c.lockRD(rdAddr)
	if err != nil {
		return err
	}
	defer c.locks.Unlock(g)

	if l.State() != realm.New {
		return rmmerr.ErrRealm
	}
	l.SetState(realm.Active)
	return nil
}

// RealmDestroy destroys the realm at rdAddr. The realm must have no RECs and
// its root tables no live entries; the RD and root granules become
// delegated.
func (c *CPU) RealmDestroy(rdAddr hostarch.Addr) (err error) {
	defer c.exit("REALM_DESTROY", &err)

	g, l, err := c.lockRD(rdAddr)
	if err != nil {
		return err
	}
	defer c.locks.Unlock(g)

	if l.RecCount() != 0 {
		return rmmerr.ErrInUse
	}
	rd := l.RD()
	s2 := &rd.S2

	roots := make([]*granule.Granule, s2.NumRoots)
	cu := cleanup.Make(func() { c.locks.UnlockAll(roots...) })
	defer cu.Clean()
	for i := range roots {
		root := c.m.granules.Find(s2.Root(i))
		c.locks.Lock(root, granule.WalkRank(s2.StartLevel))
		roots[i] = root
		if root.State() != granule.RTT {
			fatalf("root table %v of realm %v is %v", root, g, root.State())
		}
		m, t := s2tt.Map(c.slots, root, slot.RTT)
		live := s2tt.IsLive(t, s2.StartLevel)
		m.Unmap()
		if live {
			return rmmerr.ErrInUse
		}
	}

	for _, root := range roots {
		c.slots.Zero(root, slot.RTT)
		root.Transition(granule.Delegated, nil)
	}
	arch.InvalidateVMID(c.m.barriers, s2.VMID)
	c.m.releaseVMID(s2.VMID)
	c.slots.Zero(g, slot.RD)
	g.Transition(granule.Delegated, nil)
	return nil
}
