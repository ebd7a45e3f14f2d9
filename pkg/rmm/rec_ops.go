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
	"sort"

	"gvisor.dev/rmm/pkg/abi/rmi"
	"gvisor.dev/rmm/pkg/abi/rsi"
	"gvisor.dev/rmm/pkg/binary"
	"gvisor.dev/rmm/pkg/errors/rmmerr"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/measurement"
	"gvisor.dev/rmm/pkg/realm"
	"gvisor.dev/rmm/pkg/slot"
)

const maxRecAux = rmi.MaxRecAux

// initialPState is the PSTATE of a new REC: EL1h with all exceptions masked.
const initialPState = 0x3c5

// recContent returns the measured content of a new REC: its parameters with
// everything but the flags, PC and registers cleared.
func recContent(algo measurement.Algo, p *rmi.RecParams) measurement.Digest {
	measured := rmi.RecParams{
		Flags: p.Flags,
		PC:    p.PC,
		GPRs:  p.GPRs,
	}
	return measurement.Hash(algo, binary.Marshal(nil, binary.LittleEndian, &measured))
}

// RecCreate creates a REC of the realm at rdAddr in the delegated granule
// recAddr, with the parameters in the host granule paramsAddr.
//
// The auxiliary granules named by the parameters must be delegated, and
// there must be exactly RecAuxCount of them. The RIM is extended with the
// REC only while the realm is new.
func (c *CPU) RecCreate(rdAddr, recAddr, paramsAddr hostarch.Addr) (err error) {
	defer c.exit("REC_CREATE", &err)

	var p rmi.RecParams
	if err := c.readParams(paramsAddr, &p); err != nil {
		return err
	}
	if !realm.ValidMPIDR(p.MPIDR) {
		return rmmerr.Inputf("MPIDR %#x", p.MPIDR)
	}
	if p.Flags&^rmi.RecFlagRunnable != 0 {
		return rmmerr.Inputf("unsupported REC flags %#x", p.Flags)
	}
	if p.NumAux != uint64(c.m.conf.RecAuxCount) {
		return rmmerr.Inputf("%d auxiliary granules, need %d", p.NumAux, c.m.conf.RecAuxCount)
	}

	reqs := []granule.Request{
		{Addr: recAddr, State: granule.Delegated},
		{Addr: rdAddr, State: granule.RD},
	}
	for _, a := range p.Aux[:p.NumAux] {
		reqs = append(reqs, granule.Request{Addr: hostarch.Addr(a), State: granule.Delegated})
	}
	gs, err := c.m.granules.FindLockSet(c.locks, reqs)
	if err != nil {
		return err
	}
	defer c.locks.UnlockAll(gs...)
	recg, rdg, aux := gs[0], gs[1], gs[2:]

	l := realm.LockedView(rdg)
	if l.State() == realm.SystemOff {
		return rmmerr.ErrRealm
	}
	rd := l.RD()

	for _, a := range aux {
		a.Transition(granule.RECAux, &realm.Aux{Owner: recg})
	}
	r := realm.NewREC(rdg, rd, p.MPIDR, append([]*granule.Granule(nil), aux...))
	r.PC = p.PC
	r.PState = initialPState
	copy(r.GPRs[:], p.GPRs[:])
	r.SetRunnable(p.Flags&rmi.RecFlagRunnable != 0)

	if l.State() == realm.New {
		rd.ExtendRIM(measurement.NewREC(rd.RIM(), recContent(rd.Algo, &p)))
	}
	l.IncRecCount()
	recg.Transition(granule.REC, r)
	return nil
}

// RecDestroy destroys the REC at recAddr, which must not be running. The REC
// and its auxiliary granules become delegated.
func (c *CPU) RecDestroy(recAddr hostarch.Addr) (err error) {
	defer c.exit("REC_DESTROY", &err)

	for {
		// The RD is only known once the REC is locked, and may have a
		// lower address. Learn it, then lock both in order.
		g := c.m.granules.FindLock(c.locks, recAddr, granule.REC)
		if g == nil {
			return rmmerr.Inputf("%v is not a REC", recAddr)
		}
		r := g.Payload().(*realm.REC)
		rdAddr := r.RD.Addr()
		c.locks.Unlock(g)

		gs, err := c.m.granules.FindLockSet(c.locks, []granule.Request{
			{Addr: recAddr, State: granule.REC},
			{Addr: rdAddr, State: granule.RD},
		})
		if err != nil {
			// The REC was destroyed meanwhile.
			return err
		}
		if gs[0].Payload() != r {
			// Destroyed and recreated meanwhile, maybe in another
			// realm.
			c.locks.UnlockAll(gs...)
			continue
		}
		err = c.destroyREC(gs[0], gs[1], r)
		c.locks.UnlockAll(gs...)
		return err
	}
}

// destroyREC destroys r in g, of the realm in rdg.
//
// Preconditions: g and rdg are locked.
func (c *CPU) destroyREC(g, rdg *granule.Granule, r *realm.REC) error {
	if g.Refs() != 0 {
		return rmmerr.ErrInUse
	}

	aux := append([]*granule.Granule(nil), r.Aux...)
	sort.Slice(aux, func(i, j int) bool { return aux[i].Addr() < aux[j].Addr() })
	for _, a := range aux {
		c.locks.Lock(a, granule.RankEntry)
		if a.State() != granule.RECAux || a.Payload().(*realm.Aux).Owner != g {
			fatalf("auxiliary granule %v of REC %v is %v", a, g, a.State())
		}
		c.slots.Zero(a, slot.RECAux)
		a.Transition(granule.Delegated, nil)
		c.locks.Unlock(a)
	}

	r.Attest.Reset()
	c.slots.Zero(g, slot.REC)
	g.Transition(granule.Delegated, nil)
	realm.LockedView(rdg).DecRecCount()
	return nil
}

// RecAuxCount returns the number of auxiliary granules a REC of the realm
// at rdAddr needs.
func (c *CPU) RecAuxCount(rdAddr hostarch.Addr) (n uint64, err error) {
	defer c.exit("REC_AUX_COUNT", &err)

	g, l, err := c.lockRD(rdAddr)
	if err != nil {
		return 0, err
	}
	defer c.locks.Unlock(g)
	return uint64(l.RD().NumAux), nil
}

// PSCIComplete completes the PSCI request of the REC at callerAddr, which
// targets the REC at targetAddr.
func (c *CPU) PSCIComplete(callerAddr, targetAddr hostarch.Addr) (err error) {
	defer c.exit("PSCI_COMPLETE", &err)

	gs, err := c.m.granules.FindLockSet(c.locks, []granule.Request{
		{Addr: callerAddr, State: granule.REC},
		{Addr: targetAddr, State: granule.REC},
	})
	if err != nil {
		return err
	}
	defer c.locks.UnlockAll(gs...)
	callerg, targetg := gs[0], gs[1]

	if !callerg.TryGetExclusive() {
		return rmmerr.ErrInUse
	}
	defer callerg.Put()
	caller := callerg.Payload().(*realm.REC)
	target := targetg.Payload().(*realm.REC)

	if !caller.PSCIPending() {
		return rmmerr.Inputf("REC %v has no PSCI request", callerAddr)
	}
	if target.RD != caller.RD || target.MPIDR != caller.PSCI.Target {
		return rmmerr.Inputf("REC %v is not the PSCI target %#x", targetAddr, caller.PSCI.Target)
	}

	switch caller.PSCI.FID {
	case rsi.FnPSCICPUOn:
		if target.Runnable() {
			caller.GPRs[0] = rsi.PSCIAlreadyOn
			break
		}
		if !targetg.TryGetExclusive() {
			return rmmerr.ErrInUse
		}
		target.PC = caller.PSCI.Entry
		target.PState = initialPState
		target.GPRs = [realm.NumGPRs]uint64{}
		target.GPRs[0] = caller.PSCI.Ctx
		target.SetRunnable(true)
		targetg.Put()
		caller.GPRs[0] = rsi.PSCISuccess
	default:
		fatalf("REC %v has pending PSCI function %#x", callerAddr, caller.PSCI.FID)
	}
	caller.PC += instructionSize
	caller.PSCI = realm.PSCIRequest{}
	caller.SetPSCIPending(false)
	return nil
}
