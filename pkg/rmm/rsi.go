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
	abiattest "gvisor.dev/rmm/pkg/abi/attestation"
	"gvisor.dev/rmm/pkg/abi/rmi"
	"gvisor.dev/rmm/pkg/abi/rsi"
	"gvisor.dev/rmm/pkg/attestation"
	"gvisor.dev/rmm/pkg/binary"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/measurement"
	"gvisor.dev/rmm/pkg/realm"
	"gvisor.dev/rmm/pkg/s2tt"
)

const (
	// hostCallGPRsOffset is the offset of the registers in rsi.HostCall.
	hostCallGPRsOffset = 8

	// hostCallSize is the size of rsi.HostCall.
	hostCallSize = hostCallGPRsOffset + rsi.HostCallNumGPRs*8
)

// complete returns res to the realm in its first registers and moves past
// the call.
func complete(r *realm.REC, res ...uint64) {
	copy(r.GPRs[:], res)
	r.PC += instructionSize
}

// lockRealm locks the RD of r. No other granule may be held.
func (c *CPU) lockRealm(r *realm.REC) realm.Locked {
	c.locks.Lock(r.RD, granule.RankArg)
	return realm.LockedView(r.RD)
}

// handleSMC serves the call made by r at its PC. It returns the exit to
// report and true if the host must run before r continues.
func (c *CPU) handleSMC(r *realm.REC) (rmi.RecExit, bool) {
	fid := r.GPRs[0]
	switch fid {
	case rsi.FnVersion:
		complete(r, rsi.Version())
	case rsi.FnMeasurementRead:
		c.measurementRead(r)
	case rsi.FnMeasurementExtend:
		c.measurementExtend(r)
	case rsi.FnAttestTokenInit:
		c.attestTokenInit(r)
	case rsi.FnAttestTokenContinue:
		return c.attestTokenContinue(r)
	case rsi.FnRealmConfig:
		return c.realmConfig(r)
	case rsi.FnIPAStateSet:
		return c.ipaStateSet(r)
	case rsi.FnIPAStateGet:
		c.ipaStateGet(r)
	case rsi.FnHostCall:
		return c.hostCall(r)
	case rsi.FnPSCIVersion:
		complete(r, rsi.PSCIVersion1_1)
	case rsi.FnPSCICPUOff:
		r.SetRunnable(false)
		complete(r, rsi.PSCISuccess)
		return psciExit(fid), true
	case rsi.FnPSCISystemOff:
		l := c.lockRealm(r)
		l.SetState(realm.SystemOff)
		c.locks.Unlock(r.RD)
		complete(r, rsi.PSCISuccess)
		return psciExit(fid), true
	case rsi.FnPSCICPUOn:
		return c.psciCPUOn(r)
	default:
		c.m.inputLog.Debugf("REC %#x: unknown call %#x", r.MPIDR, fid)
		complete(r, rsi.PSCINotSupported)
	}
	return rmi.RecExit{}, false
}

func psciExit(fid uint64, args ...uint64) rmi.RecExit {
	exit := rmi.RecExit{Reason: uint64(rmi.ExitPSCI)}
	exit.GPRs[0] = fid
	copy(exit.GPRs[1:], args)
	return exit
}

func (c *CPU) measurementRead(r *realm.REC) {
	idx := r.GPRs[1]
	if idx >= measurement.NumSlots {
		complete(r, uint64(rsi.ErrorInput))
		return
	}
	l := c.lockRealm(r)
	d := l.RD().Measurements[idx]
	c.locks.Unlock(r.RD)

	res := []uint64{uint64(rsi.Success)}
	for i := 0; i < measurement.MaxSize; i += 8 {
		res = append(res, binary.LittleEndian.Uint64(d[i:]))
	}
	complete(r, res...)
}

func (c *CPU) measurementExtend(r *realm.REC) {
	idx, size := r.GPRs[1], r.GPRs[2]
	if idx == measurement.RIMSlot || idx >= measurement.NumSlots || size > rsi.MaxMeasurementExtend {
		complete(r, uint64(rsi.ErrorInput))
		return
	}
	var data [rsi.MaxMeasurementExtend]byte
	for i := 0; i < rsi.MaxMeasurementExtend/8; i++ {
		binary.LittleEndian.PutUint64(data[i*8:], r.GPRs[3+i])
	}

	l := c.lockRealm(r)
	rd := l.RD()
	rd.Measurements[idx] = measurement.Extend(rd.Algo, rd.Measurements[idx], data[:size])
	c.locks.Unlock(r.RD)
	complete(r, uint64(rsi.Success))
}

func (c *CPU) attestTokenInit(r *realm.REC) {
	ipa := hostarch.Addr(r.GPRs[1])
	if !ipa.IsGranuleAligned() || !r.S2.InPAR(ipa) {
		complete(r, uint64(rsi.ErrorInput))
		return
	}
	claims := attestation.Claims{}
	for i := 0; i < abiattest.ChallengeRegs; i++ {
		binary.LittleEndian.PutUint64(claims.Challenge[i*8:], r.GPRs[2+i])
	}

	l := c.lockRealm(r)
	rd := l.RD()
	claims.RPV = rd.RPV
	claims.HashAlgo = rd.Algo
	claims.Measurements = rd.Measurements
	s, err := c.m.signer.Begin(claims)
	c.locks.Unlock(r.RD)
	if err != nil {
		fatalf("starting attestation token for REC %#x: %v", r.MPIDR, err)
	}

	r.Attest.Start(ipa, claims.Challenge, s)
	complete(r, uint64(rsi.Success))
}

func (c *CPU) attestTokenContinue(r *realm.REC) (rmi.RecExit, bool) {
	ipa := hostarch.Addr(r.GPRs[1])
	res := r.Attest.Continue(ipa, tokenWriter{c: c, s2: &r.S2})
	if res.Abort {
		// The call is retried once the host maps the destination.
		return faultExit(r, ipa, res.Level), true
	}
	complete(r, uint64(res.Status), res.Len)
	return rmi.RecExit{}, false
}

func (c *CPU) realmConfig(r *realm.REC) (rmi.RecExit, bool) {
	ipa := hostarch.Addr(r.GPRs[1])
	if !ipa.IsGranuleAligned() || !r.S2.InPAR(ipa) {
		complete(r, uint64(rsi.ErrorInput))
		return rmi.RecExit{}, false
	}
	l := c.lockRealm(r)
	cfg := rsi.RealmConfig{
		IPAWidth: uint64(r.S2.IPABits),
		HashAlgo: uint64(l.RD().Algo),
	}
	c.locks.Unlock(r.RD)

	buf := binary.Marshal(nil, binary.LittleEndian, &cfg)
	switch ws, level := c.copyRealm(&r.S2, ipa, buf, true); ws {
	case realm.TokenWritten:
		complete(r, uint64(rsi.Success))
	case realm.TokenUnmapped:
		return faultExit(r, ipa, level), true
	default:
		complete(r, uint64(rsi.ErrorInput))
	}
	return rmi.RecExit{}, false
}

func (c *CPU) ipaStateSet(r *realm.REC) (rmi.RecExit, bool) {
	base, top, ripas := hostarch.Addr(r.GPRs[1]), hostarch.Addr(r.GPRs[2]), r.GPRs[3]
	if !base.IsGranuleAligned() || !top.IsGranuleAligned() || base >= top ||
		top > r.S2.ParSize() || ripas > rsi.RIPASRAM {
		complete(r, uint64(rsi.ErrorInput))
		return rmi.RecExit{}, false
	}
	r.SetRIPAS = realm.SetRIPAS{
		Base:  base,
		Top:   top,
		Addr:  base,
		RIPAS: s2tt.RIPAS(ripas),
	}
	// The call completes on the next entry, reporting how far the host
	// got.
	return rmi.RecExit{
		Reason:     uint64(rmi.ExitRIPASChange),
		RIPASBase:  uint64(base),
		RIPASTop:   uint64(top),
		RIPASValue: ripas,
	}, true
}

func (c *CPU) ipaStateGet(r *realm.REC) {
	ipa := hostarch.Addr(r.GPRs[1])
	if !ipa.IsGranuleAligned() || !r.S2.InPAR(ipa) {
		complete(r, uint64(rsi.ErrorInput))
		return
	}
	tr := c.walker.Translate(&r.S2, ipa)
	if tr.Table != nil {
		c.locks.Unlock(tr.Table)
	}
	if tr.Destroyed {
		complete(r, uint64(rsi.ErrorInput))
		return
	}
	complete(r, uint64(rsi.Success), uint64(tr.RIPAS))
}

func (c *CPU) hostCall(r *realm.REC) (rmi.RecExit, bool) {
	ipa := hostarch.Addr(r.GPRs[1])
	if !ipa.IsAligned(8) || !inGranule(ipa, hostCallSize) || !r.S2.InPAR(ipa) {
		complete(r, uint64(rsi.ErrorInput))
		return rmi.RecExit{}, false
	}
	buf := make([]byte, hostCallSize)
	switch ws, level := c.copyRealm(&r.S2, ipa, buf, false); ws {
	case realm.TokenWritten:
	case realm.TokenUnmapped:
		return faultExit(r, ipa, level), true
	default:
		complete(r, uint64(rsi.ErrorInput))
		return rmi.RecExit{}, false
	}
	var hc rsi.HostCall
	binary.Unmarshal(buf, binary.LittleEndian, &hc)

	r.HostCall = ipa
	r.HostCallPending = true
	exit := rmi.RecExit{
		Reason: uint64(rmi.ExitHostCall),
		Imm:    hc.Imm,
	}
	copy(exit.GPRs[:], hc.GPRs[:])
	return exit, true
}

func (c *CPU) psciCPUOn(r *realm.REC) (rmi.RecExit, bool) {
	target, entry, ctx := r.GPRs[1], r.GPRs[2], r.GPRs[3]
	if !realm.ValidMPIDR(target) || !r.S2.InPAR(hostarch.Addr(entry)) {
		complete(r, rsi.PSCIInvalidParams)
		return rmi.RecExit{}, false
	}
	if target == r.MPIDR {
		complete(r, rsi.PSCIAlreadyOn)
		return rmi.RecExit{}, false
	}
	r.PSCI = realm.PSCIRequest{
		FID:    rsi.FnPSCICPUOn,
		Target: target,
		Entry:  entry,
		Ctx:    ctx,
	}
	r.SetPSCIPending(true)
	return psciExit(rsi.FnPSCICPUOn, target, entry, ctx), true
}
