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

package realm

import (
	"gvisor.dev/rmm/pkg/abi/rmi"
	"gvisor.dev/rmm/pkg/atomicbitops"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/s2tt"
)

// NumGPRs is the number of general purpose registers of a REC.
const NumGPRs = rmi.RecRunNumGPRs

// MPIDR affinity fields a REC may use.
const mpidrAffMask = 0xff<<32 | 0xff<<16 | 0xff<<8 | 0xff

// ValidMPIDR returns true if mpidr only sets affinity fields.
func ValidMPIDR(mpidr uint64) bool {
	return mpidr&^mpidrAffMask == 0
}

// SysRegs is the saved EL1 system register state of a REC.
type SysRegs struct {
	SPEL1   uint64
	ELREL1  uint64
	SPSREL1 uint64
	SCTLR   uint64
	VBAR    uint64
	ESREL1  uint64
	FAREL1  uint64
}

// SetRIPAS is a RIPAS change requested by the realm and not yet completed
// by the host. Addr is the next address to change; the request is complete
// when Addr reaches Top.
type SetRIPAS struct {
	Base  hostarch.Addr
	Top   hostarch.Addr
	Addr  hostarch.Addr
	RIPAS s2tt.RIPAS
}

// Pending returns true if part of the request remains.
func (s *SetRIPAS) Pending() bool {
	return s.Addr < s.Top
}

// LastExit records the fault information reported to the host on the last
// exit.
type LastExit struct {
	ESR   uint64
	FAR   uint64
	HPFAR uint64
}

// MMIO is an emulated MMIO access awaiting completion by the host.
type MMIO struct {
	Pending bool
	Write   bool

	// SRT is the register transferred.
	SRT int
}

// PSCIRequest is a PSCI call forwarded to the host.
type PSCIRequest struct {
	FID    uint64
	Target uint64
	Entry  uint64
	Ctx    uint64
}

// REC is a realm execution context.
//
// The fields other than Runnable and psciPending may only be accessed by the
// holder of the exclusive reference on the REC granule: the core running the
// REC, or a call that took the reference under the granule lock.
type REC struct {
	// RD is the granule of the owning realm. It is immutable.
	RD *granule.Granule

	// rd is the owning realm, reachable without the RD lock through Ref.
	rd *RD

	// S2 is a copy of the realm's translation context. It is immutable.
	S2 s2tt.Context

	// MPIDR identifies the REC to PSCI. It is immutable.
	MPIDR uint64

	// Aux are the auxiliary granules. They are immutable.
	Aux []*granule.Granule

	GPRs    [NumGPRs]uint64
	PC      uint64
	PState  uint64
	SysRegs SysRegs

	SetRIPAS SetRIPAS
	Attest   AttestContext
	LastExit LastExit
	MMIO     MMIO

	// HostCall is the IPA of the host call structure while
	// HostCallPending is set.
	HostCall        hostarch.Addr
	HostCallPending bool

	// PSCI is the pending request, valid while psciPending is set.
	PSCI PSCIRequest

	runnable    atomicbitops.Bool
	psciPending atomicbitops.Bool
}

// GranuleState implements granule.Payload.GranuleState.
func (*REC) GranuleState() granule.State {
	return granule.REC
}

// NewREC returns a REC of the realm in rdg, whose descriptor is rd.
//
// Precondition: rdg is locked.
func NewREC(rdg *granule.Granule, rd *RD, mpidr uint64, aux []*granule.Granule) *REC {
	return &REC{
		RD:    rdg,
		rd:    rd,
		S2:    rd.S2,
		MPIDR: mpidr,
		Aux:   aux,
	}
}

// Realm returns a view of the owning realm. It is valid while the REC
// exists, as a live REC keeps the REC count of its realm non-zero.
func (r *REC) Realm() Ref {
	return Ref{rd: r.rd}
}

// RealmDescriptor returns the owning descriptor.
//
// Precondition: r.RD is locked.
func (r *REC) RealmDescriptor() *RD {
	return LockedView(r.RD).RD()
}

// Runnable returns true if the REC may be scheduled.
func (r *REC) Runnable() bool {
	return r.runnable.Load()
}

// SetRunnable changes whether the REC may be scheduled.
func (r *REC) SetRunnable(v bool) {
	r.runnable.Store(v)
}

// PSCIPending returns true if a PSCI request awaits PSCI_COMPLETE.
func (r *REC) PSCIPending() bool {
	return r.psciPending.Load()
}

// SetPSCIPending marks a PSCI request as forwarded or completed.
func (r *REC) SetPSCIPending(v bool) {
	r.psciPending.Store(v)
}

// Schedulable returns true if the REC may be entered: it is runnable and
// has no PSCI request in flight.
func (r *REC) Schedulable() bool {
	return r.Runnable() && !r.PSCIPending()
}

// Aux is the object held by an auxiliary REC granule.
type Aux struct {
	// Owner is the REC granule using this granule.
	Owner *granule.Granule
}

// GranuleState implements granule.Payload.GranuleState.
func (*Aux) GranuleState() granule.State {
	return granule.RECAux
}
