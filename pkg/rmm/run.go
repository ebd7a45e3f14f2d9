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
	"fmt"

	"gvisor.dev/rmm/pkg/abi/rmi"
	"gvisor.dev/rmm/pkg/abi/rsi"
	"gvisor.dev/rmm/pkg/arch"
	"gvisor.dev/rmm/pkg/binary"
	"gvisor.dev/rmm/pkg/errors/rmmerr"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/realm"
	"gvisor.dev/rmm/pkg/s2tt"
	"gvisor.dev/rmm/pkg/slot"
)

// instructionSize is the size of a trapping instruction.
const instructionSize = 4

// TrapKind is the reason realm code stopped running.
type TrapKind int

// Trap kinds.
const (
	// TrapIRQ is an interrupt for the host.
	TrapIRQ TrapKind = iota

	// TrapSMC is a call to the monitor. The function identifier is in
	// register 0 and the PC points at the call.
	TrapSMC

	// TrapDataAbort is an access to an IPA the realm cannot access
	// directly.
	TrapDataAbort

	// TrapWFI is a wait for interrupt.
	TrapWFI
)

// String implements fmt.Stringer.
func (k TrapKind) String() string {
	switch k {
	case TrapIRQ:
		return "irq"
	case TrapSMC:
		return "smc"
	case TrapDataAbort:
		return "data-abort"
	case TrapWFI:
		return "wfi"
	default:
		return fmt.Sprintf("TrapKind(%d)", int(k))
	}
}

// Trap describes a trap out of realm code.
type Trap struct {
	Kind TrapKind

	// The remaining fields describe a data abort: the access of 1<<Size
	// bytes at IPA to or from register SRT.
	IPA   hostarch.Addr
	Write bool
	SRT   int
	Size  int
}

// Executor runs realm code in place of the hardware.
type Executor interface {
	// Run runs the REC behind v from its PC until it traps. SMC and data
	// abort traps leave the PC at the trapping instruction.
	Run(v *VCPU) Trap
}

// IdleExecutor is an Executor whose RECs always take an interrupt.
type IdleExecutor struct{}

// Run implements Executor.Run.
func (IdleExecutor) Run(*VCPU) Trap {
	return Trap{Kind: TrapIRQ}
}

// VCPU is the view of a running REC given to an Executor.
type VCPU struct {
	c   *CPU
	rec *realm.REC
}

// MPIDR returns the MPIDR of the REC.
func (v *VCPU) MPIDR() uint64 {
	return v.rec.MPIDR
}

// PC returns the program counter.
func (v *VCPU) PC() uint64 {
	return v.rec.PC
}

// SetPC sets the program counter.
func (v *VCPU) SetPC(pc uint64) {
	v.rec.PC = pc
}

// Reg returns general purpose register i. Register 31 reads as zero.
func (v *VCPU) Reg(i int) uint64 {
	if i == realm.NumGPRs {
		return 0
	}
	return v.rec.GPRs[i]
}

// SetReg sets general purpose register i. Writes to register 31 are
// ignored.
func (v *VCPU) SetReg(i int, val uint64) {
	if i == realm.NumGPRs {
		return
	}
	v.rec.GPRs[i] = val
}

// IPABits returns the width of the IPA space.
func (v *VCPU) IPABits() int {
	return v.rec.S2.IPABits
}

// Load copies realm memory at ipa into buf. The range must not cross a
// granule. It returns false if ipa is not mapped realm memory; the access
// then traps.
func (v *VCPU) Load(ipa hostarch.Addr, buf []byte) bool {
	if !inGranule(ipa, len(buf)) || !v.rec.S2.InPAR(ipa) {
		return false
	}
	_, ok := v.c.accessRealm(&v.rec.S2, ipa, func(page []byte) {
		copy(buf, page[ipa.GranuleOffset():])
	})
	return ok
}

// Store copies buf to realm memory at ipa, like Load.
func (v *VCPU) Store(ipa hostarch.Addr, buf []byte) bool {
	if !inGranule(ipa, len(buf)) || !v.rec.S2.InPAR(ipa) {
		return false
	}
	_, ok := v.c.accessRealm(&v.rec.S2, ipa, func(page []byte) {
		copy(page[ipa.GranuleOffset():], buf)
	})
	return ok
}

func inGranule(ipa hostarch.Addr, n int) bool {
	return n >= 0 && ipa.GranuleOffset()+uint64(n) <= hostarch.GranuleSize
}

// accessRealm calls f with the granule that backs the protected ipa, if ipa
// is mapped. It returns the translation of ipa and whether f was called.
func (c *CPU) accessRealm(s2 *s2tt.Context, ipa hostarch.Addr, f func(page []byte)) (s2tt.Translation, bool) {
	tr := c.walker.Translate(s2, ipa.RoundDown())
	if tr.Table == nil {
		return tr, false
	}
	defer c.locks.Unlock(tr.Table)
	g := c.m.granules.Find(tr.PA)
	if g == nil {
		fatalf("IPA %v maps unmanaged %v", ipa, tr.PA)
	}
	m := c.slots.Map(g, slot.RSICall)
	f(m.Bytes())
	m.Unmap()
	return tr, true
}

// copyRealm copies between buf and the realm memory at ipa, which must be in
// one granule. The status tells the realm call what to report.
func (c *CPU) copyRealm(s2 *s2tt.Context, ipa hostarch.Addr, buf []byte, write bool) (realm.WriteStatus, int) {
	tr, ok := c.accessRealm(s2, ipa, func(page []byte) {
		if write {
			copy(page[ipa.GranuleOffset():], buf)
		} else {
			copy(buf, page[ipa.GranuleOffset():])
		}
	})
	switch {
	case ok:
		return realm.TokenWritten, 0
	case !tr.Destroyed && tr.RIPAS == s2tt.RIPASRAM:
		return realm.TokenUnmapped, tr.Level
	default:
		return realm.TokenRejected, 0
	}
}

// tokenWriter writes attestation tokens into the memory of a REC.
type tokenWriter struct {
	c  *CPU
	s2 *s2tt.Context
}

// WriteToken implements realm.TokenWriter.WriteToken.
func (w tokenWriter) WriteToken(ipa hostarch.Addr, tok []byte) (realm.WriteStatus, int) {
	return w.c.copyRealm(w.s2, ipa, tok, true)
}

// faultExit returns the exit reporting a stage 2 translation fault on the
// protected ipa at level to the host.
func faultExit(r *realm.REC, ipa hostarch.Addr, level int) rmi.RecExit {
	exit := rmi.RecExit{
		Reason: uint64(rmi.ExitSync),
		ESR:    arch.TranslationFaultESR(level),
		HPFAR:  arch.HPFAR(ipa),
	}
	r.LastExit = realm.LastExit{ESR: exit.ESR, HPFAR: exit.HPFAR}
	return exit
}

// dataAbortExit returns the exit for a data abort trap. Accesses to the
// unprotected range are emulatable by the host.
func (c *CPU) dataAbortExit(r *realm.REC, t Trap) rmi.RecExit {
	if !r.S2.InUnprotected(t.IPA) {
		if !r.S2.InPAR(t.IPA) {
			fatalf("data abort outside the IPA space at %v", t.IPA)
		}
		tr := c.walker.Translate(&r.S2, t.IPA.RoundDown())
		if tr.Table != nil {
			c.locks.Unlock(tr.Table)
		}
		return faultExit(r, t.IPA, tr.Level)
	}
	if t.SRT < 0 || t.SRT > realm.NumGPRs {
		fatalf("data abort on register %d", t.SRT)
	}
	exit := rmi.RecExit{
		Reason: uint64(rmi.ExitSync),
		ESR:    arch.DataAbortESR(t.Write, t.SRT, t.Size),
		FAR:    t.IPA.GranuleOffset(),
		HPFAR:  arch.HPFAR(t.IPA),
	}
	if t.Write && t.SRT < realm.NumGPRs {
		exit.GPRs[0] = r.GPRs[t.SRT]
	}
	r.MMIO = realm.MMIO{Pending: true, Write: t.Write, SRT: t.SRT}
	r.LastExit = realm.LastExit{ESR: exit.ESR, FAR: exit.FAR, HPFAR: exit.HPFAR}
	return exit
}

// completeEntry applies the host's response to the previous exit of r. It
// fails, without side effects, if entry is inconsistent with that exit.
func (c *CPU) completeEntry(r *realm.REC, entry *rmi.RecEntry) error {
	if entry.Flags&^rmi.RecEntryEmulatedMMIO != 0 {
		return rmmerr.Inputf("unsupported entry flags %#x", entry.Flags)
	}
	emulated := entry.Flags&rmi.RecEntryEmulatedMMIO != 0
	if emulated && !r.MMIO.Pending {
		return rmmerr.Inputf("emulated MMIO without an emulatable exit")
	}

	if r.MMIO.Pending {
		if emulated {
			if !r.MMIO.Write && r.MMIO.SRT < realm.NumGPRs {
				r.GPRs[r.MMIO.SRT] = entry.GPRs[0]
			}
			r.PC += instructionSize
		}
		r.MMIO = realm.MMIO{}
	}

	if r.HostCallPending {
		regs := binary.Marshal(nil, binary.LittleEndian, &entry.GPRs)
		st := uint64(rsi.Success)
		if ws, _ := c.copyRealm(&r.S2, r.HostCall+hostCallGPRsOffset, regs, true); ws != realm.TokenWritten {
			st = uint64(rsi.ErrorInput)
		}
		complete(r, st)
		r.HostCall = 0
		r.HostCallPending = false
	}

	if r.SetRIPAS.Top != 0 {
		complete(r, uint64(rsi.Success), uint64(r.SetRIPAS.Addr))
		r.SetRIPAS = realm.SetRIPAS{}
	}
	return nil
}

// run runs r until it must exit to the host.
func (c *CPU) run(r *realm.REC) rmi.RecExit {
	v := &VCPU{c: c, rec: r}
	for i := 0; i < c.m.conf.MaxRunIterations; i++ {
		t := c.m.executor.Run(v)
		switch t.Kind {
		case TrapIRQ:
			return rmi.RecExit{Reason: uint64(rmi.ExitIRQ)}
		case TrapWFI:
			r.PC += instructionSize
			r.LastExit = realm.LastExit{ESR: arch.WFxESR()}
			return rmi.RecExit{Reason: uint64(rmi.ExitSync), ESR: arch.WFxESR()}
		case TrapDataAbort:
			return c.dataAbortExit(r, t)
		case TrapSMC:
			if exit, ok := c.handleSMC(r); ok {
				return exit
			}
		default:
			fatalf("executor returned %v", t.Kind)
		}
	}
	// The time slice is over.
	return rmi.RecExit{Reason: uint64(rmi.ExitIRQ)}
}

// RecEnter runs the REC at recAddr with the run structure in the host
// granule runAddr. The entry half of the run structure is consumed and the
// exit half describes why the REC stopped.
func (c *CPU) RecEnter(recAddr, runAddr hostarch.Addr) (err error) {
	defer c.exit("REC_ENTER", &err)

	buf := make([]byte, rmi.RecRunExit-rmi.RecRunEntry)
	if err := c.slots.ReadNS(runAddr, rmi.RecRunEntry, buf); err != nil {
		return err
	}
	var entry rmi.RecEntry
	binary.Unmarshal(buf, binary.LittleEndian, &entry)

	g := c.m.granules.FindLock(c.locks, recAddr, granule.REC)
	if g == nil {
		return rmmerr.Inputf("%v is not a REC", recAddr)
	}
	r := g.Payload().(*realm.REC)
	if r.Realm().State() != realm.Active {
		c.locks.Unlock(g)
		return rmmerr.ErrRealm
	}
	if !r.Schedulable() {
		c.locks.Unlock(g)
		return rmmerr.ErrREC
	}
	if !g.TryGetExclusive() {
		c.locks.Unlock(g)
		return rmmerr.ErrInUse
	}
	c.locks.Unlock(g)
	defer g.Put()

	if err := c.completeEntry(r, &entry); err != nil {
		return err
	}
	exit := c.run(r)

	out := make([]byte, hostarch.GranuleSize-rmi.RecRunExit)
	binary.MarshalInto(out, binary.LittleEndian, &exit)
	return c.slots.WriteNS(runAddr, rmi.RecRunExit, out)
}
