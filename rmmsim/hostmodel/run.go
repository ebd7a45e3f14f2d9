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

package hostmodel

import (
	"fmt"

	"gvisor.dev/rmm/pkg/abi/rmi"
	"gvisor.dev/rmm/pkg/abi/rsi"
	"gvisor.dev/rmm/pkg/arch"
	"gvisor.dev/rmm/pkg/binary"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/log"
	"gvisor.dev/rmm/pkg/rmm"
	"gvisor.dev/rmm/pkg/s2tt"
)

// Devices emulates the devices of a realm.
type Devices interface {
	// MMIORead returns the value of the register at the unprotected ipa.
	MMIORead(ipa hostarch.Addr) uint64

	// MMIOWrite writes val to the register at the unprotected ipa.
	MMIOWrite(ipa hostarch.Addr, val uint64)

	// HostCall serves host call imm and returns the registers passed back
	// to the realm.
	HostCall(imm uint64, gprs [rmi.RecRunNumGPRs]uint64) [rmi.RecRunNumGPRs]uint64
}

// Console is a Devices with a byte-wide output register at every address.
// Host calls return their arguments incremented by one.
type Console struct {
	// Output holds the bytes written so far.
	Output []byte

	// Calls holds the immediates of the host calls served.
	Calls []uint64
}

// MMIORead implements Devices.MMIORead.
func (*Console) MMIORead(hostarch.Addr) uint64 {
	return 0
}

// MMIOWrite implements Devices.MMIOWrite.
func (c *Console) MMIOWrite(_ hostarch.Addr, val uint64) {
	c.Output = append(c.Output, byte(val))
}

// HostCall implements Devices.HostCall.
func (c *Console) HostCall(imm uint64, gprs [rmi.RecRunNumGPRs]uint64) [rmi.RecRunNumGPRs]uint64 {
	c.Calls = append(c.Calls, imm)
	for i := range gprs {
		gprs[i]++
	}
	return gprs
}

// StopReason is the reason Run returned.
type StopReason int

// Stop reasons.
const (
	// StopBudget means the entry budget ran out.
	StopBudget StopReason = iota

	// StopCPUOff means the REC turned itself off.
	StopCPUOff

	// StopSystemOff means the realm shut down.
	StopSystemOff
)

// String implements fmt.Stringer.
func (s StopReason) String() string {
	switch s {
	case StopBudget:
		return "budget"
	case StopCPUOff:
		return "cpu-off"
	case StopSystemOff:
		return "system-off"
	default:
		return fmt.Sprintf("StopReason(%d)", int(s))
	}
}

// RunStats counts the exits served by Run.
type RunStats struct {
	Entries      int
	IRQs         int
	WFIs         int
	MMIO         int
	Faults       int
	RIPASChanges int
	HostCalls    int
	PSCI         int
}

// enter runs rec once with its pending entry and returns the exit.
func (r *Realm) enter(c *rmm.CPU, rec *REC) (rmi.RecExit, error) {
	page := r.h.Page(rec.Run)
	clear(page)
	binary.MarshalInto(page[rmi.RecRunEntry:rmi.RecRunExit], binary.LittleEndian, &rec.entry)
	if err := Retry(func() error { return c.RecEnter(rec.Addr, rec.Run) }); err != nil {
		return rmi.RecExit{}, err
	}
	rec.entry = rmi.RecEntry{}
	var exit rmi.RecExit
	binary.Unmarshal(page[rmi.RecRunExit:], binary.LittleEndian, &exit)
	return exit, nil
}

// Run enters rec with c and serves its exits until it turns off, the realm
// shuts down, or maxEntries entries were made.
func (r *Realm) Run(c *rmm.CPU, rec *REC, dev Devices, maxEntries int) (RunStats, StopReason, error) {
	var st RunStats
	for st.Entries < maxEntries {
		st.Entries++
		exit, err := r.enter(c, rec)
		if err != nil {
			return st, 0, fmt.Errorf("entering REC %#x: %w", rec.MPIDR, err)
		}
		reason := rmi.ExitReason(exit.Reason)
		log.Debugf("REC %#x exit %v", rec.MPIDR, reason)

		switch reason {
		case rmi.ExitIRQ, rmi.ExitFIQ:
			st.IRQs++
		case rmi.ExitSync:
			if err := r.serveSync(c, rec, dev, &exit, &st); err != nil {
				return st, 0, err
			}
		case rmi.ExitRIPASChange:
			st.RIPASChanges++
			if err := r.changeRIPAS(c, rec, &exit); err != nil {
				return st, 0, err
			}
		case rmi.ExitHostCall:
			st.HostCalls++
			rec.entry.GPRs = dev.HostCall(exit.Imm, exit.GPRs)
		case rmi.ExitPSCI:
			st.PSCI++
			switch fid := exit.GPRs[0]; fid {
			case rsi.FnPSCISystemOff:
				return st, StopSystemOff, nil
			case rsi.FnPSCICPUOff:
				return st, StopCPUOff, nil
			case rsi.FnPSCICPUOn:
				if err := r.cpuOn(c, rec, exit.GPRs[1]); err != nil {
					return st, 0, err
				}
			default:
				return st, 0, fmt.Errorf("REC %#x: PSCI function %#x", rec.MPIDR, fid)
			}
		default:
			return st, 0, fmt.Errorf("REC %#x: unexpected exit %v", rec.MPIDR, reason)
		}
	}
	return st, StopBudget, nil
}

func (r *Realm) serveSync(c *rmm.CPU, rec *REC, dev Devices, exit *rmi.RecExit, st *RunStats) error {
	if exit.ESR&arch.ESRECMask == arch.ESRECWFx<<arch.ESRECShift {
		st.WFIs++
		return nil
	}
	if exit.ESR&arch.ESRECMask != arch.ESRECDataAbort<<arch.ESRECShift {
		return fmt.Errorf("REC %#x: unexpected syndrome %#x", rec.MPIDR, exit.ESR)
	}
	ipa := arch.HPFARToIPA(exit.HPFAR)
	if _, write, ok := arch.ESRIsEmulatable(exit.ESR); ok {
		st.MMIO++
		ipa += hostarch.Addr(exit.FAR)
		if write {
			dev.MMIOWrite(ipa, exit.GPRs[0])
		} else {
			rec.entry.GPRs[0] = dev.MMIORead(ipa)
		}
		rec.entry.Flags = rmi.RecEntryEmulatedMMIO
		return nil
	}
	// The realm touched RAM the host has not backed yet.
	st.Faults++
	if err := r.AddUnknown(c, ipa); err != nil {
		return fmt.Errorf("REC %#x: backing %v: %w", rec.MPIDR, ipa, err)
	}
	return nil
}

// changeRIPAS applies the requested RIPAS change page by page.
func (r *Realm) changeRIPAS(c *rmm.CPU, rec *REC, exit *rmi.RecExit) error {
	base, top := hostarch.Addr(exit.RIPASBase), hostarch.Addr(exit.RIPASTop)
	for ipa := base; ipa < top; ipa += hostarch.GranuleSize {
		if err := r.EnsureTables(c, ipa, s2tt.MaxLevel); err != nil {
			return err
		}
		if err := c.RTTSetRIPAS(r.RD, rec.Addr, ipa, s2tt.MaxLevel, exit.RIPASValue); err != nil {
			return fmt.Errorf("setting RIPAS of %v: %w", ipa, err)
		}
	}
	return nil
}

// cpuOn completes the CPU_ON request of rec for the REC with target's MPIDR.
func (r *Realm) cpuOn(c *rmm.CPU, rec *REC, target uint64) error {
	t := r.recByMPIDR(target)
	if t == nil {
		return fmt.Errorf("REC %#x: CPU_ON of unknown MPIDR %#x", rec.MPIDR, target)
	}
	if err := Retry(func() error { return c.PSCIComplete(rec.Addr, t.Addr) }); err != nil {
		return fmt.Errorf("completing CPU_ON of %#x: %w", target, err)
	}
	return nil
}
