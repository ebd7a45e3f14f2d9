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
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/rmm"
)

// instructionSize is the distance between two instructions of a Program.
const instructionSize = 4

// maxSteps bounds the non-trapping instructions run by one Program.Run.
const maxSteps = 1024

// An Instruction runs at the PC of v. It either returns the trap it takes,
// leaving the PC at the instruction, or returns false after moving the PC
// itself.
type Instruction func(v *rmm.VCPU) (rmm.Trap, bool)

// Program is a guest image: one instruction every four bytes from Base. It
// implements rmm.Executor. A REC whose PC leaves the program takes
// interrupts.
type Program struct {
	Base hostarch.Addr
	Code []Instruction
}

// Run implements rmm.Executor.Run.
func (p *Program) Run(v *rmm.VCPU) rmm.Trap {
	for n := 0; n < maxSteps; n++ {
		ins := p.at(v.PC())
		if ins == nil {
			break
		}
		if t, ok := ins(v); ok {
			return t
		}
	}
	return rmm.Trap{Kind: rmm.TrapIRQ}
}

func (p *Program) at(pc uint64) Instruction {
	addr := hostarch.Addr(pc)
	if addr < p.Base || (addr-p.Base)%instructionSize != 0 {
		return nil
	}
	i := uint64(addr-p.Base) / instructionSize
	if i >= uint64(len(p.Code)) {
		return nil
	}
	return p.Code[i]
}

// Addr returns the address of instruction i.
func (p *Program) Addr(i int) hostarch.Addr {
	return p.Base + hostarch.Addr(i)*instructionSize
}

func next(v *rmm.VCPU) (rmm.Trap, bool) {
	v.SetPC(v.PC() + instructionSize)
	return rmm.Trap{}, false
}

// SMC calls the monitor with fid and args in the first registers.
func SMC(fid uint64, args ...uint64) Instruction {
	return func(v *rmm.VCPU) (rmm.Trap, bool) {
		v.SetReg(0, fid)
		for i, a := range args {
			v.SetReg(i+1, a)
		}
		return rmm.Trap{Kind: rmm.TrapSMC}, true
	}
}

// WFI waits for an interrupt.
func WFI() Instruction {
	return func(*rmm.VCPU) (rmm.Trap, bool) {
		return rmm.Trap{Kind: rmm.TrapWFI}, true
	}
}

// Mov sets register reg to val.
func Mov(reg int, val uint64) Instruction {
	return func(v *rmm.VCPU) (rmm.Trap, bool) {
		v.SetReg(reg, val)
		return next(v)
	}
}

// BranchIfEqual branches by off instructions if register reg holds val.
func BranchIfEqual(reg int, val uint64, off int) Instruction {
	return func(v *rmm.VCPU) (rmm.Trap, bool) {
		if v.Reg(reg) != val {
			return next(v)
		}
		v.SetPC(uint64(int64(v.PC()) + int64(off)*instructionSize))
		return rmm.Trap{}, false
	}
}

// Call runs f. It stands for code the realm runs without trapping.
func Call(f func(v *rmm.VCPU)) Instruction {
	return func(v *rmm.VCPU) (rmm.Trap, bool) {
		f(v)
		return next(v)
	}
}

// Store writes buf to realm memory at the protected ipa. An unmapped ipa
// traps and the store is retried once the host maps it.
func Store(ipa hostarch.Addr, buf []byte) Instruction {
	return func(v *rmm.VCPU) (rmm.Trap, bool) {
		if !v.Store(ipa, buf) {
			return rmm.Trap{Kind: rmm.TrapDataAbort, IPA: ipa, Write: true}, true
		}
		return next(v)
	}
}

// MMIOWrite writes the 8 byte register reg to the unprotected ipa.
func MMIOWrite(ipa hostarch.Addr, reg int) Instruction {
	return func(*rmm.VCPU) (rmm.Trap, bool) {
		return rmm.Trap{Kind: rmm.TrapDataAbort, IPA: ipa, Write: true, SRT: reg, Size: 3}, true
	}
}

// MMIORead reads 8 bytes from the unprotected ipa into register reg.
func MMIORead(ipa hostarch.Addr, reg int) Instruction {
	return func(*rmm.VCPU) (rmm.Trap, bool) {
		return rmm.Trap{Kind: rmm.TrapDataAbort, IPA: ipa, SRT: reg, Size: 3}, true
	}
}
