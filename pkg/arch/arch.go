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

// Package arch abstracts the platform operations the monitor depends on:
// memory barriers, TLB maintenance and the physical address space (PAS)
// controller.
package arch

import (
	"fmt"
	"strings"
	"sync/atomic"

	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/sync"
)

// Barriers issues memory barriers and TLB maintenance.
//
// A translation table entry downgrade must be followed by DSBStore, the
// invalidation, DSB and ISB, in that order. InvalidateIPA and InvalidateVMID
// do this.
type Barriers interface {
	// DSBStore orders prior stores before subsequent TLB maintenance.
	DSBStore()

	// DSB waits for prior TLB maintenance to complete.
	DSB()

	// ISB synchronizes the instruction stream.
	ISB()

	// TLBIIPA invalidates cached stage 2 translations of one IPA at level
	// for vmid.
	TLBIIPA(vmid uint16, ipa hostarch.Addr, level int)

	// TLBIVMID invalidates all cached translations of vmid.
	TLBIVMID(vmid uint16)
}

// InvalidateIPA invalidates the translation of ipa at level with the
// required barriers around it.
func InvalidateIPA(b Barriers, vmid uint16, ipa hostarch.Addr, level int) {
	b.DSBStore()
	b.TLBIIPA(vmid, ipa, level)
	b.DSB()
	b.ISB()
}

// InvalidateVMID invalidates all translations of vmid with the required
// barriers around it.
func InvalidateVMID(b Barriers, vmid uint16) {
	b.DSBStore()
	b.TLBIVMID(vmid)
	b.DSB()
	b.ISB()
}

// fence is the target of the native barriers. Go has no standalone fence;
// a sequentially consistent read-modify-write orders all prior and
// subsequent memory accesses of this goroutine.
var fence atomic.Uint32

// Native implements Barriers with Go atomics. The simulated platform has no
// TLB, so invalidations only order memory.
type Native struct{}

// DSBStore implements Barriers.DSBStore.
func (Native) DSBStore() { fence.Add(1) }

// DSB implements Barriers.DSB.
func (Native) DSB() { fence.Add(1) }

// ISB implements Barriers.ISB.
func (Native) ISB() {}

// TLBIIPA implements Barriers.TLBIIPA.
func (Native) TLBIIPA(uint16, hostarch.Addr, int) {}

// TLBIVMID implements Barriers.TLBIVMID.
func (Native) TLBIVMID(uint16) {}

// Op is an operation recorded by Recorder.
type Op struct {
	Kind  string
	VMID  uint16
	IPA   hostarch.Addr
	Level int
}

func (o Op) String() string {
	switch o.Kind {
	case "tlbi-ipa":
		return fmt.Sprintf("tlbi-ipa(%d,%v,L%d)", o.VMID, o.IPA, o.Level)
	case "tlbi-vmid":
		return fmt.Sprintf("tlbi-vmid(%d)", o.VMID)
	default:
		return o.Kind
	}
}

// Recorder implements Barriers by recording the operations issued. It is
// safe for concurrent use.
type Recorder struct {
	mu  sync.Mutex
	ops []Op
}

func (r *Recorder) record(op Op) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

// DSBStore implements Barriers.DSBStore.
func (r *Recorder) DSBStore() { r.record(Op{Kind: "dsb-ishst"}) }

// DSB implements Barriers.DSB.
func (r *Recorder) DSB() { r.record(Op{Kind: "dsb-ish"}) }

// ISB implements Barriers.ISB.
func (r *Recorder) ISB() { r.record(Op{Kind: "isb"}) }

// TLBIIPA implements Barriers.TLBIIPA.
func (r *Recorder) TLBIIPA(vmid uint16, ipa hostarch.Addr, level int) {
	r.record(Op{Kind: "tlbi-ipa", VMID: vmid, IPA: ipa, Level: level})
}

// TLBIVMID implements Barriers.TLBIVMID.
func (r *Recorder) TLBIVMID(vmid uint16) {
	r.record(Op{Kind: "tlbi-vmid", VMID: vmid})
}

// Ops returns and clears the recorded operations.
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := r.ops
	r.ops = nil
	return ops
}

// Trace formats ops as a space separated string.
func Trace(ops []Op) string {
	s := make([]string, len(ops))
	for i, op := range ops {
		s[i] = op.String()
	}
	return strings.Join(s, " ")
}
