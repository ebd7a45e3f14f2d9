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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rmm/pkg/abi/rsi"
	"gvisor.dev/rmm/pkg/binary"
	"gvisor.dev/rmm/pkg/errors/rmmerr"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/physmem"
	"gvisor.dev/rmm/pkg/rmm"
)

const (
	memBase     = hostarch.Addr(0x80000000)
	memGranules = 64
)

func gran(i int) hostarch.Addr {
	return memBase + hostarch.Addr(i)<<hostarch.GranuleShift
}

func newHost(t *testing.T, conf rmm.Config) *Host {
	t.Helper()
	mem, err := physmem.New(memBase, memGranules)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	if conf.CPUs == 0 {
		conf.CPUs = 1
	}
	conf.CheckLockOrder = true
	m, err := rmm.New(mem, conf)
	if err != nil {
		t.Fatalf("rmm.New: %v", err)
	}
	return New(m, mem)
}

func TestAlloc(t *testing.T) {
	h := newHost(t, rmm.Config{})
	if got := h.Available(); got != memGranules {
		t.Fatalf("Available: got %d, wanted %d", got, memGranules)
	}
	a, err := h.Alloc()
	if err != nil || a != gran(0) {
		t.Fatalf("Alloc: got (%v, %v), wanted %v", a, err, gran(0))
	}
	b, err := h.AllocContiguous(3)
	if err != nil || b != gran(1) {
		t.Fatalf("AllocContiguous: got (%v, %v), wanted %v", b, err, gran(1))
	}
	h.Free(a)
	if a2, _ := h.Alloc(); a2 != a {
		t.Errorf("Alloc after Free: got %v, wanted %v", a2, a)
	}
	if got, want := h.Available(), memGranules-4; got != want {
		t.Errorf("Available: got %d, wanted %d", got, want)
	}
}

func TestAllocContiguousGaps(t *testing.T) {
	h := newHost(t, rmm.Config{})
	for i := 0; i < memGranules; i++ {
		if _, err := h.Alloc(); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if _, err := h.Alloc(); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("Alloc of exhausted memory: got %v, wanted %v", err, ErrNoMemory)
	}
	for _, i := range []int{0, 2, 3, 4, 9} {
		h.Free(gran(i))
	}
	got, err := h.AllocContiguous(3)
	if err != nil || got != gran(2) {
		t.Errorf("AllocContiguous(3): got (%v, %v), wanted %v", got, err, gran(2))
	}
	if _, err := h.AllocContiguous(2); !errors.Is(err, ErrNoMemory) {
		t.Errorf("AllocContiguous(2): got %v, wanted %v", err, ErrNoMemory)
	}
	if _, err := h.AllocContiguous(0); err == nil {
		t.Errorf("AllocContiguous(0) succeeded")
	}
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(func() error {
		calls++
		if calls < 3 {
			return rmmerr.ErrInUse
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("Retry of busy op: got (%v, %d calls), wanted (nil, 3 calls)", err, calls)
	}

	calls = 0
	err = Retry(func() error {
		calls++
		return rmmerr.ErrInput
	})
	if !errors.Is(err, rmmerr.ErrInput) || calls != 1 {
		t.Errorf("Retry of failing op: got (%v, %d calls), wanted (%v, 1 call)", err, calls, rmmerr.ErrInput)
	}
}

const (
	codeIPA     = hostarch.Addr(0x1000)
	hostCallIPA = codeIPA + 0x800
	ramIPA      = hostarch.Addr(0x10000)
	consoleIPA  = hostarch.Addr(1<<39 + 0x100)
)

func TestRealmRun(t *testing.T) {
	var (
		callStatus uint64
		callResult [8]byte
	)
	prog := &Program{Base: codeIPA}
	prog.Code = []Instruction{
		SMC(rsi.FnMeasurementExtend, 1, 8, 0x1122334455667788),
		Mov(1, 'h'),
		MMIOWrite(consoleIPA, 1),
		Mov(1, 'i'),
		MMIOWrite(consoleIPA, 1),
		SMC(rsi.FnIPAStateSet, uint64(ramIPA), uint64(ramIPA)+2*hostarch.GranuleSize, rsi.RIPASRAM),
		Store(ramIPA, []byte{1, 2, 3}),
		SMC(rsi.FnHostCall, uint64(hostCallIPA)),
		Call(func(v *rmm.VCPU) {
			callStatus = v.Reg(0)
			v.Load(hostCallIPA+8, callResult[:])
		}),
		SMC(rsi.FnPSCISystemOff),
	}

	h := newHost(t, rmm.Config{Executor: prog, RecAuxCount: 1})
	c := h.Monitor().CPU(0)
	r, err := h.CreateRealm(c, RealmSpec{VMID: 1, IPABits: 40, StartLevel: 1})
	if err != nil {
		t.Fatalf("CreateRealm: %v", err)
	}

	var hc rsi.HostCall
	hc.Imm = 7
	hc.GPRs[0] = 41
	image := make([]byte, hostarch.GranuleSize)
	binary.MarshalInto(image[0x800:0x800+binary.Size(&hc)], binary.LittleEndian, &hc)
	if err := r.AddData(c, codeIPA, image); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	rec, err := r.CreateREC(c, 0, uint64(codeIPA), true)
	if err != nil {
		t.Fatalf("CreateREC: %v", err)
	}
	if err := r.Activate(c); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	dev := &Console{}
	st, stop, err := r.Run(c, rec, dev, 32)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stop != StopSystemOff {
		t.Errorf("stop reason: got %v, wanted %v", stop, StopSystemOff)
	}
	want := RunStats{Entries: 6, MMIO: 2, Faults: 1, RIPASChanges: 1, HostCalls: 1, PSCI: 1}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if got := string(dev.Output); got != "hi" {
		t.Errorf("console output: got %q, wanted %q", got, "hi")
	}
	if diff := cmp.Diff([]uint64{7}, dev.Calls); diff != "" {
		t.Errorf("host calls mismatch (-want +got):\n%s", diff)
	}
	if callStatus != uint64(rsi.Success) {
		t.Errorf("host call status: got %d, wanted %d", callStatus, rsi.Success)
	}
	if got := binary.LittleEndian.Uint64(callResult[:]); got != 42 {
		t.Errorf("host call result: got %d, wanted 42", got)
	}

	if _, _, err := r.Run(c, rec, dev, 1); err == nil {
		t.Errorf("Run after system off succeeded")
	}
	if err := r.Destroy(c); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if got := h.Available(); got != memGranules {
		t.Errorf("Available after Destroy: got %d, wanted %d", got, memGranules)
	}
	for i := 0; i < memGranules; i++ {
		if s, _ := h.Monitor().GranuleState(gran(i)); s != granule.HostOwned {
			t.Errorf("granule %d: state %v after Destroy", i, s)
		}
	}
}
