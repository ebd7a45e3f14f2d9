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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rmm/pkg/abi/rmi"
	"gvisor.dev/rmm/pkg/arch"
	"gvisor.dev/rmm/pkg/errors/rmmerr"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/hostarch"
)

// Unprotected tables.
const (
	gNSL2 = 13
	gNSL3 = 14

	unprotIPA = hostarch.Addr(1 << 39)

	// hostBlock is a host descriptor of a 2MB block of normal memory.
	hostBlock = 0x90000000 | 0xfc
)

func wantStatus(t *testing.T, op string, err error, st rmi.Status, idx uint8) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: succeeded, wanted %v", op, st)
		return
	}
	if gotSt, gotIdx := rmmerr.StatusOf(err); gotSt != st || gotIdx != idx {
		t.Errorf("%s: got (%v, %d), wanted (%v, %d)", op, gotSt, gotIdx, st, idx)
	}
}

func (e *testEnv) readEntry(ipa hostarch.Addr, level int) RTTEntry {
	e.t.Helper()
	ent, err := e.c.RTTReadEntry(gran(gRD), ipa, level)
	e.must("RTTReadEntry", err)
	return ent
}

func TestRTTCreateErrors(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.createRealm()
	e.delegate(gL2, gL3)
	rd := gran(gRD)

	wantStatus(t, "RTTCreate at start level", e.c.RTTCreate(rd, gran(gL2), 0, 1), rmi.ErrorInput, 0)
	wantStatus(t, "RTTCreate past last level", e.c.RTTCreate(rd, gran(gL2), 0, 4), rmi.ErrorInput, 0)
	wantStatus(t, "RTTCreate misaligned", e.c.RTTCreate(rd, gran(gL2), 0x1000, 2), rmi.ErrorInput, 0)
	wantStatus(t, "RTTCreate outside IPA space", e.c.RTTCreate(rd, gran(gL2), 1<<40, 2), rmi.ErrorInput, 0)
	wantStatus(t, "RTTCreate L3 without L2", e.c.RTTCreate(rd, gran(gL3), 0, 3), rmi.ErrorRTT, 1)

	e.must("RTTCreate", e.c.RTTCreate(rd, gran(gL2), 0, 2))
	wantStatus(t, "second RTTCreate", e.c.RTTCreate(rd, gran(gL3), 0, 2), rmi.ErrorRTT, 2)
	e.wantState(gL2, granule.RTT)
	e.wantState(gL3, granule.Delegated)
	if diff := cmp.Diff(RTTEntry{Level: 1, State: rmi.RTTTable, Desc: uint64(gran(gL2))}, e.readEntry(0, 1)); diff != "" {
		t.Errorf("parent entry mismatch (-want +got):\n%s", diff)
	}
	wantErr(t, "GranuleUndelegate of table", e.c.GranuleUndelegate(gran(gL2)), rmmerr.ErrInput)
}

func TestRTTInheritsRIPAS(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.createRealm()
	e.delegate(gL2)
	e.must("RTTCreate", e.c.RTTCreate(gran(gRD), gran(gL2), 0, 2))
	// A level 2 entry with RIPAS RAM is inherited by the new level 3 table.
	e.must("RTTInitRIPAS", e.c.RTTInitRIPAS(gran(gRD), 0x200000, 2))
	e.delegate(gL3)
	e.must("RTTCreate", e.c.RTTCreate(gran(gRD), gran(gL3), 0x200000, 3))
	if got := e.readEntry(0x3ff000, 3); got.State != rmi.RTTUnassigned || got.RIPAS != rmi.RIPASRAM {
		t.Errorf("inherited entry: got %+v", got)
	}
	wantStatus(t, "RTTInitRIPAS of table", e.c.RTTInitRIPAS(gran(gRD), 0x200000, 2), rmi.ErrorRTT, 2)
}

func TestRTTFoldUnassigned(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.createRealm()
	e.mapTables()
	rd := gran(gRD)

	e.must("RTTInitRIPAS", e.c.RTTInitRIPAS(rd, 0x1000, 3))
	_, err := e.c.RTTFold(rd, 0, 3)
	wantErr(t, "RTTFold of mixed table", err, rmmerr.ErrInUse)
	e.wantState(gL3, granule.RTT)

	// A table at a fresh 2MB range folds into one unassigned entry.
	e.delegate(gL3b)
	e.must("RTTCreate", e.c.RTTCreate(rd, gran(gL3b), 0x200000, 3))
	e.barriers.Ops()
	rtt, err := e.c.RTTFold(rd, 0x200000, 3)
	e.must("RTTFold", err)
	if rtt != gran(gL3b) {
		t.Errorf("RTTFold: got %v, wanted %v", rtt, gran(gL3b))
	}
	e.wantState(gL3b, granule.Delegated)
	if diff := cmp.Diff(RTTEntry{Level: 2, State: rmi.RTTUnassigned, RIPAS: rmi.RIPASEmpty}, e.readEntry(0x200000, 3)); diff != "" {
		t.Errorf("folded entry mismatch (-want +got):\n%s", diff)
	}
	want := "dsb-ishst tlbi-ipa(1,0x200000,L2) dsb-ish isb"
	if got := arch.Trace(e.barriers.Ops()); got != want {
		t.Errorf("fold barriers: got %q, wanted %q", got, want)
	}
	_, err = e.c.RTTFold(rd, 0x200000, 3)
	wantStatus(t, "second RTTFold", err, rmi.ErrorRTT, 2)
}

// TestUnprotectedBlock maps a host block, splits it into pages and folds it
// back.
func TestUnprotectedBlock(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.createRealm()
	rd := gran(gRD)
	e.delegate(gNSL2, gNSL3)
	e.must("RTTCreate", e.c.RTTCreate(rd, gran(gNSL2), unprotIPA, 2))

	wantErr(t, "RTTMapUnprotected in PAR", e.c.RTTMapUnprotected(rd, 0, 2, hostBlock), rmmerr.ErrInput)
	wantErr(t, "RTTMapUnprotected bad descriptor", e.c.RTTMapUnprotected(rd, unprotIPA, 2, hostBlock|1<<60), rmmerr.ErrInput)
	wantErr(t, "RTTMapUnprotected misaligned block", e.c.RTTMapUnprotected(rd, unprotIPA, 2, hostBlock+0x1000), rmmerr.ErrInput)
	e.must("RTTMapUnprotected", e.c.RTTMapUnprotected(rd, unprotIPA, 2, hostBlock))
	wantStatus(t, "second RTTMapUnprotected", e.c.RTTMapUnprotected(rd, unprotIPA, 2, hostBlock), rmi.ErrorRTT, 2)

	e.barriers.Ops()
	e.must("RTTCreate", e.c.RTTCreate(rd, gran(gNSL3), unprotIPA, 3))
	if got := arch.Trace(e.barriers.Ops()); !strings.Contains(got, "tlbi-ipa(1,0x8000000000,L2)") {
		t.Errorf("split did not invalidate the block: %s", got)
	}
	if diff := cmp.Diff(RTTEntry{Level: 3, State: rmi.RTTValidNS, Desc: hostBlock + 0x5000}, e.readEntry(unprotIPA+0x5000, 3)); diff != "" {
		t.Errorf("split entry mismatch (-want +got):\n%s", diff)
	}

	rtt, err := e.c.RTTFold(rd, unprotIPA, 3)
	e.must("RTTFold", err)
	if rtt != gran(gNSL3) {
		t.Errorf("RTTFold: got %v, wanted %v", rtt, gran(gNSL3))
	}
	if n := len(e.barriers.Ops()); n != 512+3 {
		t.Errorf("fold of valid table: got %d barrier ops, wanted %d", n, 512+3)
	}
	if diff := cmp.Diff(RTTEntry{Level: 2, State: rmi.RTTValidNS, Desc: hostBlock}, e.readEntry(unprotIPA, 2)); diff != "" {
		t.Errorf("folded entry mismatch (-want +got):\n%s", diff)
	}

	wantErr(t, "RTTDestroy of live table", e.c.RTTDestroy(rd, gran(gNSL2), unprotIPA, 2), rmmerr.ErrInUse)
	e.must("RTTUnmapUnprotected", e.c.RTTUnmapUnprotected(rd, unprotIPA, 2))
	wantStatus(t, "second RTTUnmapUnprotected", e.c.RTTUnmapUnprotected(rd, unprotIPA, 2), rmi.ErrorRTT, 2)
	e.must("RTTDestroy", e.c.RTTDestroy(rd, gran(gNSL2), unprotIPA, 2))
	// Unprotected entries come back unassigned rather than destroyed.
	if diff := cmp.Diff(RTTEntry{Level: 1, State: rmi.RTTUnassigned}, e.readEntry(unprotIPA, 1)); diff != "" {
		t.Errorf("parent entry mismatch (-want +got):\n%s", diff)
	}
}

func TestRTTDestroyErrors(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.createRealm()
	e.mapTables()
	rd := gran(gRD)

	wantStatus(t, "RTTDestroy of missing table", e.c.RTTDestroy(rd, gran(gL3), 0x200000, 3), rmi.ErrorRTT, 2)
	wantErr(t, "RTTDestroy naming the wrong table", e.c.RTTDestroy(rd, gran(gL2), 0, 3), rmmerr.ErrInput)
	wantErr(t, "RTTDestroy of table with table", e.c.RTTDestroy(rd, gran(gL2), 0, 2), rmmerr.ErrInUse)

	e.must("RTTDestroy", e.c.RTTDestroy(rd, gran(gL3), 0, 3))
	if diff := cmp.Diff(RTTEntry{Level: 2, State: rmi.RTTDestroyed}, e.readEntry(0, 3)); diff != "" {
		t.Errorf("parent entry mismatch (-want +got):\n%s", diff)
	}
	// Destroyed entries cannot take pages.
	e.delegate(gData)
	wantStatus(t, "DataCreateUnknown under destroyed entry", e.c.DataCreateUnknown(rd, gran(gData), 0x1000), rmi.ErrorRTT, 2)
	wantErr(t, "DataCreateUnknown misaligned", e.c.DataCreateUnknown(rd, gran(gData), 0x1008), rmmerr.ErrInput)
	wantErr(t, "DataCreateUnknown unprotected", e.c.DataCreateUnknown(rd, gran(gData), unprotIPA), rmmerr.ErrInput)
	e.wantState(gData, granule.Delegated)
}

func TestDataDestroyInvalidates(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.createRealm()
	e.mapTables()
	rd := gran(gRD)
	e.must("RTTInitRIPAS", e.c.RTTInitRIPAS(rd, 0x1000, 3))
	e.delegate(gData, gData2)
	e.must("DataCreateUnknown", e.c.DataCreateUnknown(rd, gran(gData), 0x1000))
	e.must("DataCreateUnknown", e.c.DataCreateUnknown(rd, gran(gData2), 0x2000))
	wantStatus(t, "DataCreateUnknown twice", e.c.DataCreateUnknown(rd, gran(gData2), 0x2000), rmi.ErrorInput, 0)

	if diff := cmp.Diff(RTTEntry{Level: 3, State: rmi.RTTAssigned, Desc: uint64(gran(gData)), RIPAS: rmi.RIPASRAM}, e.readEntry(0x1000, 3)); diff != "" {
		t.Errorf("RAM page mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(RTTEntry{Level: 3, State: rmi.RTTAssigned, Desc: uint64(gran(gData2)), RIPAS: rmi.RIPASEmpty}, e.readEntry(0x2000, 3)); diff != "" {
		t.Errorf("EMPTY page mismatch (-want +got):\n%s", diff)
	}

	e.barriers.Ops()
	_, err := e.c.DataDestroy(rd, 0x1000)
	e.must("DataDestroy", err)
	if got, want := arch.Trace(e.barriers.Ops()), "dsb-ishst tlbi-ipa(1,0x1000,L3) dsb-ish isb"; got != want {
		t.Errorf("DataDestroy barriers: got %q, wanted %q", got, want)
	}
	_, err = e.c.DataDestroy(rd, 0x2000)
	e.must("DataDestroy", err)
	if diff := cmp.Diff(RTTEntry{Level: 3, State: rmi.RTTUnassigned, RIPAS: rmi.RIPASEmpty}, e.readEntry(0x2000, 3)); diff != "" {
		t.Errorf("EMPTY page after destroy mismatch (-want +got):\n%s", diff)
	}
	_, err = e.c.DataDestroy(rd, 0x2000)
	wantStatus(t, "second DataDestroy", err, rmi.ErrorRTT, 3)
}
