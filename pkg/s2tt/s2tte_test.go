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

package s2tt

import (
	"testing"

	"gvisor.dev/rmm/pkg/hostarch"
)

func TestLevelGeometry(t *testing.T) {
	for _, tc := range []struct {
		level int
		size  uint64
	}{
		{0, 1 << 39},
		{1, 1 << 30},
		{2, 1 << 21},
		{3, 1 << 12},
	} {
		if got := MapSize(tc.level); got != tc.size {
			t.Errorf("MapSize(%d): got %#x, wanted %#x", tc.level, got, tc.size)
		}
	}
	ipa := hostarch.Addr(0x8040201000)
	for level, want := range []int{1, 1, 1, 1} {
		if got := Index(ipa, level); got != want {
			t.Errorf("Index(%v, %d): got %d, wanted %d", ipa, level, got, want)
		}
	}
}

func TestClassifyExclusive(t *testing.T) {
	const pa = hostarch.Addr(0x80200000)
	for _, tc := range []struct {
		name  string
		e     TTE
		level int
		kind  Kind
		ripas RIPAS
		hasRI bool
	}{
		{"unassigned empty", Unassigned(RIPASEmpty), 3, KindUnassigned, RIPASEmpty, true},
		{"unassigned ram", Unassigned(RIPASRAM), 1, KindUnassigned, RIPASRAM, true},
		{"destroyed", Destroyed(), 2, KindDestroyed, 0, false},
		{"assigned page", AssignedEmpty(pa, 3), 3, KindAssigned, RIPASEmpty, true},
		{"assigned block", AssignedEmpty(pa, 2), 2, KindAssigned, RIPASEmpty, true},
		{"valid page", Valid(pa, 3), 3, KindValid, RIPASRAM, true},
		{"valid block", Valid(pa, 2), 2, KindValid, RIPASRAM, true},
		{"valid ns page", ValidNS(uint64(pa)|0x3c, 3), 3, KindValidNS, 0, false},
		{"table", Table(pa), 1, KindTable, 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.e, tc.level); got != tc.kind {
				t.Fatalf("Classify(%#x): got %v, wanted %v", uint64(tc.e), got, tc.kind)
			}
			n := 0
			for _, is := range []bool{
				IsUnassigned(tc.e),
				IsDestroyed(tc.e),
				IsAssigned(tc.e),
				IsValid(tc.e, tc.level),
				IsValidNS(tc.e, tc.level),
				IsTable(tc.e, tc.level),
			} {
				if is {
					n++
				}
			}
			if n != 1 {
				t.Errorf("%#x matches %d classifiers, wanted 1", uint64(tc.e), n)
			}
			ripas, ok := RIPASOf(tc.e, tc.level)
			if ok != tc.hasRI || ripas != tc.ripas {
				t.Errorf("RIPASOf: got (%v, %t), wanted (%v, %t)", ripas, ok, tc.ripas, tc.hasRI)
			}
			switch tc.kind {
			case KindAssigned, KindValid, KindValidNS, KindTable:
				if got := PA(tc.e, tc.level); got != pa {
					t.Errorf("PA: got %v, wanted %v", got, pa)
				}
			}
		})
	}
}

func TestCorruptEntries(t *testing.T) {
	for _, tc := range []struct {
		name  string
		e     TTE
		level int
	}{
		{"unknown hipas", 0x3 << hipasShift, 3},
		{"destroyed with ripas", Destroyed() | ripasBit, 3},
		{"assigned with ripas", AssignedEmpty(0x1000, 3) | ripasBit, 3},
		{"block at level 1", Valid(0x80000000, 2).withDesc(descBlock), 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("Classify(%#x, %d) did not panic", uint64(tc.e), tc.level)
				}
			}()
			Classify(tc.e, tc.level)
		})
	}
}

func (e TTE) withDesc(d uint64) TTE {
	return TTE(uint64(e)&^descMask | d)
}

func TestMisalignedOutputAddress(t *testing.T) {
	for _, tc := range []struct {
		name string
		f    func()
	}{
		{"assigned block", func() { AssignedEmpty(0x1000, 2) }},
		{"valid page", func() { Valid(0x1001, 3) }},
		{"valid above 48 bits", func() { Valid(1<<48, 3) }},
		{"ns block", func() { ValidNS(0x3000, 2) }},
		{"block at level 1", func() { Valid(0x40000000, 1) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("did not panic")
				}
			}()
			tc.f()
		})
	}
}

func TestValidNSAttributes(t *testing.T) {
	host := uint64(0x90000000) | memAttrMask | s2apMask
	if !IsValidHostTTE(host, 2) {
		t.Fatalf("IsValidHostTTE(%#x, 2) = false", host)
	}
	if IsValidHostTTE(host|afBit, 2) {
		t.Errorf("host entry with AF accepted")
	}
	if IsValidHostTTE(0x90001000, 2) {
		t.Errorf("misaligned host block accepted")
	}
	e := ValidNS(host, 2)
	if got := HostAttrs(e); got != host {
		t.Errorf("HostAttrs: got %#x, wanted %#x", got, host)
	}
}
