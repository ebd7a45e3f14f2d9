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
	"gvisor.dev/rmm/pkg/hostarch"
)

// The Init functions fill a table at level with the entries that together
// describe the same state as one entry at level-1. They are used when a new
// table replaces a block or an unassigned or destroyed entry.

// InitUnassigned fills t with unassigned entries.
func InitUnassigned(t Entries, ripas RIPAS) {
	e := Unassigned(ripas)
	for i := 0; i < EntriesPerTable; i++ {
		t.Store(i, e)
	}
}

// InitDestroyed fills t with destroyed entries.
func InitDestroyed(t Entries) {
	e := Destroyed()
	for i := 0; i < EntriesPerTable; i++ {
		t.Store(i, e)
	}
}

// InitAssignedEmpty fills t at level with assigned entries covering the
// block at pa.
func InitAssignedEmpty(t Entries, pa hostarch.Addr, level int) {
	sz := hostarch.Addr(MapSize(level))
	for i := 0; i < EntriesPerTable; i++ {
		t.Store(i, AssignedEmpty(pa+hostarch.Addr(i)*sz, level))
	}
}

// InitValid fills t at level with valid entries covering the block at pa.
func InitValid(t Entries, pa hostarch.Addr, level int) {
	sz := hostarch.Addr(MapSize(level))
	for i := 0; i < EntriesPerTable; i++ {
		t.Store(i, Valid(pa+hostarch.Addr(i)*sz, level))
	}
}

// InitValidNS fills t at level with host mappings splitting the block
// described by the entry parent.
func InitValidNS(t Entries, parent TTE, level int) {
	attrs := HostAttrs(parent) &^ oaMask
	pa := PA(parent, level-1)
	sz := hostarch.Addr(MapSize(level))
	for i := 0; i < EntriesPerTable; i++ {
		t.Store(i, ValidNS(uint64(pa+hostarch.Addr(i)*sz)|attrs, level))
	}
}

// IsUnassignedBlock reports whether every entry of t is unassigned with the
// same RIPAS, and returns that RIPAS.
func IsUnassignedBlock(t Entries) (RIPAS, bool) {
	first := t.Load(0)
	if !IsUnassigned(first) {
		return 0, false
	}
	for i := 1; i < EntriesPerTable; i++ {
		if t.Load(i) != first {
			return 0, false
		}
	}
	r, _ := RIPASOf(first, MaxLevel)
	return r, true
}

// IsDestroyedBlock reports whether every entry of t is destroyed.
func IsDestroyedBlock(t Entries) bool {
	for i := 0; i < EntriesPerTable; i++ {
		if !IsDestroyed(t.Load(i)) {
			return false
		}
	}
	return true
}

// contiguous reports whether the entries of t at level all satisfy match and
// map consecutive output addresses starting at a boundary of level-1. It
// returns the first output address.
func contiguous(t Entries, level int, match func(TTE) bool) (hostarch.Addr, bool) {
	if level-1 < MinBlockLevel {
		return 0, false
	}
	first := t.Load(0)
	if !match(first) {
		return 0, false
	}
	base := PA(first, level)
	if !IsLevelAligned(base, level-1) {
		return 0, false
	}
	sz := hostarch.Addr(MapSize(level))
	for i := 1; i < EntriesPerTable; i++ {
		e := t.Load(i)
		if !match(e) || PA(e, level) != base+hostarch.Addr(i)*sz {
			return 0, false
		}
	}
	return base, true
}

// MapsAssignedBlock reports whether t at level holds assigned entries for a
// contiguous, aligned block, and returns the block address.
func MapsAssignedBlock(t Entries, level int) (hostarch.Addr, bool) {
	return contiguous(t, level, IsAssigned)
}

// MapsValidBlock reports whether t at level holds valid entries for a
// contiguous, aligned block, and returns the block address.
func MapsValidBlock(t Entries, level int) (hostarch.Addr, bool) {
	return contiguous(t, level, func(e TTE) bool { return IsValid(e, level) })
}

// MapsValidNSBlock reports whether t at level holds host mappings with
// identical attributes for a contiguous, aligned block. It returns the entry
// the host would pass to map the whole block.
func MapsValidNSBlock(t Entries, level int) (uint64, bool) {
	attrs := nsAttrs(t.Load(0))
	base, ok := contiguous(t, level, func(e TTE) bool {
		return IsValidNS(e, level) && nsAttrs(e) == attrs
	})
	if !ok {
		return 0, false
	}
	return uint64(base) | HostAttrs(t.Load(0))&^oaMask, true
}

// IsLive reports whether any entry of t at level references memory or a
// table: assigned, valid, host mapping or table entries.
func IsLive(t Entries, level int) bool {
	for i := 0; i < EntriesPerTable; i++ {
		switch Classify(t.Load(i), level) {
		case KindAssigned, KindValid, KindValidNS, KindTable:
			return true
		}
	}
	return false
}
