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

// Package s2tt implements realm translation tables (RTTs): the encoding of
// stage 2 translation table entries, table-wide helpers and the locked table
// walk.
//
// An entry is a 64-bit word. Bits [1:0] are the descriptor type. Invalid
// entries (type 0) carry the host IPA state (HIPAS) in bits [4:2] and, for
// unassigned entries, the realm IPA state (RIPAS) in bit 5. Valid entries
// carry a block (type 1) or page (type 3, level 3) mapping with normal
// write-back memory attributes, or a table pointer (type 3, levels 0-2).
// Bit 55 is reserved for software and marks mappings of host memory.
package s2tt

import (
	"fmt"

	"gvisor.dev/rmm/pkg/bits"
	"gvisor.dev/rmm/pkg/hostarch"
)

// TTE is a stage 2 translation table entry.
type TTE uint64

// Table geometry for the 4KB granule.
const (
	MinLevel = 0
	MaxLevel = 3

	// MinBlockLevel is the lowest level at which a block mapping may exist.
	MinBlockLevel = 2

	// EntriesPerTable is the number of entries in one table granule.
	EntriesPerTable = 512

	levelBits = 9

	// MaxStartTables is the maximum number of concatenated tables at the
	// start level.
	MaxStartTables = 16

	// MaxIPABits is the widest supported IPA space.
	MaxIPABits = 48

	// MinIPABits is the narrowest supported IPA space.
	MinIPABits = 32
)

const (
	descMask    = 0x3
	descInvalid = 0x0
	descBlock   = 0x1
	descPage    = 0x3
	descTable   = 0x3

	hipasShift      = 2
	hipasMask       = 0x7 << hipasShift
	hipasUnassigned = 0x0 << hipasShift
	hipasAssigned   = 0x1 << hipasShift
	hipasDestroyed  = 0x2 << hipasShift

	ripasBit = 1 << 5

	// Valid descriptor attributes.
	memAttrMask     = 0xf << 2
	memAttrNormalWB = 0xf << 2
	s2apMask        = 0x3 << 6
	s2apRW          = 0x3 << 6
	shMask          = 0x3 << 8
	shInner         = 0x3 << 8
	afBit           = 1 << 10
	nsBit           = 1 << 55

	// oaMask covers output address bits [47:12].
	oaMask = 0x0000fffffffff000

	validAttrs = memAttrNormalWB | s2apRW | shInner | afBit

	// nsHostAttrs are the attributes the host chooses for its own memory.
	nsHostAttrs = memAttrMask | s2apMask
)

// RIPAS is a realm IPA state.
type RIPAS uint8

// RIPAS values.
const (
	RIPASEmpty RIPAS = 0
	RIPASRAM   RIPAS = 1
)

// String implements fmt.Stringer.
func (r RIPAS) String() string {
	switch r {
	case RIPASEmpty:
		return "EMPTY"
	case RIPASRAM:
		return "RAM"
	default:
		return fmt.Sprintf("RIPAS(%d)", uint8(r))
	}
}

// Kind is the classification of an entry.
type Kind int

// Entry kinds.
const (
	KindUnassigned Kind = iota
	KindDestroyed
	KindAssigned
	KindValid
	KindValidNS
	KindTable
)

var kindNames = [...]string{
	KindUnassigned: "unassigned",
	KindDestroyed:  "destroyed",
	KindAssigned:   "assigned",
	KindValid:      "valid",
	KindValidNS:    "valid-ns",
	KindTable:      "table",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// LevelShift returns the binary log of the size mapped by one entry at level.
func LevelShift(level int) uint {
	checkLevel(level)
	return hostarch.GranuleShift + levelBits*uint(MaxLevel-level)
}

// MapSize returns the size mapped by one entry at level.
func MapSize(level int) uint64 {
	return 1 << LevelShift(level)
}

// IsLevelAligned returns true if addr is aligned to the size mapped by one
// entry at level.
func IsLevelAligned(addr hostarch.Addr, level int) bool {
	return bits.IsAligned64(uint64(addr), MapSize(level))
}

// Index returns the index of addr in a table at level.
func Index(addr hostarch.Addr, level int) int {
	return int((uint64(addr) >> LevelShift(level)) & (EntriesPerTable - 1))
}

func checkLevel(level int) {
	if level < MinLevel || level > MaxLevel {
		panic(fmt.Sprintf("invalid RTT level %d", level))
	}
}

func checkAligned(pa hostarch.Addr, level int) {
	if !IsLevelAligned(pa, level) || uint64(pa)&^oaMask != 0 {
		panic(fmt.Sprintf("output address %v not valid at level %d", pa, level))
	}
}

func mappingDesc(level int) TTE {
	if level == MaxLevel {
		return descPage
	}
	if level < MinBlockLevel {
		panic(fmt.Sprintf("no block mappings at level %d", level))
	}
	return descBlock
}

// Unassigned returns an unassigned entry with the given RIPAS.
func Unassigned(ripas RIPAS) TTE {
	e := TTE(hipasUnassigned)
	if ripas == RIPASRAM {
		e |= ripasBit
	}
	return e
}

// Destroyed returns a destroyed entry.
func Destroyed() TTE {
	return hipasDestroyed
}

// AssignedEmpty returns an entry that owns the granule or block at pa with
// RIPAS EMPTY. pa must be aligned to level.
func AssignedEmpty(pa hostarch.Addr, level int) TTE {
	checkAligned(pa, level)
	return TTE(pa) | hipasAssigned
}

// Valid returns a valid mapping of pa at level with RIPAS RAM. pa must be
// aligned to level.
func Valid(pa hostarch.Addr, level int) TTE {
	checkAligned(pa, level)
	return TTE(pa) | validAttrs | mappingDesc(level)
}

// ValidNS returns a valid mapping of host memory at level. The output address
// and the memory attributes and access permissions are taken from hostTTE.
func ValidNS(hostTTE uint64, level int) TTE {
	pa := hostarch.Addr(hostTTE & oaMask)
	checkAligned(pa, level)
	return TTE(pa) | TTE(hostTTE&nsHostAttrs) | afBit | nsBit | mappingDesc(level)
}

// IsValidHostTTE reports whether hostTTE is acceptable to ValidNS at level.
func IsValidHostTTE(hostTTE uint64, level int) bool {
	if hostTTE&^(oaMask|nsHostAttrs) != 0 {
		return false
	}
	return IsLevelAligned(hostarch.Addr(hostTTE&oaMask), level)
}

// Table returns a table descriptor pointing at the table granule pa.
func Table(pa hostarch.Addr) TTE {
	checkAligned(pa, MaxLevel)
	return TTE(pa) | descTable
}

func (e TTE) desc() uint64 {
	return uint64(e) & descMask
}

// IsUnassigned returns true if e is unassigned, with either RIPAS.
func IsUnassigned(e TTE) bool {
	return uint64(e)&^ripasBit == hipasUnassigned
}

// IsDestroyed returns true if e is destroyed.
func IsDestroyed(e TTE) bool {
	return e == hipasDestroyed
}

// IsAssigned returns true if e is assigned with RIPAS EMPTY.
func IsAssigned(e TTE) bool {
	return uint64(e)&^oaMask == hipasAssigned
}

func isMapping(e TTE, level int) bool {
	switch e.desc() {
	case descPage:
		return level == MaxLevel
	case descBlock:
		return level >= MinBlockLevel && level < MaxLevel
	default:
		return false
	}
}

// IsValid returns true if e maps realm memory at level.
func IsValid(e TTE, level int) bool {
	return isMapping(e, level) && uint64(e)&nsBit == 0
}

// IsValidNS returns true if e maps host memory at level.
func IsValidNS(e TTE, level int) bool {
	return isMapping(e, level) && uint64(e)&nsBit != 0
}

// IsTable returns true if e points to a next-level table.
func IsTable(e TTE, level int) bool {
	return level < MaxLevel && e.desc() == descTable
}

// Classify returns the kind of e at level. Any entry that is not exactly one
// kind is corrupt and Classify panics.
func Classify(e TTE, level int) Kind {
	checkLevel(level)
	switch {
	case IsUnassigned(e):
		return KindUnassigned
	case IsDestroyed(e):
		return KindDestroyed
	case IsAssigned(e):
		return KindAssigned
	case IsValid(e, level):
		return KindValid
	case IsValidNS(e, level):
		return KindValidNS
	case IsTable(e, level):
		return KindTable
	}
	panic(fmt.Sprintf("corrupt RTT entry %#x at level %d", uint64(e), level))
}

// PA returns the output address of an assigned, valid or table entry at
// level.
func PA(e TTE, level int) hostarch.Addr {
	if IsTable(e, level) {
		return hostarch.Addr(uint64(e) & oaMask)
	}
	return hostarch.Addr(bits.AlignDown64(uint64(e)&oaMask, MapSize(level)))
}

// RIPASOf returns the RIPAS recorded by e. ok is false for entries that do
// not carry one: destroyed, host mappings and tables.
func RIPASOf(e TTE, level int) (ripas RIPAS, ok bool) {
	switch Classify(e, level) {
	case KindUnassigned:
		if uint64(e)&ripasBit != 0 {
			return RIPASRAM, true
		}
		return RIPASEmpty, true
	case KindAssigned:
		return RIPASEmpty, true
	case KindValid:
		return RIPASRAM, true
	default:
		return 0, false
	}
}

// HostAttrs returns the host-chosen bits of a valid NS entry, in the form
// the host passed them to ValidNS.
func HostAttrs(e TTE) uint64 {
	return uint64(e) & (oaMask | nsHostAttrs)
}

// nsAttrs returns the bits of a valid NS entry other than the output address.
func nsAttrs(e TTE) uint64 {
	return uint64(e) &^ oaMask
}
