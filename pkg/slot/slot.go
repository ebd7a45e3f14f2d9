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

// Package slot implements the per-CPU buffer slots through which the monitor
// accesses granule contents.
//
// A slot is a fixed virtual window; mapping a granule into it makes the
// granule's bytes addressable until the mapping is released. Each slot holds
// at most one mapping, and no mapping may survive the call that created it.
package slot

import (
	"fmt"
	"strings"

	"gvisor.dev/rmm/pkg/errors/rmmerr"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/physmem"
)

// Slot identifies a buffer slot.
type Slot int

// Slot catalogue.
const (
	// NS maps host-owned memory.
	NS Slot = iota

	// Delegated maps a delegated granule.
	Delegated

	// RD maps a realm descriptor granule.
	RD

	// REC maps a REC granule.
	REC

	// RECAux maps an auxiliary REC granule.
	RECAux

	// RTT maps a translation table.
	RTT

	// RTT2 maps a second translation table while RTT is in use.
	RTT2

	// Data maps a realm data granule on behalf of the host.
	Data

	// RSICall maps realm memory on behalf of the realm.
	RSICall

	// NumSlots is the number of slots.
	NumSlots
)

var slotNames = [...]string{
	NS:        "NS",
	Delegated: "DELEGATED",
	RD:        "RD",
	REC:       "REC",
	RECAux:    "REC_AUX",
	RTT:       "RTT",
	RTT2:      "RTT2",
	Data:      "DATA",
	RSICall:   "RSI_CALL",
}

// String implements fmt.Stringer.
func (s Slot) String() string {
	if s >= 0 && int(s) < len(slotNames) {
		return slotNames[s]
	}
	return fmt.Sprintf("Slot(%d)", int(s))
}

// NonSecure reports whether a physical address may be accessed through the
// NS slot.
type NonSecure interface {
	IsNonSecure(addr hostarch.Addr) bool
}

// Mapping is an active slot mapping.
type Mapping struct {
	slots *Slots
	slot  Slot
	addr  hostarch.Addr
	data  []byte
}

// Bytes returns the mapped granule contents.
func (m *Mapping) Bytes() []byte {
	if m.data == nil {
		panic(fmt.Sprintf("slot %v: access after unmap", m.slot))
	}
	return m.data
}

// Addr returns the physical address of the mapped granule.
func (m *Mapping) Addr() hostarch.Addr {
	return m.addr
}

// Unmap releases the mapping.
func (m *Mapping) Unmap() {
	s := m.slots
	if s.active[m.slot] != m {
		panic(fmt.Sprintf("slot %v: unmap of inactive mapping", m.slot))
	}
	s.active[m.slot] = nil
	m.data = nil
}

// Slots is the slot set of one CPU. It must only be used by one goroutine
// at a time.
type Slots struct {
	mem    *physmem.Memory
	ns     NonSecure
	active [NumSlots]*Mapping
}

// New returns an empty slot set over mem. ns decides which addresses the NS
// slot may map.
func New(mem *physmem.Memory, ns NonSecure) *Slots {
	return &Slots{mem: mem, ns: ns}
}

func (s *Slots) mapAddr(addr hostarch.Addr, slot Slot) *Mapping {
	if s.active[slot] != nil {
		panic(fmt.Sprintf("slot %v: already maps %v", slot, s.active[slot].addr))
	}
	m := &Mapping{
		slots: s,
		slot:  slot,
		addr:  addr,
		data:  s.mem.Page(addr),
	}
	s.active[slot] = m
	return m
}

// Map maps g into slot, which must not be NS.
//
// Precondition: the caller holds g's lock or a reference that keeps g in its
// current state.
func (s *Slots) Map(g *granule.Granule, slot Slot) *Mapping {
	if slot == NS {
		panic("slot: granules are not mapped through the NS slot")
	}
	return s.mapAddr(g.Addr(), slot)
}

// MapNS maps the host-owned granule at addr. It fails with an input error if
// addr is not granule aligned, not managed memory, or not non-secure.
func (s *Slots) MapNS(addr hostarch.Addr) (*Mapping, error) {
	if !addr.IsGranuleAligned() || !s.mem.Contains(addr) || !s.ns.IsNonSecure(addr) {
		return nil, rmmerr.Inputf("%v is not host memory", addr)
	}
	return s.mapAddr(addr, NS), nil
}

// ReadNS copies len(buf) bytes at offset off of the host granule at addr into
// buf.
func (s *Slots) ReadNS(addr hostarch.Addr, off int, buf []byte) error {
	if off < 0 || off+len(buf) > hostarch.GranuleSize {
		return rmmerr.Inputf("NS read [%d, +%d) outside granule", off, len(buf))
	}
	m, err := s.MapNS(addr)
	if err != nil {
		return err
	}
	copy(buf, m.Bytes()[off:])
	m.Unmap()
	return nil
}

// WriteNS copies buf to offset off of the host granule at addr.
func (s *Slots) WriteNS(addr hostarch.Addr, off int, buf []byte) error {
	if off < 0 || off+len(buf) > hostarch.GranuleSize {
		return rmmerr.Inputf("NS write [%d, +%d) outside granule", off, len(buf))
	}
	m, err := s.MapNS(addr)
	if err != nil {
		return err
	}
	copy(m.Bytes()[off:], buf)
	m.Unmap()
	return nil
}

// Zero maps g into slot and clears it.
func (s *Slots) Zero(g *granule.Granule, slot Slot) {
	m := s.Map(g, slot)
	clear(m.Bytes())
	m.Unmap()
}

// AssertEmpty panics if any slot is mapped.
func (s *Slots) AssertEmpty() {
	var busy []string
	for i, m := range s.active {
		if m != nil {
			busy = append(busy, fmt.Sprintf("%v=%v", Slot(i), m.addr))
		}
	}
	if len(busy) != 0 {
		panic(fmt.Sprintf("slots mapped across a call boundary: %s", strings.Join(busy, ", ")))
	}
}
